package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/payout-service/internal/domain"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	mu        sync.Mutex
	byPayout  map[string][]domain.EventKind
	exchanges map[string]int
	failOn    func(p domain.EventPayload) bool
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{
		byPayout:  make(map[string][]domain.EventKind),
		exchanges: make(map[string]int),
	}
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	raw, ok := body.(json.RawMessage)
	if !ok {
		return errors.New("unexpected body type")
	}
	var payload domain.EventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != nil && p.failOn(payload) {
		return errors.New("broker unavailable")
	}
	p.byPayout[payload.PayoutID] = append(p.byPayout[payload.PayoutID], payload.Event)
	p.exchanges[exchange]++
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) kinds(payoutID string) []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.EventKind(nil), p.byPayout[payoutID]...)
}

func TestOutboxDispatcherPublishesInOrderPerPayout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := env.createPayout(t, token, []common.Address{alice, bob}, 10, 10)
		env.fund(t, id, 20)
		_, err := env.svc.Claim(ctx, id, alice)
		require.NoError(t, err)
		_, err = env.svc.ClosePayout(ctx, id, creator)
		require.NoError(t, err)
	}

	publisher := newRecordingPublisher()
	dispatcher := NewOutboxDispatcher(env.repo, publisher, OutboxDispatcherConfig{BatchSize: 100, Workers: 3}, zaptest.NewLogger(t))
	t.Cleanup(dispatcher.pool.StopAndWait)

	published, err := dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, published)
	assert.Zero(t, env.repo.PendingOutboxCount())
	assert.Equal(t, 12, publisher.exchanges[domain.EventExchange])

	want := []domain.EventKind{
		domain.EventPayoutCreated,
		domain.EventPayoutFunded,
		domain.EventPayoutClaimed,
		domain.EventPayoutClosed,
	}
	for _, id := range []string{"1", "2", "3"} {
		assert.Equal(t, want, publisher.kinds(id), "payout %s", id)
	}

	published, err = dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestOutboxDispatcherDefersBehindFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.createPayout(t, token, []common.Address{alice}, 10)
	env.fund(t, first, 10)
	env.createPayout(t, token, []common.Address{bob}, 10)

	publisher := newRecordingPublisher()
	publisher.failOn = func(p domain.EventPayload) bool {
		return p.PayoutID == "1" && p.Event == domain.EventPayoutCreated
	}
	dispatcher := NewOutboxDispatcher(env.repo, publisher, OutboxDispatcherConfig{}, zaptest.NewLogger(t))
	t.Cleanup(dispatcher.pool.StopAndWait)

	published, err := dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, published)
	assert.Empty(t, publisher.kinds("1"), "later events must wait for the failed one")
	assert.Equal(t, []domain.EventKind{domain.EventPayoutCreated}, publisher.kinds("2"))
	assert.Equal(t, 2, env.repo.PendingOutboxCount())

	// Failed messages are backed off and not immediately reclaimed.
	publisher.failOn = nil
	published, err = dispatcher.FlushOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, published)
}

func TestOutboxDispatcherRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.createPayout(t, token, []common.Address{alice}, 10)

	publisher := newRecordingPublisher()
	dispatcher := NewOutboxDispatcher(env.repo, publisher, OutboxDispatcherConfig{PollInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(publisher.kinds("1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	assert.Equal(t, 1, retryDelaySeconds(0))
	assert.Equal(t, 2, retryDelaySeconds(1))
	assert.Equal(t, 8, retryDelaySeconds(3))
	assert.Equal(t, 256, retryDelaySeconds(8))
	assert.Equal(t, 256, retryDelaySeconds(20))
}
