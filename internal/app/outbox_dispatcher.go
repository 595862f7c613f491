package app

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
	defaultOutboxWorkers   = 4
)

// OutboxRepository is the slice of the ledger store the dispatcher needs.
type OutboxRepository interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// OutboxDispatcherConfig tunes the dispatcher.
type OutboxDispatcherConfig struct {
	BatchSize    int
	PollInterval time.Duration
	Workers      int
}

// OutboxDispatcher publishes committed ledger events. Messages of one payout are
// published in order; different payouts publish in parallel.
type OutboxDispatcher struct {
	repo                OutboxRepository
	publisher           rabbitmq.Publisher
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	pool                pond.Pool
	logger              *zap.Logger
}

func NewOutboxDispatcher(repo OutboxRepository, publisher rabbitmq.Publisher, cfg OutboxDispatcherConfig, logger *zap.Logger) *OutboxDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultOutboxWorkers
	}
	return &OutboxDispatcher{
		repo:                repo,
		publisher:           publisher,
		batchSize:           cfg.BatchSize,
		pollInterval:        cfg.PollInterval,
		staleProcessingTime: defaultStaleProcessing,
		pool:                pond.NewPool(cfg.Workers),
		logger:              logger.With(zap.String("component", "outbox_dispatcher")),
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.pool.StopAndWait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.FlushOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("outbox flush error", zap.Error(err))
			}
		}
	}
}

// FlushOnce claims one batch and publishes it. It returns how many messages were published.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) (int, error) {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	groups := groupByPayout(messages)
	results := make([]int, len(groups))

	group := d.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, batch := range groups {
		i, batch := i, batch
		group.Submit(func() {
			results[i] = d.publishInOrder(groupCtx, batch)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		d.logger.Warn("outbox publish group encountered error", zap.Error(err))
	}

	published := 0
	for _, n := range results {
		published += n
	}
	return published, nil
}

// publishInOrder publishes one payout's messages and stops at the first failure,
// deferring the rest so order is preserved.
func (d *OutboxDispatcher) publishInOrder(ctx context.Context, batch []store.OutboxMessage) int {
	published := 0
	for i, message := range batch {
		if err := d.publishMessage(ctx, message); err != nil {
			retryAfter := retryDelaySeconds(message.Attempts)
			d.logger.Warn("outbox publish failed",
				zap.Int64("message_id", message.ID),
				zap.Uint64("payout_id", message.PayoutID),
				zap.String("routing_key", message.RoutingKey),
				zap.Int("retry_after_seconds", retryAfter),
				zap.Error(err))
			_ = d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error())
			for _, rest := range batch[i+1:] {
				_ = d.repo.MarkOutboxFailed(ctx, rest.ID, retryAfter, "deferred behind failed message")
			}
			return published
		}
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.Warn("failed to mark outbox message as published",
				zap.Int64("message_id", message.ID),
				zap.Error(err))
		}
		published++
	}
	return published
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if !json.Valid(message.Payload) {
		return errors.New("outbox payload is not valid json")
	}
	return d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, json.RawMessage(message.Payload))
}

func groupByPayout(messages []store.OutboxMessage) [][]store.OutboxMessage {
	sorted := make([]store.OutboxMessage, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	index := make(map[uint64]int)
	var groups [][]store.OutboxMessage
	for _, m := range sorted {
		i, ok := index[m.PayoutID]
		if !ok {
			i = len(groups)
			index[m.PayoutID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], m)
	}
	return groups
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
