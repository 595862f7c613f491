package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/transfa/payout-service/internal/domain"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusPublished  = "published"
)

// enqueue is called with the owning payout's lock held so per-payout order is preserved.
func (r *MemoryRepository) enqueue(events []domain.Event) {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()

	now := r.now()
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			continue
		}
		r.outboxSeq++
		r.outbox = append(r.outbox, &memOutboxMessage{
			msg: OutboxMessage{
				ID:         r.outboxSeq,
				PayoutID:   evt.PayoutID,
				Exchange:   r.exchange,
				RoutingKey: evt.RoutingKey(),
				Payload:    payload,
			},
			status:        outboxStatusPending,
			nextAttemptAt: now,
		})
	}
}

func (r *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	limit = clampLimit(limit, 50, 500)
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()

	now := r.now()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second)
	out := make([]OutboxMessage, 0, limit)
	// A payout with an earlier message that is not ready is held back to keep per-payout order.
	blocked := make(map[uint64]struct{})
	for _, m := range r.outbox {
		if len(out) == limit {
			break
		}
		if _, held := blocked[m.msg.PayoutID]; held {
			continue
		}
		ready := (m.status == outboxStatusPending && !m.nextAttemptAt.After(now)) ||
			(m.status == outboxStatusProcessing && m.startedAt.Before(staleBefore))
		if !ready {
			blocked[m.msg.PayoutID] = struct{}{}
			continue
		}
		m.status = outboxStatusProcessing
		m.startedAt = now
		m.msg.Attempts++
		out = append(out, m.msg)
	}
	return out, nil
}

func (r *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()

	kept := r.outbox[:0]
	for _, m := range r.outbox {
		if m.msg.ID == id {
			m.status = outboxStatusPublished
			continue
		}
		kept = append(kept, m)
	}
	r.outbox = kept
	return nil
}

func (r *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}

	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()

	for _, m := range r.outbox {
		if m.msg.ID == id {
			m.status = outboxStatusPending
			m.nextAttemptAt = r.now().Add(time.Duration(retryAfterSeconds) * time.Second)
			m.startedAt = time.Time{}
			m.lastError = reason
			return nil
		}
	}
	return nil
}

// PendingOutboxCount reports how many messages have not been published yet.
func (r *MemoryRepository) PendingOutboxCount() int {
	r.outboxMu.Lock()
	defer r.outboxMu.Unlock()
	return len(r.outbox)
}
