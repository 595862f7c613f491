package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

func enqueueEventTx(ctx context.Context, tx pgx.Tx, payoutID uint64, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payout_event_outbox (payout_id, exchange, routing_key, payload)
		VALUES ($1, $2, $3, $4::jsonb)
	`, int64(payoutID), strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimOutboxMessages leases a batch of ready messages. A payout whose oldest unpublished
// message is not ready is skipped entirely so its events stay in order.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT o.id
			FROM payout_event_outbox o
			WHERE (
				(o.status = 'pending' AND o.next_attempt_at <= NOW())
				OR (o.status = 'processing' AND o.processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			AND NOT EXISTS (
				SELECT 1
				FROM payout_event_outbox e
				WHERE e.payout_id = o.payout_id
					AND e.id < o.id
					AND (
						(e.status = 'pending' AND e.next_attempt_at > NOW())
						OR (e.status = 'processing' AND e.processing_started_at >= NOW() - ($2 * INTERVAL '1 second'))
					)
			)
			ORDER BY o.id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE payout_event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.payout_id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, wrapPgError("failed to claim outbox messages", err)
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payoutID    int64
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &payoutID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.PayoutID = uint64(payoutID)
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE payout_event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE payout_event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}
