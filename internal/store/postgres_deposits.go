package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/payout-service/internal/domain"
)

const pendingDepositColumns = `ref, payout_id, asset, funder, amount::text, status, created_at`

func scanPendingDeposit(row pgx.Row) (PendingDeposit, error) {
	var (
		d                     PendingDeposit
		payoutID              int64
		asset, funder, amount string
		status                string
	)
	if err := row.Scan(&d.Ref, &payoutID, &asset, &funder, &amount, &status, &d.CreatedAt); err != nil {
		return PendingDeposit{}, err
	}
	parsed, err := domain.ParseAmount(amount)
	if err != nil {
		return PendingDeposit{}, fmt.Errorf("corrupt deposit %s amount: %w", d.Ref, err)
	}
	d.PayoutID = uint64(payoutID)
	d.Asset = common.HexToAddress(asset)
	d.Funder = common.HexToAddress(funder)
	d.Amount = parsed
	d.Status = DepositStatus(status)
	return d, nil
}

func (r *PostgresRepository) RecordPendingDeposit(ctx context.Context, d PendingDeposit) error {
	if d.Ref == "" {
		return fmt.Errorf("%w: deposit reference is required", domain.ErrInvalidInput)
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO payout_pending_deposits (ref, payout_id, asset, funder, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, 'pending', $6)
	`, d.Ref, int64(d.PayoutID), d.Asset.Hex(), d.Funder.Hex(), d.Amount.Dec(), d.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return fmt.Errorf("%w: deposit %s already recorded", domain.ErrInvalidInput, d.Ref)
			case "23503":
				return ErrPayoutNotFound
			}
		}
		return wrapPgError("failed to record pending deposit", err)
	}
	return nil
}

func (r *PostgresRepository) ListPendingDeposits(ctx context.Context, createdBefore time.Time, limit int) ([]PendingDeposit, error) {
	limit = clampLimit(limit, 100, 500)
	rows, err := r.db.Query(ctx, `
		SELECT `+pendingDepositColumns+`
		FROM payout_pending_deposits
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, wrapPgError("failed to list pending deposits", err)
	}
	defer rows.Close()

	var out []PendingDeposit
	for rows.Next() {
		d, err := scanPendingDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetPendingDeposit(ctx context.Context, ref string) (PendingDeposit, error) {
	d, err := scanPendingDeposit(r.db.QueryRow(ctx, `
		SELECT `+pendingDepositColumns+`
		FROM payout_pending_deposits
		WHERE ref = $1
	`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PendingDeposit{}, ErrDepositNotFound
		}
		return PendingDeposit{}, wrapPgError("failed to load pending deposit", err)
	}
	return d, nil
}

func (r *PostgresRepository) ResolvePendingDeposit(ctx context.Context, ref string, status DepositStatus) error {
	if status != DepositRefunded && status != DepositAbandoned {
		return fmt.Errorf("%w: deposit cannot be resolved as %s", domain.ErrInvalidInput, status)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE payout_pending_deposits
		SET status = $2, resolved_at = NOW()
		WHERE ref = $1 AND status = 'pending'
	`, ref, string(status))
	if err != nil {
		return wrapPgError("failed to resolve pending deposit", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDepositStateConflict
	}
	return nil
}

// creditDepositTx flips a pending deposit to credited inside the payout's transaction,
// so a rollback of the unit of work leaves it pending.
func creditDepositTx(ctx context.Context, tx pgx.Tx, payoutID uint64, ref string) (PendingDeposit, error) {
	d, err := scanPendingDeposit(tx.QueryRow(ctx, `
		UPDATE payout_pending_deposits
		SET status = 'credited', resolved_at = NOW()
		WHERE ref = $1 AND payout_id = $2 AND status = 'pending'
		RETURNING `+pendingDepositColumns+`
	`, ref, int64(payoutID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PendingDeposit{}, ErrDepositStateConflict
		}
		return PendingDeposit{}, wrapPgError("failed to credit pending deposit", err)
	}
	return d, nil
}
