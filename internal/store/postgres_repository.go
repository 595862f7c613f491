/**
 * @description
 * Postgres implementation of the Ledger Store. Each unit of work on a payout
 * runs in one database transaction holding the payout row lock
 * (SELECT ... FOR UPDATE), so writers of one payout serialize while different
 * payouts proceed in parallel. Events are written to the event log and the
 * outbox inside the same transaction.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: Postgres driver and connection pool.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/payout-service/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the pgx-backed Ledger Store.
type PostgresRepository struct {
	db       *pgxpool.Pool
	exchange string
}

// NewPostgresRepository creates a new repository over an open pool.
func NewPostgresRepository(db *pgxpool.Pool, exchange string) *PostgresRepository {
	if exchange == "" {
		exchange = domain.EventExchange
	}
	return &PostgresRepository{db: db, exchange: exchange}
}

// EnsureSchema installs or upgrades the ledger tables and guard triggers.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func wrapPgError(op string, err error) error {
	if isUndefinedTableError(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrSchemaMissing, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// --- Identifiers ---

func (r *PostgresRepository) NextPayoutID(ctx context.Context) (uint64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		UPDATE payout_id_counter
		SET next_id = next_id + 1
		WHERE singleton
		RETURNING next_id - 1
	`).Scan(&id)
	if err != nil {
		return 0, wrapPgError("failed to reserve payout id", err)
	}
	return uint64(id), nil
}

func (r *PostgresRepository) PeekNextPayoutID(ctx context.Context) (uint64, error) {
	var id int64
	if err := r.db.QueryRow(ctx, `SELECT next_id FROM payout_id_counter WHERE singleton`).Scan(&id); err != nil {
		return 0, wrapPgError("failed to read next payout id", err)
	}
	return uint64(id), nil
}

// --- Payouts ---

const payoutColumns = `
	id, creator, asset, total_amount::text, funded_amount::text, claimed_amount::text,
	withdrawn_amount::text, closed, settled, title, payout_type, recipient_count, created_at, closed_at
`

const allocationColumns = `
	payout_id, recipient, position, amount::text, status, COALESCE(claim_ref, ''), reserved_at, claimed_at
`

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var (
		p                                 domain.Payout
		id                                int64
		creator, asset                    string
		total, funded, claimed, withdrawn string
		payoutType                        int16
	)
	err := row.Scan(&id, &creator, &asset, &total, &funded, &claimed, &withdrawn,
		&p.Closed, &p.Settled, &p.Title, &payoutType, &p.RecipientCount, &p.CreatedAt, &p.ClosedAt)
	if err != nil {
		return nil, err
	}
	p.ID = uint64(id)
	p.Creator = common.HexToAddress(creator)
	p.Asset = common.HexToAddress(asset)
	p.PayoutType = domain.PayoutType(payoutType)
	parsed, err := parseAmounts([]string{total, funded, claimed, withdrawn})
	if err != nil {
		return nil, fmt.Errorf("corrupt payout %d amounts: %w", id, err)
	}
	p.TotalAmount, p.FundedAmount, p.ClaimedAmount, p.WithdrawnAmount = parsed[0], parsed[1], parsed[2], parsed[3]
	return &p, nil
}

func scanAllocation(row pgx.Row) (*domain.Allocation, error) {
	var (
		a         domain.Allocation
		payoutID  int64
		recipient string
		amount    string
		status    string
	)
	if err := row.Scan(&payoutID, &recipient, &a.Index, &amount, &status, &a.ClaimRef, &a.ReservedAt, &a.ClaimedAt); err != nil {
		return nil, err
	}
	parsed, err := domain.ParseAmount(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt allocation amount %q: %w", amount, err)
	}
	a.PayoutID = uint64(payoutID)
	a.Recipient = common.HexToAddress(recipient)
	a.Amount = parsed
	a.Status = domain.AllocationStatus(status)
	return &a, nil
}

func (r *PostgresRepository) CreatePayout(ctx context.Context, p domain.Payout, allocations []domain.Allocation, created domain.Event) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO payouts (id, creator, asset, total_amount, title, payout_type, recipient_count, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8)
	`, int64(p.ID), p.Creator.Hex(), p.Asset.Hex(), p.TotalAmount.Dec(), p.Title, int16(p.PayoutType), p.RecipientCount, p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrPayoutExists
		}
		return wrapPgError("failed to insert payout", err)
	}

	recipients := make([]string, len(allocations))
	amounts := make([]string, len(allocations))
	for i, a := range allocations {
		recipients[i] = a.Recipient.Hex()
		amounts[i] = a.Amount.Dec()
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO payout_allocations (payout_id, recipient, position, amount)
		SELECT $1, t.recipient, (t.ord - 1)::int, t.amount::numeric
		FROM unnest($2::text[], $3::text[]) WITH ORDINALITY AS t(recipient, amount, ord)
	`, int64(p.ID), recipients, amounts)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: duplicate recipient", domain.ErrInvalidInput)
		}
		return wrapPgError("failed to insert allocations", err)
	}

	if err := r.appendEventTx(ctx, tx, created); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit payout creation: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetPayout(ctx context.Context, id uint64) (*domain.Payout, error) {
	p, err := scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, wrapPgError("failed to get payout", err)
	}
	return p, nil
}

func (r *PostgresRepository) GetAllocation(ctx context.Context, id uint64, recipient common.Address) (*domain.Allocation, error) {
	a, err := scanAllocation(r.db.QueryRow(ctx, `
		SELECT `+allocationColumns+`
		FROM payout_allocations
		WHERE payout_id = $1 AND recipient = $2
	`, int64(id), recipient.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, perr := r.GetPayout(ctx, id); perr != nil {
				return nil, perr
			}
			return nil, ErrAllocationNotFound
		}
		return nil, wrapPgError("failed to get allocation", err)
	}
	return a, nil
}

// GetPayoutSnapshot reads the payout and its allocations in one repeatable-read transaction.
func (r *PostgresRepository) GetPayoutSnapshot(ctx context.Context, id uint64) (*domain.PayoutSnapshot, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPayoutNotFound
		}
		return nil, wrapPgError("failed to get payout", err)
	}

	allocations, err := listAllocations(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	return domain.NewPayoutSnapshot(*p, allocations), nil
}

func listAllocations(ctx context.Context, q querier, id uint64) ([]domain.Allocation, error) {
	rows, err := q.Query(ctx, `
		SELECT `+allocationColumns+`
		FROM payout_allocations
		WHERE payout_id = $1
		ORDER BY position
	`, int64(id))
	if err != nil {
		return nil, wrapPgError("failed to list allocations", err)
	}
	defer rows.Close()

	var out []domain.Allocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListPayoutIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	limit = clampLimit(limit, 100, 1000)
	rows, err := r.db.Query(ctx, `SELECT id FROM payouts WHERE id > $1 ORDER BY id LIMIT $2`, int64(afterID), limit)
	if err != nil {
		return nil, wrapPgError("failed to list payouts", err)
	}
	defer rows.Close()

	ids := make([]uint64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

// WithPayout locks the payout row, runs fn against a staged copy and persists the result.
func (r *PostgresRepository) WithPayout(ctx context.Context, id uint64, fn func(ctx context.Context, tx PayoutTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, int64(id)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPayoutNotFound
		}
		return wrapPgError("failed to get and lock payout", err)
	}

	staged := newPayoutState(*p, func(recipient common.Address) (domain.Allocation, bool, error) {
		a, err := scanAllocation(tx.QueryRow(ctx, `
			SELECT `+allocationColumns+`
			FROM payout_allocations
			WHERE payout_id = $1 AND recipient = $2
		`, int64(id), recipient.Hex()))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.Allocation{}, false, nil
			}
			return domain.Allocation{}, false, wrapPgError("failed to get allocation", err)
		}
		return *a, true, nil
	})
	staged.takeDeposit = func(ref string) (PendingDeposit, error) {
		return creditDepositTx(ctx, tx, id, ref)
	}

	if err := fn(ctx, staged); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE payouts
		SET funded_amount = $2::numeric,
			claimed_amount = $3::numeric,
			withdrawn_amount = $4::numeric,
			closed = $5,
			settled = $6,
			closed_at = $7
		WHERE id = $1
	`, int64(id), staged.payout.FundedAmount.Dec(), staged.payout.ClaimedAmount.Dec(),
		staged.payout.WithdrawnAmount.Dec(), staged.payout.Closed, staged.payout.Settled, staged.payout.ClosedAt)
	if err != nil {
		return wrapPgError("failed to update payout", err)
	}

	for recipient, a := range staged.changed {
		var claimRef *string
		if a.ClaimRef != "" {
			ref := a.ClaimRef
			claimRef = &ref
		}
		_, err = tx.Exec(ctx, `
			UPDATE payout_allocations
			SET status = $3, claim_ref = $4, reserved_at = $5, claimed_at = $6
			WHERE payout_id = $1 AND recipient = $2
		`, int64(id), recipient.Hex(), string(a.Status), claimRef, a.ReservedAt, a.ClaimedAt)
		if err != nil {
			return wrapPgError("failed to update allocation", err)
		}
	}

	for _, evt := range staged.events {
		if err := r.appendEventTx(ctx, tx, evt); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit payout update: %w", err)
	}
	return nil
}

// --- Claims ---

func (r *PostgresRepository) ListPendingClaims(ctx context.Context, reservedBefore time.Time, limit int) ([]PendingClaim, error) {
	limit = clampLimit(limit, 100, 500)
	rows, err := r.db.Query(ctx, `
		SELECT a.payout_id, p.asset, a.recipient, a.amount::text, a.claim_ref, a.reserved_at
		FROM payout_allocations a
		JOIN payouts p ON p.id = a.payout_id
		WHERE a.status = 'pending' AND a.reserved_at < $1
		ORDER BY a.reserved_at
		LIMIT $2
	`, reservedBefore, limit)
	if err != nil {
		return nil, wrapPgError("failed to list pending claims", err)
	}
	defer rows.Close()

	var out []PendingClaim
	for rows.Next() {
		var (
			c                        PendingClaim
			payoutID                 int64
			asset, recipient, amount string
		)
		if err := rows.Scan(&payoutID, &asset, &recipient, &amount, &c.ClaimRef, &c.ReservedAt); err != nil {
			return nil, err
		}
		parsed, err := domain.ParseAmount(amount)
		if err != nil {
			return nil, err
		}
		c.PayoutID = uint64(payoutID)
		c.Asset = common.HexToAddress(asset)
		c.Recipient = common.HexToAddress(recipient)
		c.Amount = parsed
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) FindPendingClaim(ctx context.Context, payoutID uint64, ref string) (PendingClaim, error) {
	var (
		c                        PendingClaim
		asset, recipient, amount string
	)
	err := r.db.QueryRow(ctx, `
		SELECT p.asset, a.recipient, a.amount::text, a.claim_ref, a.reserved_at
		FROM payout_allocations a
		JOIN payouts p ON p.id = a.payout_id
		WHERE a.payout_id = $1 AND a.claim_ref = $2 AND a.status = 'pending'
	`, int64(payoutID), ref).Scan(&asset, &recipient, &amount, &c.ClaimRef, &c.ReservedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PendingClaim{}, ErrClaimStateConflict
		}
		return PendingClaim{}, wrapPgError("failed to load pending claim", err)
	}
	parsed, err := domain.ParseAmount(amount)
	if err != nil {
		return PendingClaim{}, err
	}
	c.PayoutID = payoutID
	c.Asset = common.HexToAddress(asset)
	c.Recipient = common.HexToAddress(recipient)
	c.Amount = parsed
	return c, nil
}

// --- Events ---

func (r *PostgresRepository) appendEventTx(ctx context.Context, tx pgx.Tx, evt domain.Event) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO payout_events (payout_id, kind, actor, asset, amount, recipient_count, occurred_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		RETURNING seq
	`, int64(evt.PayoutID), string(evt.Kind), evt.Actor.Hex(), evt.Asset.Hex(), evt.Amount.Dec(), evt.RecipientCount, evt.OccurredAt).Scan(&evt.Seq)
	if err != nil {
		return wrapPgError("failed to append event", err)
	}
	return enqueueEventTx(ctx, tx, evt.PayoutID, r.exchange, evt.RoutingKey(), evt)
}

func (r *PostgresRepository) ListEvents(ctx context.Context, payoutID uint64, afterSeq int64, limit int) ([]domain.Event, error) {
	if _, err := r.GetPayout(ctx, payoutID); err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 100, 1000)
	rows, err := r.db.Query(ctx, `
		SELECT seq, payout_id, kind, actor, asset, amount::text, recipient_count, occurred_at
		FROM payout_events
		WHERE payout_id = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, int64(payoutID), afterSeq, limit)
	if err != nil {
		return nil, wrapPgError("failed to list events", err)
	}
	defer rows.Close()

	out := make([]domain.Event, 0, limit)
	for rows.Next() {
		var (
			evt                domain.Event
			id                 int64
			kind, actor, asset string
			amount             string
		)
		if err := rows.Scan(&evt.Seq, &id, &kind, &actor, &asset, &amount, &evt.RecipientCount, &evt.OccurredAt); err != nil {
			return nil, err
		}
		parsed, err := domain.ParseAmount(amount)
		if err != nil {
			return nil, err
		}
		evt.PayoutID = uint64(id)
		evt.Kind = domain.EventKind(kind)
		evt.Actor = common.HexToAddress(actor)
		evt.Asset = common.HexToAddress(asset)
		evt.Amount = parsed
		out = append(out, evt)
	}
	return out, rows.Err()
}

// --- Templates ---

func (r *PostgresRepository) CreateTemplate(ctx context.Context, t domain.Template) error {
	recipients := make([]string, len(t.Recipients))
	for i, rcp := range t.Recipients {
		recipients[i] = rcp.Hex()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO payout_templates (id, creator, name, asset, recipients, amounts, total_amount, created_at)
		VALUES ($1, $2, $3, $4, $5::text[], $6::numeric[], $7::numeric, $8)
	`, t.ID, t.Creator.Hex(), t.Name, t.Asset.Hex(), recipients, domain.FormatAmounts(t.Amounts), t.TotalAmount.Dec(), t.CreatedAt)
	if err != nil {
		return wrapPgError("failed to insert template", err)
	}
	return nil
}

const templateColumns = `id, creator, name, asset, recipients, amounts::text[], total_amount::text, created_at`

func scanTemplate(row pgx.Row) (*domain.Template, error) {
	var (
		t                     domain.Template
		creator, asset, total string
		recipients, amounts   []string
	)
	if err := row.Scan(&t.ID, &creator, &t.Name, &asset, &recipients, &amounts, &total, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Creator = common.HexToAddress(creator)
	t.Asset = common.HexToAddress(asset)
	t.Recipients = make([]common.Address, len(recipients))
	for i, rcp := range recipients {
		t.Recipients[i] = common.HexToAddress(rcp)
	}
	parsedAmounts, err := parseAmounts(amounts)
	if err != nil {
		return nil, err
	}
	t.Amounts = parsedAmounts
	parsedTotal, err := domain.ParseAmount(total)
	if err != nil {
		return nil, err
	}
	t.TotalAmount = parsedTotal
	return &t, nil
}

func parseAmounts(raw []string) ([]uint256.Int, error) {
	out := make([]uint256.Int, len(raw))
	for i, v := range raw {
		parsed, err := domain.ParseAmount(v)
		if err != nil {
			return nil, err
		}
		out[i] = parsed
	}
	return out, nil
}

func (r *PostgresRepository) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	t, err := scanTemplate(r.db.QueryRow(ctx, `SELECT `+templateColumns+` FROM payout_templates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTemplateNotFound
		}
		return nil, wrapPgError("failed to get template", err)
	}
	return t, nil
}

func (r *PostgresRepository) ListTemplatesByCreator(ctx context.Context, creator common.Address) ([]domain.Template, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+templateColumns+`
		FROM payout_templates
		WHERE creator = $1
		ORDER BY created_at
	`, creator.Hex())
	if err != nil {
		return nil, wrapPgError("failed to list templates", err)
	}
	defer rows.Close()

	var out []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
