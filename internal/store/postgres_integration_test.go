//go:build integration

package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store/pgtest"
)

func TestMain(m *testing.M) {
	os.Exit(pgtest.Run(m, func(ctx context.Context, pool *pgxpool.Pool) error {
		return NewPostgresRepository(pool, "").EnsureSchema(ctx)
	}))
}

func newPostgresRepo(t *testing.T) *PostgresRepository {
	t.Helper()
	return NewPostgresRepository(pgtest.Pool(), "payout_events_it")
}

func fundPostgresPayout(t *testing.T, repo *PostgresRepository, id uint64, amount uint64) {
	t.Helper()
	require.NoError(t, repo.WithPayout(context.Background(), id, func(ctx context.Context, tx PayoutTx) error {
		return tx.AddFunding(*uint256.NewInt(amount))
	}))
}

func TestPostgresRepository_SchemaIsIdempotent(t *testing.T) {
	repo := newPostgresRepo(t)
	require.NoError(t, repo.EnsureSchema(context.Background()))
}

func TestPostgresRepository_CreateKeepsAllocationOrder(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	id := seedPayout(t, repo, 10, 20)

	snap, err := repo.GetPayoutSnapshot(ctx, id)
	require.NoError(t, err)
	require.Len(t, snap.Allocations, 2)
	assert.Equal(t, recipientA, snap.Allocations[0].Recipient)
	assert.Equal(t, "10", snap.Allocations[0].Amount.Dec())
	assert.Equal(t, recipientB, snap.Allocations[1].Recipient)
	assert.Equal(t, "30", snap.Payout.TotalAmount.Dec())

	events, err := repo.ListEvents(ctx, id, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventPayoutCreated, events[0].Kind)
}

func TestPostgresRepository_CreateRejectsDuplicates(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	id := seedPayout(t, repo, 10)

	p := domain.Payout{ID: id, Creator: creator, TotalAmount: *uint256.NewInt(1), RecipientCount: 1, CreatedAt: time.Now()}
	err := repo.CreatePayout(ctx, p, []domain.Allocation{{Recipient: recipientA, Amount: *uint256.NewInt(1)}}, domain.NewPayoutCreatedEvent(&p, p.CreatedAt))
	require.ErrorIs(t, err, ErrPayoutExists)

	next, err := repo.NextPayoutID(ctx)
	require.NoError(t, err)
	dup := domain.Payout{ID: next, Creator: creator, TotalAmount: *uint256.NewInt(2), RecipientCount: 2, CreatedAt: time.Now()}
	err = repo.CreatePayout(ctx, dup, []domain.Allocation{
		{Recipient: recipientA, Amount: *uint256.NewInt(1)},
		{Recipient: recipientA, Amount: *uint256.NewInt(1)},
	}, domain.NewPayoutCreatedEvent(&dup, dup.CreatedAt))
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = repo.GetPayout(ctx, next)
	require.ErrorIs(t, err, ErrPayoutNotFound, "the failed creation is rolled back")
}

func TestPostgresRepository_WithPayoutRollsBackOnError(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	id := seedPayout(t, repo, 10, 20)

	boom := errors.New("boom")
	err := repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		require.NoError(t, tx.AddFunding(*uint256.NewInt(30)))
		_, err := tx.ReserveClaim(recipientA, "ref-rollback", time.Now())
		require.NoError(t, err)
		require.NoError(t, tx.Emit(domain.NewPayoutFundedEvent(id, creator, *uint256.NewInt(30), time.Now())))
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := repo.GetPayout(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.FundedAmount.IsZero())
	assert.True(t, p.ClaimedAmount.IsZero())
	events, err := repo.ListEvents(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPostgresRepository_ClaimReservationLifecycle(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	id := seedPayout(t, repo, 10, 20)
	fundPostgresPayout(t, repo, id, 15)

	err := repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		_, err := tx.ReserveClaim(recipientB, "ref-b", time.Now())
		return err
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunding)

	ref := "payout:it:claim:" + uuid.NewString()
	require.NoError(t, repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		_, err := tx.ReserveClaim(recipientA, ref, time.Now().Add(-time.Hour))
		return err
	}))

	claim, err := repo.FindPendingClaim(ctx, id, ref)
	require.NoError(t, err)
	assert.Equal(t, recipientA, claim.Recipient)
	assert.Equal(t, "10", claim.Amount.Dec())

	pending, err := repo.ListPendingClaims(ctx, time.Now().Add(-time.Minute), 500)
	require.NoError(t, err)
	found := false
	for _, c := range pending {
		found = found || c.ClaimRef == ref
	}
	assert.True(t, found)

	require.NoError(t, repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		_, err := tx.ConfirmClaim(recipientA, ref, time.Now())
		return err
	}))
	_, err = repo.FindPendingClaim(ctx, id, ref)
	require.ErrorIs(t, err, ErrClaimStateConflict)

	err = repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		_, err := tx.ReleaseClaim(recipientA, ref)
		return err
	})
	require.ErrorIs(t, err, ErrClaimStateConflict)

	a, err := repo.GetAllocation(ctx, id, recipientA)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationClaimed, a.Status)
	assert.NotNil(t, a.ClaimedAt)
}

func TestPostgresRepository_ConcurrentReservationsForSameRecipient(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	id := seedPayout(t, repo, 10, 20)
	fundPostgresPayout(t, repo, id, 1000)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
				_, err := tx.ReserveClaim(recipientA, uuid.NewString(), time.Now())
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domain.ErrAlreadyClaimed):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, already)
	p, err := repo.GetPayout(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10", p.ClaimedAmount.Dec())
}

// claimOutboxFor claims ready messages and keeps those of one payout; the
// others go back to pending so parallel tests do not steal each other's rows.
func claimOutboxFor(t *testing.T, repo *PostgresRepository, payoutID uint64) []OutboxMessage {
	t.Helper()
	ctx := context.Background()
	msgs, err := repo.ClaimOutboxMessages(ctx, 500, 60)
	require.NoError(t, err)
	var mine []OutboxMessage
	for _, m := range msgs {
		if m.PayoutID == payoutID {
			mine = append(mine, m)
			continue
		}
		_, err := repo.db.Exec(ctx, `
			UPDATE payout_event_outbox
			SET status = 'pending', processing_started_at = NULL, next_attempt_at = NOW()
			WHERE id = $1
		`, m.ID)
		require.NoError(t, err)
	}
	return mine
}

func TestPostgresRepository_OutboxOrderingPerPayout(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	id := seedPayout(t, repo, 10)

	require.NoError(t, repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		if err := tx.AddFunding(*uint256.NewInt(4)); err != nil {
			return err
		}
		return tx.Emit(domain.NewPayoutFundedEvent(id, creator, *uint256.NewInt(4), time.Now()))
	}))

	msgs := claimOutboxFor(t, repo, id)
	require.Len(t, msgs, 2)
	assert.Equal(t, "payout.created", msgs[0].RoutingKey)
	assert.Equal(t, "payout.funded", msgs[1].RoutingKey)
	assert.Equal(t, "payout_events_it", msgs[0].Exchange)
	assert.Less(t, msgs[0].ID, msgs[1].ID)

	// A failed head message holds back the rest of that payout's messages.
	require.NoError(t, repo.MarkOutboxFailed(ctx, msgs[0].ID, 60, "broker down"))
	require.NoError(t, repo.MarkOutboxFailed(ctx, msgs[1].ID, 1, "broker down"))
	time.Sleep(1100 * time.Millisecond)
	assert.Empty(t, claimOutboxFor(t, repo, id))

	_, err := repo.db.Exec(ctx, `UPDATE payout_event_outbox SET next_attempt_at = NOW() WHERE id = $1`, msgs[0].ID)
	require.NoError(t, err)
	retried := claimOutboxFor(t, repo, id)
	require.Len(t, retried, 2)
	assert.Equal(t, msgs[0].ID, retried[0].ID)
	assert.Equal(t, 2, retried[0].Attempts)
	for _, m := range retried {
		require.NoError(t, repo.MarkOutboxPublished(ctx, m.ID))
	}
	assert.Empty(t, claimOutboxFor(t, repo, id))
}

func TestPostgresRepository_Templates(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	owner := common.HexToAddress("0x00000000000000000000000000000000000007e1")

	big, err := domain.ParseAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	tmpl := domain.Template{
		ID:          uuid.New(),
		Creator:     owner,
		Name:        "monthly",
		Asset:       domain.NativeAsset,
		Recipients:  []common.Address{recipientA, recipientB},
		Amounts:     []uint256.Int{*uint256.NewInt(5), big},
		TotalAmount: big,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, repo.CreateTemplate(ctx, tmpl))
	require.Error(t, repo.CreateTemplate(ctx, tmpl))

	got, err := repo.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "monthly", got.Name)
	assert.Equal(t, tmpl.Recipients, got.Recipients)
	assert.Equal(t, []string{"5", big.Dec()}, domain.FormatAmounts(got.Amounts))
	assert.Equal(t, big.Dec(), got.TotalAmount.Dec())

	list, err := repo.ListTemplatesByCreator(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.GetTemplate(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresRepository_GuardTriggers(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	id := seedPayout(t, repo, 10)
	fundPostgresPayout(t, repo, id, 10)
	ref := "payout:it:claim:" + uuid.NewString()
	require.NoError(t, repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		if _, err := tx.ReserveClaim(recipientA, ref, time.Now()); err != nil {
			return err
		}
		_, err := tx.ConfirmClaim(recipientA, ref, time.Now())
		return err
	}))

	statements := map[string]string{
		"total is write-once":       `UPDATE payouts SET total_amount = total_amount + 1 WHERE id = $1`,
		"funding never decreases":   `UPDATE payouts SET funded_amount = 0 WHERE id = $1`,
		"claimed is terminal":       `UPDATE payout_allocations SET status = 'unclaimed' WHERE payout_id = $1`,
		"payouts are never deleted": `DELETE FROM payouts WHERE id = $1`,
		"events are never deleted":  `DELETE FROM payout_events WHERE payout_id = $1`,
	}
	for name, stmt := range statements {
		_, err := repo.db.Exec(ctx, stmt, int64(id))
		assert.Error(t, err, name)
	}

	p, err := repo.GetPayout(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10", p.FundedAmount.Dec())
	assert.Equal(t, "10", p.ClaimedAmount.Dec())
}

func TestPostgresRepository_PendingDeposits(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	id := seedPayout(t, repo, 10)
	created := time.Now().Add(-time.Hour)
	first := "payout:it:fund:" + uuid.NewString()
	second := "payout:it:fund:" + uuid.NewString()

	deposit := PendingDeposit{Ref: first, PayoutID: id, Asset: domain.NativeAsset, Funder: creator, Amount: *uint256.NewInt(4), CreatedAt: created}
	require.NoError(t, repo.RecordPendingDeposit(ctx, deposit))
	assert.ErrorIs(t, repo.RecordPendingDeposit(ctx, deposit), domain.ErrInvalidInput)
	assert.ErrorIs(t, repo.RecordPendingDeposit(ctx, PendingDeposit{Ref: uuid.NewString(), PayoutID: 1 << 40, Funder: creator, Amount: *uint256.NewInt(1), CreatedAt: created}), domain.ErrNotFound)
	require.NoError(t, repo.RecordPendingDeposit(ctx, PendingDeposit{Ref: second, PayoutID: id, Asset: domain.NativeAsset, Funder: creator, Amount: *uint256.NewInt(6), CreatedAt: created}))

	boom := errors.New("boom")
	err := repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		if _, err := tx.CreditDeposit(first); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	d, err := repo.GetPendingDeposit(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, DepositPending, d.Status, "rollback leaves the deposit pending")

	require.NoError(t, repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		credited, err := tx.CreditDeposit(first)
		if err != nil {
			return err
		}
		assert.Equal(t, "4", credited.Amount.Dec())
		return tx.Emit(domain.NewPayoutFundedEvent(id, credited.Funder, credited.Amount, time.Now()))
	}))
	p, err := repo.GetPayout(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "4", p.FundedAmount.Dec())

	d, err = repo.GetPendingDeposit(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, DepositCredited, d.Status)
	assert.ErrorIs(t, repo.ResolvePendingDeposit(ctx, first, DepositAbandoned), ErrDepositStateConflict)

	require.NoError(t, repo.ResolvePendingDeposit(ctx, second, DepositRefunded))
	err = repo.WithPayout(ctx, id, func(ctx context.Context, tx PayoutTx) error {
		_, err := tx.CreditDeposit(second)
		return err
	})
	assert.ErrorIs(t, err, ErrDepositStateConflict)

	_, err = repo.GetPendingDeposit(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrDepositNotFound)

	pending, err := repo.ListPendingDeposits(ctx, time.Now(), 500)
	require.NoError(t, err)
	for _, d := range pending {
		assert.NotEqual(t, id, d.PayoutID)
	}
}
