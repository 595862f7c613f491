/**
 * @description
 * This file defines the Ledger Store contract. The Disbursement Engine is the
 * only writer; every mutation of a payout happens inside WithPayout, which
 * serializes writers of one payout and commits state changes and their events
 * together. Reads never take the payout lock.
 *
 * @dependencies
 * - internal/domain: ledger models and error kinds.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/transfa/payout-service/internal/domain"
)

var (
	ErrPayoutNotFound     = fmt.Errorf("payout %w", domain.ErrNotFound)
	ErrAllocationNotFound = fmt.Errorf("allocation %w", domain.ErrNotFound)
	ErrTemplateNotFound   = fmt.Errorf("template %w", domain.ErrNotFound)
	ErrDepositNotFound    = fmt.Errorf("deposit %w", domain.ErrNotFound)
	ErrPayoutExists       = errors.New("payout id already used")
	// ErrClaimStateConflict is returned when a confirm/release does not match the pending reservation.
	ErrClaimStateConflict = errors.New("claim reservation does not match")
	// ErrDepositStateConflict is returned when a deposit is no longer pending.
	ErrDepositStateConflict = errors.New("deposit is not pending")
	ErrSchemaMissing        = errors.New("ledger schema is not installed")
)

// PayoutTx is the lock-held unit of work over one payout.
// It exposes only the mutations the ledger allows; write-once fields have no setter.
type PayoutTx interface {
	Payout() domain.Payout
	Allocation(recipient common.Address) (domain.Allocation, error)

	AddFunding(amount uint256.Int) error
	MarkClosed(at time.Time) error
	ReserveClaim(recipient common.Address, ref string, at time.Time) (domain.Allocation, error)
	ConfirmClaim(recipient common.Address, ref string, at time.Time) (domain.Allocation, error)
	ReleaseClaim(recipient common.Address, ref string) (domain.Allocation, error)
	AddWithdrawn(amount uint256.Int) error
	CreditDeposit(ref string) (PendingDeposit, error)

	Emit(evt domain.Event) error
}

// OutboxMessage is one pending event publication.
type OutboxMessage struct {
	ID         int64
	PayoutID   uint64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// PendingClaim identifies a reserved claim awaiting confirmation.
type PendingClaim struct {
	PayoutID   uint64
	Asset      common.Address
	Recipient  common.Address
	Amount     uint256.Int
	ClaimRef   string
	ReservedAt time.Time
}

// DepositStatus is the resolution of a deposit whose outcome was unknown when attempted.
type DepositStatus string

const (
	DepositPending   DepositStatus = "pending"
	DepositCredited  DepositStatus = "credited"
	DepositRefunded  DepositStatus = "refunded"
	DepositAbandoned DepositStatus = "abandoned"
)

// PendingDeposit is a deposit that may have reached custody without being credited.
type PendingDeposit struct {
	Ref       string
	PayoutID  uint64
	Asset     common.Address
	Funder    common.Address
	Amount    uint256.Int
	Status    DepositStatus
	CreatedAt time.Time
}

// Repository defines the ledger persistence contract.
type Repository interface {
	// --- Identifiers ---
	NextPayoutID(ctx context.Context) (uint64, error)
	PeekNextPayoutID(ctx context.Context) (uint64, error)

	// --- Payouts ---
	CreatePayout(ctx context.Context, p domain.Payout, allocations []domain.Allocation, created domain.Event) error
	GetPayout(ctx context.Context, id uint64) (*domain.Payout, error)
	GetAllocation(ctx context.Context, id uint64, recipient common.Address) (*domain.Allocation, error)
	GetPayoutSnapshot(ctx context.Context, id uint64) (*domain.PayoutSnapshot, error)
	ListPayoutIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error)
	WithPayout(ctx context.Context, id uint64, fn func(ctx context.Context, tx PayoutTx) error) error

	// --- Claims ---
	ListPendingClaims(ctx context.Context, reservedBefore time.Time, limit int) ([]PendingClaim, error)
	// FindPendingClaim returns the reservation holding ref, or ErrClaimStateConflict.
	FindPendingClaim(ctx context.Context, payoutID uint64, ref string) (PendingClaim, error)

	// --- Deposits ---
	RecordPendingDeposit(ctx context.Context, d PendingDeposit) error
	ListPendingDeposits(ctx context.Context, createdBefore time.Time, limit int) ([]PendingDeposit, error)
	GetPendingDeposit(ctx context.Context, ref string) (PendingDeposit, error)
	// ResolvePendingDeposit moves a pending deposit to refunded or abandoned.
	ResolvePendingDeposit(ctx context.Context, ref string, status DepositStatus) error

	// --- Events ---
	ListEvents(ctx context.Context, payoutID uint64, afterSeq int64, limit int) ([]domain.Event, error)

	// --- Templates ---
	CreateTemplate(ctx context.Context, t domain.Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error)
	ListTemplatesByCreator(ctx context.Context, creator common.Address) ([]domain.Template, error)

	// --- Outbox ---
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// payoutState applies the PayoutTx guards to an in-flight copy of a payout.
// Both store implementations stage their writes through it.
type payoutState struct {
	payout   domain.Payout
	changed  map[common.Address]domain.Allocation
	events   []domain.Event
	credited []PendingDeposit
	lookup   func(recipient common.Address) (domain.Allocation, bool, error)
	// takeDeposit returns the deposit for ref if it is still pending; the store
	// decides when the credit becomes durable.
	takeDeposit func(ref string) (PendingDeposit, error)
}

func newPayoutState(p domain.Payout, lookup func(common.Address) (domain.Allocation, bool, error)) *payoutState {
	return &payoutState{
		payout:  p,
		changed: make(map[common.Address]domain.Allocation),
		lookup:  lookup,
	}
}

func (s *payoutState) Payout() domain.Payout {
	return s.payout
}

func (s *payoutState) Allocation(recipient common.Address) (domain.Allocation, error) {
	if a, ok := s.changed[recipient]; ok {
		return a, nil
	}
	a, ok, err := s.lookup(recipient)
	if err != nil {
		return domain.Allocation{}, err
	}
	if !ok {
		return domain.Allocation{}, ErrAllocationNotFound
	}
	return a, nil
}

func (s *payoutState) AddFunding(amount uint256.Int) error {
	next, err := domain.CheckedAdd(s.payout.FundedAmount, amount)
	if err != nil {
		return err
	}
	s.payout.FundedAmount = next
	return nil
}

func (s *payoutState) MarkClosed(at time.Time) error {
	if s.payout.Closed {
		return domain.ErrAlreadyClosed
	}
	s.payout.Closed = true
	closedAt := at
	s.payout.ClosedAt = &closedAt
	return nil
}

func (s *payoutState) ReserveClaim(recipient common.Address, ref string, at time.Time) (domain.Allocation, error) {
	a, err := s.Allocation(recipient)
	if err != nil {
		return domain.Allocation{}, err
	}
	if a.Claimed() {
		return domain.Allocation{}, domain.ErrAlreadyClaimed
	}
	claimed, err := domain.CheckedAdd(s.payout.ClaimedAmount, a.Amount)
	if err != nil {
		return domain.Allocation{}, err
	}
	if claimed.Cmp(&s.payout.FundedAmount) > 0 {
		return domain.Allocation{}, domain.ErrInsufficientFunding
	}
	s.payout.ClaimedAmount = claimed
	reservedAt := at
	a.Status = domain.AllocationPending
	a.ClaimRef = ref
	a.ReservedAt = &reservedAt
	s.changed[recipient] = a
	return a, nil
}

func (s *payoutState) ConfirmClaim(recipient common.Address, ref string, at time.Time) (domain.Allocation, error) {
	a, err := s.Allocation(recipient)
	if err != nil {
		return domain.Allocation{}, err
	}
	if a.ClaimRef != ref {
		return domain.Allocation{}, ErrClaimStateConflict
	}
	switch a.Status {
	case domain.AllocationClaimed:
		return a, nil
	case domain.AllocationPending:
	default:
		return domain.Allocation{}, ErrClaimStateConflict
	}
	claimedAt := at
	a.Status = domain.AllocationClaimed
	a.ClaimedAt = &claimedAt
	s.changed[recipient] = a
	return a, nil
}

func (s *payoutState) ReleaseClaim(recipient common.Address, ref string) (domain.Allocation, error) {
	a, err := s.Allocation(recipient)
	if err != nil {
		return domain.Allocation{}, err
	}
	if a.Status != domain.AllocationPending || a.ClaimRef != ref {
		return domain.Allocation{}, ErrClaimStateConflict
	}
	claimed, err := domain.CheckedSub(s.payout.ClaimedAmount, a.Amount)
	if err != nil {
		return domain.Allocation{}, err
	}
	s.payout.ClaimedAmount = claimed
	a.Status = domain.AllocationUnclaimed
	a.ClaimRef = ""
	a.ReservedAt = nil
	s.changed[recipient] = a
	return a, nil
}

func (s *payoutState) AddWithdrawn(amount uint256.Int) error {
	if !s.payout.Closed {
		return domain.ErrNotClosed
	}
	withdrawn, err := domain.CheckedAdd(s.payout.WithdrawnAmount, amount)
	if err != nil {
		return err
	}
	out, err := domain.CheckedAdd(s.payout.ClaimedAmount, withdrawn)
	if err != nil {
		return err
	}
	if out.Cmp(&s.payout.FundedAmount) > 0 {
		return fmt.Errorf("%w: withdrawal exceeds custody balance", domain.ErrInsufficientFunding)
	}
	s.payout.WithdrawnAmount = withdrawn
	s.payout.Settled = true
	return nil
}

func (s *payoutState) CreditDeposit(ref string) (PendingDeposit, error) {
	for _, d := range s.credited {
		if d.Ref == ref {
			return PendingDeposit{}, ErrDepositStateConflict
		}
	}
	if s.takeDeposit == nil {
		return PendingDeposit{}, ErrDepositStateConflict
	}
	d, err := s.takeDeposit(ref)
	if err != nil {
		return PendingDeposit{}, err
	}
	if d.PayoutID != s.payout.ID {
		return PendingDeposit{}, ErrDepositStateConflict
	}
	if err := s.AddFunding(d.Amount); err != nil {
		return PendingDeposit{}, err
	}
	d.Status = DepositCredited
	s.credited = append(s.credited, d)
	return d, nil
}

func (s *payoutState) Emit(evt domain.Event) error {
	if evt.PayoutID != s.payout.ID {
		return fmt.Errorf("event for payout %d emitted in unit of work for payout %d", evt.PayoutID, s.payout.ID)
	}
	s.events = append(s.events, evt)
	return nil
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
