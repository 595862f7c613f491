package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/transfa/payout-service/internal/domain"
)

func (r *MemoryRepository) RecordPendingDeposit(ctx context.Context, d PendingDeposit) error {
	if d.Ref == "" {
		return fmt.Errorf("%w: deposit reference is required", domain.ErrInvalidInput)
	}
	if _, ok := r.payouts.Load(d.PayoutID); !ok {
		return ErrPayoutNotFound
	}
	d.Status = DepositPending

	r.depositsMu.Lock()
	defer r.depositsMu.Unlock()
	if _, exists := r.deposits[d.Ref]; exists {
		return fmt.Errorf("%w: deposit %s already recorded", domain.ErrInvalidInput, d.Ref)
	}
	r.deposits[d.Ref] = d
	return nil
}

func (r *MemoryRepository) ListPendingDeposits(ctx context.Context, createdBefore time.Time, limit int) ([]PendingDeposit, error) {
	limit = clampLimit(limit, 100, 500)

	r.depositsMu.Lock()
	var out []PendingDeposit
	for _, d := range r.deposits {
		if d.Status == DepositPending && d.CreatedAt.Before(createdBefore) {
			out = append(out, d)
		}
	}
	r.depositsMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) GetPendingDeposit(ctx context.Context, ref string) (PendingDeposit, error) {
	r.depositsMu.Lock()
	defer r.depositsMu.Unlock()
	d, ok := r.deposits[ref]
	if !ok {
		return PendingDeposit{}, ErrDepositNotFound
	}
	return d, nil
}

func (r *MemoryRepository) ResolvePendingDeposit(ctx context.Context, ref string, status DepositStatus) error {
	if status != DepositRefunded && status != DepositAbandoned {
		return fmt.Errorf("%w: deposit cannot be resolved as %s", domain.ErrInvalidInput, status)
	}

	r.depositsMu.Lock()
	defer r.depositsMu.Unlock()
	d, ok := r.deposits[ref]
	if !ok || d.Status != DepositPending {
		return ErrDepositStateConflict
	}
	d.Status = status
	r.deposits[ref] = d
	return nil
}

func (r *MemoryRepository) pendingDeposit(ref string) (PendingDeposit, error) {
	r.depositsMu.Lock()
	defer r.depositsMu.Unlock()
	d, ok := r.deposits[ref]
	if !ok || d.Status != DepositPending {
		return PendingDeposit{}, ErrDepositStateConflict
	}
	return d, nil
}

// markCredited runs with the payout lock held, after the unit of work succeeded.
// A deposit resolved in the meantime aborts the whole unit of work.
func (r *MemoryRepository) markCredited(credited []PendingDeposit) error {
	if len(credited) == 0 {
		return nil
	}
	r.depositsMu.Lock()
	defer r.depositsMu.Unlock()
	for _, d := range credited {
		if current, ok := r.deposits[d.Ref]; !ok || current.Status != DepositPending {
			return ErrDepositStateConflict
		}
	}
	for _, d := range credited {
		current := r.deposits[d.Ref]
		current.Status = DepositCredited
		r.deposits[d.Ref] = current
	}
	return nil
}
