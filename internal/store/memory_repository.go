package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/transfa/payout-service/internal/domain"
)

// MemoryRepository is an in-process Ledger Store. Each payout owns its own lock;
// committed state is published through an atomic pointer so reads are lock-free.
type MemoryRepository struct {
	payouts   *xsync.MapOf[uint64, *memPayout]
	templates *xsync.MapOf[uuid.UUID, domain.Template]
	nextID    atomic.Uint64
	eventSeq  atomic.Int64

	outboxMu  sync.Mutex
	outbox    []*memOutboxMessage
	outboxSeq int64

	depositsMu sync.Mutex
	deposits   map[string]PendingDeposit

	exchange string
	now      func() time.Time
}

type memPayout struct {
	mu    sync.Mutex
	state atomic.Pointer[memPayoutState]
}

// memPayoutState is immutable once published.
type memPayoutState struct {
	payout      domain.Payout
	allocations []domain.Allocation
	index       map[common.Address]int
	events      []domain.Event
}

type memOutboxMessage struct {
	msg           OutboxMessage
	status        string
	nextAttemptAt time.Time
	startedAt     time.Time
	lastError     string
}

// NewMemoryRepository creates an empty in-memory ledger. Payout ids start at 1.
func NewMemoryRepository(exchange string) *MemoryRepository {
	if exchange == "" {
		exchange = domain.EventExchange
	}
	r := &MemoryRepository{
		payouts:   xsync.NewMapOf[uint64, *memPayout](),
		templates: xsync.NewMapOf[uuid.UUID, domain.Template](),
		deposits:  make(map[string]PendingDeposit),
		exchange:  exchange,
		now:       time.Now,
	}
	r.nextID.Store(1)
	return r
}

func (r *MemoryRepository) NextPayoutID(ctx context.Context) (uint64, error) {
	return r.nextID.Add(1) - 1, nil
}

func (r *MemoryRepository) PeekNextPayoutID(ctx context.Context) (uint64, error) {
	return r.nextID.Load(), nil
}

func (r *MemoryRepository) CreatePayout(ctx context.Context, p domain.Payout, allocations []domain.Allocation, created domain.Event) error {
	index := make(map[common.Address]int, len(allocations))
	allocs := make([]domain.Allocation, len(allocations))
	for i, a := range allocations {
		if _, dup := index[a.Recipient]; dup {
			return fmt.Errorf("%w: duplicate recipient %s", domain.ErrInvalidInput, a.Recipient.Hex())
		}
		a.PayoutID = p.ID
		a.Index = i
		a.Status = domain.AllocationUnclaimed
		allocs[i] = a
		index[a.Recipient] = i
	}

	entry := &memPayout{}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, loaded := r.payouts.LoadOrStore(p.ID, entry); loaded {
		return ErrPayoutExists
	}

	created.Seq = r.eventSeq.Add(1)
	entry.state.Store(&memPayoutState{
		payout:      p,
		allocations: allocs,
		index:       index,
		events:      []domain.Event{created},
	})
	r.enqueue([]domain.Event{created})
	return nil
}

func (r *MemoryRepository) load(id uint64) (*memPayout, *memPayoutState, error) {
	entry, ok := r.payouts.Load(id)
	if !ok {
		return nil, nil, ErrPayoutNotFound
	}
	state := entry.state.Load()
	if state == nil {
		// Registered but CreatePayout has not published yet.
		return nil, nil, ErrPayoutNotFound
	}
	return entry, state, nil
}

func (r *MemoryRepository) GetPayout(ctx context.Context, id uint64) (*domain.Payout, error) {
	_, state, err := r.load(id)
	if err != nil {
		return nil, err
	}
	p := state.payout
	return &p, nil
}

func (r *MemoryRepository) GetAllocation(ctx context.Context, id uint64, recipient common.Address) (*domain.Allocation, error) {
	_, state, err := r.load(id)
	if err != nil {
		return nil, err
	}
	i, ok := state.index[recipient]
	if !ok {
		return nil, ErrAllocationNotFound
	}
	a := state.allocations[i]
	return &a, nil
}

func (r *MemoryRepository) GetPayoutSnapshot(ctx context.Context, id uint64) (*domain.PayoutSnapshot, error) {
	_, state, err := r.load(id)
	if err != nil {
		return nil, err
	}
	allocs := make([]domain.Allocation, len(state.allocations))
	copy(allocs, state.allocations)
	return domain.NewPayoutSnapshot(state.payout, allocs), nil
}

func (r *MemoryRepository) ListPayoutIDs(ctx context.Context, afterID uint64, limit int) ([]uint64, error) {
	limit = clampLimit(limit, 100, 1000)
	ids := make([]uint64, 0, limit)
	r.payouts.Range(func(id uint64, entry *memPayout) bool {
		if id > afterID && entry.state.Load() != nil {
			ids = append(ids, id)
		}
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *MemoryRepository) WithPayout(ctx context.Context, id uint64, fn func(ctx context.Context, tx PayoutTx) error) error {
	entry, ok := r.payouts.Load(id)
	if !ok {
		return ErrPayoutNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	current := entry.state.Load()
	if current == nil {
		return ErrPayoutNotFound
	}

	staged := newPayoutState(current.payout, func(recipient common.Address) (domain.Allocation, bool, error) {
		i, ok := current.index[recipient]
		if !ok {
			return domain.Allocation{}, false, nil
		}
		return current.allocations[i], true, nil
	})
	staged.takeDeposit = r.pendingDeposit

	if err := fn(ctx, staged); err != nil {
		return err
	}
	if err := r.markCredited(staged.credited); err != nil {
		return err
	}

	next := &memPayoutState{
		payout:      staged.payout,
		allocations: current.allocations,
		index:       current.index,
		events:      current.events,
	}
	if len(staged.changed) > 0 {
		allocs := make([]domain.Allocation, len(current.allocations))
		copy(allocs, current.allocations)
		for recipient, a := range staged.changed {
			allocs[current.index[recipient]] = a
		}
		next.allocations = allocs
	}
	if len(staged.events) > 0 {
		events := make([]domain.Event, len(current.events), len(current.events)+len(staged.events))
		copy(events, current.events)
		for _, evt := range staged.events {
			evt.Seq = r.eventSeq.Add(1)
			events = append(events, evt)
		}
		next.events = events
		r.enqueue(events[len(current.events):])
	}
	entry.state.Store(next)
	return nil
}

func (r *MemoryRepository) ListPendingClaims(ctx context.Context, reservedBefore time.Time, limit int) ([]PendingClaim, error) {
	limit = clampLimit(limit, 100, 500)
	var out []PendingClaim
	r.payouts.Range(func(id uint64, entry *memPayout) bool {
		state := entry.state.Load()
		if state == nil {
			return true
		}
		for _, a := range state.allocations {
			if a.Status != domain.AllocationPending || a.ReservedAt == nil || !a.ReservedAt.Before(reservedBefore) {
				continue
			}
			out = append(out, PendingClaim{
				PayoutID:   id,
				Asset:      state.payout.Asset,
				Recipient:  a.Recipient,
				Amount:     a.Amount,
				ClaimRef:   a.ClaimRef,
				ReservedAt: *a.ReservedAt,
			})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ReservedAt.Before(out[j].ReservedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FindPendingClaim(ctx context.Context, payoutID uint64, ref string) (PendingClaim, error) {
	_, state, err := r.load(payoutID)
	if err != nil {
		return PendingClaim{}, err
	}
	for _, a := range state.allocations {
		if a.Status != domain.AllocationPending || a.ClaimRef != ref || a.ReservedAt == nil {
			continue
		}
		return PendingClaim{
			PayoutID:   payoutID,
			Asset:      state.payout.Asset,
			Recipient:  a.Recipient,
			Amount:     a.Amount,
			ClaimRef:   a.ClaimRef,
			ReservedAt: *a.ReservedAt,
		}, nil
	}
	return PendingClaim{}, ErrClaimStateConflict
}

func (r *MemoryRepository) ListEvents(ctx context.Context, payoutID uint64, afterSeq int64, limit int) ([]domain.Event, error) {
	_, state, err := r.load(payoutID)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit, 100, 1000)
	out := make([]domain.Event, 0, limit)
	for _, evt := range state.events {
		if evt.Seq <= afterSeq {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepository) CreateTemplate(ctx context.Context, t domain.Template) error {
	if _, loaded := r.templates.LoadOrStore(t.ID, t); loaded {
		return fmt.Errorf("template %s already exists", t.ID)
	}
	return nil
}

func (r *MemoryRepository) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	t, ok := r.templates.Load(id)
	if !ok {
		return nil, ErrTemplateNotFound
	}
	return &t, nil
}

func (r *MemoryRepository) ListTemplatesByCreator(ctx context.Context, creator common.Address) ([]domain.Template, error) {
	var out []domain.Template
	r.templates.Range(func(_ uuid.UUID, t domain.Template) bool {
		if t.Creator == creator {
			out = append(out, t)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
