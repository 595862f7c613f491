package assettransfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/puzpuzpuz/xsync/v3"
)

// Op identifies the direction of a transfer.
type Op string

const (
	OpDeposit  Op = "deposit"
	OpDisburse Op = "disburse"
)

type balanceKey struct {
	asset   common.Address
	account common.Address
}

type memTransfer struct {
	op     Op
	asset  common.Address
	party  common.Address
	amount uint256.Int
	status Status
}

// MemoryGateway is an in-process custody ledger. External wallets are unlimited
// sources; custody balances are tracked per asset and can never go negative.
type MemoryGateway struct {
	mu        sync.Mutex
	custody   map[common.Address]uint256.Int
	received  map[balanceKey]uint256.Int
	transfers *xsync.MapOf[string, memTransfer]
	hook      func(op Op, ref string) error
}

// NewMemoryGateway creates an empty in-memory custody.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		custody:   make(map[common.Address]uint256.Int),
		received:  make(map[balanceKey]uint256.Int),
		transfers: xsync.NewMapOf[string, memTransfer](),
	}
}

// SetFailureHook installs a function consulted before every new transfer, while
// Status already reports it as processing. A non-nil return aborts the transfer
// with that error; wrap ErrRejected to record the transfer as failed, anything
// else leaves no record.
func (g *MemoryGateway) SetFailureHook(hook func(op Op, ref string) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hook = hook
}

func (g *MemoryGateway) Deposit(ctx context.Context, ref string, asset, from common.Address, amount uint256.Int) error {
	return g.apply(ctx, OpDeposit, ref, asset, from, amount)
}

func (g *MemoryGateway) Disburse(ctx context.Context, ref string, asset, to common.Address, amount uint256.Int) error {
	return g.apply(ctx, OpDisburse, ref, asset, to, amount)
}

func (g *MemoryGateway) apply(ctx context.Context, op Op, ref string, asset, party common.Address, amount uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.transfers.Load(ref); ok {
		if prev.op != op || prev.asset != asset || prev.party != party || prev.amount != amount {
			return fmt.Errorf("%w: reference %s reused with different parameters", ErrRejected, ref)
		}
		if prev.status == StatusFailed {
			return fmt.Errorf("%w: reference %s previously failed", ErrRejected, ref)
		}
		return nil
	}

	// Visible to Status while the transfer is in flight.
	g.transfers.Store(ref, memTransfer{op: op, asset: asset, party: party, amount: amount, status: StatusProcessing})
	if g.hook != nil {
		if err := g.hook(op, ref); err != nil {
			if IsRejected(err) {
				g.transfers.Store(ref, memTransfer{op: op, asset: asset, party: party, amount: amount, status: StatusFailed})
			} else {
				g.transfers.Delete(ref)
			}
			return err
		}
	}

	balance := g.custody[asset]
	switch op {
	case OpDeposit:
		var next uint256.Int
		if _, overflow := next.AddOverflow(&balance, &amount); overflow {
			g.transfers.Store(ref, memTransfer{op: op, asset: asset, party: party, amount: amount, status: StatusFailed})
			return fmt.Errorf("%w: custody balance overflow", ErrRejected)
		}
		g.custody[asset] = next
	case OpDisburse:
		if balance.Cmp(&amount) < 0 {
			g.transfers.Store(ref, memTransfer{op: op, asset: asset, party: party, amount: amount, status: StatusFailed})
			return fmt.Errorf("%w: custody holds %s, need %s", ErrRejected, balance.Dec(), amount.Dec())
		}
		var next uint256.Int
		next.Sub(&balance, &amount)
		g.custody[asset] = next

		key := balanceKey{asset: asset, account: party}
		got := g.received[key]
		got.Add(&got, &amount)
		g.received[key] = got
	}

	g.transfers.Store(ref, memTransfer{op: op, asset: asset, party: party, amount: amount, status: StatusCompleted})
	return nil
}

func (g *MemoryGateway) Status(ctx context.Context, ref string) (Status, error) {
	t, ok := g.transfers.Load(ref)
	if !ok {
		return StatusUnknown, nil
	}
	return t.status, nil
}

// Custody returns the custody balance held for an asset.
func (g *MemoryGateway) Custody(asset common.Address) uint256.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.custody[asset]
}

// Received returns the total an address has been paid out of custody in an asset.
func (g *MemoryGateway) Received(asset, account common.Address) uint256.Int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.received[balanceKey{asset: asset, account: account}]
}
