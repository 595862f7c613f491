/**
 * @description
 * This file defines the core domain models for the payout-service ledger.
 * A Payout is one batch disbursement: a creator, an asset, a fixed set of
 * recipient allocations and the funding/claim state that moves between them.
 *
 * @notes
 * - Amounts are unsigned 256-bit integers in the asset's smallest unit. All
 *   arithmetic on them goes through the checked helpers in amount.go.
 * - Addresses are 20-byte account identifiers. The zero address denotes the
 *   native asset.
 */

package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// PayoutType is descriptive metadata carried by a payout. It has no effect on ledger behavior.
type PayoutType uint8

const (
	PayoutTypeOneOff    PayoutType = 0
	PayoutTypeRecurring PayoutType = 1
	PayoutTypeGrant     PayoutType = 2
)

func (t PayoutType) String() string {
	switch t {
	case PayoutTypeOneOff:
		return "one_off"
	case PayoutTypeRecurring:
		return "recurring"
	case PayoutTypeGrant:
		return "grant"
	default:
		return "custom"
	}
}

// AllocationStatus tracks where a recipient's allocation is in the claim flow.
type AllocationStatus string

const (
	AllocationUnclaimed AllocationStatus = "unclaimed"
	// AllocationPending marks a reserved claim whose transfer has not been confirmed yet.
	AllocationPending AllocationStatus = "pending"
	AllocationClaimed AllocationStatus = "claimed"
)

// Payout lifecycle states exposed on reads.
const (
	PayoutStateOpen    = "open"
	PayoutStateFunded  = "funded"
	PayoutStateClosed  = "closed"
	PayoutStateSettled = "settled"
)

const MaxTitleLength = 128

// Payout represents one batch disbursement record.
// Creator, Asset and TotalAmount are write-once; the store never exposes a mutator for them.
type Payout struct {
	ID              uint64
	Creator         common.Address
	Asset           common.Address
	TotalAmount     uint256.Int
	FundedAmount    uint256.Int
	ClaimedAmount   uint256.Int // includes pending reservations
	WithdrawnAmount uint256.Int
	Closed          bool
	Settled         bool
	Title           string
	PayoutType      PayoutType
	RecipientCount  int
	CreatedAt       time.Time
	ClosedAt        *time.Time
}

// IsNative reports whether the payout is denominated in the native asset.
func (p *Payout) IsNative() bool {
	return p.Asset == NativeAsset
}

// RemainingToFund returns max(total - funded, 0).
func (p *Payout) RemainingToFund() uint256.Int {
	return SaturatingSub(p.TotalAmount, p.FundedAmount)
}

// Available returns the funded balance not yet consumed by claims.
func (p *Payout) Available() uint256.Int {
	return SaturatingSub(p.FundedAmount, p.ClaimedAmount)
}

// Remainder returns what the creator could still withdraw after close.
func (p *Payout) Remainder() uint256.Int {
	available := p.Available()
	return SaturatingSub(available, p.WithdrawnAmount)
}

// State derives the lifecycle state from the stored flags.
func (p *Payout) State() string {
	switch {
	case p.Settled:
		return PayoutStateSettled
	case p.Closed:
		return PayoutStateClosed
	case !p.FundedAmount.IsZero():
		return PayoutStateFunded
	default:
		return PayoutStateOpen
	}
}

// Allocation is the fixed amount owed to one recipient of one payout.
type Allocation struct {
	PayoutID   uint64
	Index      int
	Recipient  common.Address
	Amount     uint256.Int
	Status     AllocationStatus
	ClaimRef   string
	ReservedAt *time.Time
	ClaimedAt  *time.Time
}

// Claimed reports whether the allocation can no longer be claimed.
// A pending reservation counts as claimed.
func (a *Allocation) Claimed() bool {
	return a.Status != AllocationUnclaimed
}

// PayoutSnapshot is a consistent view of a payout and all of its allocations.
type PayoutSnapshot struct {
	Payout      Payout
	Allocations []Allocation
	index       map[common.Address]int
}

// NewPayoutSnapshot builds a snapshot and indexes allocations by recipient.
func NewPayoutSnapshot(p Payout, allocations []Allocation) *PayoutSnapshot {
	index := make(map[common.Address]int, len(allocations))
	for i := range allocations {
		index[allocations[i].Recipient] = i
	}
	return &PayoutSnapshot{Payout: p, Allocations: allocations, index: index}
}

// Allocation looks up a recipient's allocation in the snapshot.
func (s *PayoutSnapshot) Allocation(recipient common.Address) (Allocation, bool) {
	i, ok := s.index[recipient]
	if !ok {
		return Allocation{}, false
	}
	return s.Allocations[i], true
}

// Template is a saved recipient/amount blueprint that can later be turned into a payout.
type Template struct {
	ID          uuid.UUID
	Creator     common.Address
	Name        string
	Asset       common.Address
	Recipients  []common.Address
	Amounts     []uint256.Int
	TotalAmount uint256.Int
	CreatedAt   time.Time
}

// PayoutSpec carries the validated inputs of createPayout.
type PayoutSpec struct {
	Asset      common.Address
	Recipients []common.Address
	Amounts    []uint256.Int
	Title      string
	PayoutType PayoutType
}

// CreatePayoutRequest is the HTTP payload for creating a payout.
type CreatePayoutRequest struct {
	Asset      string   `json:"asset"`
	Recipients []string `json:"recipients"`
	Amounts    []string `json:"amounts"`
	Title      string   `json:"title"`
	PayoutType uint8    `json:"payout_type"`
}

// CreateTemplateRequest is the HTTP payload for saving a template.
type CreateTemplateRequest struct {
	Name       string   `json:"name"`
	Asset      string   `json:"asset"`
	Recipients []string `json:"recipients"`
	Amounts    []string `json:"amounts"`
}

// CreatePayoutFromTemplateRequest is the HTTP payload for materializing a template.
type CreatePayoutFromTemplateRequest struct {
	Title      string `json:"title"`
	PayoutType uint8  `json:"payout_type"`
}

// FundPayoutRequest is the HTTP payload for funding a payout.
type FundPayoutRequest struct {
	Amount string `json:"amount"`
}

// BatchClaimableRequest is the HTTP payload for a batch claimable query.
type BatchClaimableRequest struct {
	Addresses []string `json:"addresses"`
}

// ExtractAddressesRequest is the HTTP payload for the recipient import helper.
type ExtractAddressesRequest struct {
	Text string `json:"text"`
}

// ClaimResult describes a successful claim.
type ClaimResult struct {
	PayoutID  uint64
	Recipient common.Address
	Amount    uint256.Int
	Reference string
}

// WithdrawResult describes a withdraw-remainder call.
type WithdrawResult struct {
	PayoutID  uint64
	Amount    uint256.Int
	Reference string
}
