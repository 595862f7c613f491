/**
 * @description
 * Ledger events. Every state transition appends one event to the payout's
 * event log and to the outbox within the same commit as the state change.
 */

package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind tags the variant of a ledger event.
type EventKind string

const (
	EventPayoutCreated      EventKind = "PayoutCreated"
	EventPayoutFunded       EventKind = "PayoutFunded"
	EventPayoutClaimed      EventKind = "PayoutClaimed"
	EventPayoutClosed       EventKind = "PayoutClosed"
	EventRemainingWithdrawn EventKind = "RemainingWithdrawn"
)

// EventExchange is the default topic exchange ledger events are published to.
const EventExchange = "payout_events"

// Event is one entry of a payout's append-only event log.
// Actor is the creator, funder or recipient depending on Kind.
type Event struct {
	Seq            int64
	PayoutID       uint64
	Kind           EventKind
	Actor          common.Address
	Asset          common.Address
	Amount         uint256.Int
	RecipientCount int
	OccurredAt     time.Time
}

// RoutingKey returns the RabbitMQ routing key for the event kind.
func (e Event) RoutingKey() string {
	switch e.Kind {
	case EventPayoutCreated:
		return "payout.created"
	case EventPayoutFunded:
		return "payout.funded"
	case EventPayoutClaimed:
		return "payout.claimed"
	case EventPayoutClosed:
		return "payout.closed"
	case EventRemainingWithdrawn:
		return "payout.remaining_withdrawn"
	default:
		return "payout.unknown"
	}
}

// EventPayload is the wire representation of an Event.
type EventPayload struct {
	Seq            int64     `json:"seq,omitempty"`
	Event          EventKind `json:"event"`
	PayoutID       string    `json:"payout_id"`
	Creator        string    `json:"creator,omitempty"`
	Funder         string    `json:"funder,omitempty"`
	Recipient      string    `json:"recipient,omitempty"`
	Asset          string    `json:"asset,omitempty"`
	TotalAmount    string    `json:"total_amount,omitempty"`
	Amount         string    `json:"amount,omitempty"`
	RecipientCount int       `json:"recipient_count,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Payload converts the event to its wire form.
func (e Event) Payload() EventPayload {
	p := EventPayload{
		Seq:        e.Seq,
		Event:      e.Kind,
		PayoutID:   strconv.FormatUint(e.PayoutID, 10),
		OccurredAt: e.OccurredAt.UTC(),
	}
	switch e.Kind {
	case EventPayoutCreated:
		p.Creator = e.Actor.Hex()
		p.Asset = e.Asset.Hex()
		p.TotalAmount = e.Amount.Dec()
		p.RecipientCount = e.RecipientCount
	case EventPayoutFunded:
		p.Funder = e.Actor.Hex()
		p.Amount = e.Amount.Dec()
	case EventPayoutClaimed:
		p.Recipient = e.Actor.Hex()
		p.Amount = e.Amount.Dec()
	case EventRemainingWithdrawn:
		p.Amount = e.Amount.Dec()
	}
	return p
}

// MarshalJSON encodes the event in its wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Payload())
}

func NewPayoutCreatedEvent(p *Payout, at time.Time) Event {
	return Event{
		PayoutID:       p.ID,
		Kind:           EventPayoutCreated,
		Actor:          p.Creator,
		Asset:          p.Asset,
		Amount:         p.TotalAmount,
		RecipientCount: p.RecipientCount,
		OccurredAt:     at,
	}
}

func NewPayoutFundedEvent(payoutID uint64, funder common.Address, amount uint256.Int, at time.Time) Event {
	return Event{PayoutID: payoutID, Kind: EventPayoutFunded, Actor: funder, Amount: amount, OccurredAt: at}
}

func NewPayoutClaimedEvent(payoutID uint64, recipient common.Address, amount uint256.Int, at time.Time) Event {
	return Event{PayoutID: payoutID, Kind: EventPayoutClaimed, Actor: recipient, Amount: amount, OccurredAt: at}
}

func NewPayoutClosedEvent(payoutID uint64, at time.Time) Event {
	return Event{PayoutID: payoutID, Kind: EventPayoutClosed, OccurredAt: at}
}

func NewRemainingWithdrawnEvent(payoutID uint64, amount uint256.Int, at time.Time) Event {
	return Event{PayoutID: payoutID, Kind: EventRemainingWithdrawn, Amount: amount, OccurredAt: at}
}
