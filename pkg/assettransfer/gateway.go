/**
 * @description
 * Package assettransfer is the injected capability that moves value of the
 * native asset or a fungible token between external addresses and the
 * ledger's custody. Every movement carries a caller-chosen reference; a
 * gateway must treat a repeated reference as the same transfer.
 */
package assettransfer

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrRejected means the transfer definitely did not happen and will not happen.
	ErrRejected = errors.New("transfer rejected")
	// ErrUnavailable means the outcome is unknown; query Status with the same reference.
	ErrUnavailable = errors.New("transfer gateway unavailable")
)

// Status is the custody-side state of a referenced transfer.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Gateway moves value into and out of custody.
type Gateway interface {
	// Deposit pulls amount of asset from an external address into custody.
	Deposit(ctx context.Context, ref string, asset, from common.Address, amount uint256.Int) error
	// Disburse pays amount of asset out of custody to an external address.
	Disburse(ctx context.Context, ref string, asset, to common.Address, amount uint256.Int) error
	// Status reports what happened to the transfer with the given reference.
	Status(ctx context.Context, ref string) (Status, error)
}

// IsRejected reports whether err is a definite rejection (nothing moved).
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
