package domain

import (
	"errors"
	"fmt"
)

// Ledger error kinds. Operations wrap these so callers can match with errors.Is.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrOverflow            = errors.New("amount overflow")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrClosed              = errors.New("payout closed")
	ErrAlreadyClosed       = errors.New("payout already closed")
	ErrAlreadyClaimed      = errors.New("allocation already claimed")
	ErrInsufficientFunding = errors.New("insufficient funding")
	ErrNotClosed           = errors.New("payout not closed")
	ErrTransferFailure     = errors.New("asset transfer failed")

	ErrRateLimited = errors.New("rate limited")
)

// ErrTransferPending is returned when a transfer's outcome could not be determined.
// It matches ErrTransferFailure as well.
var ErrTransferPending = fmt.Errorf("%w: outcome pending reconciliation", ErrTransferFailure)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrTransferPending, "TransferPending"},
	{ErrInvalidInput, "InvalidInput"},
	{ErrOverflow, "Overflow"},
	{ErrNotFound, "NotFound"},
	{ErrForbidden, "Forbidden"},
	{ErrAlreadyClosed, "AlreadyClosed"},
	{ErrClosed, "Closed"},
	{ErrAlreadyClaimed, "AlreadyClaimed"},
	{ErrInsufficientFunding, "InsufficientFunding"},
	{ErrNotClosed, "NotClosed"},
	{ErrTransferFailure, "TransferFailure"},
	{ErrRateLimited, "RateLimited"},
}

// ErrorKind returns the stable name of the ledger error kind wrapped by err, or "Internal".
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
