package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/logging"
	"go.uber.org/zap"
)

// Claim pays the caller's allocation out of a payout's custody balance.
//
// The allocation is reserved under the payout lock, the transfer runs outside
// it, and the reservation is then confirmed or released. A pending reservation
// already counts as claimed, so a concurrent second claim fails AlreadyClaimed.
func (s *Service) Claim(ctx context.Context, payoutID uint64, recipient common.Address) (*domain.ClaimResult, error) {
	if err := s.consumeClaimRateLimit(ctx, payoutID, recipient); err != nil {
		return nil, err
	}

	ref := fmt.Sprintf("payout:%d:claim:%s", payoutID, s.newRef())
	logger := s.logger.With(
		zap.String("flow", "claim"),
		zap.Uint64("payout_id", payoutID),
		zap.String("recipient", recipient.Hex()),
		zap.String("reference", ref))

	var (
		reserved domain.Allocation
		asset    common.Address
	)
	err := s.repo.WithPayout(ctx, payoutID, func(ctx context.Context, tx store.PayoutTx) error {
		p := tx.Payout()
		if p.Closed {
			return domain.ErrClosed
		}
		a, err := tx.ReserveClaim(recipient, ref, s.now())
		if err != nil {
			return err
		}
		reserved = a
		asset = p.Asset
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The reservation must be settled even if the caller goes away.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*settleTimeout)
	defer cancel()

	transferErr := s.settleTransfer(settleCtx, logger, ref, func(ctx context.Context) error {
		return s.gateway.Disburse(ctx, ref, asset, recipient, reserved.Amount)
	})
	switch {
	case transferErr == nil:
	case errors.Is(transferErr, domain.ErrTransferPending):
		logger.Warn("claim left pending for reconciliation", zap.Error(transferErr))
		return nil, transferErr
	default:
		if err := s.releaseClaim(settleCtx, payoutID, recipient, ref); err != nil && !errors.Is(err, store.ErrClaimStateConflict) {
			logging.Critical(logger, "claim transfer rejected but reservation could not be released",
				zap.Error(err), zap.NamedError("transfer_error", transferErr))
		}
		logger.Info("claim transfer rejected; reservation released", zap.Error(transferErr))
		return nil, transferErr
	}

	if err := s.confirmClaim(settleCtx, payoutID, recipient, ref); err != nil {
		logging.Critical(logger, "claim paid but confirmation not recorded; left for reconciliation", zap.Error(err))
		return nil, fmt.Errorf("%w: claim confirmation deferred", domain.ErrTransferPending)
	}

	logger.Info("claim paid", zap.String("amount", reserved.Amount.Dec()))
	return &domain.ClaimResult{
		PayoutID:  payoutID,
		Recipient: recipient,
		Amount:    reserved.Amount,
		Reference: ref,
	}, nil
}

// confirmClaim marks a reserved allocation claimed and appends PayoutClaimed.
// Confirming an already confirmed reference is a no-op.
func (s *Service) confirmClaim(ctx context.Context, payoutID uint64, recipient common.Address, ref string) error {
	return s.repo.WithPayout(ctx, payoutID, func(ctx context.Context, tx store.PayoutTx) error {
		current, err := tx.Allocation(recipient)
		if err != nil {
			return err
		}
		if current.Status == domain.AllocationClaimed && current.ClaimRef == ref {
			return nil
		}
		now := s.now()
		a, err := tx.ConfirmClaim(recipient, ref, now)
		if err != nil {
			return err
		}
		return tx.Emit(domain.NewPayoutClaimedEvent(payoutID, recipient, a.Amount, now))
	})
}

// releaseClaim returns a reservation whose transfer did not happen.
func (s *Service) releaseClaim(ctx context.Context, payoutID uint64, recipient common.Address, ref string) error {
	return s.repo.WithPayout(ctx, payoutID, func(ctx context.Context, tx store.PayoutTx) error {
		_, err := tx.ReleaseClaim(recipient, ref)
		return err
	})
}

func (s *Service) consumeClaimRateLimit(ctx context.Context, payoutID uint64, recipient common.Address) error {
	if s.limiter == nil {
		return nil
	}
	quota, err := s.limiter.ConsumeClaim(ctx, payoutID, recipient)
	if err != nil {
		// Fail open: the ledger guards still hold without the limiter.
		s.logger.Warn("claim rate limiter unavailable",
			zap.Uint64("payout_id", payoutID),
			zap.String("recipient", recipient.Hex()),
			zap.Error(err))
		return nil
	}
	if !quota.Allowed {
		s.logger.Info("claim throttled",
			zap.Uint64("payout_id", payoutID),
			zap.String("recipient", recipient.Hex()),
			zap.Int("recipient_attempts", quota.RecipientCount),
			zap.Int("allocation_attempts", quota.AllocationCount))
		return &RateLimitError{RetryAfterSeconds: quota.RetryAfterSeconds}
	}
	return nil
}

// GetClaimable returns what recipient could claim right now, or 0. It never fails.
func (s *Service) GetClaimable(ctx context.Context, payoutID uint64, recipient common.Address) uint256.Int {
	snapshot, err := s.repo.GetPayoutSnapshot(ctx, payoutID)
	if err != nil {
		if !isNotFound(err) {
			s.logger.Warn("claimable read failed", zap.Uint64("payout_id", payoutID), zap.Error(err))
		}
		return uint256.Int{}
	}
	return claimableFrom(snapshot, recipient)
}

// GetBatchClaimable evaluates GetClaimable for each address against one snapshot,
// preserving input order.
func (s *Service) GetBatchClaimable(ctx context.Context, payoutID uint64, recipients []common.Address) []uint256.Int {
	out := make([]uint256.Int, len(recipients))
	snapshot, err := s.repo.GetPayoutSnapshot(ctx, payoutID)
	if err != nil {
		if !isNotFound(err) {
			s.logger.Warn("batch claimable read failed", zap.Uint64("payout_id", payoutID), zap.Error(err))
		}
		return out
	}
	for i, recipient := range recipients {
		out[i] = claimableFrom(snapshot, recipient)
	}
	return out
}

func claimableFrom(snapshot *domain.PayoutSnapshot, recipient common.Address) uint256.Int {
	if snapshot.Payout.Closed {
		return uint256.Int{}
	}
	a, ok := snapshot.Allocation(recipient)
	if !ok || a.Claimed() {
		return uint256.Int{}
	}
	available := snapshot.Payout.Available()
	if available.Cmp(&a.Amount) < 0 {
		return uint256.Int{}
	}
	return a.Amount
}
