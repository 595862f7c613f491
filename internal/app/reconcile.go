package app

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/assettransfer"
	"github.com/transfa/payout-service/pkg/logging"
	"go.uber.org/zap"
)

const (
	defaultReconcileLimit = 100
	maxReconcileLimit     = 500
	defaultReconcileAge   = 2 * time.Minute
)

// MinReconcileAge is the youngest reservation or deposit reconciliation may settle.
// A claim request keeps its transfer in flight for up to 2*settleTimeout followed
// by one status lookup; anything younger may still be moving value.
const MinReconcileAge = 3*settleTimeout + 15*time.Second

// ReconcileResult summarizes one reconciliation pass.
type ReconcileResult struct {
	Scanned   int `json:"scanned"`
	Confirmed int `json:"confirmed"`
	Released  int `json:"released"`
	Refunded  int `json:"refunded,omitempty"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func reconcileBounds(minAge time.Duration, limit int) (time.Duration, int) {
	if minAge <= 0 {
		minAge = defaultReconcileAge
	}
	if minAge < MinReconcileAge {
		minAge = MinReconcileAge
	}
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	if limit > maxReconcileLimit {
		limit = maxReconcileLimit
	}
	return minAge, limit
}

// ReconcilePendingClaims resolves claim reservations older than minAge by asking
// the custody gateway what happened to each reference. minAge is raised to
// MinReconcileAge when lower.
func (s *Service) ReconcilePendingClaims(ctx context.Context, minAge time.Duration, limit int) (ReconcileResult, error) {
	minAge, limit = reconcileBounds(minAge, limit)

	var result ReconcileResult
	pending, err := s.repo.ListPendingClaims(ctx, s.now().Add(-minAge), limit)
	if err != nil {
		return result, err
	}

	for _, claim := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		logger := s.logger.With(
			zap.String("flow", "claim_reconcile"),
			zap.Uint64("payout_id", claim.PayoutID),
			zap.String("recipient", claim.Recipient.Hex()),
			zap.String("reference", claim.ClaimRef))

		status, err := s.gateway.Status(ctx, claim.ClaimRef)
		if err != nil {
			logger.Warn("custody status lookup failed", zap.Error(err))
			result.Failed++
			continue
		}
		// Custody not knowing a reference only proves the transfer never happened
		// once the claim request that issued it can no longer be running.
		if status == assettransfer.StatusUnknown && s.now().Sub(claim.ReservedAt) < MinReconcileAge {
			result.Skipped++
			continue
		}

		err = s.settleClaim(ctx, claim.PayoutID, claim.Recipient, claim.ClaimRef, status)
		switch {
		case err == nil && status == assettransfer.StatusCompleted:
			result.Confirmed++
			logger.Info("pending claim confirmed", zap.String("amount", claim.Amount.Dec()))
		case err == nil && (status == assettransfer.StatusFailed || status == assettransfer.StatusUnknown):
			result.Released++
			logger.Info("pending claim released", zap.String("custody_status", string(status)))
		case err == nil:
			result.Skipped++
			logger.Debug("pending claim still processing")
		case errors.Is(err, store.ErrClaimStateConflict):
			// Another worker or the claim request itself settled it first.
			result.Skipped++
		default:
			result.Failed++
			logging.Critical(logger, "pending claim could not be settled",
				zap.String("custody_status", string(status)),
				zap.Error(err))
		}
	}

	if result.Scanned > 0 {
		s.logger.Info("claim reconciliation finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("confirmed", result.Confirmed),
			zap.Int("released", result.Released),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

// settleClaim applies a custody status to a claim reservation. Processing is a no-op.
func (s *Service) settleClaim(ctx context.Context, payoutID uint64, recipient common.Address, ref string, status assettransfer.Status) error {
	switch status {
	case assettransfer.StatusCompleted:
		return s.confirmClaim(ctx, payoutID, recipient, ref)
	case assettransfer.StatusFailed, assettransfer.StatusUnknown:
		return s.releaseClaim(ctx, payoutID, recipient, ref)
	default:
		return nil
	}
}

// ReconcilePendingDeposits resolves deposits whose outcome was unknown when
// FundPayout ran. A deposit that landed is credited, or refunded when its payout
// closed in the meantime; one custody never completed is abandoned.
func (s *Service) ReconcilePendingDeposits(ctx context.Context, minAge time.Duration, limit int) (ReconcileResult, error) {
	minAge, limit = reconcileBounds(minAge, limit)

	var result ReconcileResult
	pending, err := s.repo.ListPendingDeposits(ctx, s.now().Add(-minAge), limit)
	if err != nil {
		return result, err
	}

	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++

		logger := s.logger.With(
			zap.String("flow", "deposit_reconcile"),
			zap.Uint64("payout_id", d.PayoutID),
			zap.String("funder", d.Funder.Hex()),
			zap.String("reference", d.Ref))

		status, err := s.gateway.Status(ctx, d.Ref)
		if err != nil {
			logger.Warn("custody status lookup failed", zap.Error(err))
			result.Failed++
			continue
		}

		switch status {
		case assettransfer.StatusCompleted:
			err = s.creditDeposit(ctx, d)
			if errors.Is(err, errPayoutClosedForDeposit) {
				err = s.refundPendingDeposit(ctx, d)
				if err == nil {
					result.Refunded++
					logger.Warn("late deposit refunded; payout already closed", zap.String("amount", d.Amount.Dec()))
					continue
				}
			} else if err == nil {
				result.Confirmed++
				logger.Info("late deposit credited", zap.String("amount", d.Amount.Dec()))
				continue
			}
		case assettransfer.StatusFailed, assettransfer.StatusUnknown:
			err = s.repo.ResolvePendingDeposit(ctx, d.Ref, store.DepositAbandoned)
			if err == nil {
				result.Released++
				logger.Info("pending deposit abandoned", zap.String("custody_status", string(status)))
				continue
			}
		default:
			result.Skipped++
			continue
		}

		if errors.Is(err, store.ErrDepositStateConflict) {
			result.Skipped++
			continue
		}
		result.Failed++
		logging.Critical(logger, "pending deposit could not be settled",
			zap.String("custody_status", string(status)),
			zap.String("amount", d.Amount.Dec()),
			zap.Error(err))
	}

	if result.Scanned > 0 {
		s.logger.Info("deposit reconciliation finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("credited", result.Confirmed),
			zap.Int("refunded", result.Refunded),
			zap.Int("abandoned", result.Released),
			zap.Int("skipped", result.Skipped),
			zap.Int("failed", result.Failed))
	}
	return result, nil
}

var errPayoutClosedForDeposit = errors.New("payout closed before deposit was credited")

func (s *Service) creditDeposit(ctx context.Context, d store.PendingDeposit) error {
	return s.repo.WithPayout(ctx, d.PayoutID, func(ctx context.Context, tx store.PayoutTx) error {
		if tx.Payout().Closed {
			return errPayoutClosedForDeposit
		}
		credited, err := tx.CreditDeposit(d.Ref)
		if err != nil {
			return err
		}
		return tx.Emit(domain.NewPayoutFundedEvent(d.PayoutID, credited.Funder, credited.Amount, s.now()))
	})
}

// refundPendingDeposit returns a landed deposit the ledger can no longer credit.
// The refund reference is fixed, so a retry after a lost reply cannot pay twice.
func (s *Service) refundPendingDeposit(ctx context.Context, d store.PendingDeposit) error {
	refundRef := d.Ref + ":refund"
	if err := s.gateway.Disburse(ctx, refundRef, d.Asset, d.Funder, d.Amount); err != nil {
		return err
	}
	return s.repo.ResolvePendingDeposit(ctx, d.Ref, store.DepositRefunded)
}
