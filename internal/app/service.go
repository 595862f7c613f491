/**
 * @description
 * This file contains the Disbursement Engine. The `Service` struct enforces the
 * payout invariants and is the only writer of the Ledger Store. Value moves
 * through the injected asset transfer gateway; bookkeeping and events commit
 * together through the store's per-payout unit of work.
 *
 * Key features:
 * - Create, fund, claim, close and withdraw-remainder operations.
 * - Lock-free claimable reads against committed snapshots.
 * - Reserve/transfer/confirm claim execution with reconciliation of unknown outcomes.
 * - Pending-deposit tracking so a deposit with an unknown outcome is credited or refunded later.
 *
 * @dependencies
 * - internal/domain, internal/store: ledger models and persistence.
 * - pkg/assettransfer: custody movements.
 * - go.uber.org/zap: structured logging.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/assettransfer"
	"github.com/transfa/payout-service/pkg/logging"
	"go.uber.org/zap"
)

const settleTimeout = 15 * time.Second

// ClaimRateLimiter throttles claim attempts per recipient and per allocation.
type ClaimRateLimiter interface {
	ConsumeClaim(ctx context.Context, payoutID uint64, recipient common.Address) (ClaimQuota, error)
}

// RateLimitError carries the retry hint for a throttled caller.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %ds", domain.ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return domain.ErrRateLimited
}

// Service provides the Disbursement Engine operations.
type Service struct {
	repo    store.Repository
	gateway assettransfer.Gateway
	logger  *zap.Logger
	now     func() time.Time
	newRef  func() string
	limiter ClaimRateLimiter
}

// NewService creates a new payout service instance.
func NewService(repo store.Repository, gateway assettransfer.Gateway, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		gateway: gateway,
		logger:  logger.With(zap.String("component", "payout_service")),
		now:     func() time.Time { return time.Now().UTC() },
		newRef:  uuid.NewString,
	}
}

// SetClaimRateLimiter enables claim throttling.
func (s *Service) SetClaimRateLimiter(limiter ClaimRateLimiter) {
	s.limiter = limiter
}

// ParsePayoutSpec converts a create-payout payload into validated inputs.
func ParsePayoutSpec(req domain.CreatePayoutRequest) (domain.PayoutSpec, error) {
	asset, err := domain.ParseAsset(req.Asset)
	if err != nil {
		return domain.PayoutSpec{}, err
	}
	recipients, amounts, err := domain.ParseAllocations(req.Recipients, req.Amounts)
	if err != nil {
		return domain.PayoutSpec{}, err
	}
	return domain.PayoutSpec{
		Asset:      asset,
		Recipients: recipients,
		Amounts:    amounts,
		Title:      req.Title,
		PayoutType: domain.PayoutType(req.PayoutType),
	}, nil
}

// CreatePayout registers a new payout with one allocation per recipient.
func (s *Service) CreatePayout(ctx context.Context, creator common.Address, spec domain.PayoutSpec) (*domain.Payout, error) {
	total, err := domain.ValidateAllocations(spec.Recipients, spec.Amounts)
	if err != nil {
		return nil, err
	}
	title, err := domain.NormalizeTitle(spec.Title)
	if err != nil {
		return nil, err
	}

	id, err := s.repo.NextPayoutID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve payout id: %w", err)
	}

	now := s.now()
	payout := domain.Payout{
		ID:             id,
		Creator:        creator,
		Asset:          spec.Asset,
		TotalAmount:    total,
		Title:          title,
		PayoutType:     spec.PayoutType,
		RecipientCount: len(spec.Recipients),
		CreatedAt:      now,
	}
	allocations := make([]domain.Allocation, len(spec.Recipients))
	for i, recipient := range spec.Recipients {
		allocations[i] = domain.Allocation{
			PayoutID:  id,
			Index:     i,
			Recipient: recipient,
			Amount:    spec.Amounts[i],
			Status:    domain.AllocationUnclaimed,
		}
	}

	if err := s.repo.CreatePayout(ctx, payout, allocations, domain.NewPayoutCreatedEvent(&payout, now)); err != nil {
		return nil, fmt.Errorf("failed to create payout %d: %w", id, err)
	}

	s.logger.Info("payout created",
		zap.Uint64("payout_id", id),
		zap.String("creator", creator.Hex()),
		zap.String("asset", spec.Asset.Hex()),
		zap.String("total_amount", total.Dec()),
		zap.Int("recipient_count", len(spec.Recipients)))
	return &payout, nil
}

// FundPayout deposits amount of the payout's asset from funder into custody.
// Any address may fund; over-funding is allowed.
func (s *Service) FundPayout(ctx context.Context, payoutID uint64, funder common.Address, amount uint256.Int) (*domain.Payout, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: fund amount must be greater than 0", domain.ErrInvalidInput)
	}

	ref := fmt.Sprintf("payout:%d:fund:%s", payoutID, s.newRef())
	logger := s.logger.With(zap.String("flow", "fund"), zap.Uint64("payout_id", payoutID), zap.String("reference", ref))

	var (
		asset     common.Address
		deposited bool
		result    domain.Payout
	)
	err := s.repo.WithPayout(ctx, payoutID, func(ctx context.Context, tx store.PayoutTx) error {
		p := tx.Payout()
		if p.Closed {
			return domain.ErrClosed
		}
		if err := tx.AddFunding(amount); err != nil {
			return err
		}
		now := s.now()
		if err := tx.Emit(domain.NewPayoutFundedEvent(payoutID, funder, amount, now)); err != nil {
			return err
		}

		asset = p.Asset
		if err := s.settleTransfer(ctx, logger, ref, func(ctx context.Context) error {
			return s.gateway.Deposit(ctx, ref, p.Asset, funder, amount)
		}); err != nil {
			return err
		}
		deposited = true
		result = tx.Payout()
		return nil
	})
	if err != nil {
		switch {
		case deposited:
			s.refundDeposit(ctx, logger, ref, asset, funder, amount, err)
		case errors.Is(err, domain.ErrTransferPending):
			s.recordPendingDeposit(ctx, logger, store.PendingDeposit{
				Ref:      ref,
				PayoutID: payoutID,
				Asset:    asset,
				Funder:   funder,
				Amount:   amount,
			}, err)
		}
		return nil, err
	}

	logger.Info("payout funded",
		zap.String("funder", funder.Hex()),
		zap.String("amount", amount.Dec()),
		zap.String("funded_amount", result.FundedAmount.Dec()))
	return &result, nil
}

// refundDeposit returns a deposit whose bookkeeping could not be committed.
func (s *Service) refundDeposit(ctx context.Context, logger *zap.Logger, ref string, asset, funder common.Address, amount uint256.Int, cause error) {
	refundRef := ref + ":refund"
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err := s.gateway.Disburse(refundCtx, refundRef, asset, funder, amount); err != nil {
		logging.Critical(logger, "deposit received but funding not recorded and refund failed",
			zap.String("funder", funder.Hex()),
			zap.String("amount", amount.Dec()),
			zap.String("refund_reference", refundRef),
			zap.NamedError("commit_error", cause),
			zap.Error(err))
		return
	}
	logger.Warn("funding commit failed; deposit refunded",
		zap.String("refund_reference", refundRef),
		zap.Error(cause))
}

// recordPendingDeposit keeps a deposit with an unknown outcome for the reconcile job,
// which credits or refunds it once custody knows what happened.
func (s *Service) recordPendingDeposit(ctx context.Context, logger *zap.Logger, d store.PendingDeposit, cause error) {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	d.Status = store.DepositPending
	d.CreatedAt = s.now()
	if err := s.repo.RecordPendingDeposit(recordCtx, d); err != nil {
		logging.Critical(logger, "deposit outcome unknown and could not be tracked",
			zap.String("funder", d.Funder.Hex()),
			zap.String("amount", d.Amount.Dec()),
			zap.NamedError("transfer_error", cause),
			zap.Error(err))
		return
	}
	logger.Warn("deposit outcome unknown; left for reconciliation",
		zap.String("funder", d.Funder.Hex()),
		zap.String("amount", d.Amount.Dec()),
		zap.Error(cause))
}

// ClosePayout freezes a payout against further claims. Creator only.
func (s *Service) ClosePayout(ctx context.Context, payoutID uint64, caller common.Address) (*domain.Payout, error) {
	var result domain.Payout
	err := s.repo.WithPayout(ctx, payoutID, func(ctx context.Context, tx store.PayoutTx) error {
		p := tx.Payout()
		if p.Creator != caller {
			return fmt.Errorf("%w: only the creator can close payout %d", domain.ErrForbidden, payoutID)
		}
		now := s.now()
		if err := tx.MarkClosed(now); err != nil {
			return err
		}
		if err := tx.Emit(domain.NewPayoutClosedEvent(payoutID, now)); err != nil {
			return err
		}
		result = tx.Payout()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payout closed",
		zap.Uint64("payout_id", payoutID),
		zap.String("funded_amount", result.FundedAmount.Dec()),
		zap.String("claimed_amount", result.ClaimedAmount.Dec()))
	return &result, nil
}

// WithdrawRemaining pays the unclaimed custody balance of a closed payout back
// to its creator. A repeated call transfers 0.
func (s *Service) WithdrawRemaining(ctx context.Context, payoutID uint64, caller common.Address) (*domain.WithdrawResult, error) {
	var result domain.WithdrawResult
	logger := s.logger.With(zap.String("flow", "withdraw"), zap.Uint64("payout_id", payoutID))

	var transferred bool
	err := s.repo.WithPayout(ctx, payoutID, func(ctx context.Context, tx store.PayoutTx) error {
		p := tx.Payout()
		if p.Creator != caller {
			return fmt.Errorf("%w: only the creator can withdraw from payout %d", domain.ErrForbidden, payoutID)
		}
		if !p.Closed {
			return domain.ErrNotClosed
		}

		remainder := p.Remainder()
		if err := tx.AddWithdrawn(remainder); err != nil {
			return err
		}
		if err := tx.Emit(domain.NewRemainingWithdrawnEvent(payoutID, remainder, s.now())); err != nil {
			return err
		}

		result = domain.WithdrawResult{PayoutID: payoutID, Amount: remainder}
		if remainder.IsZero() {
			return nil
		}

		// Keyed by the withdrawn total so a retry after an unknown outcome reuses the reference.
		// A rejected attempt burns its reference.
		ref := fmt.Sprintf("payout:%d:withdraw:%s", payoutID, p.WithdrawnAmount.Dec())
		if status, err := s.gateway.Status(ctx, ref); err == nil && status == assettransfer.StatusFailed {
			ref = fmt.Sprintf("%s:%s", ref, s.newRef())
		}
		result.Reference = ref
		if err := s.settleTransfer(ctx, logger, ref, func(ctx context.Context) error {
			return s.gateway.Disburse(ctx, ref, p.Asset, p.Creator, remainder)
		}); err != nil {
			return err
		}
		transferred = true
		return nil
	})
	if err != nil {
		if transferred {
			logging.Critical(logger, "remainder paid out but withdrawal not recorded",
				zap.String("reference", result.Reference),
				zap.String("amount", result.Amount.Dec()),
				zap.Error(err))
		}
		return nil, err
	}

	logger.Info("remaining funds withdrawn",
		zap.String("creator", caller.Hex()),
		zap.String("amount", result.Amount.Dec()))
	return &result, nil
}

// settleTransfer runs a transfer and resolves an unknown outcome through the
// gateway's status lookup. It returns nil only when value definitely moved.
func (s *Service) settleTransfer(ctx context.Context, logger *zap.Logger, ref string, transfer func(ctx context.Context) error) error {
	err := transfer(ctx)
	if err == nil {
		return nil
	}
	if assettransfer.IsRejected(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransferFailure, err)
	}

	statusCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	status, statusErr := s.gateway.Status(statusCtx, ref)
	if statusErr != nil {
		logger.Warn("transfer outcome unknown", zap.Error(err), zap.NamedError("status_error", statusErr))
		return fmt.Errorf("%w: %v", domain.ErrTransferPending, err)
	}
	switch status {
	case assettransfer.StatusCompleted:
		logger.Info("transfer completed despite gateway error", zap.Error(err))
		return nil
	case assettransfer.StatusFailed:
		return fmt.Errorf("%w: %v", domain.ErrTransferFailure, err)
	default:
		logger.Warn("transfer outcome unresolved", zap.String("status", string(status)), zap.Error(err))
		return fmt.Errorf("%w: transfer %s is %s", domain.ErrTransferPending, ref, status)
	}
}

// NextPayoutID returns the id the next CreatePayout will receive.
func (s *Service) NextPayoutID(ctx context.Context) (uint64, error) {
	return s.repo.PeekNextPayoutID(ctx)
}

// GetPayout returns the committed state of a payout.
func (s *Service) GetPayout(ctx context.Context, payoutID uint64) (*domain.Payout, error) {
	return s.repo.GetPayout(ctx, payoutID)
}

// ListAllocations returns every allocation of a payout in creation order.
func (s *Service) ListAllocations(ctx context.Context, payoutID uint64) ([]domain.Allocation, error) {
	snapshot, err := s.repo.GetPayoutSnapshot(ctx, payoutID)
	if err != nil {
		return nil, err
	}
	return snapshot.Allocations, nil
}

// ListEvents returns a page of a payout's event log.
func (s *Service) ListEvents(ctx context.Context, payoutID uint64, afterSeq int64, limit int) ([]domain.Event, error) {
	if afterSeq < 0 {
		afterSeq = 0
	}
	return s.repo.ListEvents(ctx, payoutID, afterSeq, limit)
}

// ExtractAddresses returns the distinct addresses found in pasted text.
func (s *Service) ExtractAddresses(text string) []common.Address {
	return domain.ExtractAddresses(text)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
