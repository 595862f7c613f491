package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/assettransfer"
	"github.com/transfa/payout-service/pkg/logging"
	"go.uber.org/zap"
)

// CustodyStatusRoutingKey is the routing key custody publishes transfer outcomes under.
const CustodyStatusRoutingKey = "custody.transfer.status"

// CustodyStatusEvent is custody's push notification for one referenced transfer.
type CustodyStatusEvent struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

// CustodyStatusConsumer settles pending claims and deposits as soon as custody
// reports their outcome, ahead of the reconcile job.
type CustodyStatusConsumer struct {
	svc    *Service
	logger *zap.Logger
}

func NewCustodyStatusConsumer(svc *Service, logger *zap.Logger) *CustodyStatusConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CustodyStatusConsumer{svc: svc, logger: logger.With(zap.String("component", "custody_consumer"))}
}

// HandleMessage returns false only for failures worth redelivering.
func (c *CustodyStatusConsumer) HandleMessage(body []byte) bool {
	var event CustodyStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal custody status event", zap.Error(err))
		return true
	}
	event.Reference = strings.TrimSpace(event.Reference)
	if event.Reference == "" {
		c.logger.Warn("custody status event missing reference", zap.String("status", event.Status))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if err := c.svc.ApplyCustodyStatus(ctx, event.Reference, normalizeCustodyStatus(event.Status)); err != nil {
		c.logger.Warn("custody status event not applied",
			zap.String("reference", event.Reference),
			zap.String("status", event.Status),
			zap.Error(err))
		return false
	}
	return true
}

func normalizeCustodyStatus(status string) assettransfer.Status {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "completed", "successful", "success":
		return assettransfer.StatusCompleted
	case "failed", "failure", "rejected":
		return assettransfer.StatusFailed
	default:
		return assettransfer.StatusProcessing
	}
}

// parseTransferRef splits a reference minted by this service into its payout id
// and flow, e.g. "payout:7:claim:<uuid>".
func parseTransferRef(ref string) (uint64, string, bool) {
	parts := strings.SplitN(ref, ":", 4)
	if len(parts) != 4 || parts[0] != "payout" {
		return 0, "", false
	}
	id, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, parts[2], true
}

// ApplyCustodyStatus settles whatever pending claim or deposit ref belongs to.
// Only completed and failed are acted on; references this service does not
// track, or has already settled, are ignored.
func (s *Service) ApplyCustodyStatus(ctx context.Context, ref string, status assettransfer.Status) error {
	if status != assettransfer.StatusCompleted && status != assettransfer.StatusFailed {
		return nil
	}
	payoutID, flow, ok := parseTransferRef(ref)
	if !ok {
		return nil
	}
	logger := s.logger.With(
		zap.String("flow", "custody_event"),
		zap.Uint64("payout_id", payoutID),
		zap.String("reference", ref),
		zap.String("custody_status", string(status)))

	switch {
	case flow == "claim":
		return s.applyClaimStatus(ctx, logger, payoutID, ref, status)
	case flow == "fund" && !strings.HasSuffix(ref, ":refund"):
		return s.applyDepositStatus(ctx, logger, ref, status)
	default:
		return nil
	}
}

func (s *Service) applyClaimStatus(ctx context.Context, logger *zap.Logger, payoutID uint64, ref string, status assettransfer.Status) error {
	claim, err := s.repo.FindPendingClaim(ctx, payoutID, ref)
	if errors.Is(err, store.ErrClaimStateConflict) || errors.Is(err, store.ErrPayoutNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	err = s.settleClaim(ctx, claim.PayoutID, claim.Recipient, ref, status)
	switch {
	case err == nil:
		logger.Info("pending claim settled from custody event", zap.String("recipient", claim.Recipient.Hex()))
		return nil
	case errors.Is(err, store.ErrClaimStateConflict):
		return nil
	default:
		logging.Critical(logger, "pending claim could not be settled from custody event", zap.Error(err))
		return err
	}
}

func (s *Service) applyDepositStatus(ctx context.Context, logger *zap.Logger, ref string, status assettransfer.Status) error {
	d, err := s.repo.GetPendingDeposit(ctx, ref)
	if errors.Is(err, store.ErrDepositNotFound) {
		// FundPayout credits deposits that settle while it waits; nothing was recorded.
		return nil
	}
	if err != nil {
		return err
	}
	if d.Status != store.DepositPending {
		return nil
	}

	if status == assettransfer.StatusFailed {
		err = s.repo.ResolvePendingDeposit(ctx, ref, store.DepositAbandoned)
		if err == nil {
			logger.Info("pending deposit abandoned from custody event")
		}
	} else {
		err = s.creditDeposit(ctx, d)
		if errors.Is(err, errPayoutClosedForDeposit) {
			err = s.refundPendingDeposit(ctx, d)
			if err == nil {
				logger.Warn("late deposit refunded; payout already closed", zap.String("amount", d.Amount.Dec()))
			}
		} else if err == nil {
			logger.Info("late deposit credited from custody event", zap.String("amount", d.Amount.Dec()))
		}
	}
	if err == nil || errors.Is(err, store.ErrDepositStateConflict) {
		return nil
	}
	return fmt.Errorf("settle deposit %s: %w", ref, err)
}

