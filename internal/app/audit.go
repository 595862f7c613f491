package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"github.com/holiman/uint256"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/pkg/logging"
	"go.uber.org/zap"
)

const (
	auditPageSize       = 200
	defaultAuditWorkers = 8
)

// AuditViolation is one broken ledger invariant on one payout.
type AuditViolation struct {
	PayoutID uint64 `json:"payout_id"`
	Rule     string `json:"rule"`
	Detail   string `json:"detail"`
}

// AuditReport summarizes a ledger audit pass.
type AuditReport struct {
	Checked    int              `json:"checked"`
	Failed     int              `json:"failed"`
	Violations []AuditViolation `json:"violations"`
}

// AuditLedger re-derives the bookkeeping totals of every payout from its
// allocations and reports any that disagree. Payouts are checked in parallel.
func (s *Service) AuditLedger(ctx context.Context) (AuditReport, error) {
	pool := pond.NewPool(defaultAuditWorkers, pond.WithQueueSize(auditPageSize))
	defer pool.StopAndWait()

	var (
		checked atomic.Int32
		failed  atomic.Int32
		mu      sync.Mutex
		report  AuditReport
	)

	var afterID uint64
	for {
		ids, err := s.repo.ListPayoutIDs(ctx, afterID, auditPageSize)
		if err != nil {
			return report, fmt.Errorf("failed to list payouts: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		group := pool.NewGroupContext(ctx)
		groupCtx := group.Context()
		for _, id := range ids {
			payoutID := id
			group.Submit(func() {
				if err := groupCtx.Err(); err != nil {
					return
				}
				snapshot, err := s.repo.GetPayoutSnapshot(groupCtx, payoutID)
				if err != nil {
					failed.Add(1)
					s.logger.Warn("audit could not load payout", zap.Uint64("payout_id", payoutID), zap.Error(err))
					return
				}
				checked.Add(1)
				if violations := auditSnapshot(snapshot); len(violations) > 0 {
					mu.Lock()
					report.Violations = append(report.Violations, violations...)
					mu.Unlock()
				}
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
			s.logger.Warn("audit group encountered error", zap.Error(err))
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		afterID = ids[len(ids)-1]
		if len(ids) < auditPageSize {
			break
		}
	}

	report.Checked = int(checked.Load())
	report.Failed = int(failed.Load())
	for _, v := range report.Violations {
		logging.Critical(s.logger, "ledger invariant violated",
			zap.Uint64("payout_id", v.PayoutID),
			zap.String("rule", v.Rule),
			zap.String("detail", v.Detail))
	}
	s.logger.Info("ledger audit finished",
		zap.Int("checked", report.Checked),
		zap.Int("failed", report.Failed),
		zap.Int("violations", len(report.Violations)))
	return report, nil
}

func auditSnapshot(snapshot *domain.PayoutSnapshot) []AuditViolation {
	p := snapshot.Payout
	var out []AuditViolation
	add := func(rule, format string, args ...interface{}) {
		out = append(out, AuditViolation{PayoutID: p.ID, Rule: rule, Detail: fmt.Sprintf(format, args...)})
	}

	if len(snapshot.Allocations) != p.RecipientCount {
		add("recipient_count", "payout records %d recipients, found %d allocations", p.RecipientCount, len(snapshot.Allocations))
	}

	var allocated, claimed uint256.Int
	for _, a := range snapshot.Allocations {
		if _, overflow := allocated.AddOverflow(&allocated, &a.Amount); overflow {
			add("allocation_sum", "allocation sum overflows")
			return out
		}
		if a.Claimed() {
			claimed.Add(&claimed, &a.Amount)
		}
	}
	if allocated.Cmp(&p.TotalAmount) != 0 {
		add("allocation_sum", "allocations sum to %s, total is %s", allocated.Dec(), p.TotalAmount.Dec())
	}
	if claimed.Cmp(&p.ClaimedAmount) != 0 {
		add("claimed_total", "claimed allocations sum to %s, payout records %s", claimed.Dec(), p.ClaimedAmount.Dec())
	}

	var out256 uint256.Int
	if _, overflow := out256.AddOverflow(&p.ClaimedAmount, &p.WithdrawnAmount); overflow || out256.Cmp(&p.FundedAmount) > 0 {
		add("custody_balance", "claimed %s + withdrawn %s exceeds funded %s",
			p.ClaimedAmount.Dec(), p.WithdrawnAmount.Dec(), p.FundedAmount.Dec())
	}
	if p.Settled && !p.Closed {
		add("lifecycle", "payout settled without being closed")
	}
	return out
}
