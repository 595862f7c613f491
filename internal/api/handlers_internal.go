package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/transfa/payout-service/internal/app"
)

// ReconcileClaimsHandler runs one claim reconciliation pass on demand.
// Optional query parameters: min_age_seconds, limit.
func (h *PayoutHandlers) ReconcileClaimsHandler(w http.ResponseWriter, r *http.Request) {
	minAge, limit, ok := h.reconcileParams(w, r)
	if !ok {
		return
	}
	result, err := h.service.ReconcilePendingClaims(r.Context(), minAge, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ReconcileDepositsHandler runs one pending-deposit reconciliation pass on demand.
func (h *PayoutHandlers) ReconcileDepositsHandler(w http.ResponseWriter, r *http.Request) {
	minAge, limit, ok := h.reconcileParams(w, r)
	if !ok {
		return
	}
	result, err := h.service.ReconcilePendingDeposits(r.Context(), minAge, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// reconcileParams reads min_age_seconds and limit. A min age below what an
// in-flight transfer may still need is refused rather than silently raised.
func (h *PayoutHandlers) reconcileParams(w http.ResponseWriter, r *http.Request) (time.Duration, int, bool) {
	var minAge time.Duration
	if raw := r.URL.Query().Get("min_age_seconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			h.writeError(w, http.StatusBadRequest, "InvalidInput", "min_age_seconds must be a non-negative integer")
			return 0, 0, false
		}
		minAge = time.Duration(seconds) * time.Second
		if minAge < app.MinReconcileAge {
			h.writeError(w, http.StatusBadRequest, "InvalidInput",
				fmt.Sprintf("min_age_seconds must be at least %d", int(app.MinReconcileAge/time.Second)))
			return 0, 0, false
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "InvalidInput", "limit must be a non-negative integer")
			return 0, 0, false
		}
		limit = n
	}
	return minAge, limit, true
}

// AuditLedgerHandler runs a ledger audit on demand.
func (h *PayoutHandlers) AuditLedgerHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.AuditLedger(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if report.Violations == nil {
		report.Violations = []app.AuditViolation{}
	}
	h.writeJSON(w, http.StatusOK, report)
}
