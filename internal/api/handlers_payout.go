package api

import (
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/domain"
	"go.uber.org/zap"
)

// NextPayoutIDHandler returns the id the next created payout will receive.
func (h *PayoutHandlers) NextPayoutIDHandler(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.NextPayoutID(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]uint64{"next_payout_id": id})
}

// GetPayoutHandler returns one payout.
func (h *PayoutHandlers) GetPayoutHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parsePayoutID(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	p, err := h.service.GetPayout(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildPayoutResponse(p))
}

// ListAllocationsHandler returns every recipient of a payout with its claim status.
func (h *PayoutHandlers) ListAllocationsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parsePayoutID(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	allocations, err := h.service.ListAllocations(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payout_id":   id,
		"allocations": buildAllocationResponses(allocations),
	})
}

// GetClaimableHandler returns what one address could claim right now.
func (h *PayoutHandlers) GetClaimableHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parsePayoutID(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	address, err := domain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	claimable := h.service.GetClaimable(r.Context(), id, address)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payout_id": id,
		"address":   address.Hex(),
		"claimable": claimable.Dec(),
	})
}

// BatchClaimableHandler evaluates the claimable amount for many addresses at once.
func (h *PayoutHandlers) BatchClaimableHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parsePayoutID(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req domain.BatchClaimableRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	addresses := make([]common.Address, len(req.Addresses))
	for i, raw := range req.Addresses {
		addr, err := domain.ParseAddress(raw)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		addresses[i] = addr
	}

	amounts := h.service.GetBatchClaimable(r.Context(), id, addresses)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payout_id": id,
		"claimable": domain.FormatAmounts(amounts),
	})
}

// ListEventsHandler pages through a payout's event log.
func (h *PayoutHandlers) ListEventsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := parsePayoutID(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var afterSeq int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		afterSeq, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || afterSeq < 0 {
			h.writeError(w, http.StatusBadRequest, "InvalidInput", "after must be a non-negative integer")
			return
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeError(w, http.StatusBadRequest, "InvalidInput", "limit must be a non-negative integer")
			return
		}
	}

	events, err := h.service.ListEvents(r.Context(), id, afterSeq, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payout_id": id,
		"events":    events,
	})
}

// ExtractAddressesHandler returns the distinct addresses found in pasted text.
func (h *PayoutHandlers) ExtractAddressesHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ExtractAddressesRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	found := h.service.ExtractAddresses(req.Text)
	out := make([]string, len(found))
	for i, a := range found {
		out[i] = a.Hex()
	}
	h.writeJSON(w, http.StatusOK, map[string][]string{"addresses": out})
}

// CreatePayoutHandler creates a payout owned by the authenticated caller.
func (h *PayoutHandlers) CreatePayoutHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized", "caller address missing")
		return
	}

	var req domain.CreatePayoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	spec, err := app.ParsePayoutSpec(req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	p, err := h.service.CreatePayout(r.Context(), caller, spec)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildPayoutResponse(p))
}

// FundPayoutHandler deposits funds into a payout on behalf of the caller.
func (h *PayoutHandlers) FundPayoutHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized", "caller address missing")
		return
	}
	id, err := parsePayoutID(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	var req domain.FundPayoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	amount, err := domain.ParseAmount(req.Amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	p, err := h.service.FundPayout(r.Context(), id, caller, amount)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildPayoutResponse(p))
}

// ClaimHandler pays the caller's allocation.
func (h *PayoutHandlers) ClaimHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized", "caller address missing")
		return
	}
	id, err := parsePayoutID(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	res, err := h.service.Claim(r.Context(), id, caller)
	if err != nil {
		h.logger.Info("claim rejected",
			zap.Uint64("payout_id", id),
			zap.String("recipient", caller.Hex()),
			zap.String("kind", domain.ErrorKind(err)))
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payout_id": res.PayoutID,
		"recipient": res.Recipient.Hex(),
		"amount":    res.Amount.Dec(),
		"reference": res.Reference,
	})
}

// ClosePayoutHandler closes a payout. Only the creator may do this.
func (h *PayoutHandlers) ClosePayoutHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized", "caller address missing")
		return
	}
	id, err := parsePayoutID(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	p, err := h.service.ClosePayout(r.Context(), id, caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildPayoutResponse(p))
}

// WithdrawRemainingHandler returns the unclaimed remainder of a closed payout to its creator.
func (h *PayoutHandlers) WithdrawRemainingHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Unauthorized", "caller address missing")
		return
	}
	id, err := parsePayoutID(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	res, err := h.service.WithdrawRemaining(r.Context(), id, caller)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"payout_id": res.PayoutID,
		"amount":    res.Amount.Dec(),
		"reference": res.Reference,
	})
}
