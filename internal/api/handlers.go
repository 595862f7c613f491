/**
 * @description
 * This file contains the shared plumbing for the payout-service HTTP handlers:
 * JSON encoding, the error-kind to status mapping, and the wire shapes of the
 * ledger records. Amounts are always rendered as decimal strings.
 *
 * @dependencies
 * - internal/app, internal/domain: ledger operations and models.
 * - github.com/go-chi/chi/v5: URL parameters.
 * - go.uber.org/zap: structured logging.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/domain"
	"go.uber.org/zap"
)

const maxRequestBodyBytes = 1 << 20

// PayoutHandlers holds the disbursement engine the handlers call into.
type PayoutHandlers struct {
	service *app.Service
	logger  *zap.Logger
}

// NewPayoutHandlers creates a new instance of PayoutHandlers.
func NewPayoutHandlers(service *app.Service, logger *zap.Logger) *PayoutHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayoutHandlers{service: service, logger: logger.With(zap.String("component", "api"))}
}

type payoutResponse struct {
	ID              uint64     `json:"id"`
	Creator         string     `json:"creator"`
	Asset           string     `json:"asset"`
	TotalAmount     string     `json:"total_amount"`
	FundedAmount    string     `json:"funded_amount"`
	ClaimedAmount   string     `json:"claimed_amount"`
	WithdrawnAmount string     `json:"withdrawn_amount"`
	RemainingToFund string     `json:"remaining_to_fund"`
	Closed          bool       `json:"closed"`
	State           string     `json:"state"`
	Title           string     `json:"title"`
	PayoutType      uint8      `json:"payout_type"`
	PayoutTypeName  string     `json:"payout_type_name"`
	RecipientCount  int        `json:"recipient_count"`
	CreatedAt       time.Time  `json:"created_at"`
	ClosedAt        *time.Time `json:"closed_at,omitempty"`
}

func buildPayoutResponse(p *domain.Payout) payoutResponse {
	remaining := p.RemainingToFund()
	return payoutResponse{
		ID:              p.ID,
		Creator:         p.Creator.Hex(),
		Asset:           p.Asset.Hex(),
		TotalAmount:     p.TotalAmount.Dec(),
		FundedAmount:    p.FundedAmount.Dec(),
		ClaimedAmount:   p.ClaimedAmount.Dec(),
		WithdrawnAmount: p.WithdrawnAmount.Dec(),
		RemainingToFund: remaining.Dec(),
		Closed:          p.Closed,
		State:           p.State(),
		Title:           p.Title,
		PayoutType:      uint8(p.PayoutType),
		PayoutTypeName:  p.PayoutType.String(),
		RecipientCount:  p.RecipientCount,
		CreatedAt:       p.CreatedAt,
		ClosedAt:        p.ClosedAt,
	}
}

type allocationResponse struct {
	Index     int        `json:"index"`
	Recipient string     `json:"recipient"`
	Amount    string     `json:"amount"`
	Status    string     `json:"status"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

func buildAllocationResponses(allocations []domain.Allocation) []allocationResponse {
	out := make([]allocationResponse, len(allocations))
	for i, a := range allocations {
		out[i] = allocationResponse{
			Index:     a.Index,
			Recipient: a.Recipient.Hex(),
			Amount:    a.Amount.Dec(),
			Status:    string(a.Status),
			ClaimedAt: a.ClaimedAt,
		}
	}
	return out
}

type templateResponse struct {
	ID          string    `json:"id"`
	Creator     string    `json:"creator"`
	Name        string    `json:"name"`
	Asset       string    `json:"asset"`
	Recipients  []string  `json:"recipients"`
	Amounts     []string  `json:"amounts"`
	TotalAmount string    `json:"total_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

func buildTemplateResponse(t *domain.Template) templateResponse {
	recipients := make([]string, len(t.Recipients))
	for i, r := range t.Recipients {
		recipients[i] = r.Hex()
	}
	return templateResponse{
		ID:          t.ID.String(),
		Creator:     t.Creator.Hex(),
		Name:        t.Name,
		Asset:       t.Asset.Hex(),
		Recipients:  recipients,
		Amounts:     domain.FormatAmounts(t.Amounts),
		TotalAmount: t.TotalAmount.Dec(),
		CreatedAt:   t.CreatedAt,
	}
}

// decodeJSON reads a bounded JSON body into dst and rejects unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", domain.ErrInvalidInput)
		}
		return fmt.Errorf("%w: invalid request body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func parsePayoutID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: payout id %q is not a decimal integer", domain.ErrInvalidInput, raw)
	}
	return id, nil
}

func statusForKind(kind string) int {
	switch kind {
	case "InvalidInput", "Overflow":
		return http.StatusBadRequest
	case "NotFound":
		return http.StatusNotFound
	case "Forbidden":
		return http.StatusForbidden
	case "Closed", "AlreadyClosed", "AlreadyClaimed", "InsufficientFunding", "NotClosed":
		return http.StatusConflict
	case "RateLimited":
		return http.StatusTooManyRequests
	case "TransferFailure":
		return http.StatusBadGateway
	case "TransferPending":
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps a ledger error to its HTTP status and writes it.
func (h *PayoutHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.ErrorKind(err)
	status := statusForKind(kind)

	var rle *app.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("Retry-After", strconv.Itoa(rle.RetryAfterSeconds))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal error"
	}
	h.writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}

// writeJSON is a helper for writing JSON responses.
func (h *PayoutHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Warn("failed to encode response", zap.Error(err))
		}
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PayoutHandlers) writeError(w http.ResponseWriter, status int, kind, message string) {
	h.writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}
