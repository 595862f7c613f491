package assettransfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// HTTPGateway talks to an external custody service over HTTP. Calls go through a
// circuit breaker; an open breaker rejects immediately, which is a definite non-transfer.
type HTTPGateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// BreakerConfig tunes the custody circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// DefaultBreakerConfig returns the settings used for the custody service.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

type transferRequest struct {
	Reference string `json:"reference"`
	Asset     string `json:"asset"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
}

type statusResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Asset     string `json:"asset,omitempty"`
	Account   string `json:"account,omitempty"`
	Amount    string `json:"amount,omitempty"`
}

// matches reports whether custody's record is the transfer described by req.
// A record without parameters cannot be matched.
func (s statusResponse) matches(req transferRequest) bool {
	if !common.IsHexAddress(s.Asset) || !common.IsHexAddress(s.Account) {
		return false
	}
	if common.HexToAddress(s.Asset) != common.HexToAddress(req.Asset) ||
		common.HexToAddress(s.Account) != common.HexToAddress(req.Account) {
		return false
	}
	have, err := uint256.FromDecimal(strings.TrimSpace(s.Amount))
	if err != nil {
		return false
	}
	want, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		return false
	}
	return have.Eq(want)
}

// parseStatus maps custody's status string. Anything unrecognised is treated as
// still moving: only a definite answer may settle a reservation.
func parseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed:
		return StatusFailed
	default:
		return StatusProcessing
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewHTTPGateway creates a custody client.
func NewHTTPGateway(baseURL, apiKey string, cfg BreakerConfig, logger *zap.Logger) *HTTPGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "custody_client"))

	settings := gobreaker.Settings{
		Name:        "custody",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures ||
				(counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// A rejection is a healthy answer from the custody service.
		IsSuccessful: func(err error) bool {
			return err == nil || IsRejected(err)
		},
	}

	return &HTTPGateway{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
	}
}

func (g *HTTPGateway) Deposit(ctx context.Context, ref string, asset, from common.Address, amount uint256.Int) error {
	return g.transfer(ctx, "deposits", ref, asset, from, amount)
}

func (g *HTTPGateway) Disburse(ctx context.Context, ref string, asset, to common.Address, amount uint256.Int) error {
	return g.transfer(ctx, "disbursements", ref, asset, to, amount)
}

func (g *HTTPGateway) transfer(ctx context.Context, kind, ref string, asset, account common.Address, amount uint256.Int) error {
	payload := transferRequest{
		Reference: ref,
		Asset:     asset.Hex(),
		Account:   account.Hex(),
		Amount:    amount.Dec(),
	}
	_, err := g.execute(func() (interface{}, error) {
		return nil, g.postTransfer(ctx, kind, payload)
	})
	if err != nil {
		g.logger.Warn("custody transfer failed",
			zap.String("op", kind),
			zap.String("reference", ref),
			zap.Bool("rejected", IsRejected(err)),
			zap.Error(err))
	}
	return err
}

func (g *HTTPGateway) postTransfer(ctx context.Context, kind string, payload transferRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal transfer request: %v", ErrRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transfers/"+kind, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create transfer request: %v", ErrRejected, err)
	}
	g.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.Reference)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to execute transfer request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return g.verifyExisting(ctx, payload)
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: custody returned %d: %s", ErrRejected, resp.StatusCode, errorMessage(bodyBytes))
	default:
		return fmt.Errorf("%w: custody returned %d: %s", ErrUnavailable, resp.StatusCode, errorMessage(bodyBytes))
	}
}

func (g *HTTPGateway) Status(ctx context.Context, ref string) (Status, error) {
	result, err := g.execute(func() (interface{}, error) {
		return g.getStatus(ctx, ref)
	})
	if err != nil {
		return StatusUnknown, err
	}
	return result.(Status), nil
}

func (g *HTTPGateway) getStatus(ctx context.Context, ref string) (Status, error) {
	record, found, err := g.lookup(ctx, ref)
	if err != nil {
		return StatusUnknown, err
	}
	if !found {
		return StatusUnknown, nil
	}
	return parseStatus(record.Status), nil
}

// verifyExisting resolves a 409: custody already holds a transfer under this
// reference. It only counts as this transfer when every parameter matches.
func (g *HTTPGateway) verifyExisting(ctx context.Context, want transferRequest) error {
	record, found, err := g.lookup(ctx, want.Reference)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: custody reported a conflict for unknown reference %s", ErrUnavailable, want.Reference)
	}
	if !record.matches(want) {
		g.logger.Error("custody reference reused with different parameters",
			zap.String("reference", want.Reference),
			zap.String("amount", want.Amount),
			zap.String("custody_amount", record.Amount),
			zap.String("custody_account", record.Account))
		return fmt.Errorf("%w: reference %s already used for a different transfer", ErrRejected, want.Reference)
	}
	switch status := parseStatus(record.Status); status {
	case StatusCompleted:
		return nil
	case StatusFailed:
		return fmt.Errorf("%w: reference %s previously failed", ErrRejected, want.Reference)
	default:
		return fmt.Errorf("%w: reference %s is %s", ErrUnavailable, want.Reference, status)
	}
}

func (g *HTTPGateway) lookup(ctx context.Context, ref string) (statusResponse, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/transfers/"+url.PathEscape(ref), nil)
	if err != nil {
		return statusResponse{}, false, fmt.Errorf("failed to create status request: %w", err)
	}
	g.setHeaders(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return statusResponse{}, false, fmt.Errorf("%w: failed to execute status request: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return statusResponse{}, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return statusResponse{}, false, fmt.Errorf("%w: custody returned %d: %s", ErrUnavailable, resp.StatusCode, errorMessage(bodyBytes))
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return statusResponse{}, false, fmt.Errorf("%w: failed to decode status response: %v", ErrUnavailable, err)
	}
	return out, true, nil
}

func (g *HTTPGateway) execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// The request never left this process.
		return nil, fmt.Errorf("%w: custody circuit breaker %s: %v", ErrRejected, g.breaker.State(), err)
	}
	return result, err
}

func (g *HTTPGateway) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("X-API-Key", g.apiKey)
	}
}

// BreakerState exposes the breaker state for health reporting.
func (g *HTTPGateway) BreakerState() string {
	return g.breaker.State().String()
}

func errorMessage(body []byte) string {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return errResp.Error
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
