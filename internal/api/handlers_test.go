package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/payout-service/internal/app"
	"github.com/transfa/payout-service/internal/domain"
	"github.com/transfa/payout-service/internal/store"
	"github.com/transfa/payout-service/pkg/assettransfer"
	"go.uber.org/zap/zaptest"
)

const (
	testSecret      = "test-secret"
	testIssuer      = "payout-tests"
	testAudience    = "payout-service"
	testInternalKey = "internal-key"
)

var (
	creatorAddr = common.HexToAddress("0xC0000000000000000000000000000000000000C1")
	aliceAddr   = common.HexToAddress("0xA000000000000000000000000000000000000001")
	bobAddr     = common.HexToAddress("0xB000000000000000000000000000000000000002")
)

type testServer struct {
	handler http.Handler
	service *app.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := store.NewMemoryRepository(domain.EventExchange)
	service := app.NewService(repo, assettransfer.NewMemoryGateway(), logger)
	router := NewRouter(NewPayoutHandlers(service, logger), RouterConfig{
		Auth:           AuthConfig{Secret: testSecret, Issuer: testIssuer, Audience: testAudience},
		InternalAPIKey: testInternalKey,
	})
	return &testServer{handler: router, service: service}
}

func signToken(t *testing.T, subject string, mutate func(*jwt.RegisteredClaims)) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	if mutate != nil {
		mutate(&claims)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (s *testServer) do(t *testing.T, method, path string, caller *common.Address, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+signToken(t, caller.Hex(), nil))
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", rec.Body.String())
}

func TestPayoutLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/payouts/next-id", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["next_payout_id"])

	rec = srv.do(t, http.MethodPost, "/payouts", &creatorAddr, domain.CreatePayoutRequest{
		Recipients: []string{aliceAddr.Hex(), bobAddr.Hex()},
		Amounts:    []string{"100", "50"},
		Title:      "  bounty round ",
		PayoutType: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	assert.Equal(t, float64(1), created["id"])
	assert.Equal(t, "150", created["total_amount"])
	assert.Equal(t, "150", created["remaining_to_fund"])
	assert.Equal(t, "bounty round", created["title"])
	assert.Equal(t, "open", created["state"])
	assert.Equal(t, domain.NativeAsset.Hex(), created["asset"])

	rec = srv.do(t, http.MethodPost, "/payouts/1/fund", &bobAddr, map[string]string{"amount": "60"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "90", decodeBody(t, rec)["remaining_to_fund"])

	rec = srv.do(t, http.MethodPost, "/payouts/1/claim", &aliceAddr, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InsufficientFunding", decodeBody(t, rec)["kind"])

	rec = srv.do(t, http.MethodGet, "/payouts/1/claimable/"+bobAddr.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "50", decodeBody(t, rec)["claimable"])

	rec = srv.do(t, http.MethodPost, "/payouts/1/claim", &bobAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decodeBody(t, rec)
	assert.Equal(t, "50", claim["amount"])
	assert.True(t, strings.HasPrefix(claim["reference"].(string), "payout:1:claim:"))

	rec = srv.do(t, http.MethodPost, "/payouts/1/claimable", nil, domain.BatchClaimableRequest{
		Addresses: []string{aliceAddr.Hex(), bobAddr.Hex()},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"0", "0"}, decodeBody(t, rec)["claimable"])

	rec = srv.do(t, http.MethodPost, "/payouts/1/close", &aliceAddr, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodPost, "/payouts/1/withdraw", &creatorAddr, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NotClosed", decodeBody(t, rec)["kind"])

	rec = srv.do(t, http.MethodPost, "/payouts/1/close", &creatorAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["closed"])

	rec = srv.do(t, http.MethodPost, "/payouts/1/close", &creatorAddr, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AlreadyClosed", decodeBody(t, rec)["kind"])

	rec = srv.do(t, http.MethodPost, "/payouts/1/withdraw", &creatorAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", decodeBody(t, rec)["amount"])

	rec = srv.do(t, http.MethodGet, "/payouts/1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "settled", decodeBody(t, rec)["state"])

	rec = srv.do(t, http.MethodGet, "/payouts/1/allocations", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	allocations := decodeBody(t, rec)["allocations"].([]interface{})
	require.Len(t, allocations, 2)
	assert.Equal(t, "unclaimed", allocations[0].(map[string]interface{})["status"])
	assert.Equal(t, "claimed", allocations[1].(map[string]interface{})["status"])

	rec = srv.do(t, http.MethodGet, "/payouts/1/events?after=1&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decodeBody(t, rec)["events"].([]interface{})
	require.Len(t, events, 4)
	assert.Equal(t, "PayoutFunded", events[0].(map[string]interface{})["event"])
	assert.Equal(t, "RemainingWithdrawn", events[3].(map[string]interface{})["event"])
}

func TestRequestValidation(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name     string
		method   string
		path     string
		caller   *common.Address
		body     interface{}
		wantCode int
		wantKind string
	}{
		{"bad payout id", http.MethodGet, "/payouts/abc", nil, nil, http.StatusBadRequest, "InvalidInput"},
		{"missing payout", http.MethodGet, "/payouts/42", nil, nil, http.StatusNotFound, "NotFound"},
		{"bad claimable address", http.MethodGet, "/payouts/1/claimable/nope", nil, nil, http.StatusBadRequest, "InvalidInput"},
		{"negative after", http.MethodGet, "/payouts/1/events?after=-1", nil, nil, http.StatusBadRequest, "InvalidInput"},
		{
			"duplicate recipients", http.MethodPost, "/payouts", &creatorAddr,
			domain.CreatePayoutRequest{Recipients: []string{aliceAddr.Hex(), aliceAddr.Hex()}, Amounts: []string{"1", "2"}},
			http.StatusBadRequest, "InvalidInput",
		},
		{
			"zero amount", http.MethodPost, "/payouts", &creatorAddr,
			domain.CreatePayoutRequest{Recipients: []string{aliceAddr.Hex()}, Amounts: []string{"0"}},
			http.StatusBadRequest, "InvalidInput",
		},
		{
			"amount too large", http.MethodPost, "/payouts", &creatorAddr,
			domain.CreatePayoutRequest{Recipients: []string{aliceAddr.Hex()}, Amounts: []string{"1" + strings.Repeat("0", 80)}},
			http.StatusBadRequest, "Overflow",
		},
		{
			"unknown field", http.MethodPost, "/payouts", &creatorAddr,
			map[string]interface{}{"recipients": []string{aliceAddr.Hex()}, "amounts": []string{"1"}, "extra": true},
			http.StatusBadRequest, "InvalidInput",
		},
		{"fund missing payout", http.MethodPost, "/payouts/9/fund", &creatorAddr, map[string]string{"amount": "5"}, http.StatusNotFound, "NotFound"},
		{"fund zero", http.MethodPost, "/payouts/9/fund", &creatorAddr, map[string]string{"amount": "0"}, http.StatusBadRequest, "InvalidInput"},
		{"bad template id", http.MethodGet, "/templates/not-a-uuid", &creatorAddr, nil, http.StatusBadRequest, "InvalidInput"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, tt.method, tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantKind, decodeBody(t, rec)["kind"])
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(t)
	body := []byte(`{"recipients":["` + aliceAddr.Hex() + `"],"amounts":["1"]}`)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong issuer", "Bearer " + signToken(t, creatorAddr.Hex(), func(c *jwt.RegisteredClaims) { c.Issuer = "someone-else" })},
		{"wrong audience", "Bearer " + signToken(t, creatorAddr.Hex(), func(c *jwt.RegisteredClaims) { c.Audience = jwt.ClaimStrings{"other"} })},
		{"expired", "Bearer " + signToken(t, creatorAddr.Hex(), func(c *jwt.RegisteredClaims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		})},
		{"subject not an address", "Bearer " + signToken(t, "user_123", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/payouts", bytes.NewReader(body))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			srv.handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	t.Run("other signing key", func(t *testing.T) {
		claims := jwt.RegisteredClaims{Subject: creatorAddr.Hex(), Issuer: testIssuer, Audience: jwt.ClaimStrings{testAudience}}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other"))
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/payouts", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+signed)
		rec := httptest.NewRecorder()
		srv.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unconfigured secret rejects", func(t *testing.T) {
		handler := AuthMiddleware(AuthConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("handler must not run")
		}))
		req := httptest.NewRequest(http.MethodPost, "/payouts", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, creatorAddr.Hex(), nil))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestInternalRoutes(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/ledger/audit", nil)
	rec := httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/ledger/audit", nil)
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody(t, rec)
	assert.Equal(t, float64(0), report["checked"])
	assert.Equal(t, []interface{}{}, report["violations"])

	req = httptest.NewRequest(http.MethodPost, "/internal/claims/reconcile?min_age_seconds=60&limit=5", nil)
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["scanned"])

	req = httptest.NewRequest(http.MethodPost, "/internal/claims/reconcile?limit=x", nil)
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/internal/deposits/reconcile", nil)
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec = httptest.NewRecorder()
	srv.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["scanned"])
}

func TestReconcileRefusesAgesThatOverlapInFlightTransfers(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/internal/claims/reconcile", "/internal/deposits/reconcile"} {
		req := httptest.NewRequest(http.MethodPost, path+"?min_age_seconds=1", nil)
		req.Header.Set("X-Internal-API-Key", testInternalKey)
		rec := httptest.NewRecorder()
		srv.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, decodeBody(t, rec)["error"], "min_age_seconds must be at least 60")
	}
}

func TestTemplatesOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/templates", &creatorAddr, domain.CreateTemplateRequest{
		Name:       "design team",
		Recipients: []string{aliceAddr.Hex(), bobAddr.Hex()},
		Amounts:    []string{"7", "8"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tpl := decodeBody(t, rec)
	id := tpl["id"].(string)
	assert.Equal(t, "15", tpl["total_amount"])

	rec = srv.do(t, http.MethodGet, "/templates/"+id, &aliceAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "design team", decodeBody(t, rec)["name"])

	rec = srv.do(t, http.MethodGet, "/templates", &creatorAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody(t, rec)["templates"], 1)

	rec = srv.do(t, http.MethodPost, "/templates/"+id+"/payouts", &aliceAddr, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = srv.do(t, http.MethodPost, "/templates/"+id+"/payouts", &creatorAddr, domain.CreatePayoutFromTemplateRequest{Title: "april"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decodeBody(t, rec)
	assert.Equal(t, "april", p["title"])
	assert.Equal(t, "15", p["total_amount"])
}

type alwaysLimited struct{}

func (alwaysLimited) ConsumeClaim(ctx context.Context, payoutID uint64, recipient common.Address) (app.ClaimQuota, error) {
	return app.ClaimQuota{Allowed: false, RetryAfterSeconds: 17}, nil
}

func TestClaimRateLimitedSetsRetryAfter(t *testing.T) {
	srv := newTestServer(t)
	srv.service.SetClaimRateLimiter(alwaysLimited{})

	rec := srv.do(t, http.MethodPost, "/payouts/1/claim", &aliceAddr, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "17", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RateLimited", decodeBody(t, rec)["kind"])
}

func TestExtractAddresses(t *testing.T) {
	srv := newTestServer(t)
	text := "pay " + aliceAddr.Hex() + ", then " + strings.ToLower(bobAddr.Hex()) + " and again " + aliceAddr.Hex()

	rec := srv.do(t, http.MethodPost, "/addresses/extract", nil, domain.ExtractAddressesRequest{Text: text})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{aliceAddr.Hex(), bobAddr.Hex()}, decodeBody(t, rec)["addresses"])
}

func TestStatusForKind(t *testing.T) {
	cases := map[string]int{
		"InvalidInput":        http.StatusBadRequest,
		"Overflow":            http.StatusBadRequest,
		"NotFound":            http.StatusNotFound,
		"Forbidden":           http.StatusForbidden,
		"Closed":              http.StatusConflict,
		"AlreadyClaimed":      http.StatusConflict,
		"InsufficientFunding": http.StatusConflict,
		"RateLimited":         http.StatusTooManyRequests,
		"TransferFailure":     http.StatusBadGateway,
		"TransferPending":     http.StatusAccepted,
		"Internal":            http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusForKind(kind), kind)
	}
}
