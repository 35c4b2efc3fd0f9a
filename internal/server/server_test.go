package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/safehold/safehold/internal/config"
	"github.com/safehold/safehold/internal/email"
	"github.com/safehold/safehold/internal/gateway"
	"github.com/safehold/safehold/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const paystackSecret = "sk_test_server"

// fakeGateway stands in for Paystack: charges succeed once approved.
type fakeGateway struct {
	mu       sync.Mutex
	approved map[string]decimal.Decimal
}

func (g *fakeGateway) Name() string { return gateway.NamePaystack }

func (g *fakeGateway) CreateCharge(_ context.Context, req gateway.ChargeRequest) (*gateway.Charge, error) {
	return &gateway.Charge{Gateway: g.Name(), Reference: req.Reference, RedirectURL: "https://checkout.test/" + req.Reference}, nil
}

func (g *fakeGateway) VerifyCharge(_ context.Context, reference string) (*gateway.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if amt, ok := g.approved[reference]; ok {
		return &gateway.Verification{Reference: reference, Outcome: gateway.OutcomeSuccess, Amount: amt}, nil
	}
	return &gateway.Verification{Reference: reference, Outcome: gateway.OutcomePending}, nil
}

func (g *fakeGateway) Payout(_ context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	return &gateway.PayoutResult{Reference: req.Reference, Outcome: gateway.OutcomePending}, nil
}

func (g *fakeGateway) VerifyPayout(ctx context.Context, reference string) (*gateway.Verification, error) {
	return g.VerifyCharge(ctx, reference)
}

func (g *fakeGateway) approve(reference, amount string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.approved[reference] = decimal.RequireFromString(amount)
}

type discardSender struct{}

func (discardSender) Send(context.Context, email.Message) error { return nil }

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                 "0",
		Env:                  "development",
		LogLevel:             "error",
		LogFormat:            "text",
		AppURL:               "http://localhost:3000",
		JWTSecret:            "test-secret-test-secret-test-secret!",
		JWTTTL:               time.Hour,
		PaystackSecretKey:    paystackSecret,
		GatewayTimeout:       time.Second,
		RateLimitRPM:         10000,
		PendingSweepInterval: time.Minute,
		PendingSweepAge:      time.Minute,
	}
}

// newTestServer creates an in-memory server with a fake Paystack
func newTestServer(t *testing.T) (*Server, *fakeGateway) {
	t.Helper()
	gw := &fakeGateway{approved: map[string]decimal.Decimal{}}
	s, err := New(testConfig(), WithGateway(gw), WithMailSender(discardSender{}))
	require.NoError(t, err)
	return s, gw
}

func call(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// signup registers and logs in, returning the session token.
func signup(t *testing.T, s *Server, username string) string {
	t.Helper()
	mail := username + "@example.com"
	w := call(t, s, http.MethodPost, "/v1/auth/register", "", map[string]string{
		"firstname": username, "lastname": "Test", "username": username, "email": mail, "password": "password123",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, s, http.MethodPost, "/v1/auth/login", "", map[string]string{"email": mail, "password": "password123"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[struct {
		Token string `json:"token"`
	}](t, w).Token
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := call(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, w).Status)

	w = call(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")
	s.ready.Store(true)
	w = call(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = call(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	s, _ := newTestServer(t)
	for _, path := range []string{"/v1/me", "/v1/wallet", "/v1/escrow", "/v1/transactions", "/v1/disputes"} {
		w := call(t, s, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := call(t, s, http.MethodGet, "/v1/wallet", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	token := signup(t, s, "alice")

	w := call(t, s, http.MethodGet, "/v1/admin/dashboard", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = call(t, s, http.MethodGet, "/v1/admin/dashboard", token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	s, _ := newTestServer(t)

	w := call(t, s, http.MethodGet, "/health/live", "", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

type walletBody struct {
	Wallet struct {
		TotalBalance     string `json:"totalBalance"`
		AvailableBalance string `json:"availableBalance"`
	} `json:"wallet"`
}

func TestEscrowPaymentFlow(t *testing.T) {
	s, gw := newTestServer(t)
	alice := signup(t, s, "alice")
	bob := signup(t, s, "bob")

	// Fund alice's wallet through the gateway and its signed callback.
	w := call(t, s, http.MethodPost, "/v1/wallet/add-funds", alice, map[string]string{"amount": "10000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	deposit := decode[struct {
		Payment struct {
			Reference string `json:"reference"`
			Status    string `json:"status"`
		} `json:"payment"`
	}](t, w).Payment
	assert.Equal(t, "pending", deposit.Status)

	gw.approve(deposit.Reference, "10000")
	body, _ := json.Marshal(map[string]any{"event": "charge.success", "data": map[string]string{"reference": deposit.Reference}})
	post := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhook/paystack", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-paystack-signature", sig)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusUnauthorized, post("forged").Code)
	rec := post(security.SignSHA512(paystackSecret, body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "settled")
	rec = post(security.SignSHA512(paystackSecret, body))
	assert.Contains(t, rec.Body.String(), "duplicate")

	w = call(t, s, http.MethodGet, "/v1/wallet", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10000.00", decode[walletBody](t, w).Wallet.TotalBalance)

	// Alice buys from bob.
	w = call(t, s, http.MethodPost, "/v1/escrow", alice, map[string]any{
		"creatorRole": "buyer", "counterpartyEmail": "bob@example.com", "amount": "5000",
		"category": "electronics", "feePolicy": "buyer", "terms": []string{"ship within 3 days"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	escrowID := decode[struct {
		Escrow struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}](t, w).Escrow.ID
	require.NotEmpty(t, escrowID)

	w = call(t, s, http.MethodPost, "/v1/escrow/accept", alice, map[string]string{"escrowId": escrowID})
	assert.Equal(t, http.StatusForbidden, w.Code, "creator cannot accept")
	w = call(t, s, http.MethodPost, "/v1/escrow/accept", bob, map[string]string{"escrowId": escrowID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, s, http.MethodPost, "/v1/pay", alice, map[string]string{"escrowId": escrowID, "method": "wallet"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(t, s, http.MethodGet, "/v1/escrow/"+escrowID, bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "paid", decode[struct {
		Escrow struct {
			PaymentStatus string `json:"paymentStatus"`
		} `json:"escrow"`
	}](t, w).Escrow.PaymentStatus)

	// A third party sees nothing.
	eve := signup(t, s, "eve")
	w = call(t, s, http.MethodGet, "/v1/escrow/"+escrowID, eve, nil)
	assert.Contains(t, []int{http.StatusForbidden, http.StatusNotFound}, w.Code)
}
