package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/profullstack/coinpayportal/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:           "8080",
		Env:            "development",
		LogLevel:       "error",
		MasterSeed:     strings.Repeat("ab", 32),
		EscrowTTL:      time.Hour,
		FreeTierFeeBps: 100,
		PaidTierFeeBps: 50,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv, err := New(testConfig())
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = doJSON(t, srv, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only after Run starts
	w = doJSON(t, srv, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	srv.ready.Store(true)
	w = doJSON(t, srv, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "coinpayportal")
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/api", nil, map[string]string{"X-Request-Id": "req-42"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-Id"))
}

func TestRegisterBusiness(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/businesses", gin.H{"name": "Acme Store"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	resp := decode(t, w)
	apiKey, _ := resp["apiKey"].(string)
	assert.NotEmpty(t, apiKey)

	biz, ok := resp["business"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Acme Store", biz["name"])
	assert.Equal(t, "free", biz["tier"])

	// The key authenticates against protected routes
	w = doJSON(t, srv, http.MethodGet, "/v1/businesses/me", nil, map[string]string{"x-api-key": apiKey})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegisterBusinessRejectsEmptyName(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/v1/businesses", gin.H{"name": "   "}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProtectedRoutesRequireAPIKey(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/v1/escrows", "/v1/x402/verify", "/v1/x402/settle"} {
		w := doJSON(t, srv, http.MethodPost, path, gin.H{}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
}

func registerBusiness(t *testing.T, srv *Server) string {
	t.Helper()
	w := doJSON(t, srv, http.MethodPost, "/v1/businesses", gin.H{"name": "Merchant"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	key, _ := decode(t, w)["apiKey"].(string)
	require.NotEmpty(t, key)
	return key
}

func TestEscrowLifecycleOverServer(t *testing.T) {
	srv := newTestServer(t)
	apiKey := registerBusiness(t, srv)
	auth := map[string]string{"x-api-key": apiKey}

	w := doJSON(t, srv, http.MethodPost, "/v1/escrows", gin.H{
		"chain":              "ethereum",
		"depositorAddress":   "0x1111111111111111111111111111111111111111",
		"beneficiaryAddress": "0x2222222222222222222222222222222222222222",
		"amount":             "1.5",
	}, auth)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode(t, w)
	releaseToken, _ := resp["releaseToken"].(string)
	require.NotEmpty(t, releaseToken)
	esc, ok := resp["escrow"].(map[string]any)
	require.True(t, ok)
	id, _ := esc["id"].(string)

	w = doJSON(t, srv, http.MethodPost, "/v1/escrows/"+id+"/fund", gin.H{
		"depositedAmount": "1.5",
		"depositTxHash":   "0xabc",
	}, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Release is public but token-gated
	w = doJSON(t, srv, http.MethodPost, "/v1/escrows/"+id+"/release", gin.H{"token": releaseToken}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, srv, http.MethodGet, "/v1/escrows/"+id, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)["escrow"].(map[string]any)
	assert.Equal(t, "released", got["status"])
}

func TestX402LightningOverServer(t *testing.T) {
	srv := newTestServer(t)
	apiKey := registerBusiness(t, srv)
	auth := map[string]string{"x-api-key": apiKey}

	preimage := bytes.Repeat([]byte{0x5a}, 32)
	hash := sha256.Sum256(preimage)
	proof := gin.H{
		"scheme":      "bolt12",
		"network":     "lightning",
		"preimage":    hex.EncodeToString(preimage),
		"paymentHash": hex.EncodeToString(hash[:]),
		"amount":      "0.25",
	}

	w := doJSON(t, srv, http.MethodPost, "/v1/x402/verify", proof, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["isValid"])

	w = doJSON(t, srv, http.MethodPost, "/v1/x402/settle", proof, auth)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	settle := decode(t, w)
	assert.Equal(t, true, settle["settled"])
	assert.Equal(t, hex.EncodeToString(hash[:]), settle["txHash"])
}

func TestSupportedKindsPublic(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/v1/x402/supported", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "lightning")
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/nope/%d", time.Now().Unix()), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
