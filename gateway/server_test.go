package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"zeppay/cache"
	"zeppay/gateway/middleware"
	"zeppay/journal"
	"zeppay/ledger"
	"zeppay/ledger/memledger"
	"zeppay/redemption"
	"zeppay/sponsorship"
)

var (
	sponsorAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	merchantAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

const (
	aliceMobile = "+911234567890"
	testSecret  = "gateway-test-secret"
)

type harness struct {
	handler http.Handler
	chain   *memledger.Chain
	store   *journal.Store
}

func newHarness(t *testing.T, auth *middleware.Authenticator) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	store, err := journal.New(db)
	require.NoError(t, err)

	chain := memledger.New(memledger.WithCodeGenerator(func() string { return "7421" }))
	chain.Mint(sponsorAddr, ledger.MustParseAmount("100"))
	c := cache.New()

	manager, err := sponsorship.NewManager(ledger.NewContract(chain.Account(sponsorAddr)), c, store,
		sponsorship.WithConfirmRetry(2, 0))
	require.NoError(t, err)
	orch, err := redemption.New(ledger.NewContract(chain.Account(merchantAddr)), c,
		redemption.WithAudit(store),
		redemption.WithConfirmRetry(2, 0),
		redemption.WithOTPFetchRetry(2, 0))
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	srv := New(Config{
		Merchant:      orch,
		Sponsor:       manager,
		Cache:         c,
		Redemptions:   store,
		Authenticator: auth,
		RateLimiter:   middleware.NewRateLimiter(map[string]middleware.RateLimit{"merchant": {RequestsPerMinute: 6000, Burst: 100}}, nil),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{}, nil),
	})
	return &harness{handler: srv.Handler(), chain: chain, store: store}
}

func (h *harness) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
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
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

type errorResponse struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

type snapshotResponse struct {
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
	Amount    string `json:"amount"`
	TxHash    string `json:"txHash"`
}

// seed funds Alice with 50 Groceries and registers Fresh Mart through the HTTP surface.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	res := h.do(t, http.MethodPost, "/v1/sponsor/beneficiaries", map[string]string{"name": "Alice", "mobileNumber": aliceMobile})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = h.do(t, http.MethodPost, "/v1/sponsor/sponsorships", map[string]string{
		"mobileNumber": aliceMobile, "amount": "50.00", "category": "Groceries",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = h.do(t, http.MethodPost, "/v1/merchant/register", map[string]string{"businessName": "Fresh Mart", "category": "Groceries"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
}

func TestRedemptionOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)

	res := h.do(t, http.MethodGet, "/v1/sponsor/beneficiaries", nil)
	require.Equal(t, http.StatusOK, res.Code)
	roster := decodeBody[[]ledger.Beneficiary](t, res)
	require.Equal(t, []ledger.Beneficiary{{Name: "Alice", Mobile: aliceMobile}}, roster)

	res = h.do(t, http.MethodPost, "/v1/merchant/sessions", nil)
	require.Equal(t, http.StatusCreated, res.Code)
	session := decodeBody[snapshotResponse](t, res)
	require.Equal(t, "idle", session.State)
	base := "/v1/merchant/sessions/" + session.SessionID

	res = h.do(t, http.MethodPost, base+"/otp", map[string]string{"mobileNumber": aliceMobile, "amount": "20.00"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "issued", decodeBody[snapshotResponse](t, res).State)

	res = h.do(t, http.MethodPost, base+"/otp", map[string]string{"mobileNumber": aliceMobile, "amount": "20.00"})
	require.Equal(t, http.StatusConflict, res.Code)
	require.Equal(t, "conflict", decodeBody[errorResponse](t, res).Kind)

	res = h.do(t, http.MethodPost, base+"/code", map[string]string{"code": "0000"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	rejected := decodeBody[errorResponse](t, res)
	require.Equal(t, "ledger_rejected", rejected.Kind)
	require.Equal(t, "invalid-code", rejected.Reason)

	res = h.do(t, http.MethodPost, base+"/code", map[string]string{"code": "7421"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	settled := decodeBody[snapshotResponse](t, res)
	require.Equal(t, "settled", settled.State)
	require.NotEmpty(t, settled.TxHash)

	res = h.do(t, http.MethodPost, base+"/code", map[string]string{"code": "7421"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	reused := decodeBody[errorResponse](t, res)
	require.Equal(t, "ledger_rejected", reused.Kind)
	require.Equal(t, "already-consumed", reused.Reason)

	res = h.do(t, http.MethodGet, "/v1/sponsor/sponsorships", nil)
	require.Equal(t, http.StatusOK, res.Code)
	cached := decodeBody[[]struct {
		Remaining string `json:"remainingBalance"`
		Dirty     bool   `json:"dirty"`
	}](t, res)
	require.Len(t, cached, 1)
	require.True(t, cached[0].Dirty)

	res = h.do(t, http.MethodPost, "/v1/sponsor/sponsorships/refresh", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	fresh := decodeBody[[]struct {
		Remaining string `json:"remainingBalance"`
	}](t, res)
	require.Len(t, fresh, 1)
	require.Equal(t, "30", fresh[0].Remaining)

	res = h.do(t, http.MethodGet, "/v1/merchant/redemptions", nil)
	require.Equal(t, http.StatusOK, res.Code)
	records := decodeBody[[]journal.RedemptionRecord](t, res)
	require.Len(t, records, 1)
	require.Equal(t, journal.OutcomeSettled, records[0].Outcome)

	res = h.do(t, http.MethodDelete, base, nil)
	require.Equal(t, http.StatusNoContent, res.Code)
	res = h.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestRequestValidationRendersKinds(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)

	res := h.do(t, http.MethodPost, "/v1/sponsor/beneficiaries", map[string]string{"name": "Bob", "mobileNumber": "12345"})
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Equal(t, "validation", decodeBody[errorResponse](t, res).Kind)

	res = h.do(t, http.MethodPost, "/v1/sponsor/sponsorships", map[string]any{"mobileNumber": aliceMobile, "amount": "1.1234567", "category": "Groceries"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPost, "/v1/sponsor/beneficiaries", map[string]string{"name": "Bob", "mobileNumber": "+919876543210", "extra": "x"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPost, "/v1/sponsor/sagas/not-a-uuid/resume", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodGet, "/v1/sponsor/beneficiaries?sponsor=nope", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.do(t, http.MethodPost, "/v1/merchant/sessions/unknown/code", map[string]string{"code": "7421"})
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestPartialSponsorshipResumesOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)

	res := h.do(t, http.MethodPost, "/v1/sponsor/sponsorships", map[string]string{
		"mobileNumber": aliceMobile, "amount": "80", "category": "Healthcare",
	})
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())
	var partial struct {
		Kind   string `json:"kind"`
		Reason string `json:"reason"`
		SagaID string `json:"sagaId"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &partial))
	require.Equal(t, "partial", partial.Kind)
	require.Equal(t, "insufficient-balance", partial.Reason)
	require.NotEmpty(t, partial.SagaID)

	res = h.do(t, http.MethodGet, "/v1/sponsor/sagas", nil)
	require.Equal(t, http.StatusOK, res.Code)
	sagas := decodeBody[[]struct {
		ID    string `json:"id"`
		Phase string `json:"phase"`
	}](t, res)
	require.Len(t, sagas, 1)
	require.Equal(t, partial.SagaID, sagas[0].ID)
	require.Equal(t, "allowance_granted", sagas[0].Phase)

	h.chain.Mint(sponsorAddr, ledger.MustParseAmount("30"))
	res = h.do(t, http.MethodPost, "/v1/sponsor/sagas/"+partial.SagaID+"/resume", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(t, http.MethodPost, "/v1/sponsor/sagas/"+partial.SagaID+"/resume", nil)
	require.Equal(t, http.StatusConflict, res.Code)
}

func token(t *testing.T, scope string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "operator",
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestScopesGuardRouteGroups(t *testing.T) {
	auth := middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	h := newHarness(t, auth)

	res := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = h.do(t, http.MethodGet, "/v1/merchant/sessions", nil)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = h.do(t, http.MethodGet, "/v1/merchant/sessions", nil, "Authorization", "Bearer "+token(t, "sponsor"))
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(t, http.MethodGet, "/v1/merchant/sessions", nil, "Authorization", "Bearer "+token(t, "merchant"))
	require.Equal(t, http.StatusOK, res.Code)

	res = h.do(t, http.MethodGet, "/v1/sponsor/sagas", nil, "Authorization", "Bearer "+token(t, "sponsor"))
	require.Equal(t, http.StatusOK, res.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/v1/merchant/sessions", nil)
	res := h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, strings.Contains(res.Body.String(), "zeppay_http_requests_total"))
}

func TestSessionStream(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t)
	server := httptest.NewServer(h.handler)
	defer server.Close()

	res := h.do(t, http.MethodPost, "/v1/merchant/sessions", nil)
	require.Equal(t, http.StatusCreated, res.Code)
	id := decodeBody[snapshotResponse](t, res).SessionID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/merchant/sessions/" + id + "/stream"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() snapshotResponse {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var snap snapshotResponse
		require.NoError(t, json.Unmarshal(data, &snap))
		return snap
	}
	require.Equal(t, "idle", read().State)

	res = h.do(t, http.MethodPost, "/v1/merchant/sessions/"+id+"/otp", map[string]string{"mobileNumber": aliceMobile, "amount": "20"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	states := []string{}
	for len(states) == 0 || states[len(states)-1] != "issued" {
		states = append(states, read().State)
	}
	require.Equal(t, []string{"requesting", "issued"}, states)
}
