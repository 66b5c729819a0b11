package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/entitlement"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/plans"
	"github.com/crosslogic/usage-meter/internal/pricing"
	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/cache/cachetest"
	"github.com/crosslogic/usage-meter/pkg/models"
)

const adminToken = "admin-secret"

var testNow = time.Date(2024, time.March, 14, 9, 30, 0, 0, time.UTC)

type readiness struct{ err error }

func (r readiness) Health(context.Context) error { return r.err }

// downStore cannot read counters.
type downStore struct{ usage.Store }

func (downStore) Load(context.Context, string, time.Time) (*models.UsageCounters, error) {
	return nil, errors.New("connection refused")
}

type testGateway struct {
	*Gateway
	ledger ledger.Ledger
	clock  time.Time
}

type gatewayConfig struct {
	store     usage.Store
	ready     Readiness
	retention bool
	cache     *cache.Cache
	perMinute int
}

func newTestGateway(t *testing.T, cfg gatewayConfig) *testGateway {
	t.Helper()
	if cfg.store == nil {
		cfg.store = usage.NewMemoryStore()
	}
	calc, err := pricing.NewCalculator(pricing.DefaultTable())
	require.NoError(t, err)

	l := ledger.NewMemoryLedger()
	periodEnd := testNow.AddDate(0, 0, 20)
	src := plans.NewStaticSource(false,
		models.PlanState{AccountID: "free-acct", PlanType: models.PlanFree, CreatedAt: testNow.AddDate(0, 0, -10)},
		models.PlanState{AccountID: "paid-acct", PlanType: models.PlanMonthly, SubscriptionActive: true, CurrentPeriodEnd: &periodEnd, CreatedAt: testNow.AddDate(0, -2, 0)},
	)
	tg := &testGateway{ledger: l, clock: testNow}
	now := func() time.Time { return tg.clock }
	engine := metering.NewEngine(cfg.store, l, calc,
		entitlement.NewPolicy(nil, entitlement.TrialUnlimited),
		entitlement.DefaultCeilingGuard(),
		zap.NewNop(),
		metering.WithPlans(src),
		metering.WithClock(now),
	)

	var job *ledger.RetentionJob
	if cfg.retention {
		job = ledger.NewRetentionJob(l, 24*time.Hour, models.FromUSD(0.01), time.Hour, nil, zap.NewNop())
	}

	g := NewGateway(Options{
		AdminToken:        adminToken,
		CORSOrigins:       []string{"chrome-extension://*"},
		RequestsPerMinute: cfg.perMinute,
	}, engine, cfg.ready, job, cfg.cache, zap.NewNop())
	g.now = now
	tg.Gateway = g
	return tg
}

func (g *testGateway) do(t *testing.T, method, path, account, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if account != "" {
		req.Header.Set("X-Account-ID", account)
	}
	if strings.HasPrefix(path, "/admin/") {
		req.Header.Set("X-Admin-Token", adminToken)
	}
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	e, ok := body["error"].(map[string]interface{})
	require.True(t, ok, "missing error envelope: %s", rec.Body.String())
	return e["type"].(string)
}

func TestHealthAndReady(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = g.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	down := newTestGateway(t, gatewayConfig{ready: readiness{err: errors.New("redis: i/o timeout")}})
	rec = down.do(t, http.MethodGet, "/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable_error", errorType(t, rec))
}

func TestMetricsEndpoint(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	g.do(t, http.MethodGet, "/health", "", "")

	rec := g.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meter_http_requests_total")
}

func TestAccountHeaderRequired(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(t, http.MethodPost, "/v1/entitlements/check", "", `{"operation":"summary_generated"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication_error", errorType(t, rec))
}

func TestCheckEntitlementAllowed(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(t, http.MethodPost, "/v1/entitlements/check", "free-acct", `{"operation":"summary_generated"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["allowed"])
	assert.Equal(t, "free-acct", body["account_id"])
	assert.Equal(t, "summary_generated", body["operation"])
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestCheckEntitlementDeniedAfterDailyCap(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	for i := 0; i < 3; i++ {
		rec := g.do(t, http.MethodPost, "/v1/usage/completions", "free-acct",
			`{"operation":"summary_generated","model":"gpt-4o-mini","input_tokens":1000,"output_tokens":500}`)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	rec := g.do(t, http.MethodPost, "/v1/entitlements/check", "free-acct", `{"operation":"summary_generated"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code, rec.Body.String())

	// next UTC midnight is 14h30m away
	assert.Equal(t, "52200", rec.Header().Get("Retry-After"))

	body := decodeBody(t, rec)
	e := body["error"].(map[string]interface{})
	assert.Equal(t, "entitlement_denied", e["type"])
	assert.Equal(t, string(entitlement.ReasonQuotaExceeded), e["reason"])
	assert.Equal(t, float64(3), e["limit"])
	assert.Equal(t, float64(3), e["used"])
	assert.Equal(t, float64(0), e["remaining"])
	assert.Equal(t, false, body["decision"].(map[string]interface{})["allowed"])

	// chats draw on a separate quota
	rec = g.do(t, http.MethodPost, "/v1/entitlements/check", "free-acct", `{"operation":"chat_query"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCheckEntitlementErrors(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	tests := []struct {
		name    string
		account string
		body    string
		status  int
		errType string
	}{
		{"unknown account", "ghost", `{"operation":"summary_generated"}`, http.StatusNotFound, "not_found_error"},
		{"unknown operation", "free-acct", `{"operation":"image_generation"}`, http.StatusBadRequest, "invalid_request_error"},
		{"malformed body", "free-acct", `{"operation":`, http.StatusBadRequest, "invalid_request_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := g.do(t, http.MethodPost, "/v1/entitlements/check", tt.account, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.errType, errorType(t, rec))
		})
	}
}

func TestCheckEntitlementStorageUnavailable(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{store: downStore{usage.NewMemoryStore()}})

	rec := g.do(t, http.MethodPost, "/v1/entitlements/check", "free-acct", `{"operation":"chat_query"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Equal(t, "unavailable_error", errorType(t, rec))
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestRecordCompletionReceipt(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(t, http.MethodPost, "/v1/usage/completions", "paid-acct",
		`{"operation":"chat_query","model":"gpt-4o-mini","input_tokens":1000,"output_tokens":500}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, float64(450), body["cost_micros"])
	assert.Equal(t, "gpt-4o-mini", body["priced_as"])
	assert.Equal(t, true, body["ledger_recorded"])
	assert.Equal(t, true, body["counters_updated"])
	assert.NotContains(t, body, "warnings")

	total, err := g.ledger.SumCost(context.Background(), "paid-acct", time.Time{}, testNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.Microdollars(450), total)
}

func TestRecordCompletionUnknownModelWarns(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(t, http.MethodPost, "/v1/usage/completions", "paid-acct",
		`{"operation":"summary_generated","model":"mystery-model","input_tokens":1000,"output_tokens":500}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["pricing_fallback"])
	assert.Contains(t, body["warnings"], metering.WarnPricingDefault)
}

func TestRecordCompletionRejectsNegativeTokens(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(t, http.MethodPost, "/v1/usage/completions", "paid-acct",
		`{"operation":"chat_query","model":"gpt-4o-mini","input_tokens":-1,"output_tokens":5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRejectsNonJSONContentType(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	req := httptest.NewRequest(http.MethodPost, "/v1/entitlements/check", strings.NewReader("operation=chat_query"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Account-ID", "free-acct")
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "invalid_request_error", errorType(t, rec))
}

func TestRejectsOversizedBody(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	body := `{"operation":"chat_query","model":"` + strings.Repeat("m", maxRequestBytes) + `"}`
	rec := g.do(t, http.MethodPost, "/v1/usage/completions", "free-acct", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestResponseHeaders(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(t, http.MethodGet, "/health", "", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Header().Get("Strict-Transport-Security"), "max-age=31536000")
	assert.Empty(t, rec.Header().Get("Cache-Control"))
	assert.Empty(t, rec.Header().Get("Content-Security-Policy"))

	rec = g.do(t, http.MethodGet, "/v1/usage", "free-acct", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestContainsSensitiveInfo(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"dial postgres://meter:pw@db:5432/meter: refused", true},
		{"invalid api key provided", true},
		{"https://abc.supabase.co/rest/v1 returned 500", true},
		{"ledger aggregate failed: context deadline exceeded", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, containsSensitiveInfo(tt.msg), tt.msg)
	}
}

func TestGetUsageSummary(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	g.do(t, http.MethodPost, "/v1/usage/completions", "free-acct",
		`{"operation":"summary_generated","model":"gpt-4o-mini","input_tokens":1000,"output_tokens":500}`)

	rec := g.do(t, http.MethodGet, "/v1/usage", "free-acct", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "free", body["plan_type"])
	summaries := body["summaries_today"].(map[string]interface{})
	assert.Equal(t, float64(1), summaries["used"])
	assert.Equal(t, float64(3), summaries["limit"])
	assert.Equal(t, float64(2), summaries["remaining"])
}

func TestAdminRequiresToken(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	for _, token := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/admin/pricing", nil)
		if token != "" {
			req.Header.Set("X-Admin-Token", token)
		}
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "token %q", token)
	}
}

func TestAdminAccountUsage(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(t, http.MethodGet, "/admin/accounts/paid-acct/usage", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "paid-acct", decodeBody(t, rec)["account_id"])

	rec = g.do(t, http.MethodGet, "/admin/accounts/ghost/usage", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAnalytics(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	g.do(t, http.MethodPost, "/v1/usage/completions", "free-acct",
		`{"operation":"summary_generated","model":"gpt-4o-mini","input_tokens":1000,"output_tokens":500}`)
	g.do(t, http.MethodPost, "/v1/usage/completions", "paid-acct",
		`{"operation":"chat_cached","model":"gpt-4o-mini","input_tokens":1000,"output_tokens":500}`)

	// the window excludes its upper bound
	g.clock = testNow.Add(time.Minute)

	rec := g.do(t, http.MethodGet, "/admin/analytics?window_days=7", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, float64(7), body["window_days"])
	assert.Equal(t, float64(900), body["total_cost_micros"])
	assert.Equal(t, float64(2), body["total_operations"])
	assert.Len(t, body["top_spenders"], 2)

	rec = g.do(t, http.MethodGet, "/admin/analytics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(metering.DefaultAnalyticsWindowDays), decodeBody(t, rec)["window_days"])

	for _, bad := range []string{"abc", "0", "400"} {
		rec = g.do(t, http.MethodGet, "/admin/analytics?window_days="+bad, "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "window_days=%s", bad)
	}
}

func TestAdminRetention(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})
	rec := g.do(t, http.MethodPost, "/admin/retention/run", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	g = newTestGateway(t, gatewayConfig{retention: true})
	g.do(t, http.MethodPost, "/v1/usage/completions", "paid-acct",
		`{"operation":"chat_query","model":"gpt-4o-mini","input_tokens":1000,"output_tokens":500}`)

	// the entry is stamped with the fixed engine clock, long before the horizon
	rec = g.do(t, http.MethodPost, "/admin/retention/run", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decodeBody(t, rec)["deleted"])
}

func TestAdminPricing(t *testing.T) {
	g := newTestGateway(t, gatewayConfig{})

	rec := g.do(t, http.MethodGet, "/admin/pricing", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "gpt-4o-mini", body["default_model"])
	assert.Contains(t, body["models"], "claude-3-5-sonnet")
}

func TestPerAccountRateLimit(t *testing.T) {
	c, _ := cachetest.New(t)
	g := newTestGateway(t, gatewayConfig{cache: c, perMinute: 2})

	for i := 0; i < 2; i++ {
		rec := g.do(t, http.MethodGet, "/v1/usage", "free-acct", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := g.do(t, http.MethodGet, "/v1/usage", "free-acct", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limit_error", errorType(t, rec))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// admin routes are not account limited
	rec = g.do(t, http.MethodGet, "/admin/accounts/free-acct/usage", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(t, http.MethodGet, "/v1/usage", "paid-acct", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitFailsOpenWhenRedisIsDown(t *testing.T) {
	c, mr := cachetest.New(t)
	g := newTestGateway(t, gatewayConfig{cache: c, perMinute: 1})
	mr.SetError("ERR server unavailable")

	for i := 0; i < 3; i++ {
		rec := g.do(t, http.MethodGet, "/v1/usage", "free-acct", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}
