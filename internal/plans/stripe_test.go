package plans

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/cache/cachetest"
	"github.com/crosslogic/usage-meter/pkg/models"
)

var (
	periodEnd = time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)
	trialEnd  = time.Date(2024, 9, 15, 0, 0, 0, 0, time.UTC)
)

// fakeStripe serves GET /v1/subscriptions/{id} from a fixed table.
type fakeStripe struct {
	subs  map[string]map[string]interface{}
	calls atomic.Int64
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if r.Method != http.MethodGet || r.Header.Get("Authorization") != "Bearer sk_test_123" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "invalid_request_error", "message": "bad key"},
		})
		return
	}
	sub, ok := f.subs[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "invalid_request_error", "message": "No such subscription: " + id},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(sub)
}

func newFakeStripe(t *testing.T) (*fakeStripe, stripe.Backend) {
	t.Helper()
	f := &fakeStripe{subs: map[string]map[string]interface{}{
		"sub_active": {
			"id": "sub_active", "object": "subscription", "status": "active",
			"current_period_end": periodEnd.Unix(),
		},
		"sub_trial": {
			"id": "sub_trial", "object": "subscription", "status": "trialing",
			"current_period_end": periodEnd.Unix(), "trial_end": trialEnd.Unix(),
		},
		"sub_past_due": {
			"id": "sub_past_due", "object": "subscription", "status": "past_due",
			"current_period_end": periodEnd.Unix(),
		},
	}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		MaxNetworkRetries: stripe.Int64(0),
	})
	return f, backend
}

func baseSource() *StaticSource {
	s := NewStaticSource(false,
		models.PlanState{AccountID: "paid", PlanType: models.PlanFree},
		models.PlanState{AccountID: "trial", PlanType: models.PlanFree},
		models.PlanState{AccountID: "late", PlanType: models.PlanMonthly, SubscriptionActive: true},
		models.PlanState{AccountID: "plain", PlanType: models.PlanFree},
		models.PlanState{AccountID: "gone", PlanType: models.PlanMonthly, SubscriptionActive: true},
	)
	s.SetSubscription("paid", "sub_active")
	s.SetSubscription("trial", "sub_trial")
	s.SetSubscription("late", "sub_past_due")
	s.SetSubscription("gone", "sub_missing")
	return s
}

func TestStripeSourceOverlay(t *testing.T) {
	_, backend := newFakeStripe(t)
	base := baseSource()
	src := NewStripeSource(base, base, backend, "sk_test_123", nil, zap.NewNop())
	ctx := context.Background()

	t.Run("active", func(t *testing.T) {
		p, err := src.PlanState(ctx, "paid")
		require.NoError(t, err)
		assert.True(t, p.SubscriptionActive)
		assert.Equal(t, models.PlanMonthly, p.PlanType)
		require.NotNil(t, p.CurrentPeriodEnd)
		assert.Equal(t, periodEnd, *p.CurrentPeriodEnd)
		assert.Nil(t, p.TrialEndsAt)
	})

	t.Run("trialing is a trial, not a paid period", func(t *testing.T) {
		p, err := src.PlanState(ctx, "trial")
		require.NoError(t, err)
		assert.False(t, p.SubscriptionActive)
		require.NotNil(t, p.TrialEndsAt)
		assert.Equal(t, trialEnd, *p.TrialEndsAt)
	})

	t.Run("past due deactivates", func(t *testing.T) {
		p, err := src.PlanState(ctx, "late")
		require.NoError(t, err)
		assert.False(t, p.SubscriptionActive)
	})

	t.Run("no subscription keeps stored plan", func(t *testing.T) {
		p, err := src.PlanState(ctx, "plain")
		require.NoError(t, err)
		assert.Equal(t, models.PlanState{AccountID: "plain", PlanType: models.PlanFree}, p)
	})

	t.Run("stripe error degrades to stored plan", func(t *testing.T) {
		p, err := src.PlanState(ctx, "gone")
		require.NoError(t, err)
		assert.True(t, p.SubscriptionActive)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := src.PlanState(ctx, "nobody")
		assert.ErrorIs(t, err, models.ErrAccountNotFound)
	})
}

func TestStripeSourceCachesLookups(t *testing.T) {
	fake, backend := newFakeStripe(t)
	c, mr := cachetest.New(t)
	base := baseSource()
	src := NewStripeSource(base, base, backend, "sk_test_123", c, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := src.PlanState(ctx, "paid")
		require.NoError(t, err)
		assert.True(t, p.SubscriptionActive)
	}
	assert.Equal(t, int64(1), fake.calls.Load())
	assert.True(t, mr.Exists("plans:stripe:sub_active"))

	mr.FastForward(stripeCacheTTL + time.Second)
	_, err := src.PlanState(ctx, "paid")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fake.calls.Load())
}
