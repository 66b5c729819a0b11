package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/models"
)

var now = time.Date(2024, time.August, 20, 15, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func freePlan() models.PlanState {
	return models.PlanState{AccountID: "acct", PlanType: models.PlanFree, CreatedAt: now.AddDate(0, -2, 0)}
}

func counters() *models.UsageCounters {
	c := models.NewUsageCounters("acct", now.Add(-time.Hour))
	c.CycleRenewalAt = now.Add(10 * 24 * time.Hour)
	return c
}

func TestCheckSummaryFreeTierAtCap(t *testing.T) {
	p := NewPolicy(nil, TrialUnlimited)
	c := counters()
	c.SummariesToday = 3

	d := p.CheckSummary(freePlan(), c, now)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, int64(3), d.Limit)
	assert.Equal(t, int64(3), d.Used)
	assert.Equal(t, ReasonQuotaExceeded, d.Reason)
	assert.Equal(t, time.Date(2024, time.August, 21, 0, 0, 0, 0, time.UTC), d.ResetsAt)

	// next calendar day, after the store applied its reset
	tomorrow := now.Add(12 * time.Hour)
	s := usage.NewMemoryStore()
	ctx := context.Background()
	_, err := s.Load(ctx, "acct", now)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementSummary(ctx, "acct", now, 0))
	}
	did, err := s.ApplyDailyResetIfDue(ctx, "acct", tomorrow)
	require.NoError(t, err)
	require.True(t, did)
	c, err = s.Load(ctx, "acct", tomorrow)
	require.NoError(t, err)

	d = p.CheckSummary(freePlan(), c, tomorrow)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(3), d.Remaining)
	assert.Empty(t, d.Reason)
}

func TestCheckSummaryRemainingClampedAtZero(t *testing.T) {
	p := NewPolicy(nil, TrialUnlimited)
	c := counters()
	c.SummariesToday = 7

	d := p.CheckSummary(freePlan(), c, now)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}

func TestCheckChatUsesCycleCounter(t *testing.T) {
	p := NewPolicy(nil, TrialUnlimited)
	c := counters()
	c.ChatQueriesToday = 50
	c.ChatQueriesThisCycle = 4

	d := p.CheckChat(freePlan(), c, now)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
	assert.Equal(t, models.QuotaChat, d.Class)

	c.ChatQueriesThisCycle = 5
	d = p.CheckChat(freePlan(), c, now)
	assert.False(t, d.Allowed)
	assert.Equal(t, c.CycleRenewalAt, d.ResetsAt, "denial carries the cycle renewal date")
}

func TestCheckDispatchesOnQuotaClass(t *testing.T) {
	p := NewPolicy(nil, TrialUnlimited)
	c := counters()
	c.SummariesToday = 3

	tests := []struct {
		kind    models.OperationKind
		allowed bool
	}{
		{models.OpSummaryGenerated, false},
		{models.OpSummaryCached, false},
		{models.OpThreadAnalysis, false},
		{models.OpChatQuery, true},
		{models.OpChatCached, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.allowed, p.Check(tt.kind, freePlan(), c, now).Allowed)
		})
	}
}

func TestAdminAlwaysAllowed(t *testing.T) {
	admin := freePlan()
	admin.IsAdmin = true
	c := counters()
	c.SummariesToday = 1_000
	c.ChatQueriesThisCycle = 1_000
	c.CostThisMonth = models.FromUSD(500)

	for _, trial := range []TrialPolicy{TrialUnlimited, TrialFreeLimits} {
		p := NewPolicy(nil, trial)
		for _, kind := range models.OperationKinds {
			d := p.Check(kind, admin, c, now)
			assert.True(t, d.Allowed, kind)
			assert.Equal(t, Unlimited, d.Remaining, kind)
		}
	}

	ceiling := DefaultCeilingGuard().CheckCeiling(admin, c, now)
	assert.True(t, ceiling.Allowed)
	assert.False(t, ceiling.Warning)
	assert.Equal(t, models.Microdollars(-1), ceiling.Remaining)
}

func TestIsPremiumActive(t *testing.T) {
	tests := []struct {
		name string
		plan models.PlanState
		want bool
	}{
		{"free", freePlan(), false},
		{"trial running", models.PlanState{TrialEndsAt: ptr(now.Add(time.Hour))}, true},
		{"trial ended", models.PlanState{TrialEndsAt: ptr(now)}, false},
		{"paid active", models.PlanState{SubscriptionActive: true, CurrentPeriodEnd: ptr(now.Add(time.Hour))}, true},
		{"paid period over", models.PlanState{SubscriptionActive: true, CurrentPeriodEnd: ptr(now.Add(-time.Hour))}, false},
		{"paid without period end", models.PlanState{SubscriptionActive: true}, false},
		{"period end but inactive", models.PlanState{CurrentPeriodEnd: ptr(now.Add(time.Hour))}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPremiumActive(tt.plan, now))
		})
	}
}

func TestTrialPolicyBranches(t *testing.T) {
	trialing := freePlan()
	trialing.TrialEndsAt = ptr(now.Add(72 * time.Hour))
	c := counters()
	c.SummariesToday = 3
	c.ChatQueriesThisCycle = 5

	t.Run("unlimited", func(t *testing.T) {
		p := NewPolicy(nil, TrialUnlimited)
		assert.True(t, p.CheckSummary(trialing, c, now).Allowed)
		d := p.CheckChat(trialing, c, now)
		assert.True(t, d.Allowed)
		assert.Equal(t, Unlimited, d.Remaining)
	})

	t.Run("free limits", func(t *testing.T) {
		p := NewPolicy(nil, TrialFreeLimits)
		assert.False(t, p.CheckSummary(trialing, c, now).Allowed)
		assert.False(t, p.CheckChat(trialing, c, now).Allowed)

		paid := trialing
		paid.PlanType = models.PlanMonthly
		paid.SubscriptionActive = true
		paid.CurrentPeriodEnd = ptr(now.AddDate(0, 1, 0))
		assert.True(t, p.CheckSummary(paid, c, now).Allowed)
	})
}

func TestLapsedPaidPlanFallsBackToFreeLimits(t *testing.T) {
	p := NewPolicy(nil, TrialUnlimited)
	lapsed := models.PlanState{
		PlanType:           models.PlanMonthly,
		SubscriptionActive: true,
		CurrentPeriodEnd:   ptr(now.Add(-time.Minute)),
	}
	assert.Equal(t, DefaultLimits()[models.PlanFree], p.LimitsFor(lapsed, now))
}

func TestCustomLimitsTable(t *testing.T) {
	custom := LimitsTable{
		models.PlanMonthly: {DailySummaryCap: 100, CycleChatCap: Unlimited},
	}
	p := NewPolicy(custom, TrialUnlimited)
	paid := models.PlanState{
		PlanType:           models.PlanMonthly,
		SubscriptionActive: true,
		CurrentPeriodEnd:   ptr(now.AddDate(0, 0, 5)),
	}
	c := counters()
	c.SummariesToday = 99

	d := p.CheckSummary(paid, c, now)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
	assert.Equal(t, int64(3), p.LimitsFor(freePlan(), now).DailySummaryCap, "missing free row gets the default")

	// the caller's table is left as it was
	assert.Len(t, custom, 1)
	_, hasFree := custom[models.PlanFree]
	assert.False(t, hasFree)

	custom[models.PlanMonthly] = PlanLimits{DailySummaryCap: 1, CycleChatCap: 1}
	assert.Equal(t, int64(100), p.LimitsFor(paid, now).DailySummaryCap)
}

func TestParseTrialPolicy(t *testing.T) {
	for in, want := range map[string]TrialPolicy{"": TrialUnlimited, "unlimited": TrialUnlimited, "free_limits": TrialFreeLimits} {
		got, err := ParseTrialPolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTrialPolicy("sometimes")
	assert.Error(t, err)
}
