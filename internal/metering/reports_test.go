package metering_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/entitlement"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/pricing"
	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/models"
)

func TestGetUsageSummaryFreePlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := freePlan("acct")
	f.plans.Put(plan)

	for _, c := range []metering.Completion{summary("acct"), summary("acct"), chat("acct")} {
		_, err := f.engine.RecordCompletion(ctx, c)
		require.NoError(t, err)
	}

	s, err := f.engine.GetUsageSummary(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, "acct", s.AccountID)
	assert.Equal(t, models.PlanFree, s.PlanType)
	assert.False(t, s.PremiumActive)
	assert.Equal(t, entitlement.TrialUnlimited, s.TrialPolicy)
	assert.Equal(t, entitlement.PlanLimits{DailySummaryCap: 3, CycleChatCap: 5}, s.Limits)

	assert.Equal(t, metering.QuotaUsage{
		Used: 2, Limit: 3, Remaining: 1, PercentUsed: 66.67,
		ResetsAt: time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC),
	}, s.Summaries)
	assert.Equal(t, int64(1), s.Chats.Used)
	assert.Equal(t, int64(4), s.Chats.Remaining)
	assert.InDelta(t, 20.0, s.Chats.PercentUsed, 1e-9)
	assert.Equal(t, plan.CreatedAt.Add(usage.CycleLength), s.CycleRenewalAt)

	assert.Equal(t, models.Microdollars(1350), s.Cost.Used)
	assert.Equal(t, entitlement.DefaultMaxMonthlyCost, s.Cost.Limit)
	assert.InDelta(t, 0.05, s.Cost.PercentUsed, 1e-9)
	assert.False(t, s.Cost.Warning)

	assert.Equal(t, int64(1), s.ChatQueriesToday)
	assert.Equal(t, int64(2), s.SummariesThisMonth)
	assert.Equal(t, time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC), s.NextMonthlyReset)
	assert.Equal(t, start, s.GeneratedAt)
}

func TestGetUsageSummaryAppliesDueResets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.plans.Put(freePlan("acct"))

	_, err := f.engine.RecordCompletion(ctx, summary("acct"))
	require.NoError(t, err)
	f.clock.Advance(24 * time.Hour)

	s, err := f.engine.GetUsageSummary(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Summaries.Used)
	assert.Equal(t, int64(1), s.SummariesThisMonth)
}

func TestGetUsageSummaryAdminAndPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.plans.Put(adminPlan("root"))
	f.plans.Put(paidPlan("paid"))

	s, err := f.engine.GetUsageSummary(ctx, "root")
	require.NoError(t, err)
	assert.True(t, s.IsAdmin)
	assert.Equal(t, entitlement.Unlimited, s.Limits.DailySummaryCap)
	assert.Equal(t, entitlement.Unlimited, s.Summaries.Remaining)
	assert.Equal(t, models.Microdollars(-1), s.Cost.Limit)
	assert.Zero(t, s.Cost.PercentUsed)

	s, err = f.engine.GetUsageSummary(ctx, "paid")
	require.NoError(t, err)
	assert.True(t, s.PremiumActive)
	assert.Equal(t, entitlement.Unlimited, s.Chats.Limit)
	assert.Equal(t, entitlement.DefaultMaxMonthlyCost, s.Cost.Limit)
}

func TestGetUsageSummaryErrors(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.GetUsageSummary(context.Background(), "ghost")
	assert.ErrorIs(t, err, models.ErrAccountNotFound)

	_, err = f.engine.GetUsageSummary(context.Background(), "")
	assert.ErrorIs(t, err, metering.ErrInvalidRequest)

	calc, err := pricing.NewCalculator(pricing.DefaultTable())
	require.NoError(t, err)
	bare := metering.NewEngine(usage.NewMemoryStore(), ledger.NewMemoryLedger(), calc, nil, entitlement.DefaultCeilingGuard(), zap.NewNop())
	_, err = bare.GetUsageSummary(context.Background(), "acct")
	assert.ErrorIs(t, err, metering.ErrNoPlanSource)

	store := &flakyStore{Store: usage.NewMemoryStore(), failLoad: true}
	f = newFixture(t, withStore(store))
	f.plans.Put(freePlan("acct"))
	_, err = f.engine.GetUsageSummary(context.Background(), "acct")
	assert.ErrorIs(t, err, metering.ErrStorageUnavailable)
}

func TestGetCostAnalytics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record := func(c metering.Completion) {
		t.Helper()
		_, err := f.engine.RecordCompletion(ctx, c)
		require.NoError(t, err)
	}
	// outside a 7 day window
	record(metering.Completion{AccountID: "old", Kind: models.OpSummaryGenerated, Model: "model-y", InputTokens: 100000})
	f.clock.Advance(10 * 24 * time.Hour)

	record(summary("acct-a"))
	record(summary("acct-a"))
	record(metering.Completion{AccountID: "acct-a", Kind: models.OpSummaryCached, Model: "model-x", InputTokens: 1000, OutputTokens: 500})
	// 10500 micros
	record(metering.Completion{AccountID: "acct-b", Kind: models.OpChatCached, Model: "model-y", InputTokens: 1000, OutputTokens: 500})
	f.clock.Advance(time.Minute)

	a, err := f.engine.GetCostAnalytics(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, a.WindowDays)
	assert.Equal(t, f.clock.Now().Add(-7*24*time.Hour), a.From)
	assert.Equal(t, models.Microdollars(450*3+10500), a.TotalCost)
	assert.Equal(t, int64(4), a.TotalOperations)
	assert.Equal(t, models.Microdollars((450*3+10500)/4), a.AverageCost)
	assert.InDelta(t, 0.5, a.CacheHitRate, 1e-9)
	assert.InDelta(t, 1.0/3.0, a.SummaryCacheHitRate, 1e-9)
	assert.InDelta(t, 1.0, a.ChatCacheHitRate, 1e-9)

	require.Len(t, a.TopSpenders, 2)
	assert.Equal(t, "acct-b", a.TopSpenders[0].AccountID)
	assert.Equal(t, ledger.Spender{AccountID: "acct-a", Operations: 3, TotalCost: 1350}, a.TopSpenders[1])

	require.Len(t, a.ByModel, 2)
	assert.Equal(t, "model-y", a.ByModel[0].Model)
	assert.Equal(t, int64(3), a.ByModel[1].Count)

	assert.Equal(t, ledger.KindAggregate{Count: 2, TotalCost: 900}, a.ByKind[models.OpSummaryGenerated])
	assert.Equal(t, ledger.KindAggregate{Count: 1, CachedCount: 1, TotalCost: 450}, a.ByKind[models.OpSummaryCached])

	wide, err := f.engine.GetCostAnalytics(ctx, metering.DefaultAnalyticsWindowDays)
	require.NoError(t, err)
	assert.Equal(t, metering.DefaultAnalyticsWindowDays, wide.WindowDays)
	assert.Len(t, wide.TopSpenders, 3)

	for _, days := range []int{0, -3, metering.MaxAnalyticsWindowDays + 1} {
		_, err = f.engine.GetCostAnalytics(ctx, days)
		assert.ErrorIs(t, err, metering.ErrInvalidRequest, "window %d", days)
	}
}

func TestGetCostAnalyticsEmpty(t *testing.T) {
	f := newFixture(t)

	a, err := f.engine.GetCostAnalytics(context.Background(), 30)
	require.NoError(t, err)
	assert.Zero(t, a.TotalCost)
	assert.Zero(t, a.CacheHitRate)
	assert.NotNil(t, a.TopSpenders)
	assert.NotNil(t, a.ByModel)
}

func TestDecisionErr(t *testing.T) {
	var nilDecision *metering.Decision
	assert.NoError(t, nilDecision.Err())
	assert.NoError(t, (&metering.Decision{Allowed: true}).Err())

	reset := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	err := (&metering.Decision{
		Reason: entitlement.ReasonQuotaExceeded,
		Quota:  entitlement.Decision{Limit: 5, Used: 5, ResetsAt: reset},
	}).Err()
	assert.EqualError(t, err, "entitlement denied: quota_exceeded (used 5 of 5), resets at 2024-03-15T00:00:00Z")

	denied := &metering.EntitlementDeniedError{ResetsAt: reset}
	assert.Equal(t, 90*time.Second, denied.RetryAfter(reset.Add(-89*time.Second-time.Millisecond)))
	assert.Zero(t, denied.RetryAfter(reset.Add(time.Second)))
}
