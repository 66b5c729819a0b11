package metering

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/entitlement"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/crosslogic/usage-meter/pkg/telemetry"
)

const (
	DefaultAnalyticsWindowDays = 30
	MaxAnalyticsWindowDays     = 366
)

// GetUsageSummary reports an account's limits, usage and reset dates.
// Due resets are applied first so the numbers match what the next
// entitlement check would see.
func (e *Engine) GetUsageSummary(ctx context.Context, accountID string) (_ *UsageSummary, err error) {
	ctx, span := e.tracer.Start(ctx, "metering.GetUsageSummary")
	span.SetAttributes(telemetry.AccountAttr(accountID))
	defer func() { telemetry.End(span, err) }()
	defer observeDuration("usage_summary", time.Now())

	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	plan, err := e.resolvePlan(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	counters, err := e.currentCounters(ctx, accountID, now, plan.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return e.buildSummary(plan, counters, now), nil
}

func (e *Engine) buildSummary(plan models.PlanState, counters *models.UsageCounters, now time.Time) *UsageSummary {
	limits := e.policy.LimitsFor(plan, now)
	if plan.IsAdmin {
		limits = entitlement.PlanLimits{DailySummaryCap: entitlement.Unlimited, CycleChatCap: entitlement.Unlimited}
	}
	summaries := e.policy.CheckSummary(plan, counters, now)
	chats := e.policy.CheckChat(plan, counters, now)
	ceiling := e.ceiling.CheckCeiling(plan, counters, now)

	return &UsageSummary{
		AccountID:     accountID(plan, counters),
		PlanType:      plan.PlanType,
		IsAdmin:       plan.IsAdmin,
		PremiumActive: entitlement.IsPremiumActive(plan, now),
		TrialPolicy:   e.policy.TrialPolicy(),
		Limits:        limits,
		Summaries:     quotaUsage(summaries),
		Chats:         quotaUsage(chats),
		Cost: CostUsage{
			Used:        ceiling.Used,
			Limit:       ceiling.Limit,
			Remaining:   ceiling.Remaining,
			PercentUsed: percent(int64(ceiling.Used), int64(ceiling.Limit)),
			Warning:     ceiling.Warning,
			ResetsAt:    ceiling.ResetsAt,
		},
		ChatQueriesToday:     counters.ChatQueriesToday,
		SummariesThisMonth:   counters.SummariesThisMonth,
		ChatQueriesThisMonth: counters.ChatQueriesThisMonth,
		NextDailyReset:       usage.NextDailyReset(now),
		NextMonthlyReset:     usage.NextMonthlyReset(now),
		CycleRenewalAt:       counters.CycleRenewalAt,
		GeneratedAt:          now,
	}
}

func accountID(plan models.PlanState, counters *models.UsageCounters) string {
	if plan.AccountID != "" {
		return plan.AccountID
	}
	return counters.AccountID
}

func quotaUsage(d entitlement.Decision) QuotaUsage {
	return QuotaUsage{
		Used:        d.Used,
		Limit:       d.Limit,
		Remaining:   d.Remaining,
		PercentUsed: percent(d.Used, d.Limit),
		ResetsAt:    d.ResetsAt,
	}
}

// percent is used/limit as a percentage capped at 100, or 0 without a limit.
func percent(used, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	p := float64(used) * 100 / float64(limit)
	return math.Min(100, math.Round(p*100)/100)
}

// GetCostAnalytics aggregates the ledger over [now-windowDays, now).
// windowDays must be between 1 and MaxAnalyticsWindowDays.
func (e *Engine) GetCostAnalytics(ctx context.Context, windowDays int) (_ *CostAnalytics, err error) {
	ctx, span := e.tracer.Start(ctx, "metering.GetCostAnalytics")
	defer func() { telemetry.End(span, err) }()
	defer observeDuration("cost_analytics", time.Now())

	if windowDays < 1 || windowDays > MaxAnalyticsWindowDays {
		return nil, fmt.Errorf("%w: window must be between 1 and %d days", ErrInvalidRequest, MaxAnalyticsWindowDays)
	}
	span.SetAttributes(attribute.Int("meter.window_days", windowDays))

	to := e.now().UTC()
	from := to.Add(-time.Duration(windowDays) * 24 * time.Hour)

	byKind, err := e.ledger.AggregateByKind(ctx, "", from, to)
	if err != nil {
		return nil, e.analyticsError("aggregate by kind", err)
	}
	byModel, err := e.ledger.AggregateByModel(ctx, from, to)
	if err != nil {
		return nil, e.analyticsError("aggregate by model", err)
	}
	top, err := e.ledger.TopSpenders(ctx, ledger.DefaultTopSpenders, from, to)
	if err != nil {
		return nil, e.analyticsError("top spenders", err)
	}

	a := &CostAnalytics{
		WindowDays:  windowDays,
		From:        from,
		To:          to,
		TopSpenders: top,
		ByModel:     byModel,
		ByKind:      byKind,
	}
	var cached, summaryOps, summaryCached, chatOps, chatCached int64
	for kind, agg := range byKind {
		a.TotalCost += agg.TotalCost
		a.TotalOperations += agg.Count
		cached += agg.CachedCount
		if kind.Class() == models.QuotaChat {
			chatOps += agg.Count
			chatCached += agg.CachedCount
		} else {
			summaryOps += agg.Count
			summaryCached += agg.CachedCount
		}
	}
	a.TotalCostUSD = a.TotalCost.USD()
	if a.TotalOperations > 0 {
		a.AverageCost = a.TotalCost / models.Microdollars(a.TotalOperations)
	}
	a.CacheHitRate = ratio(cached, a.TotalOperations)
	a.SummaryCacheHitRate = ratio(summaryCached, summaryOps)
	a.ChatCacheHitRate = ratio(chatCached, chatOps)
	if a.TopSpenders == nil {
		a.TopSpenders = []ledger.Spender{}
	}
	if a.ByModel == nil {
		a.ByModel = []ledger.ModelAggregate{}
	}
	return a, nil
}

func (e *Engine) analyticsError(step string, err error) error {
	e.logger.Error("cost analytics query failed", zap.String("step", step), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, step, err)
}

func ratio(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}
