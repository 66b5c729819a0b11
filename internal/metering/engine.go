// Package metering ties the usage store, cost ledger, pricing and
// entitlement rules into the four operations callers use: check before
// work, record after work, and the two reports.
package metering

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/entitlement"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/internal/plans"
	"github.com/crosslogic/usage-meter/internal/pricing"
	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/crosslogic/usage-meter/pkg/metrics"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/crosslogic/usage-meter/pkg/telemetry"
)

const (
	WarnLedgerWrite    = "cost ledger entry could not be written"
	WarnCounterUpdate  = "usage counters could not be updated"
	WarnPricingDefault = "model not in pricing table, priced with the default model"
)

// Engine is safe for concurrent use. All per-account state lives in the
// store and ledger.
type Engine struct {
	store      usage.Store
	ledger     ledger.Ledger
	calculator *pricing.Calculator
	policy     *entitlement.Policy
	ceiling    entitlement.CeilingGuard

	plans     plans.Source
	publisher events.Publisher
	tracer    trace.Tracer
	now       func() time.Time
	logger    *zap.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithPlans sets the source used by GetUsageSummary and CheckAccount.
func WithPlans(src plans.Source) Option {
	return func(e *Engine) { e.plans = src }
}

// WithPublisher sets where threshold and failure events go.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an engine. A nil policy uses the default limits with
// unlimited trials.
func NewEngine(
	store usage.Store,
	l ledger.Ledger,
	calculator *pricing.Calculator,
	policy *entitlement.Policy,
	ceiling entitlement.CeilingGuard,
	logger *zap.Logger,
	opts ...Option,
) *Engine {
	if policy == nil {
		policy = entitlement.NewPolicy(nil, entitlement.TrialUnlimited)
	}
	e := &Engine{
		store:      store,
		ledger:     l,
		calculator: calculator,
		policy:     policy,
		ceiling:    ceiling,
		tracer:     telemetry.Tracer(),
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Calculator exposes the pricing table in use.
func (e *Engine) Calculator() *pricing.Calculator {
	return e.calculator
}

// Ledger exposes the cost ledger, for the retention job.
func (e *Engine) Ledger() ledger.Ledger {
	return e.ledger
}

// Plans returns the configured plan source, or nil.
func (e *Engine) Plans() plans.Source {
	return e.plans
}

// CheckEntitlement decides whether accountID may start an operation of
// kind. Denials come back as a Decision with Allowed false and a nil error.
//
// When counters cannot be read the result depends on the ceiling: if one
// applies to plan the check fails closed with ErrStorageUnavailable,
// otherwise the operation is allowed and the decision marked Degraded.
func (e *Engine) CheckEntitlement(ctx context.Context, accountID string, kind models.OperationKind, plan models.PlanState) (_ *Decision, err error) {
	ctx, span := e.tracer.Start(ctx, "metering.CheckEntitlement", trace.WithAttributes(
		telemetry.AccountAttr(accountID),
		attribute.String("meter.operation", string(kind)),
	))
	defer func() { telemetry.End(span, err) }()
	defer observeDuration("check_entitlement", time.Now())

	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, kind)
	}

	now := e.now().UTC()
	class := string(kind.Class())
	d := &Decision{AccountID: accountID, Kind: kind}

	counters, err := e.currentCounters(ctx, accountID, now, plan.CreatedAt)
	if err != nil {
		if e.ceiling.Applies(plan) {
			metrics.EntitlementDecisions.WithLabelValues(class, "unavailable").Inc()
			e.logger.Error("usage counters unavailable, denying",
				zap.String("account_id", accountID),
				zap.String("operation", string(kind)),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
		}
		metrics.EntitlementDecisions.WithLabelValues(class, "degraded").Inc()
		e.logger.Warn("usage counters unavailable, allowing without a ceiling",
			zap.String("account_id", accountID),
			zap.String("operation", string(kind)),
			zap.Error(err),
		)
		d.Allowed = true
		d.Degraded = true
		d.Quota = entitlement.Decision{
			Allowed:   true,
			Class:     kind.Class(),
			Limit:     entitlement.Unlimited,
			Remaining: entitlement.Unlimited,
		}
		d.Ceiling = entitlement.CeilingDecision{Allowed: true, Limit: -1, Remaining: -1}
		span.SetAttributes(attribute.Bool("meter.degraded", true))
		return d, nil
	}

	d.Ceiling = e.ceiling.CheckCeiling(plan, counters, now)
	d.CeilingWarning = d.Ceiling.Warning
	d.Quota = e.policy.Check(kind, plan, counters, now)

	switch {
	case !d.Ceiling.Allowed:
		d.Reason = entitlement.ReasonCostCeiling
		metrics.EntitlementDecisions.WithLabelValues(class, "denied_ceiling").Inc()
	case !d.Quota.Allowed:
		d.Reason = d.Quota.Reason
		metrics.EntitlementDecisions.WithLabelValues(class, "denied_quota").Inc()
	default:
		d.Allowed = true
		metrics.EntitlementDecisions.WithLabelValues(class, "allowed").Inc()
	}
	if d.CeilingWarning {
		metrics.CeilingWarnings.Inc()
	}

	span.SetAttributes(attribute.Bool("meter.allowed", d.Allowed))
	if !d.Allowed {
		span.SetAttributes(attribute.String("meter.reason", string(d.Reason)))
		e.logger.Info("entitlement denied",
			zap.String("account_id", accountID),
			zap.String("operation", string(kind)),
			zap.String("reason", string(d.Reason)),
		)
	}
	return d, nil
}

// CheckAccount resolves the plan through the configured source and then
// runs CheckEntitlement.
func (e *Engine) CheckAccount(ctx context.Context, accountID string, kind models.OperationKind) (*Decision, error) {
	plan, err := e.resolvePlan(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return e.CheckEntitlement(ctx, accountID, kind, plan)
}

// RecordCompletion prices and records a finished operation. Only invalid
// input returns an error; ledger and counter failures are logged, counted
// and reported in the receipt so the caller's work is never lost.
func (e *Engine) RecordCompletion(ctx context.Context, c Completion) (_ *Receipt, err error) {
	ctx, span := e.tracer.Start(ctx, "metering.RecordCompletion", trace.WithAttributes(
		telemetry.AccountAttr(c.AccountID),
		attribute.String("meter.operation", string(c.Kind)),
		attribute.String("meter.model", c.Model),
	))
	defer func() { telemetry.End(span, err) }()
	defer observeDuration("record_completion", time.Now())

	if err := validateCompletion(c); err != nil {
		return nil, err
	}

	_, resolved, fellBack := e.calculator.RateFor(c.Model)
	cost := e.calculator.Compute(c.Model, c.InputTokens, c.OutputTokens)
	now := e.now().UTC()

	r := &Receipt{
		AccountID:       c.AccountID,
		Kind:            c.Kind,
		Model:           c.Model,
		PricedAs:        resolved,
		PricingFallback: fellBack,
		Cost:            cost,
		CostUSD:         cost.USD(),
	}
	if fellBack {
		metrics.PricingFallbacks.WithLabelValues(c.Model).Inc()
		r.Warnings = append(r.Warnings, WarnPricingDefault)
		e.logger.Warn("unknown model priced with default",
			zap.String("model", c.Model),
			zap.String("priced_as", resolved),
		)
	}
	metrics.RecordCompletion(string(c.Kind), resolved, int64(cost), c.InputTokens, c.OutputTokens)
	span.SetAttributes(attribute.Int64("meter.cost_micros", int64(cost)))

	entry, err := ledger.Prepare(models.LedgerEntry{
		AccountID:    c.AccountID,
		Kind:         c.Kind,
		Model:        resolved,
		InputTokens:  c.InputTokens,
		OutputTokens: c.OutputTokens,
		Cost:         cost,
		Cached:       c.Cached || c.Kind.Cached(),
		Timestamp:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := e.ledger.Append(ctx, entry); err != nil {
		metrics.RecordStorageError("ledger", "append")
		r.Warnings = append(r.Warnings, WarnLedgerWrite)
		e.logger.Error("failed to write cost ledger entry",
			zap.String("account_id", c.AccountID),
			zap.String("entry_id", entry.ID),
			zap.Int64("cost_micros", int64(cost)),
			zap.Error(err),
		)
		e.publish(ctx, events.EventLedgerWriteFailed, c.AccountID, map[string]interface{}{
			"entry_id":    entry.ID,
			"operation":   string(c.Kind),
			"model":       resolved,
			"cost_micros": int64(cost),
			"error":       err.Error(),
		})
	} else {
		r.LedgerEntryID = entry.ID
		r.LedgerRecorded = true
	}

	plan, havePlan := e.planForEvents(ctx, c)

	// the check may have run before a boundary this completion is past
	if _, err := e.currentCounters(ctx, c.AccountID, now, plan.CreatedAt); err != nil {
		r.Warnings = append(r.Warnings, WarnCounterUpdate)
		e.logger.Error("failed to apply due resets before recording usage",
			zap.String("account_id", c.AccountID),
			zap.String("operation", string(c.Kind)),
			zap.Int64("cost_micros", int64(cost)),
			zap.Error(err),
		)
		return r, nil
	}

	if err := e.increment(ctx, c.AccountID, now, c.Kind.Class(), cost); err != nil {
		metrics.RecordStorageError("usage", "increment")
		r.Warnings = append(r.Warnings, WarnCounterUpdate)
		e.logger.Error("failed to update usage counters",
			zap.String("account_id", c.AccountID),
			zap.String("operation", string(c.Kind)),
			zap.Int64("cost_micros", int64(cost)),
			zap.Error(err),
		)
		return r, nil
	}
	r.CountersUpdated = true

	after, err := e.store.Load(ctx, c.AccountID, now)
	if err != nil {
		e.logger.Warn("failed to reload usage counters after increment",
			zap.String("account_id", c.AccountID),
			zap.Error(err),
		)
		return r, nil
	}
	r.CostThisMonth = after.CostThisMonth
	r.CeilingWarning = e.ceiling.Applies(plan) && after.CostThisMonth >= e.ceiling.WarningThreshold()

	e.publishCrossings(ctx, c, plan, havePlan, cost, after, now)
	return r, nil
}

func validateCompletion(c Completion) error {
	switch {
	case c.AccountID == "":
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	case !c.Kind.Valid():
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, c.Kind)
	case c.InputTokens < 0 || c.OutputTokens < 0:
		return fmt.Errorf("%w: token counts must not be negative", ErrInvalidRequest)
	}
	return nil
}

func (e *Engine) increment(ctx context.Context, accountID string, now time.Time, class models.QuotaClass, cost models.Microdollars) error {
	if class == models.QuotaChat {
		return e.store.IncrementChat(ctx, accountID, now, cost)
	}
	return e.store.IncrementSummary(ctx, accountID, now, cost)
}

// planForEvents returns the plan used to decide which threshold events
// apply. Without one only ceiling events are considered, for a non-admin.
func (e *Engine) planForEvents(ctx context.Context, c Completion) (models.PlanState, bool) {
	if c.Plan != nil {
		return *c.Plan, true
	}
	if e.plans == nil {
		return models.PlanState{AccountID: c.AccountID}, false
	}
	plan, err := e.plans.PlanState(ctx, c.AccountID)
	if err != nil {
		e.logger.Debug("plan unavailable for threshold events",
			zap.String("account_id", c.AccountID),
			zap.Error(err),
		)
		return models.PlanState{AccountID: c.AccountID}, false
	}
	return plan, true
}

// publishCrossings emits an event when this completion moved the account
// across the warning threshold, the ceiling, or its last allowed quota slot.
func (e *Engine) publishCrossings(
	ctx context.Context,
	c Completion,
	plan models.PlanState,
	havePlan bool,
	cost models.Microdollars,
	after *models.UsageCounters,
	now time.Time,
) {
	if e.ceiling.Applies(plan) {
		spent := after.CostThisMonth
		prior := spent - cost
		payload := map[string]interface{}{
			"cost_this_month_micros":  int64(spent),
			"max_monthly_cost_micros": int64(e.ceiling.Max),
			"resets_at":               usage.NextMonthlyReset(now).Format(time.RFC3339),
		}
		switch {
		case prior < e.ceiling.Max && spent >= e.ceiling.Max:
			e.publish(ctx, events.EventCostCeilingExceeded, c.AccountID, payload)
		case prior < e.ceiling.WarningThreshold() && spent >= e.ceiling.WarningThreshold():
			payload["warning_threshold_micros"] = int64(e.ceiling.WarningThreshold())
			e.publish(ctx, events.EventCostCeilingWarning, c.AccountID, payload)
		}
	}

	if !havePlan {
		return
	}
	before := *after
	if c.Kind.Class() == models.QuotaChat {
		before.ChatQueriesThisCycle--
	} else {
		before.SummariesToday--
	}
	prev := e.policy.Check(c.Kind, plan, &before, now)
	next := e.policy.Check(c.Kind, plan, after, now)
	if next.Limit >= 0 && prev.Remaining > 0 && next.Remaining == 0 {
		e.publish(ctx, events.EventQuotaExhausted, c.AccountID, map[string]interface{}{
			"quota_class": string(next.Class),
			"limit":       next.Limit,
			"used":        next.Used,
			"resets_at":   next.ResetsAt.Format(time.RFC3339),
		})
	}
}

func (e *Engine) publish(ctx context.Context, t events.EventType, accountID string, payload map[string]interface{}) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, events.NewEvent(t, accountID, payload)); err != nil {
		e.logger.Warn("failed to publish event",
			zap.String("event_type", string(t)),
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}

// currentCounters loads counters and applies every due reset. Counters are
// reloaded only when a reset actually changed them.
func (e *Engine) currentCounters(ctx context.Context, accountID string, now, accountCreatedAt time.Time) (*models.UsageCounters, error) {
	counters, err := e.store.Load(ctx, accountID, now)
	if err != nil {
		metrics.RecordStorageError("usage", "load")
		return nil, fmt.Errorf("load counters: %w", err)
	}

	resets := []struct {
		cycle string
		apply func() (bool, error)
	}{
		{"daily", func() (bool, error) { return e.store.ApplyDailyResetIfDue(ctx, accountID, now) }},
		{"monthly", func() (bool, error) { return e.store.ApplyMonthlyResetIfDue(ctx, accountID, now) }},
		{"cycle", func() (bool, error) { return e.store.ApplyCycleResetIfDue(ctx, accountID, now, accountCreatedAt) }},
	}
	changed := false
	for _, r := range resets {
		did, err := r.apply()
		if err != nil {
			metrics.RecordStorageError("usage", r.cycle+"_reset")
			return nil, fmt.Errorf("apply %s reset: %w", r.cycle, err)
		}
		if did {
			metrics.CounterResets.WithLabelValues(r.cycle).Inc()
			changed = true
		}
	}
	// an unset renewal date is seeded by the cycle step
	if !changed && !counters.CycleRenewalAt.IsZero() {
		return counters, nil
	}

	counters, err = e.store.Load(ctx, accountID, now)
	if err != nil {
		metrics.RecordStorageError("usage", "load")
		return nil, fmt.Errorf("reload counters: %w", err)
	}
	return counters, nil
}

func (e *Engine) resolvePlan(ctx context.Context, accountID string) (models.PlanState, error) {
	if e.plans == nil {
		return models.PlanState{}, ErrNoPlanSource
	}
	plan, err := e.plans.PlanState(ctx, accountID)
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			return models.PlanState{}, err
		}
		metrics.RecordStorageError("plans", "resolve")
		return models.PlanState{}, fmt.Errorf("%w: resolve plan: %w", ErrStorageUnavailable, err)
	}
	return plan, nil
}

func observeDuration(operation string, start time.Time) {
	metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
