package metering

import (
	"time"

	"github.com/crosslogic/usage-meter/internal/entitlement"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// Decision is the outcome of CheckEntitlement. A denial is a normal
// result, not an error; use Err to convert it.
type Decision struct {
	AccountID string               `json:"account_id"`
	Kind      models.OperationKind `json:"operation"`
	Allowed   bool                 `json:"allowed"`
	Reason    entitlement.Reason   `json:"reason,omitempty"`

	// Degraded is set when counters could not be read and the request was
	// let through because no cost ceiling applies.
	Degraded bool `json:"degraded,omitempty"`

	// CeilingWarning flags spend at or above the warning ratio.
	CeilingWarning bool `json:"ceiling_warning"`

	Quota   entitlement.Decision        `json:"quota"`
	Ceiling entitlement.CeilingDecision `json:"ceiling"`
}

// Err returns nil for an allowed decision and an *EntitlementDeniedError
// otherwise.
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	if d.Reason == entitlement.ReasonCostCeiling {
		return &EntitlementDeniedError{
			Reason:    d.Reason,
			Limit:     int64(d.Ceiling.Limit),
			Used:      int64(d.Ceiling.Used),
			Remaining: int64(d.Ceiling.Remaining),
			ResetsAt:  d.Ceiling.ResetsAt,
		}
	}
	return &EntitlementDeniedError{
		Reason:    d.Reason,
		Limit:     d.Quota.Limit,
		Used:      d.Quota.Used,
		Remaining: d.Quota.Remaining,
		ResetsAt:  d.Quota.ResetsAt,
	}
}

// Completion is what the caller reports after the billable work finished.
type Completion struct {
	AccountID    string               `json:"account_id"`
	Kind         models.OperationKind `json:"operation"`
	Model        string               `json:"model"`
	InputTokens  int64                `json:"input_tokens"`
	OutputTokens int64                `json:"output_tokens"`
	Cached       bool                 `json:"cached"`

	// Plan is optional. When nil the engine resolves it through its plan
	// source, if any, to decide which threshold events apply.
	Plan *models.PlanState `json:"-"`
}

// Receipt reports what RecordCompletion managed to persist. Failures after
// validation never turn into errors; they show up here instead.
type Receipt struct {
	AccountID       string               `json:"account_id"`
	Kind            models.OperationKind `json:"operation"`
	Model           string               `json:"model"`
	PricedAs        string               `json:"priced_as"`
	PricingFallback bool                 `json:"pricing_fallback,omitempty"`
	Cost            models.Microdollars  `json:"cost_micros"`
	CostUSD         float64              `json:"cost_usd"`
	LedgerEntryID   string               `json:"ledger_entry_id,omitempty"`
	LedgerRecorded  bool                 `json:"ledger_recorded"`
	CountersUpdated bool                 `json:"counters_updated"`
	CostThisMonth   models.Microdollars  `json:"cost_this_month_micros,omitempty"`
	CeilingWarning  bool                 `json:"ceiling_warning"`
	Warnings        []string             `json:"warnings,omitempty"`
}

// QuotaUsage is one capped counter in a usage summary. Limit and
// Remaining are entitlement.Unlimited when uncapped.
type QuotaUsage struct {
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
	PercentUsed float64   `json:"percent_used"`
	ResetsAt    time.Time `json:"resets_at,omitempty"`
}

// CostUsage is the month's spend against the ceiling.
type CostUsage struct {
	Used        models.Microdollars `json:"used_micros"`
	Limit       models.Microdollars `json:"limit_micros"`
	Remaining   models.Microdollars `json:"remaining_micros"`
	PercentUsed float64             `json:"percent_used"`
	Warning     bool                `json:"warning"`
	ResetsAt    time.Time           `json:"resets_at,omitempty"`
}

// UsageSummary is the "my usage" report for one account.
type UsageSummary struct {
	AccountID     string                  `json:"account_id"`
	PlanType      models.PlanType         `json:"plan_type"`
	IsAdmin       bool                    `json:"is_admin"`
	PremiumActive bool                    `json:"premium_active"`
	TrialPolicy   entitlement.TrialPolicy `json:"trial_policy"`
	Limits        entitlement.PlanLimits  `json:"limits"`

	Summaries QuotaUsage `json:"summaries_today"`
	Chats     QuotaUsage `json:"chats_this_cycle"`
	Cost      CostUsage  `json:"cost_this_month"`

	ChatQueriesToday     int64 `json:"chat_queries_today"`
	SummariesThisMonth   int64 `json:"summaries_this_month"`
	ChatQueriesThisMonth int64 `json:"chat_queries_this_month"`

	NextDailyReset   time.Time `json:"next_daily_reset"`
	NextMonthlyReset time.Time `json:"next_monthly_reset"`
	CycleRenewalAt   time.Time `json:"cycle_renewal_at"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// CostAnalytics is the admin report over a trailing window.
type CostAnalytics struct {
	WindowDays int       `json:"window_days"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`

	TotalCost       models.Microdollars `json:"total_cost_micros"`
	TotalCostUSD    float64             `json:"total_cost_usd"`
	TotalOperations int64               `json:"total_operations"`
	AverageCost     models.Microdollars `json:"average_cost_micros"`

	// CacheHitRate is cached operations over all operations; the per-class
	// rates use the same ratio within summaries or chats.
	CacheHitRate        float64 `json:"cache_hit_rate"`
	SummaryCacheHitRate float64 `json:"summary_cache_hit_rate"`
	ChatCacheHitRate    float64 `json:"chat_cache_hit_rate"`

	TopSpenders []ledger.Spender                                `json:"top_spenders"`
	ByModel     []ledger.ModelAggregate                         `json:"by_model"`
	ByKind      map[models.OperationKind]ledger.KindAggregate `json:"by_kind"`
}
