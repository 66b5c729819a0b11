package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrAccountNotFound is returned when the identity side cannot resolve an account id.
var ErrAccountNotFound = errors.New("account not found")

// Microdollars is a USD amount in millionths of a dollar.
type Microdollars int64

// FromUSD converts a dollar amount, rounding half away from zero.
func FromUSD(usd float64) Microdollars {
	return Microdollars(math.Round(usd * 1e6))
}

// USD returns the amount in dollars.
func (m Microdollars) USD() float64 {
	return float64(m) / 1e6
}

func (m Microdollars) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s$%d.%06d", sign, v/1_000_000, v%1_000_000)
}

// PlanType is the billing plan of an account.
type PlanType string

const (
	PlanFree    PlanType = "free"
	PlanMonthly PlanType = "monthly"
)

// PlanState is the read-only projection of an account the engine gates on.
type PlanState struct {
	AccountID          string     `json:"account_id"`
	IsAdmin            bool       `json:"is_admin"`
	PlanType           PlanType   `json:"plan_type"`
	SubscriptionActive bool       `json:"subscription_active"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// OperationKind identifies a billable operation.
type OperationKind string

const (
	OpSummaryGenerated OperationKind = "summary_generated"
	OpSummaryCached    OperationKind = "summary_cached"
	OpChatQuery        OperationKind = "chat_query"
	OpChatCached       OperationKind = "chat_cached"
	OpThreadAnalysis   OperationKind = "thread_analysis"
)

// OperationKinds lists every known kind in a stable order.
var OperationKinds = []OperationKind{
	OpSummaryGenerated,
	OpSummaryCached,
	OpChatQuery,
	OpChatCached,
	OpThreadAnalysis,
}

// QuotaClass is the counter family an operation is gated and counted against.
type QuotaClass string

const (
	QuotaSummary QuotaClass = "summary"
	QuotaChat    QuotaClass = "chat"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	for _, known := range OperationKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Class returns the quota class for the operation.
func (k OperationKind) Class() QuotaClass {
	switch k {
	case OpChatQuery, OpChatCached:
		return QuotaChat
	default:
		return QuotaSummary
	}
}

// Cached reports whether the kind describes a cache hit.
func (k OperationKind) Cached() bool {
	return k == OpSummaryCached || k == OpChatCached
}

// UsageCounters holds the mutable per-account counters.
type UsageCounters struct {
	AccountID string `json:"account_id"`

	SummariesToday   int64     `json:"summaries_today"`
	ChatQueriesToday int64     `json:"chat_queries_today"`
	LastDailyReset   time.Time `json:"last_daily_reset"`

	SummariesThisMonth   int64        `json:"summaries_this_month"`
	ChatQueriesThisMonth int64        `json:"chat_queries_this_month"`
	CostThisMonth        Microdollars `json:"cost_this_month_micros"`
	LastMonthlyReset     time.Time    `json:"last_monthly_reset"`

	ChatQueriesThisCycle int64     `json:"chat_queries_this_cycle"`
	CycleRenewalAt       time.Time `json:"cycle_renewal_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// NewUsageCounters returns zeroed counters with every reset boundary at now.
// The rolling cycle is left unset so it can be seeded from account creation.
func NewUsageCounters(accountID string, now time.Time) *UsageCounters {
	now = now.UTC()
	return &UsageCounters{
		AccountID:        accountID,
		LastDailyReset:   now,
		LastMonthlyReset: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// LedgerEntry is one immutable cost event.
type LedgerEntry struct {
	ID           string        `json:"id"`
	AccountID    string        `json:"account_id"`
	Kind         OperationKind `json:"operation_kind"`
	Model        string        `json:"model"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	Cost         Microdollars  `json:"cost_micros"`
	Cached       bool          `json:"cached"`
	Timestamp    time.Time     `json:"timestamp"`
}
