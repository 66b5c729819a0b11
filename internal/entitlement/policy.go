// Package entitlement decides whether an account may run an operation given
// its plan and a snapshot of its usage counters. Everything here is pure:
// callers pass the clock in.
package entitlement

import (
	"fmt"
	"time"

	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// Unlimited marks a cap or remaining count with no limit.
const Unlimited int64 = -1

// TrialPolicy selects how an active trial is treated for quota caps.
type TrialPolicy string

const (
	// TrialUnlimited lets an active trial bypass caps like a paid plan.
	TrialUnlimited TrialPolicy = "unlimited"
	// TrialFreeLimits applies free-tier caps until a paid subscription is active.
	TrialFreeLimits TrialPolicy = "free_limits"
)

// ParseTrialPolicy parses a configured policy name. Empty means TrialUnlimited.
func ParseTrialPolicy(s string) (TrialPolicy, error) {
	switch TrialPolicy(s) {
	case "", TrialUnlimited:
		return TrialUnlimited, nil
	case TrialFreeLimits:
		return TrialFreeLimits, nil
	}
	return "", fmt.Errorf("unknown trial policy %q", s)
}

// Reason is the machine-readable cause of a denial.
type Reason string

const (
	ReasonQuotaExceeded Reason = "quota_exceeded"
	ReasonCostCeiling   Reason = "cost_ceiling_exceeded"
)

// PlanLimits are the caps of one plan. Unlimited disables a cap.
type PlanLimits struct {
	DailySummaryCap int64 `json:"daily_summary_cap"`
	CycleChatCap    int64 `json:"cycle_chat_cap"`
}

// LimitsTable maps a plan type to its caps.
type LimitsTable map[models.PlanType]PlanLimits

// DefaultLimits returns the stock table: 3 summaries a day and 5 chats per
// cycle on free, no caps on monthly.
func DefaultLimits() LimitsTable {
	return LimitsTable{
		models.PlanFree:    {DailySummaryCap: 3, CycleChatCap: 5},
		models.PlanMonthly: {DailySummaryCap: Unlimited, CycleChatCap: Unlimited},
	}
}

var unlimitedLimits = PlanLimits{DailySummaryCap: Unlimited, CycleChatCap: Unlimited}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool              `json:"allowed"`
	Reason    Reason            `json:"reason,omitempty"`
	Class     models.QuotaClass `json:"quota_class"`
	Limit     int64             `json:"limit"`
	Used      int64             `json:"used"`
	Remaining int64             `json:"remaining"`
	ResetsAt  time.Time         `json:"resets_at,omitempty"`
}

// Policy applies a limits table and a trial policy.
type Policy struct {
	limits LimitsTable
	trial  TrialPolicy
}

// NewPolicy creates a policy on a copy of limits. A nil table uses
// DefaultLimits; a table without a free row gets the default free row.
func NewPolicy(limits LimitsTable, trial TrialPolicy) *Policy {
	table := DefaultLimits()
	if limits != nil {
		table = make(LimitsTable, len(limits)+1)
		for plan, l := range limits {
			table[plan] = l
		}
	}
	if _, ok := table[models.PlanFree]; !ok {
		table[models.PlanFree] = DefaultLimits()[models.PlanFree]
	}
	if trial == "" {
		trial = TrialUnlimited
	}
	return &Policy{limits: table, trial: trial}
}

// TrialPolicy returns the configured trial handling.
func (p *Policy) TrialPolicy() TrialPolicy {
	return p.trial
}

// IsPremiumActive reports whether the account is inside a trial or an
// unexpired paid period.
func IsPremiumActive(plan models.PlanState, now time.Time) bool {
	return trialActive(plan, now) || paidActive(plan, now)
}

func trialActive(plan models.PlanState, now time.Time) bool {
	return plan.TrialEndsAt != nil && now.Before(*plan.TrialEndsAt)
}

func paidActive(plan models.PlanState, now time.Time) bool {
	return plan.SubscriptionActive && plan.CurrentPeriodEnd != nil && now.Before(*plan.CurrentPeriodEnd)
}

// LimitsFor returns the caps in force for plan at now. Paid rows apply only
// while premium is active; otherwise the free row applies.
func (p *Policy) LimitsFor(plan models.PlanState, now time.Time) PlanLimits {
	premium := paidActive(plan, now)
	if p.trial == TrialUnlimited {
		premium = premium || trialActive(plan, now)
	}
	if !premium {
		return p.limits[models.PlanFree]
	}
	if row, ok := p.limits[plan.PlanType]; ok && plan.PlanType != models.PlanFree {
		return row
	}
	// premium through a trial on the free plan
	return unlimitedLimits
}

// CheckSummary gates a summary-class operation against the daily cap.
func (p *Policy) CheckSummary(plan models.PlanState, counters *models.UsageCounters, now time.Time) Decision {
	d := Decision{Class: models.QuotaSummary, Used: counters.SummariesToday}
	if plan.IsAdmin {
		return unlimited(d)
	}
	d.ResetsAt = usage.NextDailyReset(now)
	return capped(d, p.LimitsFor(plan, now).DailySummaryCap)
}

// CheckChat gates a chat-class operation against the rolling cycle cap.
func (p *Policy) CheckChat(plan models.PlanState, counters *models.UsageCounters, now time.Time) Decision {
	d := Decision{Class: models.QuotaChat, Used: counters.ChatQueriesThisCycle}
	if plan.IsAdmin {
		return unlimited(d)
	}
	d.ResetsAt = counters.CycleRenewalAt
	return capped(d, p.LimitsFor(plan, now).CycleChatCap)
}

// Check dispatches on the operation's quota class.
func (p *Policy) Check(kind models.OperationKind, plan models.PlanState, counters *models.UsageCounters, now time.Time) Decision {
	if kind.Class() == models.QuotaChat {
		return p.CheckChat(plan, counters, now)
	}
	return p.CheckSummary(plan, counters, now)
}

func unlimited(d Decision) Decision {
	d.Allowed = true
	d.Limit = Unlimited
	d.Remaining = Unlimited
	d.ResetsAt = time.Time{}
	return d
}

func capped(d Decision, limit int64) Decision {
	if limit < 0 {
		return unlimited(d)
	}
	d.Limit = limit
	d.Remaining = limit - d.Used
	d.Allowed = d.Remaining > 0
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.Reason = ReasonQuotaExceeded
	}
	return d
}
