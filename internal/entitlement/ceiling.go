package entitlement

import (
	"math"
	"time"

	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/models"
)

const (
	// DefaultMaxMonthlyCost is $2.50.
	DefaultMaxMonthlyCost models.Microdollars = 2_500_000
	DefaultWarningRatio                       = 0.8
)

// CeilingGuard caps an account's spend per calendar month. Max <= 0 disables it.
type CeilingGuard struct {
	Max          models.Microdollars
	WarningRatio float64
}

// DefaultCeilingGuard returns a guard with the stock ceiling.
func DefaultCeilingGuard() CeilingGuard {
	return CeilingGuard{Max: DefaultMaxMonthlyCost, WarningRatio: DefaultWarningRatio}
}

// CeilingDecision is the outcome of a ceiling check. Remaining is -1 when no
// ceiling applies.
type CeilingDecision struct {
	Allowed   bool                `json:"allowed"`
	Warning   bool                `json:"warning"`
	Limit     models.Microdollars `json:"limit_micros"`
	Used      models.Microdollars `json:"used_micros"`
	Remaining models.Microdollars `json:"remaining_micros"`
	ResetsAt  time.Time           `json:"resets_at,omitempty"`
}

// Enabled reports whether a ceiling is configured.
func (g CeilingGuard) Enabled() bool {
	return g.Max > 0
}

// Applies reports whether the ceiling gates plan at all.
func (g CeilingGuard) Applies(plan models.PlanState) bool {
	return g.Enabled() && !plan.IsAdmin
}

// WarningThreshold is the spend at which the warning flag is raised.
func (g CeilingGuard) WarningThreshold() models.Microdollars {
	ratio := g.WarningRatio
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultWarningRatio
	}
	return models.Microdollars(math.Round(float64(g.Max) * ratio))
}

// CheckCeiling denies once this month's spend reaches Max and warns from
// the warning threshold on. Admins bypass.
func (g CeilingGuard) CheckCeiling(plan models.PlanState, counters *models.UsageCounters, now time.Time) CeilingDecision {
	d := CeilingDecision{Used: counters.CostThisMonth}
	if !g.Applies(plan) {
		d.Allowed = true
		d.Limit = -1
		d.Remaining = -1
		return d
	}

	d.Limit = g.Max
	d.ResetsAt = usage.NextMonthlyReset(now)
	d.Allowed = d.Used < g.Max
	d.Warning = d.Used >= g.WarningThreshold()
	if d.Remaining = g.Max - d.Used; d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}
