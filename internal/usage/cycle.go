package usage

import (
	"time"

	"github.com/crosslogic/usage-meter/pkg/models"
)

// CycleLength is the length of the rolling chat quota cycle.
const CycleLength = 30 * 24 * time.Hour

const secondsPerDay = 24 * 60 * 60

// Calendar days and months are evaluated in UTC for every backend.

// DayIndex returns the number of whole UTC days since the Unix epoch.
func DayIndex(t time.Time) int64 {
	sec := t.Unix()
	if sec < 0 {
		return (sec+1)/secondsPerDay - 1
	}
	return sec / secondsPerDay
}

// MonthIndex returns year*12 + (month-1) in UTC.
func MonthIndex(t time.Time) int64 {
	u := t.UTC()
	return int64(u.Year())*12 + int64(u.Month()) - 1
}

// DailyResetDue reports whether now falls on a later UTC day than last.
func DailyResetDue(last, now time.Time) bool {
	return DayIndex(now) > DayIndex(last)
}

// MonthlyResetDue reports whether now falls in a later UTC month than last.
func MonthlyResetDue(last, now time.Time) bool {
	return MonthIndex(now) > MonthIndex(last)
}

// CycleResetDue reports whether the rolling cycle has elapsed.
func CycleResetDue(renewalAt, now time.Time) bool {
	return !now.Before(renewalAt)
}

// CycleSeed returns the first renewal time for an account created at createdAt.
func CycleSeed(createdAt time.Time) time.Time {
	return createdAt.UTC().Add(CycleLength)
}

// NextDailyReset returns the next UTC midnight after now.
func NextDailyReset(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// NextMonthlyReset returns the first instant of the next UTC month.
func NextMonthlyReset(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// applyDailyReset mutates c in place. Used by backends that compute the new
// row in process and then write it conditionally.
func applyDailyReset(c *models.UsageCounters, now time.Time) bool {
	if !DailyResetDue(c.LastDailyReset, now) {
		return false
	}
	c.SummariesToday = 0
	c.ChatQueriesToday = 0
	c.LastDailyReset = now.UTC()
	return true
}

func applyMonthlyReset(c *models.UsageCounters, now time.Time) bool {
	if !MonthlyResetDue(c.LastMonthlyReset, now) {
		return false
	}
	c.SummariesThisMonth = 0
	c.ChatQueriesThisMonth = 0
	c.CostThisMonth = 0
	c.LastMonthlyReset = now.UTC()
	return true
}

// applyCycleReset returns (changed, reset). changed is true when the row
// must be written, which includes seeding an unset renewal.
func applyCycleReset(c *models.UsageCounters, now, accountCreatedAt time.Time) (changed, reset bool) {
	if c.CycleRenewalAt.IsZero() {
		anchor := accountCreatedAt
		if anchor.IsZero() {
			anchor = c.CreatedAt
		}
		c.CycleRenewalAt = CycleSeed(anchor)
		changed = true
	}
	if !CycleResetDue(c.CycleRenewalAt, now) {
		return changed, false
	}
	c.ChatQueriesThisCycle = 0
	c.CycleRenewalAt = now.UTC().Add(CycleLength)
	return true, true
}

func applySummary(c *models.UsageCounters, cost models.Microdollars) {
	c.SummariesToday++
	c.SummariesThisMonth++
	c.CostThisMonth += nonNegative(cost)
}

func applyChat(c *models.UsageCounters, cost models.Microdollars) {
	c.ChatQueriesToday++
	c.ChatQueriesThisMonth++
	c.ChatQueriesThisCycle++
	c.CostThisMonth += nonNegative(cost)
}

func nonNegative(cost models.Microdollars) models.Microdollars {
	if cost < 0 {
		return 0
	}
	return cost
}
