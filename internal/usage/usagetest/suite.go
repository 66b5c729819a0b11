// Package usagetest holds the behavioural suite every usage.Store backend
// must pass.
package usagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// Factory returns a fresh store. The suite closes it when the test ends.
type Factory func(t *testing.T) usage.Store

// Options tunes the suite for slower backends.
type Options struct {
	// PropertyRuns is the number of generated sequences per property.
	PropertyRuns int
	// ConcurrencyLevels are the goroutine counts used for concurrent increments.
	ConcurrencyLevels []int
}

func (o Options) withDefaults() Options {
	if o.PropertyRuns <= 0 {
		o.PropertyRuns = 100
	}
	if len(o.ConcurrencyLevels) == 0 {
		o.ConcurrencyLevels = []int{2, 10, 100}
	}
	return o
}

// base is a mid-month, mid-day instant with second precision so every
// backend round-trips it exactly.
var base = time.Date(2024, time.March, 14, 12, 0, 0, 0, time.UTC)

var accountSeq int64

func nextAccount(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, atomic.AddInt64(&accountSeq, 1))
}

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory, opts Options) {
	opts = opts.withDefaults()

	open := func(t *testing.T) usage.Store {
		s := newStore(t)
		t.Cleanup(func() { _ = s.Close() })
		return s
	}

	t.Run("LoadCreatesZeroedCounters", func(t *testing.T) {
		testLoadCreates(t, open(t))
	})
	t.Run("DailyResetIsIdempotent", func(t *testing.T) {
		testDailyResetIdempotent(t, open(t))
	})
	t.Run("DailyResetClearsOnlyDailyScope", func(t *testing.T) {
		testDailyScope(t, open(t))
	})
	t.Run("MonthlyResetClearsOnlyMonthlyScope", func(t *testing.T) {
		testMonthlyScope(t, open(t))
	})
	t.Run("CycleSeededFromAccountCreation", func(t *testing.T) {
		testCycleSeed(t, open(t))
	})
	t.Run("CycleSeedFallsBackToCounterCreation", func(t *testing.T) {
		testCycleSeedFallback(t, open(t))
	})
	t.Run("StaleNowNeverMovesBoundariesBack", func(t *testing.T) {
		testStaleNow(t, open(t))
	})
	t.Run("IncrementCreatesCountersAtCallerClock", func(t *testing.T) {
		testIncrementCreates(t, open(t))
	})
	t.Run("IncrementsAccumulate", func(t *testing.T) {
		testIncrements(t, open(t))
	})
	t.Run("ConcurrentResetsApplyOnce", func(t *testing.T) {
		testConcurrentResets(t, open(t))
	})
	t.Run("ConcurrentIncrementsAreNotLost", func(t *testing.T) {
		testConcurrentIncrements(t, open(t), opts)
	})
	t.Run("CountersStayNonNegativeAndBoundariesMonotonic", func(t *testing.T) {
		testSequenceProperties(t, open(t), opts)
	})
}

func testLoadCreates(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("load")

	c, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	assert.Equal(t, id, c.AccountID)
	assert.Zero(t, c.SummariesToday)
	assert.Zero(t, c.ChatQueriesThisCycle)
	assert.Zero(t, c.CostThisMonth)
	assert.True(t, c.LastDailyReset.Equal(base), "last daily reset %v", c.LastDailyReset)
	assert.True(t, c.LastMonthlyReset.Equal(base))

	// a second load must not recreate the row
	require.NoError(t, s.IncrementSummary(ctx, id, base, 10))
	again, err := s.Load(ctx, id, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.SummariesToday)
	assert.True(t, again.LastDailyReset.Equal(base))
}

func testDailyResetIdempotent(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("daily")

	_, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementSummary(ctx, id, base, 0))
	}

	sameDay := base.Add(6 * time.Hour)
	did, err := s.ApplyDailyResetIfDue(ctx, id, sameDay)
	require.NoError(t, err)
	assert.False(t, did, "no reset within the same UTC day")

	nextDay := time.Date(2024, time.March, 15, 0, 0, 1, 0, time.UTC)
	did, err = s.ApplyDailyResetIfDue(ctx, id, nextDay)
	require.NoError(t, err)
	assert.True(t, did)

	did, err = s.ApplyDailyResetIfDue(ctx, id, nextDay)
	require.NoError(t, err)
	assert.False(t, did, "second reset with the same now must be a no-op")

	did, err = s.ApplyDailyResetIfDue(ctx, id, nextDay.Add(10*time.Hour))
	require.NoError(t, err)
	assert.False(t, did, "later in the same day must be a no-op")

	c, err := s.Load(ctx, id, nextDay)
	require.NoError(t, err)
	assert.Zero(t, c.SummariesToday)
	assert.True(t, c.LastDailyReset.Equal(nextDay))
}

func testDailyScope(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("dscope")

	_, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	require.NoError(t, s.IncrementSummary(ctx, id, base, 100))
	require.NoError(t, s.IncrementChat(ctx, id, base, 200))

	did, err := s.ApplyDailyResetIfDue(ctx, id, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.True(t, did)

	c, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	assert.Zero(t, c.SummariesToday)
	assert.Zero(t, c.ChatQueriesToday)
	assert.Equal(t, int64(1), c.SummariesThisMonth)
	assert.Equal(t, int64(1), c.ChatQueriesThisMonth)
	assert.Equal(t, int64(1), c.ChatQueriesThisCycle)
	assert.Equal(t, models.Microdollars(300), c.CostThisMonth)
}

func testMonthlyScope(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("mscope")

	_, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	require.NoError(t, s.IncrementSummary(ctx, id, base, 100))
	require.NoError(t, s.IncrementChat(ctx, id, base, 200))

	did, err := s.ApplyMonthlyResetIfDue(ctx, id, base.Add(10*24*time.Hour))
	require.NoError(t, err)
	assert.False(t, did, "still March")

	april := time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	did, err = s.ApplyMonthlyResetIfDue(ctx, id, april)
	require.NoError(t, err)
	require.True(t, did)

	did, err = s.ApplyMonthlyResetIfDue(ctx, id, april)
	require.NoError(t, err)
	assert.False(t, did)

	c, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	assert.Zero(t, c.SummariesThisMonth)
	assert.Zero(t, c.ChatQueriesThisMonth)
	assert.Zero(t, c.CostThisMonth)
	assert.Equal(t, int64(1), c.SummariesToday, "monthly reset leaves the daily scope alone")
	assert.Equal(t, int64(1), c.ChatQueriesThisCycle, "monthly reset leaves the cycle alone")
	assert.True(t, c.LastMonthlyReset.Equal(april))
}

func testCycleSeed(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("cycle")

	created := base.Add(-10 * 24 * time.Hour)
	firstSeen := base

	_, err := s.Load(ctx, id, firstSeen)
	require.NoError(t, err)
	require.NoError(t, s.IncrementChat(ctx, id, base, 0))

	did, err := s.ApplyCycleResetIfDue(ctx, id, firstSeen, created)
	require.NoError(t, err)
	assert.False(t, did)

	c, err := s.Load(ctx, id, firstSeen)
	require.NoError(t, err)
	assert.True(t, c.CycleRenewalAt.Equal(created.Add(usage.CycleLength)),
		"renewal %v should be creation + 30d, not first request + 30d", c.CycleRenewalAt)
	assert.Equal(t, int64(1), c.ChatQueriesThisCycle)

	// T+30d is due even though only 20 days passed since the first request
	due := created.Add(usage.CycleLength)
	did, err = s.ApplyCycleResetIfDue(ctx, id, due, created)
	require.NoError(t, err)
	assert.True(t, did)

	c, err = s.Load(ctx, id, due)
	require.NoError(t, err)
	assert.Zero(t, c.ChatQueriesThisCycle)
	assert.True(t, c.CycleRenewalAt.Equal(due.Add(usage.CycleLength)))

	did, err = s.ApplyCycleResetIfDue(ctx, id, due, created)
	require.NoError(t, err)
	assert.False(t, did)
}

func testCycleSeedFallback(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("cyclefb")

	_, err := s.Load(ctx, id, base)
	require.NoError(t, err)

	did, err := s.ApplyCycleResetIfDue(ctx, id, base.Add(time.Hour), time.Time{})
	require.NoError(t, err)
	assert.False(t, did)

	c, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	assert.True(t, c.CycleRenewalAt.Equal(base.Add(usage.CycleLength)), "renewal %v", c.CycleRenewalAt)
}

func testStaleNow(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("stale")

	_, err := s.Load(ctx, id, base)
	require.NoError(t, err)

	next := base.Add(48 * time.Hour)
	_, err = s.ApplyDailyResetIfDue(ctx, id, next)
	require.NoError(t, err)

	did, err := s.ApplyDailyResetIfDue(ctx, id, base)
	require.NoError(t, err)
	assert.False(t, did)
	did, err = s.ApplyMonthlyResetIfDue(ctx, id, base.AddDate(0, -2, 0))
	require.NoError(t, err)
	assert.False(t, did)

	c, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	assert.True(t, c.LastDailyReset.Equal(next))
	assert.True(t, c.LastMonthlyReset.Equal(base))
}

func testIncrementCreates(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("icreate")

	// a clock far from wall time: boundaries must come from it
	then := time.Date(2019, time.June, 30, 23, 0, 0, 0, time.UTC)
	require.NoError(t, s.IncrementSummary(ctx, id, then, 25))

	c, err := s.Load(ctx, id, then.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.SummariesToday)
	assert.Equal(t, models.Microdollars(25), c.CostThisMonth)
	assert.True(t, c.LastDailyReset.Equal(then), "last daily reset %v", c.LastDailyReset)
	assert.True(t, c.LastMonthlyReset.Equal(then), "last monthly reset %v", c.LastMonthlyReset)

	july := time.Date(2019, time.July, 1, 0, 0, 1, 0, time.UTC)
	did, err := s.ApplyDailyResetIfDue(ctx, id, july)
	require.NoError(t, err)
	assert.True(t, did)
	did, err = s.ApplyMonthlyResetIfDue(ctx, id, july)
	require.NoError(t, err)
	assert.True(t, did)
}

func testIncrements(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("incr")

	_, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	require.NoError(t, s.IncrementSummary(ctx, id, base, 450))
	require.NoError(t, s.IncrementSummary(ctx, id, base, 50))
	require.NoError(t, s.IncrementChat(ctx, id, base, 1000))
	// negative deltas never reduce the cost
	require.NoError(t, s.IncrementChat(ctx, id, base, -5))

	c, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.SummariesToday)
	assert.Equal(t, int64(2), c.SummariesThisMonth)
	assert.Equal(t, int64(2), c.ChatQueriesToday)
	assert.Equal(t, int64(2), c.ChatQueriesThisMonth)
	assert.Equal(t, int64(2), c.ChatQueriesThisCycle)
	assert.Equal(t, models.Microdollars(1500), c.CostThisMonth)
}

func testConcurrentResets(t *testing.T, s usage.Store) {
	ctx := context.Background()
	id := nextAccount("race")

	_, err := s.Load(ctx, id, base)
	require.NoError(t, err)
	require.NoError(t, s.IncrementSummary(ctx, id, base, 10))

	nextDay := base.Add(24 * time.Hour)
	nextMonth := time.Date(2024, time.April, 2, 0, 0, 0, 0, time.UTC)

	const racers = 16
	var (
		wg          sync.WaitGroup
		dailyWins   int64
		monthlyWins int64
		errCount    int64
		start       = make(chan struct{})
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if did, err := s.ApplyDailyResetIfDue(ctx, id, nextDay); err != nil {
				atomic.AddInt64(&errCount, 1)
			} else if did {
				atomic.AddInt64(&dailyWins, 1)
			}
			if did, err := s.ApplyMonthlyResetIfDue(ctx, id, nextMonth); err != nil {
				atomic.AddInt64(&errCount, 1)
			} else if did {
				atomic.AddInt64(&monthlyWins, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Zero(t, errCount)
	assert.Equal(t, int64(1), dailyWins, "exactly one daily reset")
	assert.Equal(t, int64(1), monthlyWins, "exactly one monthly reset")
}

func testConcurrentIncrements(t *testing.T, s usage.Store, opts Options) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = len(opts.ConcurrencyLevels) * 2
	properties := gopter.NewProperties(parameters)

	properties.Property("N concurrent increments add exactly N", prop.ForAll(
		func(level int, chat bool) bool {
			n := opts.ConcurrencyLevels[level]
			ctx := context.Background()
			id := nextAccount("conc")
			if _, err := s.Load(ctx, id, base); err != nil {
				return false
			}

			var (
				wg     sync.WaitGroup
				failed int64
				start  = make(chan struct{})
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					var err error
					if chat {
						err = s.IncrementChat(ctx, id, base, 7)
					} else {
						err = s.IncrementSummary(ctx, id, base, 7)
					}
					if err != nil {
						atomic.AddInt64(&failed, 1)
					}
				}()
			}
			close(start)
			wg.Wait()

			c, err := s.Load(ctx, id, base)
			if err != nil || failed > 0 {
				return false
			}
			if c.CostThisMonth != models.Microdollars(7*n) {
				return false
			}
			if chat {
				return c.ChatQueriesThisCycle == int64(n) && c.ChatQueriesThisMonth == int64(n)
			}
			return c.SummariesToday == int64(n) && c.SummariesThisMonth == int64(n)
		},
		gen.IntRange(0, len(opts.ConcurrencyLevels)-1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// Each step is encoded as op + 6*hoursToAdvance.
const opCount = 6

func testSequenceProperties(t *testing.T, s usage.Store, opts Options) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = opts.PropertyRuns
	properties := gopter.NewProperties(parameters)

	properties.Property("counters non-negative and boundaries non-decreasing", prop.ForAll(
		func(steps []int, createdDaysAgo int) bool {
			ctx := context.Background()
			id := nextAccount("seq")
			now := base
			created := base.Add(-time.Duration(createdDaysAgo) * 24 * time.Hour)

			prev, err := s.Load(ctx, id, now)
			if err != nil {
				return false
			}

			for _, step := range steps {
				now = now.Add(time.Duration(step/opCount) * time.Hour)
				switch step % opCount {
				case 0:
					err = s.IncrementSummary(ctx, id, now, models.Microdollars(step))
				case 1:
					err = s.IncrementChat(ctx, id, now, models.Microdollars(step))
				case 2:
					_, err = s.ApplyDailyResetIfDue(ctx, id, now)
				case 3:
					_, err = s.ApplyMonthlyResetIfDue(ctx, id, now)
				case 4:
					_, err = s.ApplyCycleResetIfDue(ctx, id, now, created)
				case 5:
					// a stale clock must never rewind anything
					_, err = s.ApplyDailyResetIfDue(ctx, id, now.Add(-72*time.Hour))
				}
				if err != nil {
					return false
				}

				cur, err := s.Load(ctx, id, now)
				if err != nil {
					return false
				}
				if !nonNegative(cur) || !monotonic(prev, cur) {
					t.Logf("violation at step %d: prev=%+v cur=%+v", step, prev, cur)
					return false
				}
				prev = cur
			}
			return true
		},
		gen.SliceOfN(25, gen.IntRange(0, opCount*40-1)),
		gen.IntRange(0, 90),
	))

	properties.TestingRun(t)
}

func nonNegative(c *models.UsageCounters) bool {
	return c.SummariesToday >= 0 &&
		c.ChatQueriesToday >= 0 &&
		c.SummariesThisMonth >= 0 &&
		c.ChatQueriesThisMonth >= 0 &&
		c.CostThisMonth >= 0 &&
		c.ChatQueriesThisCycle >= 0
}

func monotonic(prev, cur *models.UsageCounters) bool {
	return !cur.LastDailyReset.Before(prev.LastDailyReset) &&
		!cur.LastMonthlyReset.Before(prev.LastMonthlyReset) &&
		!cur.CycleRenewalAt.Before(prev.CycleRenewalAt)
}
