// Package ledgertest holds the behavioural suite every ledger.Ledger backend
// must pass.
package ledgertest

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

	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// Factory returns an empty ledger. The suite closes it when the test ends.
type Factory func(t *testing.T) ledger.Ledger

var base = time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)

var accountSeq int64

func nextAccount(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, atomic.AddInt64(&accountSeq, 1))
}

func entry(account string, kind models.OperationKind, model string, cost models.Microdollars, at time.Time) models.LedgerEntry {
	return models.LedgerEntry{
		AccountID:    account,
		Kind:         kind,
		Model:        model,
		InputTokens:  1000,
		OutputTokens: 500,
		Cost:         cost,
		Cached:       kind.Cached(),
		Timestamp:    at,
	}
}

// Run executes the full suite. Global aggregates (by model, top spenders,
// retention) need an empty ledger, so each subtest opens its own.
func Run(t *testing.T, newLedger Factory) {
	open := func(t *testing.T) ledger.Ledger {
		l := newLedger(t)
		t.Cleanup(func() { _ = l.Close() })
		return l
	}

	t.Run("AppendRejectsInvalidEntries", func(t *testing.T) {
		testInvalid(t, open(t))
	})
	t.Run("SumCostUsesHalfOpenRange", func(t *testing.T) {
		testSumRange(t, open(t))
	})
	t.Run("AggregateByKind", func(t *testing.T) {
		testByKind(t, open(t))
	})
	t.Run("AggregateByModel", func(t *testing.T) {
		testByModel(t, open(t))
	})
	t.Run("TopSpenders", func(t *testing.T) {
		testTopSpenders(t, open(t))
	})
	t.Run("DeleteOlderThan", func(t *testing.T) {
		testDelete(t, open(t))
	})
	t.Run("ConcurrentAppendsAreAllRecorded", func(t *testing.T) {
		testConcurrentAppends(t, open(t))
	})
	t.Run("SumEqualsAppendedCosts", func(t *testing.T) {
		testSumProperty(t, open(t))
	})
}

func testInvalid(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	bad := []models.LedgerEntry{
		entry("", models.OpChatQuery, "m", 1, base),
		entry("a", models.OperationKind("bogus"), "m", 1, base),
		entry("a", models.OpChatQuery, "m", -1, base),
		{AccountID: "a", Kind: models.OpChatQuery, InputTokens: -1},
	}
	for _, e := range bad {
		err := l.Append(ctx, e)
		assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
	}
}

func testSumRange(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	acct := nextAccount("sum")
	other := nextAccount("sum")

	require.NoError(t, l.Append(ctx, entry(acct, models.OpSummaryGenerated, "gpt-4o-mini", 100, base.Add(-time.Second))))
	require.NoError(t, l.Append(ctx, entry(acct, models.OpSummaryGenerated, "gpt-4o-mini", 200, base)))
	require.NoError(t, l.Append(ctx, entry(acct, models.OpChatQuery, "gpt-4o-mini", 300, base.Add(time.Hour))))
	require.NoError(t, l.Append(ctx, entry(acct, models.OpChatQuery, "gpt-4o-mini", 400, base.Add(2*time.Hour))))
	require.NoError(t, l.Append(ctx, entry(other, models.OpChatQuery, "gpt-4o-mini", 999, base.Add(time.Hour))))

	total, err := l.SumCost(ctx, acct, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.Microdollars(500), total, "from is inclusive, to is exclusive")

	total, err = l.SumCost(ctx, nextAccount("nobody"), base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, total)
}

func testByKind(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	a := nextAccount("kind")
	b := nextAccount("kind")
	at := base.Add(time.Minute)

	require.NoError(t, l.Append(ctx, entry(a, models.OpSummaryGenerated, "m", 10, at)))
	require.NoError(t, l.Append(ctx, entry(a, models.OpSummaryGenerated, "m", 15, at)))
	require.NoError(t, l.Append(ctx, entry(a, models.OpSummaryCached, "m", 0, at)))
	require.NoError(t, l.Append(ctx, entry(b, models.OpChatQuery, "m", 40, at)))

	byKind, err := l.AggregateByKind(ctx, a, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, byKind, 2)
	assert.Equal(t, ledger.KindAggregate{Count: 2, TotalCost: 25}, byKind[models.OpSummaryGenerated])
	assert.Equal(t, ledger.KindAggregate{Count: 1, CachedCount: 1}, byKind[models.OpSummaryCached])

	all, err := l.AggregateByKind(ctx, "", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, int64(1), all[models.OpChatQuery].Count)
	assert.Equal(t, models.Microdollars(40), all[models.OpChatQuery].TotalCost)
}

func testByModel(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	a := nextAccount("model")
	at := base.Add(time.Minute)

	require.NoError(t, l.Append(ctx, entry(a, models.OpChatQuery, "gpt-4o-mini", 450, at)))
	require.NoError(t, l.Append(ctx, entry(a, models.OpChatQuery, "gpt-4o-mini", 450, at)))
	require.NoError(t, l.Append(ctx, entry(a, models.OpChatQuery, "gpt-4o", 5000, at)))
	require.NoError(t, l.Append(ctx, entry(a, models.OpChatQuery, "claude-3-haiku", 1, base.Add(-time.Hour))))

	out, err := l.AggregateByModel(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "gpt-4o", out[0].Model)
	assert.Equal(t, models.Microdollars(5000), out[0].TotalCost)
	assert.Equal(t, ledger.ModelAggregate{
		Model:        "gpt-4o-mini",
		Count:        2,
		InputTokens:  2000,
		OutputTokens: 1000,
		TotalCost:    900,
	}, out[1])
}

func testTopSpenders(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	at := base.Add(time.Minute)
	costs := map[string]models.Microdollars{
		"spender-a": 300,
		"spender-b": 500,
		"spender-c": 300,
		"spender-d": 100,
	}
	for acct, cost := range costs {
		require.NoError(t, l.Append(ctx, entry(acct, models.OpSummaryGenerated, "m", cost, at)))
	}
	require.NoError(t, l.Append(ctx, entry("spender-d", models.OpChatQuery, "m", 150, at)))
	require.NoError(t, l.Append(ctx, entry("spender-e", models.OpChatQuery, "m", 10000, base.Add(48*time.Hour))))

	top, err := l.TopSpenders(ctx, 3, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, top, 3)
	assert.Equal(t, ledger.Spender{AccountID: "spender-b", Operations: 1, TotalCost: 500}, top[0])
	assert.Equal(t, "spender-a", top[1].AccountID, "ties break on account id")
	assert.Equal(t, "spender-c", top[2].AccountID)

	all, err := l.TopSpenders(ctx, 0, base, base.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ledger.Spender{AccountID: "spender-d", Operations: 2, TotalCost: 250}, all[3])
}

func testDelete(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	a := nextAccount("ret")
	old := base.Add(-400 * 24 * time.Hour)
	cutoff := base.Add(-365 * 24 * time.Hour)

	require.NoError(t, l.Append(ctx, entry(a, models.OpSummaryCached, "m", 0, old)))
	require.NoError(t, l.Append(ctx, entry(a, models.OpSummaryGenerated, "m", 10000, old)))
	require.NoError(t, l.Append(ctx, entry(a, models.OpSummaryGenerated, "m", 10001, old)))
	require.NoError(t, l.Append(ctx, entry(a, models.OpSummaryGenerated, "m", 5, base)))

	deleted, err := l.DeleteOlderThan(ctx, cutoff, 10000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	remaining, err := l.SumCost(ctx, a, old.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.Microdollars(10006), remaining, "expensive and recent entries survive")

	deleted, err = l.DeleteOlderThan(ctx, cutoff, 10000)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func testConcurrentAppends(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	a := nextAccount("conc")
	const n = 50

	var (
		wg     sync.WaitGroup
		failed int64
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := entry(a, models.OpChatQuery, "m", models.Microdollars(i+1), base.Add(time.Duration(i)*time.Second))
			if err := l.Append(ctx, e); err != nil {
				atomic.AddInt64(&failed, 1)
			}
		}(i)
	}
	wg.Wait()
	require.Zero(t, failed)

	total, err := l.SumCost(ctx, a, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.Microdollars(n*(n+1)/2), total)
}

func testSumProperty(t *testing.T, l ledger.Ledger) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("sum over a window equals the appended costs", prop.ForAll(
		func(costs []int64) bool {
			ctx := context.Background()
			a := nextAccount("prop")
			var want models.Microdollars
			for i, c := range costs {
				e := entry(a, models.OpSummaryGenerated, "m", models.Microdollars(c), base.Add(time.Duration(i)*time.Minute))
				if err := l.Append(ctx, e); err != nil {
					return false
				}
				want += models.Microdollars(c)
			}
			got, err := l.SumCost(ctx, a, base, base.Add(24*time.Hour))
			return err == nil && got == want
		},
		gen.SliceOf(gen.Int64Range(0, 5_000_000)),
	))

	properties.TestingRun(t)
}
