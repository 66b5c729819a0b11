//go:build !production

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crosslogic/usage-meter/pkg/models"
)

func init() {
	devLedger = func() Ledger { return NewMemoryLedger() }
}

// MemoryLedger keeps entries in a slice. Development and tests only.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []models.LedgerEntry
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Append(_ context.Context, entry models.LedgerEntry) error {
	entry, err := Prepare(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

// each calls fn for every entry in [from, to). Caller must not hold mu.
func (l *MemoryLedger) each(from, to time.Time, fn func(e models.LedgerEntry)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		fn(e)
	}
}

func (l *MemoryLedger) SumCost(_ context.Context, accountID string, from, to time.Time) (models.Microdollars, error) {
	var total models.Microdollars
	l.each(from, to, func(e models.LedgerEntry) {
		if e.AccountID == accountID {
			total += e.Cost
		}
	})
	return total, nil
}

func (l *MemoryLedger) AggregateByKind(_ context.Context, accountID string, from, to time.Time) (map[models.OperationKind]KindAggregate, error) {
	out := make(map[models.OperationKind]KindAggregate)
	l.each(from, to, func(e models.LedgerEntry) {
		if accountID != "" && e.AccountID != accountID {
			return
		}
		agg := out[e.Kind]
		agg.Count++
		agg.TotalCost += e.Cost
		if e.Cached {
			agg.CachedCount++
		}
		out[e.Kind] = agg
	})
	return out, nil
}

func (l *MemoryLedger) AggregateByModel(_ context.Context, from, to time.Time) ([]ModelAggregate, error) {
	byModel := make(map[string]*ModelAggregate)
	l.each(from, to, func(e models.LedgerEntry) {
		agg, ok := byModel[e.Model]
		if !ok {
			agg = &ModelAggregate{Model: e.Model}
			byModel[e.Model] = agg
		}
		agg.Count++
		agg.InputTokens += e.InputTokens
		agg.OutputTokens += e.OutputTokens
		agg.TotalCost += e.Cost
	})

	out := make([]ModelAggregate, 0, len(byModel))
	for _, agg := range byModel {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCost != out[j].TotalCost {
			return out[i].TotalCost > out[j].TotalCost
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

func (l *MemoryLedger) TopSpenders(_ context.Context, limit int, from, to time.Time) ([]Spender, error) {
	byAccount := make(map[string]*Spender)
	l.each(from, to, func(e models.LedgerEntry) {
		s, ok := byAccount[e.AccountID]
		if !ok {
			s = &Spender{AccountID: e.AccountID}
			byAccount[e.AccountID] = s
		}
		s.Operations++
		s.TotalCost += e.Cost
	})

	out := make([]Spender, 0, len(byAccount))
	for _, s := range byAccount {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCost != out[j].TotalCost {
			return out[i].TotalCost > out[j].TotalCost
		}
		return out[i].AccountID < out[j].AccountID
	})
	if limit <= 0 {
		limit = DefaultTopSpenders
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) DeleteOlderThan(_ context.Context, cutoff time.Time, maxCost models.Microdollars) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	var removed int64
	for _, e := range l.entries {
		if e.Timestamp.Before(cutoff) && e.Cost <= maxCost {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
	return removed, nil
}

func (l *MemoryLedger) Close() error {
	return nil
}
