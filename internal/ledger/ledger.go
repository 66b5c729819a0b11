// Package ledger records the immutable cost of every metered operation and
// answers the aggregate queries used for reconciliation and analytics.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crosslogic/usage-meter/pkg/models"
)

// DefaultTopSpenders is used when TopSpenders is called with limit <= 0.
const DefaultTopSpenders = 10

// ErrInvalidEntry is returned by Append for entries that fail validation.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Ledger is an append-only cost log. Time ranges are half-open [from, to).
type Ledger interface {
	Append(ctx context.Context, entry models.LedgerEntry) error

	SumCost(ctx context.Context, accountID string, from, to time.Time) (models.Microdollars, error)

	// AggregateByKind groups one account's entries, or every account's when
	// accountID is empty.
	AggregateByKind(ctx context.Context, accountID string, from, to time.Time) (map[models.OperationKind]KindAggregate, error)

	// AggregateByModel is ordered by total cost, highest first.
	AggregateByModel(ctx context.Context, from, to time.Time) ([]ModelAggregate, error)

	// TopSpenders is ordered by total cost descending, then account id.
	TopSpenders(ctx context.Context, limit int, from, to time.Time) ([]Spender, error)

	// DeleteOlderThan removes entries with timestamp < cutoff and
	// cost <= maxCost and returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, maxCost models.Microdollars) (int64, error)

	Close() error
}

// KindAggregate summarises entries of one operation kind.
type KindAggregate struct {
	Count       int64               `json:"count"`
	CachedCount int64               `json:"cached_count"`
	TotalCost   models.Microdollars `json:"total_cost_micros"`
}

// ModelAggregate summarises entries of one model.
type ModelAggregate struct {
	Model        string              `json:"model"`
	Count        int64               `json:"count"`
	InputTokens  int64               `json:"input_tokens"`
	OutputTokens int64               `json:"output_tokens"`
	TotalCost    models.Microdollars `json:"total_cost_micros"`
}

// Spender is one account's total over a window.
type Spender struct {
	AccountID  string              `json:"account_id"`
	Operations int64               `json:"operations"`
	TotalCost  models.Microdollars `json:"total_cost_micros"`
}

// Prepare validates entry and fills in a missing ID and Timestamp.
// Every backend calls it from Append.
func Prepare(entry models.LedgerEntry) (models.LedgerEntry, error) {
	switch {
	case entry.AccountID == "":
		return entry, fmt.Errorf("%w: account id is required", ErrInvalidEntry)
	case !entry.Kind.Valid():
		return entry, fmt.Errorf("%w: unknown operation kind %q", ErrInvalidEntry, entry.Kind)
	case entry.Cost < 0:
		return entry, fmt.Errorf("%w: negative cost", ErrInvalidEntry)
	case entry.InputTokens < 0 || entry.OutputTokens < 0:
		return entry, fmt.Errorf("%w: negative token count", ErrInvalidEntry)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	return entry, nil
}

var devLedger func() Ledger

// DevLedger returns a process-local ledger for development and tests. It is
// unavailable in binaries built with the production tag.
func DevLedger() (Ledger, bool) {
	if devLedger == nil {
		return nil, false
	}
	return devLedger(), true
}
