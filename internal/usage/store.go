// Package usage owns the per-account usage counters and their reset rules.
//
// Every backend implements Store with the same semantics: counters are
// created on first read, increments are atomic at the storage layer, and
// resets are conditional on the stored boundary so a due reset is applied
// exactly once no matter how many requests race across the boundary.
package usage

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/usage-meter/pkg/models"
)

// ErrConflict is returned when an optimistic update kept losing to
// concurrent writers.
var ErrConflict = errors.New("usage counters: concurrent update conflict")

// Store is the usage counter capability shared by every backend.
type Store interface {
	// Load returns the counters for accountID, creating zeroed counters with
	// reset boundaries at now if none exist.
	Load(ctx context.Context, accountID string, now time.Time) (*models.UsageCounters, error)

	ApplyDailyResetIfDue(ctx context.Context, accountID string, now time.Time) (bool, error)
	ApplyMonthlyResetIfDue(ctx context.Context, accountID string, now time.Time) (bool, error)

	// ApplyCycleResetIfDue seeds an unset renewal to accountCreatedAt plus
	// one cycle before comparing. A zero accountCreatedAt falls back to the
	// counters' own creation time.
	ApplyCycleResetIfDue(ctx context.Context, accountID string, now, accountCreatedAt time.Time) (bool, error)

	// Increments never apply resets. A missing row is created with its
	// boundaries at now, the same as Load.
	IncrementSummary(ctx context.Context, accountID string, now time.Time, costDelta models.Microdollars) error
	IncrementChat(ctx context.Context, accountID string, now time.Time, costDelta models.Microdollars) error

	Close() error
}

var devStore func() Store

// DevStore returns a process-local store for development and tests. It is
// unavailable in binaries built with the production tag.
func DevStore() (Store, bool) {
	if devStore == nil {
		return nil, false
	}
	return devStore(), true
}
