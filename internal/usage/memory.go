//go:build !production

package usage

import (
	"context"
	"sync"
	"time"

	"github.com/crosslogic/usage-meter/pkg/models"
)

func init() {
	devStore = func() Store { return NewMemoryStore() }
}

// MemoryStore keeps counters in process memory. It has no persistence and
// exists for local development and tests only.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*models.UsageCounters
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*models.UsageCounters)}
}

// getLocked returns the stored counters, creating them at now. Caller holds mu.
func (s *MemoryStore) getLocked(accountID string, now time.Time) *models.UsageCounters {
	c, ok := s.counters[accountID]
	if !ok {
		c = models.NewUsageCounters(accountID, now)
		s.counters[accountID] = c
	}
	return c
}

func (s *MemoryStore) Load(_ context.Context, accountID string, now time.Time) (*models.UsageCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := *s.getLocked(accountID, now)
	return &snapshot, nil
}

func (s *MemoryStore) ApplyDailyResetIfDue(_ context.Context, accountID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getLocked(accountID, now)
	if !applyDailyReset(c, now) {
		return false, nil
	}
	s.touch(c)
	return true, nil
}

func (s *MemoryStore) ApplyMonthlyResetIfDue(_ context.Context, accountID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getLocked(accountID, now)
	if !applyMonthlyReset(c, now) {
		return false, nil
	}
	s.touch(c)
	return true, nil
}

func (s *MemoryStore) ApplyCycleResetIfDue(_ context.Context, accountID string, now, accountCreatedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getLocked(accountID, now)
	changed, reset := applyCycleReset(c, now, accountCreatedAt)
	if changed {
		s.touch(c)
	}
	return reset, nil
}

func (s *MemoryStore) IncrementSummary(_ context.Context, accountID string, now time.Time, costDelta models.Microdollars) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getLocked(accountID, now)
	applySummary(c, costDelta)
	s.touch(c)
	return nil
}

func (s *MemoryStore) IncrementChat(_ context.Context, accountID string, now time.Time, costDelta models.Microdollars) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.getLocked(accountID, now)
	applyChat(c, costDelta)
	s.touch(c)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) touch(c *models.UsageCounters) {
	c.UpdatedAt = time.Now().UTC()
	c.Version++
}
