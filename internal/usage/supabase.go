package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/models"
)

// DefaultSupabaseRetries bounds optimistic update attempts per operation.
const DefaultSupabaseRetries = 10

// supabaseRow mirrors the usage_counters table exposed through PostgREST.
type supabaseRow struct {
	AccountID            string     `json:"account_id"`
	SummariesToday       int64      `json:"summaries_today"`
	ChatQueriesToday     int64      `json:"chat_queries_today"`
	LastDailyReset       time.Time  `json:"last_daily_reset"`
	SummariesThisMonth   int64      `json:"summaries_this_month"`
	ChatQueriesThisMonth int64      `json:"chat_queries_this_month"`
	CostThisMonth        int64      `json:"cost_this_month_micros"`
	LastMonthlyReset     time.Time  `json:"last_monthly_reset"`
	ChatQueriesThisCycle int64      `json:"chat_queries_this_cycle"`
	CycleRenewalAt       *time.Time `json:"cycle_renewal_at"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	Version              int64      `json:"version"`
}

func rowFromCounters(c *models.UsageCounters) supabaseRow {
	r := supabaseRow{
		AccountID:            c.AccountID,
		SummariesToday:       c.SummariesToday,
		ChatQueriesToday:     c.ChatQueriesToday,
		LastDailyReset:       c.LastDailyReset.UTC(),
		SummariesThisMonth:   c.SummariesThisMonth,
		ChatQueriesThisMonth: c.ChatQueriesThisMonth,
		CostThisMonth:        int64(c.CostThisMonth),
		LastMonthlyReset:     c.LastMonthlyReset.UTC(),
		ChatQueriesThisCycle: c.ChatQueriesThisCycle,
		CreatedAt:            c.CreatedAt.UTC(),
		UpdatedAt:            c.UpdatedAt.UTC(),
		Version:              c.Version,
	}
	if !c.CycleRenewalAt.IsZero() {
		t := c.CycleRenewalAt.UTC()
		r.CycleRenewalAt = &t
	}
	return r
}

func (r supabaseRow) counters() *models.UsageCounters {
	c := &models.UsageCounters{
		AccountID:            r.AccountID,
		SummariesToday:       r.SummariesToday,
		ChatQueriesToday:     r.ChatQueriesToday,
		LastDailyReset:       r.LastDailyReset.UTC(),
		SummariesThisMonth:   r.SummariesThisMonth,
		ChatQueriesThisMonth: r.ChatQueriesThisMonth,
		CostThisMonth:        models.Microdollars(r.CostThisMonth),
		LastMonthlyReset:     r.LastMonthlyReset.UTC(),
		ChatQueriesThisCycle: r.ChatQueriesThisCycle,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
		Version:              r.Version,
	}
	if r.CycleRenewalAt != nil {
		c.CycleRenewalAt = r.CycleRenewalAt.UTC()
	}
	return c
}

// SupabaseStore keeps counters in a Supabase table. PostgREST has no atomic
// increment, so every mutation is a compare-and-set on the row version:
// PATCH ... ?account_id=eq.X&version=eq.N returns no rows when another
// writer got there first, and the mutation is recomputed from a fresh read.
type SupabaseStore struct {
	client     *supabase.Client
	table      string
	maxRetries int
	logger     *zap.Logger
}

// NewSupabaseStore creates a store on table. maxRetries <= 0 uses the default.
func NewSupabaseStore(client *supabase.Client, table string, maxRetries int, logger *zap.Logger) *SupabaseStore {
	if table == "" {
		table = "usage_counters"
	}
	if maxRetries <= 0 {
		maxRetries = DefaultSupabaseRetries
	}
	return &SupabaseStore{client: client, table: table, maxRetries: maxRetries, logger: logger}
}

// NewSupabaseClient opens a client for url with the service key.
func NewSupabaseClient(url, key string) (*supabase.Client, error) {
	client, err := supabase.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return client, nil
}

func (s *SupabaseStore) Load(ctx context.Context, accountID string, now time.Time) (*models.UsageCounters, error) {
	return s.fetch(ctx, accountID, now)
}

func (s *SupabaseStore) fetch(ctx context.Context, accountID string, now time.Time) (*models.UsageCounters, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, found, err := s.selectRow(accountID)
	if err != nil {
		return nil, err
	}
	if found {
		return c, nil
	}

	fresh := models.NewUsageCounters(accountID, now)
	body, _, err := s.client.From(s.table).
		Insert(rowFromCounters(fresh), false, "", "representation", "").
		Execute()
	if err != nil {
		// a concurrent request may have created it first
		if c, found, selErr := s.selectRow(accountID); selErr == nil && found {
			return c, nil
		}
		return nil, fmt.Errorf("create usage counters: %w", err)
	}

	var rows []supabaseRow
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) == 0 {
		return fresh, nil
	}
	return rows[0].counters(), nil
}

func (s *SupabaseStore) selectRow(accountID string) (*models.UsageCounters, bool, error) {
	body, _, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("account_id", accountID).
		Execute()
	if err != nil {
		return nil, false, fmt.Errorf("load usage counters: %w", err)
	}

	var rows []supabaseRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, false, fmt.Errorf("decode usage counters: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0].counters(), true, nil
}

// mutate applies fn to a fresh copy of the row and writes it back only if
// the version is unchanged. fn returns false when nothing needs writing.
func (s *SupabaseStore) mutate(ctx context.Context, accountID string, now time.Time, fn func(c *models.UsageCounters) bool) (bool, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		c, err := s.fetch(ctx, accountID, now)
		if err != nil {
			return false, err
		}

		expected := c.Version
		if !fn(c) {
			return false, nil
		}
		c.Version = expected + 1
		c.UpdatedAt = time.Now().UTC()

		body, _, err := s.client.From(s.table).
			Update(rowFromCounters(c), "representation", "").
			Eq("account_id", accountID).
			Eq("version", strconv.FormatInt(expected, 10)).
			Execute()
		if err != nil {
			return false, fmt.Errorf("update usage counters: %w", err)
		}

		var rows []supabaseRow
		if err := json.Unmarshal(body, &rows); err != nil {
			return false, fmt.Errorf("decode usage counters: %w", err)
		}
		if len(rows) > 0 {
			return true, nil
		}

		s.logger.Debug("usage counters version conflict, retrying",
			zap.String("account_id", accountID),
			zap.Int("attempt", attempt+1),
		)
		if err := sleepCtx(ctx, conflictBackoff(attempt)); err != nil {
			return false, err
		}
	}
	return false, fmt.Errorf("%w after %d attempts", ErrConflict, s.maxRetries)
}

func (s *SupabaseStore) ApplyDailyResetIfDue(ctx context.Context, accountID string, now time.Time) (bool, error) {
	return s.mutate(ctx, accountID, now, func(c *models.UsageCounters) bool {
		return applyDailyReset(c, now)
	})
}

func (s *SupabaseStore) ApplyMonthlyResetIfDue(ctx context.Context, accountID string, now time.Time) (bool, error) {
	return s.mutate(ctx, accountID, now, func(c *models.UsageCounters) bool {
		return applyMonthlyReset(c, now)
	})
}

func (s *SupabaseStore) ApplyCycleResetIfDue(ctx context.Context, accountID string, now, accountCreatedAt time.Time) (bool, error) {
	var reset bool
	_, err := s.mutate(ctx, accountID, now, func(c *models.UsageCounters) bool {
		var changed bool
		changed, reset = applyCycleReset(c, now, accountCreatedAt)
		return changed
	})
	if err != nil {
		return false, err
	}
	return reset, nil
}

func (s *SupabaseStore) IncrementSummary(ctx context.Context, accountID string, now time.Time, costDelta models.Microdollars) error {
	_, err := s.mutate(ctx, accountID, now, func(c *models.UsageCounters) bool {
		applySummary(c, costDelta)
		return true
	})
	return err
}

func (s *SupabaseStore) IncrementChat(ctx context.Context, accountID string, now time.Time, costDelta models.Microdollars) error {
	_, err := s.mutate(ctx, accountID, now, func(c *models.UsageCounters) bool {
		applyChat(c, costDelta)
		return true
	})
	return err
}

func (s *SupabaseStore) Close() error {
	return nil
}

func conflictBackoff(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	base := time.Duration(1<<uint(attempt)) * time.Millisecond
	return base/2 + time.Duration(rand.Int63n(int64(base)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
