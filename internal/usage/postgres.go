package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/database"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// PostgresStore is the durable production store. Every mutation is a single
// statement, so concurrent requests for the same account never lose updates.
type PostgresStore struct {
	db     database.Querier
	logger *zap.Logger
}

// NewPostgresStore creates a store on the usage_counters table.
func NewPostgresStore(db database.Querier, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

const selectCounters = `
	SELECT account_id, summaries_today, chat_queries_today, last_daily_reset,
	       summaries_this_month, chat_queries_this_month, cost_this_month_micros, last_monthly_reset,
	       chat_queries_this_cycle, cycle_renewal_at, created_at, updated_at, version
	FROM usage_counters
	WHERE account_id = $1
`

func (s *PostgresStore) Load(ctx context.Context, accountID string, now time.Time) (*models.UsageCounters, error) {
	if err := s.ensure(ctx, accountID, now); err != nil {
		return nil, err
	}

	var (
		c        models.UsageCounters
		renewal  *time.Time
		costThis int64
	)
	err := s.db.QueryRow(ctx, selectCounters, accountID).Scan(
		&c.AccountID, &c.SummariesToday, &c.ChatQueriesToday, &c.LastDailyReset,
		&c.SummariesThisMonth, &c.ChatQueriesThisMonth, &costThis, &c.LastMonthlyReset,
		&c.ChatQueriesThisCycle, &renewal, &c.CreatedAt, &c.UpdatedAt, &c.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("load usage counters: %w", err)
	}
	c.CostThisMonth = models.Microdollars(costThis)
	if renewal != nil {
		c.CycleRenewalAt = renewal.UTC()
	}
	c.LastDailyReset = c.LastDailyReset.UTC()
	c.LastMonthlyReset = c.LastMonthlyReset.UTC()
	return &c, nil
}

// ensure inserts a zeroed row if the account has none.
func (s *PostgresStore) ensure(ctx context.Context, accountID string, now time.Time) error {
	now = now.UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO usage_counters (
			account_id, last_daily_reset, daily_index, last_monthly_reset, monthly_index,
			created_at, updated_at
		) VALUES ($1, $2, $3, $2, $4, $2, $2)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, now, DayIndex(now), MonthIndex(now))
	if err != nil {
		return fmt.Errorf("create usage counters: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyDailyResetIfDue(ctx context.Context, accountID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE usage_counters
		SET summaries_today = 0, chat_queries_today = 0,
		    last_daily_reset = $2, daily_index = $3,
		    updated_at = NOW(), version = version + 1
		WHERE account_id = $1 AND daily_index < $3
	`, accountID, now.UTC(), DayIndex(now))
	if err != nil {
		return false, fmt.Errorf("daily reset: %w", err)
	}
	return s.affected(tag, "daily", accountID), nil
}

func (s *PostgresStore) ApplyMonthlyResetIfDue(ctx context.Context, accountID string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE usage_counters
		SET summaries_this_month = 0, chat_queries_this_month = 0, cost_this_month_micros = 0,
		    last_monthly_reset = $2, monthly_index = $3,
		    updated_at = NOW(), version = version + 1
		WHERE account_id = $1 AND monthly_index < $3
	`, accountID, now.UTC(), MonthIndex(now))
	if err != nil {
		return false, fmt.Errorf("monthly reset: %w", err)
	}
	return s.affected(tag, "monthly", accountID), nil
}

func (s *PostgresStore) ApplyCycleResetIfDue(ctx context.Context, accountID string, now, accountCreatedAt time.Time) (bool, error) {
	// seed: only fills a NULL renewal, so it is safe to race
	_, err := s.db.Exec(ctx, `
		UPDATE usage_counters
		SET cycle_renewal_at = COALESCE($2::timestamptz, created_at + INTERVAL '720 hours'),
		    updated_at = NOW(), version = version + 1
		WHERE account_id = $1 AND cycle_renewal_at IS NULL
	`, accountID, cycleSeedOrNil(accountCreatedAt))
	if err != nil {
		return false, fmt.Errorf("seed cycle renewal: %w", err)
	}

	now = now.UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE usage_counters
		SET chat_queries_this_cycle = 0, cycle_renewal_at = $3,
		    updated_at = NOW(), version = version + 1
		WHERE account_id = $1 AND cycle_renewal_at <= $2
	`, accountID, now, now.Add(CycleLength))
	if err != nil {
		return false, fmt.Errorf("cycle reset: %w", err)
	}
	return s.affected(tag, "cycle", accountID), nil
}

func (s *PostgresStore) IncrementSummary(ctx context.Context, accountID string, now time.Time, costDelta models.Microdollars) error {
	return s.increment(ctx, accountID, now, `
		UPDATE usage_counters
		SET summaries_today = summaries_today + 1,
		    summaries_this_month = summaries_this_month + 1,
		    cost_this_month_micros = cost_this_month_micros + $2,
		    updated_at = NOW(), version = version + 1
		WHERE account_id = $1
	`, costDelta)
}

func (s *PostgresStore) IncrementChat(ctx context.Context, accountID string, now time.Time, costDelta models.Microdollars) error {
	return s.increment(ctx, accountID, now, `
		UPDATE usage_counters
		SET chat_queries_today = chat_queries_today + 1,
		    chat_queries_this_month = chat_queries_this_month + 1,
		    chat_queries_this_cycle = chat_queries_this_cycle + 1,
		    cost_this_month_micros = cost_this_month_micros + $2,
		    updated_at = NOW(), version = version + 1
		WHERE account_id = $1
	`, costDelta)
}

func (s *PostgresStore) increment(ctx context.Context, accountID string, now time.Time, query string, costDelta models.Microdollars) error {
	cost := int64(nonNegative(costDelta))
	tag, err := s.db.Exec(ctx, query, accountID, cost)
	if err != nil {
		return fmt.Errorf("increment usage counters: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// no row yet: create it and retry once
	if err := s.ensure(ctx, accountID, now); err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, query, accountID, cost); err != nil {
		return fmt.Errorf("increment usage counters: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return nil
}

func (s *PostgresStore) affected(tag pgconn.CommandTag, cycle, accountID string) bool {
	if tag.RowsAffected() == 0 {
		return false
	}
	s.logger.Debug("usage counters reset",
		zap.String("account_id", accountID),
		zap.String("cycle", cycle),
	)
	return true
}

func cycleSeedOrNil(accountCreatedAt time.Time) *time.Time {
	if accountCreatedAt.IsZero() {
		return nil
	}
	seed := CycleSeed(accountCreatedAt)
	return &seed
}
