package database

import (
	"context"
	"fmt"
)

// schema is idempotent; Migrate runs it on every start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS usage_counters (
		account_id               TEXT PRIMARY KEY,
		summaries_today          BIGINT NOT NULL DEFAULT 0 CHECK (summaries_today >= 0),
		chat_queries_today       BIGINT NOT NULL DEFAULT 0 CHECK (chat_queries_today >= 0),
		last_daily_reset         TIMESTAMPTZ NOT NULL,
		daily_index              BIGINT NOT NULL,
		summaries_this_month     BIGINT NOT NULL DEFAULT 0 CHECK (summaries_this_month >= 0),
		chat_queries_this_month  BIGINT NOT NULL DEFAULT 0 CHECK (chat_queries_this_month >= 0),
		cost_this_month_micros   BIGINT NOT NULL DEFAULT 0 CHECK (cost_this_month_micros >= 0),
		last_monthly_reset       TIMESTAMPTZ NOT NULL,
		monthly_index            BIGINT NOT NULL,
		chat_queries_this_cycle  BIGINT NOT NULL DEFAULT 0 CHECK (chat_queries_this_cycle >= 0),
		cycle_renewal_at         TIMESTAMPTZ,
		created_at               TIMESTAMPTZ NOT NULL,
		updated_at               TIMESTAMPTZ NOT NULL,
		version                  BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS cost_ledger (
		id             UUID PRIMARY KEY,
		account_id     TEXT NOT NULL,
		operation_kind TEXT NOT NULL,
		model          TEXT NOT NULL,
		input_tokens   BIGINT NOT NULL CHECK (input_tokens >= 0),
		output_tokens  BIGINT NOT NULL CHECK (output_tokens >= 0),
		cost_micros    BIGINT NOT NULL CHECK (cost_micros >= 0),
		cached         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_ledger_account_time ON cost_ledger (account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_ledger_time ON cost_ledger (created_at)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id                     TEXT PRIMARY KEY,
		plan_type              TEXT NOT NULL DEFAULT 'free',
		is_admin               BOOLEAN NOT NULL DEFAULT FALSE,
		subscription_active    BOOLEAN NOT NULL DEFAULT FALSE,
		current_period_end     TIMESTAMPTZ,
		trial_ends_at          TIMESTAMPTZ,
		stripe_subscription_id TEXT,
		created_at             TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the metering tables if they do not exist.
func Migrate(ctx context.Context, q Querier) error {
	for i, stmt := range schema {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
