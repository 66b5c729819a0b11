package plans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crosslogic/usage-meter/pkg/database"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// PostgresSource reads plans from the accounts table.
type PostgresSource struct {
	db database.Querier
}

// NewPostgresSource creates a source on db.
func NewPostgresSource(db database.Querier) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) PlanState(ctx context.Context, accountID string) (models.PlanState, error) {
	var (
		plan      models.PlanState
		planType  string
		periodEnd *time.Time
		trialEnd  *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, plan_type, is_admin, subscription_active,
		       current_period_end, trial_ends_at, created_at
		FROM accounts
		WHERE id = $1
	`, accountID).Scan(
		&plan.AccountID,
		&planType,
		&plan.IsAdmin,
		&plan.SubscriptionActive,
		&periodEnd,
		&trialEnd,
		&plan.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PlanState{}, models.ErrAccountNotFound
	}
	if err != nil {
		return models.PlanState{}, fmt.Errorf("failed to load account plan: %w", err)
	}

	plan.PlanType = models.PlanType(planType)
	plan.CreatedAt = plan.CreatedAt.UTC()
	plan.CurrentPeriodEnd = utcPtr(periodEnd)
	plan.TrialEndsAt = utcPtr(trialEnd)
	return plan, nil
}

func (s *PostgresSource) StripeSubscriptionID(ctx context.Context, accountID string) (string, error) {
	var id *string
	err := s.db.QueryRow(ctx, `SELECT stripe_subscription_id FROM accounts WHERE id = $1`, accountID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load subscription id: %w", err)
	}
	if id == nil {
		return "", nil
	}
	return *id, nil
}

// UpsertAccount writes an account row. Used by seeding and tests.
func (s *PostgresSource) UpsertAccount(ctx context.Context, plan models.PlanState, stripeSubscriptionID string) error {
	var subID *string
	if stripeSubscriptionID != "" {
		subID = &stripeSubscriptionID
	}
	created := plan.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO accounts (
			id, plan_type, is_admin, subscription_active,
			current_period_end, trial_ends_at, stripe_subscription_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			plan_type = EXCLUDED.plan_type,
			is_admin = EXCLUDED.is_admin,
			subscription_active = EXCLUDED.subscription_active,
			current_period_end = EXCLUDED.current_period_end,
			trial_ends_at = EXCLUDED.trial_ends_at,
			stripe_subscription_id = EXCLUDED.stripe_subscription_id
	`,
		plan.AccountID,
		string(plan.PlanType),
		plan.IsAdmin,
		plan.SubscriptionActive,
		plan.CurrentPeriodEnd,
		plan.TrialEndsAt,
		subID,
		created,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
