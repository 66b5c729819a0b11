package plans

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/subscription"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/models"
)

const stripeCacheTTL = 5 * time.Minute

// NewStripeBackend returns an API backend. An empty apiURL uses Stripe's
// public endpoint.
func NewStripeBackend(apiURL string) stripe.Backend {
	cfg := &stripe.BackendConfig{
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
		MaxNetworkRetries: stripe.Int64(1),
	}
	if apiURL != "" {
		cfg.URL = stripe.String(apiURL)
	}
	return stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
}

// subscriptionOverlay is the slice of a Stripe subscription that feeds
// PlanState. It is what gets cached.
type subscriptionOverlay struct {
	Status           stripe.SubscriptionStatus `json:"status"`
	CurrentPeriodEnd int64                     `json:"current_period_end"`
	TrialEnd         int64                     `json:"trial_end"`
}

// StripeSource overlays live subscription state from Stripe on top of a
// base source. Stripe failures degrade to the base plan and are logged.
type StripeSource struct {
	base   Source
	ids    SubscriptionIDs
	client subscription.Client
	cache  *cache.Cache
	logger *zap.Logger
}

// NewStripeSource wraps base. c may be nil to disable caching.
func NewStripeSource(base Source, ids SubscriptionIDs, backend stripe.Backend, secretKey string, c *cache.Cache, logger *zap.Logger) *StripeSource {
	return &StripeSource{
		base:   base,
		ids:    ids,
		client: subscription.Client{B: backend, Key: secretKey},
		cache:  c,
		logger: logger,
	}
}

func (s *StripeSource) PlanState(ctx context.Context, accountID string) (models.PlanState, error) {
	plan, err := s.base.PlanState(ctx, accountID)
	if err != nil {
		return plan, err
	}

	subID, err := s.ids.StripeSubscriptionID(ctx, accountID)
	if err != nil {
		s.logger.Warn("failed to resolve stripe subscription id",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return plan, nil
	}
	if subID == "" {
		return plan, nil
	}

	overlay, err := s.overlay(ctx, subID)
	if err != nil {
		s.logger.Warn("stripe subscription lookup failed, using stored plan",
			zap.String("account_id", accountID),
			zap.String("subscription_id", subID),
			zap.Error(err),
		)
		return plan, nil
	}
	return applyOverlay(plan, overlay), nil
}

func (s *StripeSource) overlay(ctx context.Context, subID string) (subscriptionOverlay, error) {
	key := "plans:stripe:" + subID
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		if err == nil {
			var o subscriptionOverlay
			if json.Unmarshal([]byte(raw), &o) == nil {
				return o, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Debug("stripe plan cache read failed", zap.Error(err))
		}
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.client.Get(subID, params)
	if err != nil {
		return subscriptionOverlay{}, fmt.Errorf("get subscription: %w", err)
	}
	o := subscriptionOverlay{
		Status:           sub.Status,
		CurrentPeriodEnd: sub.CurrentPeriodEnd,
		TrialEnd:         sub.TrialEnd,
	}

	if s.cache != nil {
		if raw, err := json.Marshal(o); err == nil {
			if err := s.cache.Set(ctx, key, raw, stripeCacheTTL); err != nil {
				s.logger.Debug("stripe plan cache write failed", zap.Error(err))
			}
		}
	}
	return o, nil
}

// applyOverlay maps Stripe status onto plan. A trialing subscription is
// not paid: it surfaces through TrialEndsAt so the trial policy decides.
// Past-due and unpaid subscriptions stop counting as active while Stripe
// retries payment.
func applyOverlay(plan models.PlanState, o subscriptionOverlay) models.PlanState {
	switch o.Status {
	case stripe.SubscriptionStatusActive:
		plan.SubscriptionActive = true
		plan.PlanType = models.PlanMonthly
	case stripe.SubscriptionStatusTrialing:
		plan.SubscriptionActive = false
		plan.PlanType = models.PlanMonthly
	default:
		plan.SubscriptionActive = false
	}

	if o.CurrentPeriodEnd > 0 {
		end := time.Unix(o.CurrentPeriodEnd, 0).UTC()
		plan.CurrentPeriodEnd = &end
	}
	if o.TrialEnd > 0 {
		end := time.Unix(o.TrialEnd, 0).UTC()
		plan.TrialEndsAt = &end
	}
	return plan
}
