// Package storage opens the backends selected in configuration and builds
// the metering engine on top of them. It is the only place that branches
// on METER_USAGE_STORE, METER_LEDGER and METER_PLAN_SOURCE.
package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/entitlement"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/plans"
	"github.com/crosslogic/usage-meter/internal/pricing"
	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/cache"
	"github.com/crosslogic/usage-meter/pkg/database"
	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// Backends holds every opened backend. DB and Cache are nil when nothing
// selected needs them.
type Backends struct {
	Usage  usage.Store
	Ledger ledger.Ledger
	Plans  plans.Source

	DB    *database.Database
	Cache *cache.Cache

	logger *zap.Logger
}

// Open connects the configured backends, running migrations when postgres
// is in use. On error everything opened so far is closed.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Backends, err error) {
	b := &Backends{logger: logger}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	m := cfg.Metering
	if m.UsageStore == "postgres" || m.Ledger == "postgres" || m.PlanSource == "postgres" {
		if b.DB, err = database.NewDatabase(cfg.Database); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err = database.Migrate(ctx, b.DB.Pool); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("connected to database", zap.String("host", cfg.Database.Host))
	}

	if cfg.Redis.Host != "" {
		if b.Cache, err = cache.NewCache(cfg.Redis); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("connected to redis", zap.String("host", cfg.Redis.Host))
	}

	if b.Usage, err = b.openUsage(cfg); err != nil {
		return nil, err
	}
	if b.Ledger, err = b.openLedger(cfg); err != nil {
		return nil, err
	}
	if b.Plans, err = b.openPlans(cfg); err != nil {
		return nil, err
	}

	logger.Info("storage backends ready",
		zap.String("usage_store", m.UsageStore),
		zap.String("ledger", m.Ledger),
		zap.String("plan_source", m.PlanSource),
		zap.Bool("stripe_overlay", cfg.Stripe.SecretKey != ""),
	)
	return b, nil
}

func (b *Backends) openUsage(cfg *config.Config) (usage.Store, error) {
	switch cfg.Metering.UsageStore {
	case "postgres":
		return usage.NewPostgresStore(b.DB.Pool, b.logger), nil
	case "redis":
		if b.Cache == nil {
			return nil, errors.New("redis usage store requires REDIS_HOST")
		}
		return usage.NewRedisStore(b.Cache.Client, b.logger), nil
	case "supabase":
		client, err := usage.NewSupabaseClient(cfg.Supabase.URL, cfg.Supabase.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to create supabase client: %w", err)
		}
		return usage.NewSupabaseStore(client, cfg.Supabase.Table, cfg.Supabase.MaxRetries, b.logger), nil
	case "memory":
		s, ok := usage.DevStore()
		if !ok {
			return nil, errors.New("memory usage store is not compiled into production builds")
		}
		b.logger.Warn("using in-memory usage store; counters are lost on restart")
		return s, nil
	}
	return nil, fmt.Errorf("unknown usage store %q", cfg.Metering.UsageStore)
}

func (b *Backends) openLedger(cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Metering.Ledger {
	case "postgres":
		return ledger.NewPostgresLedger(b.DB.Pool, b.logger), nil
	case "sqlite":
		l, err := ledger.OpenSQLite(cfg.Metering.SQLitePath, b.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite ledger: %w", err)
		}
		return l, nil
	case "memory":
		l, ok := ledger.DevLedger()
		if !ok {
			return nil, errors.New("memory ledger is not compiled into production builds")
		}
		b.logger.Warn("using in-memory cost ledger; entries are lost on restart")
		return l, nil
	}
	return nil, fmt.Errorf("unknown ledger %q", cfg.Metering.Ledger)
}

type planStore interface {
	plans.Source
	plans.SubscriptionIDs
}

func (b *Backends) openPlans(cfg *config.Config) (plans.Source, error) {
	var base planStore
	switch cfg.Metering.PlanSource {
	case "postgres":
		base = plans.NewPostgresSource(b.DB.Pool)
	case "static":
		base = plans.NewStaticSource(true)
	default:
		return nil, fmt.Errorf("unknown plan source %q", cfg.Metering.PlanSource)
	}

	if cfg.Stripe.SecretKey == "" {
		return base, nil
	}
	backend := plans.NewStripeBackend(cfg.Stripe.APIURL)
	return plans.NewStripeSource(base, base, backend, cfg.Stripe.SecretKey, b.Cache, b.logger), nil
}

// Health pings the network backends in use.
func (b *Backends) Health(ctx context.Context) error {
	if b.DB != nil {
		if err := b.DB.Health(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if b.Cache != nil {
		if err := b.Cache.Health(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases every backend. The stores go first since some share the
// database pool or redis client.
func (b *Backends) Close() error {
	var errs []error
	if b.Usage != nil {
		errs = append(errs, b.Usage.Close())
	}
	if b.Ledger != nil {
		errs = append(errs, b.Ledger.Close())
	}
	if b.Cache != nil {
		errs = append(errs, b.Cache.Close())
	}
	if b.DB != nil {
		b.DB.Close()
	}
	return errors.Join(errs...)
}

// Policy builds the entitlement policy from configuration.
func Policy(cfg config.MeteringConfig) (*entitlement.Policy, error) {
	trial, err := entitlement.ParseTrialPolicy(cfg.TrialPolicy)
	if err != nil {
		return nil, err
	}
	limits := entitlement.DefaultLimits()
	limits[models.PlanFree] = entitlement.PlanLimits{
		DailySummaryCap: int64(cfg.FreeDailySummaries),
		CycleChatCap:    int64(cfg.FreeCycleChats),
	}
	return entitlement.NewPolicy(limits, trial), nil
}

// CeilingGuard builds the cost ceiling from configuration.
func CeilingGuard(cfg config.MeteringConfig) entitlement.CeilingGuard {
	return entitlement.CeilingGuard{
		Max:          models.FromUSD(cfg.MaxMonthlyCostUSD),
		WarningRatio: cfg.WarningRatio,
	}
}

// Calculator loads the pricing table from configuration.
func Calculator(cfg config.MeteringConfig) (*pricing.Calculator, error) {
	table, err := pricing.Load(cfg.PricingFile, cfg.DefaultModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing: %w", err)
	}
	return pricing.NewCalculator(table)
}

// NewEngine builds the metering engine over b. publisher may be nil.
func NewEngine(cfg *config.Config, b *Backends, publisher events.Publisher, logger *zap.Logger) (*metering.Engine, error) {
	calc, err := Calculator(cfg.Metering)
	if err != nil {
		return nil, err
	}
	policy, err := Policy(cfg.Metering)
	if err != nil {
		return nil, err
	}
	opts := []metering.Option{metering.WithPlans(b.Plans)}
	if publisher != nil {
		opts = append(opts, metering.WithPublisher(publisher))
	}
	return metering.NewEngine(b.Usage, b.Ledger, calc, policy, CeilingGuard(cfg.Metering), logger, opts...), nil
}
