package storage

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/entitlement"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/internal/plans"
	"github.com/crosslogic/usage-meter/internal/usage"
	"github.com/crosslogic/usage-meter/pkg/models"
)

func devConfig() *config.Config {
	return &config.Config{
		Environment: "development",
		Metering: config.MeteringConfig{
			UsageStore:         "memory",
			Ledger:             "memory",
			PlanSource:         "static",
			MaxMonthlyCostUSD:  2.5,
			WarningRatio:       0.8,
			FreeDailySummaries: 3,
			FreeCycleChats:     5,
			TrialPolicy:        "unlimited",
		},
	}
}

func TestOpenMemoryBackends(t *testing.T) {
	b, err := Open(context.Background(), devConfig(), zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &usage.MemoryStore{}, b.Usage)
	assert.IsType(t, &ledger.MemoryLedger{}, b.Ledger)
	assert.IsType(t, &plans.StaticSource{}, b.Plans)
	assert.Nil(t, b.DB)
	assert.Nil(t, b.Cache)
	assert.NoError(t, b.Health(context.Background()))
}

func TestOpenRedisSQLiteWithStripeOverlay(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	cfg := devConfig()
	cfg.Redis = config.RedisConfig{Host: mr.Host(), Port: port, PoolSize: 4}
	cfg.Metering.UsageStore = "redis"
	cfg.Metering.Ledger = "sqlite"
	cfg.Metering.SQLitePath = filepath.Join(t.TempDir(), "ledger", "costs.db")
	cfg.Stripe.SecretKey = "sk_test_123"

	b, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &usage.RedisStore{}, b.Usage)
	require.IsType(t, &ledger.SQLiteLedger{}, b.Ledger)
	assert.Equal(t, cfg.Metering.SQLitePath, b.Ledger.(*ledger.SQLiteLedger).Path())
	assert.IsType(t, &plans.StripeSource{}, b.Plans)
	assert.NotNil(t, b.Cache)
	assert.NoError(t, b.Health(context.Background()))

	mr.Close()
	assert.Error(t, b.Health(context.Background()))
}

func TestOpenRejectsMisconfiguration(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{"unknown store", func(c *config.Config) { c.Metering.UsageStore = "dynamo" }, "unknown usage store"},
		{"redis without host", func(c *config.Config) { c.Metering.UsageStore = "redis" }, "REDIS_HOST"},
		{"unknown ledger", func(c *config.Config) { c.Metering.Ledger = "s3" }, "unknown ledger"},
		{"unknown plan source", func(c *config.Config) { c.Metering.PlanSource = "ldap" }, "unknown plan source"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := devConfig()
			tt.mutate(cfg)
			_, err := Open(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPolicyAndGuardFromConfig(t *testing.T) {
	cfg := devConfig().Metering
	cfg.FreeDailySummaries = 10
	cfg.FreeCycleChats = -1
	cfg.TrialPolicy = "free_limits"
	cfg.MaxMonthlyCostUSD = 1.25
	cfg.WarningRatio = 0.5

	p, err := Policy(cfg)
	require.NoError(t, err)
	assert.Equal(t, entitlement.TrialFreeLimits, p.TrialPolicy())
	assert.Equal(t, entitlement.PlanLimits{DailySummaryCap: 10, CycleChatCap: entitlement.Unlimited},
		p.LimitsFor(models.PlanState{PlanType: models.PlanFree}, testNow))

	g := CeilingGuard(cfg)
	assert.Equal(t, models.Microdollars(1_250_000), g.Max)
	assert.Equal(t, models.Microdollars(625_000), g.WarningThreshold())

	cfg.TrialPolicy = "forever"
	_, err = Policy(cfg)
	assert.Error(t, err)
}

func TestCalculatorFromConfig(t *testing.T) {
	cfg := devConfig().Metering
	calc, err := Calculator(cfg)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", calc.Table().DefaultModel)

	cfg.DefaultModel = "gpt-4o"
	calc, err = Calculator(cfg)
	require.NoError(t, err)
	_, resolved, fellBack := calc.RateFor("brand-new-model")
	assert.True(t, fellBack)
	assert.Equal(t, "gpt-4o", resolved)

	cfg.PricingFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = Calculator(cfg)
	assert.Error(t, err)
}

func TestNewEngineEndToEnd(t *testing.T) {
	cfg := devConfig()
	b, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()

	engine, err := NewEngine(cfg, b, nil, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	d, err := engine.CheckAccount(ctx, "new-account", models.OpSummaryGenerated)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(3), d.Quota.Limit)
}

var testNow = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
