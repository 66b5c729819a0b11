package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/pricing"
	"github.com/crosslogic/usage-meter/internal/storage"
)

type app struct {
	v *viper.Viper
}

func newApp(v *viper.Viper) *app {
	return &app{v: v}
}

func (a *app) readConfigFile(cmd *cobra.Command) error {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return nil
	}
	a.v.SetConfigFile(path)
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func (a *app) logger() *zap.Logger {
	if !a.v.GetBool("verbose") {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// config starts from the service environment and applies anything set
// through flags, METER_* variables or the config file.
func (a *app) config() (*config.Config, error) {
	cfg := config.FromEnv()
	overrides := []struct {
		key string
		dst *string
	}{
		{"usage_store", &cfg.Metering.UsageStore},
		{"ledger", &cfg.Metering.Ledger},
		{"plan_source", &cfg.Metering.PlanSource},
		{"sqlite_path", &cfg.Metering.SQLitePath},
		{"pricing_file", &cfg.Metering.PricingFile},
		{"default_model", &cfg.Metering.DefaultModel},
	}
	for _, o := range overrides {
		if val := a.v.GetString(o.key); val != "" {
			*o.dst = val
		}
	}
	if err := cfg.ValidateBackends(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) calculator() (*pricing.Calculator, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	return storage.Calculator(cfg.Metering)
}

// withEngine opens the backends for the duration of fn.
func (a *app) withEngine(cmd *cobra.Command, fn func(*metering.Engine, *storage.Backends, *config.Config) error) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	logger := a.logger()
	defer func() { _ = logger.Sync() }()

	backends, err := storage.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			logger.Warn("failed to close backends", zap.Error(err))
		}
	}()

	engine, err := storage.NewEngine(cfg, backends, nil, logger)
	if err != nil {
		return err
	}
	return fn(engine, backends, cfg)
}

func (a *app) asJSON() bool {
	return a.v.GetBool("json")
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
