package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/storage"
	"github.com/crosslogic/usage-meter/pkg/models"
)

func newRetentionCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Manage cost ledger retention",
	}
	cmd.AddCommand(newRetentionRunCmd(app))
	return cmd
}

func newRetentionRunCmd(app *app) *cobra.Command {
	var horizon time.Duration
	var maxCost float64

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Delete old low-value ledger entries once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withEngine(cmd, func(e *metering.Engine, _ *storage.Backends, cfg *config.Config) error {
				h := cfg.Retention.Horizon
				if cmd.Flags().Changed("horizon") {
					h = horizon
				}
				limit := cfg.Retention.MaxCost
				if cmd.Flags().Changed("max-cost") {
					limit = maxCost
				}
				if h <= 0 {
					return fmt.Errorf("retention horizon must be positive")
				}

				job := ledger.NewRetentionJob(e.Ledger(), h, models.FromUSD(limit), cfg.Retention.Interval, nil, zap.NewNop())
				result, err := job.RunOnce(cmd.Context())
				if err != nil {
					return fmt.Errorf("retention run: %w", err)
				}
				if app.asJSON() {
					return writeJSON(cmd.OutOrStdout(), result)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries older than %s costing at most %s\n",
					result.Deleted, result.Cutoff.Format(time.RFC3339), result.MaxCost)
				return err
			})
		},
	}

	cmd.Flags().DurationVar(&horizon, "horizon", 0, "Delete entries older than this (default METER_RETENTION_HORIZON)")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "Keep entries costing more than this many USD (default METER_RETENTION_MAX_COST)")
	return cmd
}
