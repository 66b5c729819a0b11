// Package cli implements meterctl, the operator command line for the
// usage meter. It opens the same backends as the server.
package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("METER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "meterctl",
		Short:         "Inspect and administer the usage meter",
		Long:          "meterctl reads usage counters and the cost ledger, runs ledger retention and prices operations against the configured backends.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (toml or yaml) with backend settings")
	flags.String("usage-store", "", "Usage store: postgres, supabase, redis or memory")
	flags.String("ledger", "", "Cost ledger: postgres, sqlite or memory")
	flags.String("plan-source", "", "Plan source: postgres or static")
	flags.String("sqlite-path", "", "SQLite ledger file")
	flags.String("pricing-file", "", "Pricing table (toml or yaml)")
	flags.String("default-model", "", "Model used to price unknown models")
	flags.Bool("json", false, "Render JSON output")
	flags.BoolP("verbose", "v", false, "Log backend activity to stderr")

	for _, name := range []string{"usage-store", "ledger", "plan-source", "sqlite-path", "pricing-file", "default-model", "json", "verbose"} {
		_ = v.BindPFlag(strings.ReplaceAll(name, "-", "_"), flags.Lookup(name))
	}

	app := newApp(v)
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return app.readConfigFile(cmd)
	}

	rootCmd.AddCommand(
		newUsageCmd(app),
		newAnalyticsCmd(app),
		newRetentionCmd(app),
		newPricingCmd(app),
		newCostCmd(app),
	)

	return rootCmd
}
