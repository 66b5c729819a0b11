package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/crosslogic/usage-meter/internal/pricing"
)

func newPricingCmd(app *app) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Show the pricing table, optionally validating a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.config()
			if err != nil {
				return err
			}
			path := cfg.Metering.PricingFile
			if file != "" {
				path = file
			}
			table, err := pricing.Load(path, cfg.Metering.DefaultModel)
			if err != nil {
				return err
			}
			if app.asJSON() {
				return writeJSON(cmd.OutOrStdout(), table)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tINPUT/1K\tOUTPUT/1K\t")
			for _, name := range table.ModelNames() {
				rate := table.Models[name]
				marker := ""
				if name == table.DefaultModel {
					marker = "default"
				}
				fmt.Fprintf(tw, "%s\t$%g\t$%g\t%s\n", name, rate.InputPer1K, rate.OutputPer1K, marker)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Pricing file to load instead of the configured one")
	return cmd
}
