package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/storage"
	"github.com/crosslogic/usage-meter/pkg/models"
)

func newAnalyticsCmd(app *app) *cobra.Command {
	var windowDays int

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Aggregate the cost ledger over a trailing window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.withEngine(cmd, func(e *metering.Engine, _ *storage.Backends, _ *config.Config) error {
				report, err := e.GetCostAnalytics(cmd.Context(), windowDays)
				if err != nil {
					return err
				}
				if app.asJSON() {
					return writeJSON(cmd.OutOrStdout(), report)
				}
				return renderAnalytics(cmd.OutOrStdout(), report)
			})
		},
	}

	cmd.Flags().IntVar(&windowDays, "window-days", metering.DefaultAnalyticsWindowDays, "Trailing window in days")
	return cmd
}

func renderAnalytics(out io.Writer, a *metering.CostAnalytics) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "window:\t%d days (%s to %s)\n", a.WindowDays, a.From.Format("2006-01-02"), a.To.Format("2006-01-02"))
	fmt.Fprintf(tw, "operations:\t%d\n", a.TotalOperations)
	fmt.Fprintf(tw, "total cost:\t%s\n", a.TotalCost)
	fmt.Fprintf(tw, "average cost:\t%s\n", a.AverageCost)
	fmt.Fprintf(tw, "cache hit rate:\t%.1f%% (summaries %.1f%%, chats %.1f%%)\n",
		a.CacheHitRate*100, a.SummaryCacheHitRate*100, a.ChatCacheHitRate*100)

	if len(a.ByKind) > 0 {
		fmt.Fprintln(tw, "\nOPERATION\tCOUNT\tCACHED\tCOST")
		kinds := make([]models.OperationKind, 0, len(a.ByKind))
		for k := range a.ByKind {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			agg := a.ByKind[k]
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", k, agg.Count, agg.CachedCount, agg.TotalCost)
		}
	}

	if len(a.ByModel) > 0 {
		fmt.Fprintln(tw, "\nMODEL\tCOUNT\tINPUT\tOUTPUT\tCOST")
		for _, m := range a.ByModel {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", m.Model, m.Count, m.InputTokens, m.OutputTokens, m.TotalCost)
		}
	}

	if len(a.TopSpenders) > 0 {
		fmt.Fprintln(tw, "\nACCOUNT\tOPERATIONS\tCOST")
		for _, s := range a.TopSpenders {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", s.AccountID, s.Operations, s.TotalCost)
		}
	}
	return tw.Flush()
}
