package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/internal/entitlement"
	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/storage"
)

func newUsageCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <account>",
		Short: "Show an account's quotas, spend and reset dates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withEngine(cmd, func(e *metering.Engine, _ *storage.Backends, _ *config.Config) error {
				summary, err := e.GetUsageSummary(cmd.Context(), args[0])
				if err != nil {
					return fmt.Errorf("usage for %s: %w", args[0], err)
				}
				if app.asJSON() {
					return writeJSON(cmd.OutOrStdout(), summary)
				}
				return renderUsage(cmd.OutOrStdout(), summary)
			})
		},
	}
}

func renderUsage(out io.Writer, s *metering.UsageSummary) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "account:\t%s\n", s.AccountID)
	fmt.Fprintf(tw, "plan:\t%s (premium %t, admin %t)\n", s.PlanType, s.PremiumActive, s.IsAdmin)
	fmt.Fprintf(tw, "summaries today:\t%s\n", quotaLine(s.Summaries))
	fmt.Fprintf(tw, "chats this cycle:\t%s\n", quotaLine(s.Chats))
	fmt.Fprintf(tw, "cost this month:\t%s of %s (%.2f%%)\n", s.Cost.Used, s.Cost.Limit, s.Cost.PercentUsed)
	fmt.Fprintf(tw, "next daily reset:\t%s\n", s.NextDailyReset.Format(time.RFC3339))
	fmt.Fprintf(tw, "next monthly reset:\t%s\n", s.NextMonthlyReset.Format(time.RFC3339))
	if !s.CycleRenewalAt.IsZero() {
		fmt.Fprintf(tw, "cycle renews:\t%s\n", s.CycleRenewalAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func quotaLine(q metering.QuotaUsage) string {
	if q.Limit == entitlement.Unlimited {
		return fmt.Sprintf("%d (unlimited)", q.Used)
	}
	return fmt.Sprintf("%d of %d (%d left)", q.Used, q.Limit, q.Remaining)
}
