package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type costQuote struct {
	Model        string  `json:"model"`
	PricedAs     string  `json:"priced_as"`
	Fallback     bool    `json:"pricing_fallback"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostMicros   int64   `json:"cost_micros"`
	CostUSD      float64 `json:"cost_usd"`
}

func newCostCmd(app *app) *cobra.Command {
	var model string
	var input, output int64

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Price one operation without recording it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if input < 0 || output < 0 {
				return fmt.Errorf("token counts must not be negative")
			}
			calc, err := app.calculator()
			if err != nil {
				return err
			}

			_, resolved, fellBack := calc.RateFor(model)
			cost := calc.Compute(model, input, output)
			q := costQuote{
				Model:        model,
				PricedAs:     resolved,
				Fallback:     fellBack,
				InputTokens:  input,
				OutputTokens: output,
				CostMicros:   int64(cost),
				CostUSD:      cost.USD(),
			}
			if app.asJSON() {
				return writeJSON(cmd.OutOrStdout(), q)
			}
			if fellBack {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %q is not priced, using %s rates\n", model, resolved)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s (%d in, %d out) costs %s\n", resolved, input, output, cost)
			return err
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model name")
	cmd.Flags().Int64Var(&input, "input", 0, "Input tokens")
	cmd.Flags().Int64Var(&output, "output", 0, "Output tokens")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}
