package pricing

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/crosslogic/usage-meter/pkg/models"
)

// Rate is the USD price per 1,000 tokens for a model.
type Rate struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k" toml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k" toml:"output_per_1k"`
}

// Table maps model names to rates. DefaultModel must be present in Models.
type Table struct {
	DefaultModel string          `json:"default_model" yaml:"default_model" toml:"default_model"`
	Models       map[string]Rate `json:"models" yaml:"models" toml:"models"`
}

// DefaultTable returns the built-in rates.
func DefaultTable() *Table {
	return &Table{
		DefaultModel: "gpt-4o-mini",
		Models: map[string]Rate{
			"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
			"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
			"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
			"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"gemini-1.5-flash":  {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		},
	}
}

// Validate checks the table is usable for cost computation.
func (t *Table) Validate() error {
	if len(t.Models) == 0 {
		return fmt.Errorf("pricing table has no models")
	}
	for name, r := range t.Models {
		if r.InputPer1K < 0 || r.OutputPer1K < 0 {
			return fmt.Errorf("model %s has a negative rate", name)
		}
	}
	for name := range t.Models {
		if normalize(name) == normalize(t.DefaultModel) {
			return nil
		}
	}
	return fmt.Errorf("default model %q is not in the pricing table", t.DefaultModel)
}

// ModelNames returns the priced models sorted by name.
func (t *Table) ModelNames() []string {
	names := make([]string, 0, len(t.Models))
	for name := range t.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calculator computes operation costs from a Table.
type Calculator struct {
	table    *Table
	prefixes []string
}

// NewCalculator creates a calculator. Model names are matched case-insensitively.
func NewCalculator(table *Table) (*Calculator, error) {
	normalized := &Table{
		DefaultModel: normalize(table.DefaultModel),
		Models:       make(map[string]Rate, len(table.Models)),
	}
	for name, r := range table.Models {
		normalized.Models[normalize(name)] = r
	}
	if err := normalized.Validate(); err != nil {
		return nil, err
	}

	prefixes := normalized.ModelNames()
	// longest first so "gpt-4o-mini-2024" matches gpt-4o-mini before gpt-4o
	sort.SliceStable(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	return &Calculator{table: normalized, prefixes: prefixes}, nil
}

// Table returns the normalized table backing the calculator.
func (c *Calculator) Table() *Table {
	return c.table
}

// RateFor resolves the rate for model. fellBack is true when the default
// model's rate was used.
func (c *Calculator) RateFor(model string) (rate Rate, resolved string, fellBack bool) {
	name := normalize(model)
	if r, ok := c.table.Models[name]; ok {
		return r, name, false
	}

	// provider aliases: "gpt-4o-mini:2024-07-18", "claude-3-haiku@20240307"
	if i := strings.IndexAny(name, ":@"); i > 0 {
		if r, ok := c.table.Models[name[:i]]; ok {
			return r, name[:i], false
		}
	}

	for _, p := range c.prefixes {
		if strings.HasPrefix(name, p) {
			return c.table.Models[p], p, false
		}
	}

	return c.table.Models[c.table.DefaultModel], c.table.DefaultModel, true
}

// Compute returns the cost of an operation. It never fails: unknown models
// are priced at the default model's rates.
func (c *Calculator) Compute(model string, inputTokens, outputTokens int64) models.Microdollars {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	r, _, _ := c.RateFor(model)

	// per-1K USD rate * 1e6 / 1e3 = microdollars per token
	micros := (float64(inputTokens)*r.InputPer1K + float64(outputTokens)*r.OutputPer1K) * 1000
	return models.Microdollars(math.Round(micros))
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
