package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Entitlement decisions by quota class and outcome
	// (allowed, denied_quota, denied_ceiling, degraded, unavailable).
	EntitlementDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_entitlement_decisions_total",
			Help: "Entitlement checks by quota class and outcome",
		},
		[]string{"class", "outcome"},
	)

	CeilingWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_cost_ceiling_warnings_total",
			Help: "Entitlement checks that carried an approaching-ceiling warning",
		},
	)

	// Completions
	CompletionsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_completions_recorded_total",
			Help: "Completions recorded by operation kind",
		},
		[]string{"kind"},
	)

	CompletionCostMicros = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_completion_cost_microdollars_total",
			Help: "Cost of recorded completions in microdollars by resolved model",
		},
		[]string{"model"},
	)

	CompletionTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_completion_tokens_total",
			Help: "Tokens of recorded completions by resolved model and direction",
		},
		[]string{"model", "direction"},
	)

	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_pricing_fallbacks_total",
			Help: "Completions priced with the default model because the model was unknown",
		},
		[]string{"model"},
	)

	// Storage
	CounterResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_counter_resets_total",
			Help: "Usage counter resets applied by cycle",
		},
		[]string{"cycle"},
	)

	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_storage_errors_total",
			Help: "Backend failures by component and operation",
		},
		[]string{"component", "operation"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meter_operation_duration_seconds",
			Help:    "Duration of engine operations",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	RetentionDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_ledger_retention_deleted_total",
			Help: "Ledger entries removed by retention",
		},
	)
)

// RecordCompletion updates the completion counters in one call.
func RecordCompletion(kind, model string, costMicros, inputTokens, outputTokens int64) {
	CompletionsRecorded.WithLabelValues(kind).Inc()
	CompletionCostMicros.WithLabelValues(model).Add(float64(costMicros))
	CompletionTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	CompletionTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// RecordStorageError counts a backend failure.
func RecordStorageError(component, operation string) {
	StorageErrors.WithLabelValues(component, operation).Inc()
}
