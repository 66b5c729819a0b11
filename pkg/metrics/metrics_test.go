package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordCompletion(t *testing.T) {
	before := testutil.ToFloat64(CompletionCostMicros.WithLabelValues("metrics-test-model"))
	RecordCompletion("chat_query", "metrics-test-model", 450, 1000, 500)

	assert.Equal(t, before+450, testutil.ToFloat64(CompletionCostMicros.WithLabelValues("metrics-test-model")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(CompletionTokens.WithLabelValues("metrics-test-model", "input")))
	assert.Equal(t, float64(500), testutil.ToFloat64(CompletionTokens.WithLabelValues("metrics-test-model", "output")))
}

func TestRecordStorageError(t *testing.T) {
	c := StorageErrors.WithLabelValues("metrics-test", "load")
	before := testutil.ToFloat64(c)
	RecordStorageError("metrics-test", "load")
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}
