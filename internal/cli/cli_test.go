package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/internal/ledger"
	"github.com/crosslogic/usage-meter/pkg/models"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	return executeCLIWithEnv(t, nil, args...)
}

func executeCLIWithEnv(t *testing.T, env map[string]string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("METER_USAGE_STORE", "memory")
	t.Setenv("METER_LEDGER", "memory")
	t.Setenv("METER_PLAN_SOURCE", "static")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("STRIPE_SECRET_KEY", "")
	for k, v := range env {
		t.Setenv(k, v)
	}

	root := newRootCmd()
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func seedLedger(t *testing.T, entries ...models.LedgerEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := ledger.OpenSQLite(path, zap.NewNop())
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, l.Append(context.Background(), e))
	}
	require.NoError(t, l.Close())
	return path
}

func entry(account string, kind models.OperationKind, cost models.Microdollars, at time.Time) models.LedgerEntry {
	return models.LedgerEntry{
		AccountID:    account,
		Kind:         kind,
		Model:        "gpt-4o-mini",
		InputTokens:  1000,
		OutputTokens: 500,
		Cost:         cost,
		Cached:       kind.Cached(),
		Timestamp:    at,
	}
}

func TestCostCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, "cost", "--model", "gpt-4o-mini", "--input", "1000", "--output", "500")
	require.NoError(t, err)
	assert.Contains(t, stdout, "gpt-4o-mini (1000 in, 500 out) costs $0.000450")
}

func TestCostCommandFallsBackForUnknownModel(t *testing.T) {
	stdout, _, err := executeCLI(t, "cost", "--model", "mystery", "--input", "1000", "--output", "500", "--json")
	require.NoError(t, err)

	var q costQuote
	require.NoError(t, json.Unmarshal([]byte(stdout), &q))
	assert.True(t, q.Fallback)
	assert.Equal(t, "gpt-4o-mini", q.PricedAs)
	assert.Equal(t, int64(450), q.CostMicros)
}

func TestCostCommandRequiresModel(t *testing.T) {
	_, _, err := executeCLI(t, "cost", "--input", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "model" not set`)
}

func TestPricingCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, "pricing")
	require.NoError(t, err)
	assert.Contains(t, stdout, "claude-3-5-sonnet")
	assert.Contains(t, stdout, "default")
}

func TestPricingCommandLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.toml")
	require.NoError(t, os.WriteFile(path, []byte(`default_model = "house-model"

[models.house-model]
input_per_1k = 0.001
output_per_1k = 0.002
`), 0o600))

	stdout, _, err := executeCLI(t, "pricing", "--file", path, "--json")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"default_model": "house-model"`)
	assert.NotContains(t, stdout, "claude-3-5-sonnet")

	_, _, err = executeCLI(t, "pricing", "--file", filepath.Join(t.TempDir(), "pricing.json"))
	require.Error(t, err)
}

func TestUsageCommand(t *testing.T) {
	stdout, _, err := executeCLI(t, "usage", "acct-1", "--json")
	require.NoError(t, err)

	var summary map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &summary))
	assert.Equal(t, "acct-1", summary["account_id"])
	assert.Equal(t, "free", summary["plan_type"])

	stdout, _, err = executeCLI(t, "usage", "acct-1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "summaries today:")
	assert.Contains(t, stdout, "0 of 3 (3 left)")

	_, _, err = executeCLI(t, "usage")
	assert.Error(t, err)
}

func TestAnalyticsCommandReadsSQLiteLedger(t *testing.T) {
	now := time.Now().UTC()
	path := seedLedger(t,
		entry("acct-1", models.OpSummaryGenerated, 450, now.Add(-time.Hour)),
		entry("acct-2", models.OpChatCached, 150, now.Add(-2*time.Hour)),
		entry("acct-1", models.OpChatQuery, 900, now.AddDate(0, 0, -20)),
	)

	stdout, _, err := executeCLI(t, "analytics", "--ledger", "sqlite", "--sqlite-path", path, "--window-days", "7", "--json")
	require.NoError(t, err)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, float64(7), report["window_days"])
	assert.Equal(t, float64(2), report["total_operations"])
	assert.Equal(t, float64(600), report["total_cost_micros"])
	assert.Equal(t, 0.5, report["cache_hit_rate"])

	stdout, _, err = executeCLI(t, "analytics", "--ledger", "sqlite", "--sqlite-path", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "operations:")
	assert.Contains(t, stdout, "acct-1")
}

func TestRetentionRunCommand(t *testing.T) {
	now := time.Now().UTC()
	path := seedLedger(t,
		entry("acct-1", models.OpSummaryGenerated, 100, now.AddDate(-2, 0, 0)),
		entry("acct-1", models.OpSummaryGenerated, 50_000, now.AddDate(-2, 0, 0)),
		entry("acct-1", models.OpSummaryGenerated, 100, now.Add(-time.Hour)),
	)

	stdout, _, err := executeCLI(t, "retention", "run", "--ledger", "sqlite", "--sqlite-path", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "deleted 1 entries")

	stdout, _, err = executeCLI(t, "retention", "run", "--ledger", "sqlite", "--sqlite-path", path, "--horizon", "30m", "--max-cost", "1", "--json")
	require.NoError(t, err)
	assert.Contains(t, stdout, `"deleted": 2`)
}

func TestConfigFileSelectsBackends(t *testing.T) {
	now := time.Now().UTC()
	ledgerPath := seedLedger(t, entry("acct-9", models.OpSummaryGenerated, 450, now.Add(-time.Hour)))

	cfgPath := filepath.Join(t.TempDir(), "meterctl.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("ledger: sqlite\nsqlite_path: "+ledgerPath+"\n"), 0o600))

	stdout, _, err := executeCLIWithEnv(t, map[string]string{"METER_LEDGER": ""}, "analytics", "--config", cfgPath, "--json")
	require.NoError(t, err)
	assert.Contains(t, stdout, "acct-9")
}

func TestUnknownBackendIsRejected(t *testing.T) {
	_, _, err := executeCLI(t, "usage", "acct-1", "--usage-store", "cassandra")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "METER_USAGE_STORE")
}
