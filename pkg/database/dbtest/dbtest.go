// Package dbtest connects integration tests to a real PostgreSQL.
package dbtest

import (
	"context"
	"os"
	"testing"

	"github.com/crosslogic/usage-meter/internal/config"
	"github.com/crosslogic/usage-meter/pkg/database"
)

// Open connects to TEST_DATABASE_URL, applies the schema and empties the
// metering tables. The test is skipped unless INTEGRATION_TEST is set.
func Open(t *testing.T) *database.Database {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("Skipping integration test; set INTEGRATION_TEST=1 to run")
	}
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := database.Connect(ctx, dsn, config.DatabaseConfig{MaxOpenConns: 50})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := database.Migrate(ctx, db.Pool); err != nil {
		db.Close()
		t.Fatalf("failed to migrate: %v", err)
	}
	if _, err := db.Pool.Exec(ctx, `TRUNCATE usage_counters, cost_ledger, accounts`); err != nil {
		db.Close()
		t.Fatalf("failed to truncate: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}
