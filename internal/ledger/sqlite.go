package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	// registers the "sqlite" driver
	_ "modernc.org/sqlite"

	"github.com/crosslogic/usage-meter/pkg/models"
)

// SQLiteLedger is a single-node durable ledger. Timestamps are stored as
// unix nanoseconds so range filters compare integers, not formatted strings.
type SQLiteLedger struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// OpenSQLite opens or creates the ledger database at path.
func OpenSQLite(path string, logger *zap.Logger) (*SQLiteLedger, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	// one writer; WAL lets readers proceed alongside it
	db.SetMaxOpenConns(1)

	l := &SQLiteLedger{db: db, path: path, logger: logger}
	if err := l.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLedger) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := l.db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (l *SQLiteLedger) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cost_ledger (
			id             TEXT PRIMARY KEY,
			account_id     TEXT NOT NULL,
			operation_kind TEXT NOT NULL,
			model          TEXT NOT NULL,
			input_tokens   INTEGER NOT NULL CHECK (input_tokens >= 0),
			output_tokens  INTEGER NOT NULL CHECK (output_tokens >= 0),
			cost_micros    INTEGER NOT NULL CHECK (cost_micros >= 0),
			cached         INTEGER NOT NULL DEFAULT 0,
			created_at_ns  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_ledger_account_time ON cost_ledger (account_id, created_at_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_ledger_time ON cost_ledger (created_at_ns)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (l *SQLiteLedger) Path() string {
	return l.path
}

func (l *SQLiteLedger) Append(ctx context.Context, entry models.LedgerEntry) error {
	entry, err := Prepare(entry)
	if err != nil {
		return err
	}
	cached := 0
	if entry.Cached {
		cached = 1
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO cost_ledger (
			id, account_id, operation_kind, model,
			input_tokens, output_tokens, cost_micros, cached, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		entry.AccountID,
		string(entry.Kind),
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		int64(entry.Cost),
		cached,
		entry.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) SumCost(ctx context.Context, accountID string, from, to time.Time) (models.Microdollars, error) {
	var total int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_micros), 0)
		FROM cost_ledger
		WHERE account_id = ? AND created_at_ns >= ? AND created_at_ns < ?
	`, accountID, from.UnixNano(), to.UnixNano()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger cost: %w", err)
	}
	return models.Microdollars(total), nil
}

func (l *SQLiteLedger) AggregateByKind(ctx context.Context, accountID string, from, to time.Time) (map[models.OperationKind]KindAggregate, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT operation_kind,
		       COUNT(*),
		       COALESCE(SUM(cached), 0),
		       COALESCE(SUM(cost_micros), 0)
		FROM cost_ledger
		WHERE (? = '' OR account_id = ?) AND created_at_ns >= ? AND created_at_ns < ?
		GROUP BY operation_kind
	`, accountID, accountID, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ledger by kind: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[models.OperationKind]KindAggregate)
	for rows.Next() {
		var (
			kind string
			agg  KindAggregate
			cost int64
		)
		if err := rows.Scan(&kind, &agg.Count, &agg.CachedCount, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan kind aggregate: %w", err)
		}
		agg.TotalCost = models.Microdollars(cost)
		out[models.OperationKind(kind)] = agg
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) AggregateByModel(ctx context.Context, from, to time.Time) ([]ModelAggregate, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT model,
		       COUNT(*),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_micros), 0) AS total
		FROM cost_ledger
		WHERE created_at_ns >= ? AND created_at_ns < ?
		GROUP BY model
		ORDER BY total DESC, model
	`, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ledger by model: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ModelAggregate
	for rows.Next() {
		var (
			agg  ModelAggregate
			cost int64
		)
		if err := rows.Scan(&agg.Model, &agg.Count, &agg.InputTokens, &agg.OutputTokens, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan model aggregate: %w", err)
		}
		agg.TotalCost = models.Microdollars(cost)
		out = append(out, agg)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) TopSpenders(ctx context.Context, limit int, from, to time.Time) ([]Spender, error) {
	if limit <= 0 {
		limit = DefaultTopSpenders
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT account_id,
		       COUNT(*),
		       COALESCE(SUM(cost_micros), 0) AS total
		FROM cost_ledger
		WHERE created_at_ns >= ? AND created_at_ns < ?
		GROUP BY account_id
		ORDER BY total DESC, account_id
		LIMIT ?
	`, from.UnixNano(), to.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top spenders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Spender
	for rows.Next() {
		var (
			s    Spender
			cost int64
		)
		if err := rows.Scan(&s.AccountID, &s.Operations, &cost); err != nil {
			return nil, fmt.Errorf("failed to scan spender: %w", err)
		}
		s.TotalCost = models.Microdollars(cost)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (l *SQLiteLedger) DeleteOlderThan(ctx context.Context, cutoff time.Time, maxCost models.Microdollars) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM cost_ledger WHERE created_at_ns < ? AND cost_micros <= ?
	`, cutoff.UnixNano(), int64(maxCost))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old ledger entries: %w", err)
	}
	return res.RowsAffected()
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
