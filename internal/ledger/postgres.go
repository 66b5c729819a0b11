package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crosslogic/usage-meter/pkg/database"
	"github.com/crosslogic/usage-meter/pkg/models"
)

// PostgresLedger stores entries in the cost_ledger table.
type PostgresLedger struct {
	db     database.Querier
	logger *zap.Logger
}

// NewPostgresLedger creates a ledger on db. The schema comes from database.Migrate.
func NewPostgresLedger(db database.Querier, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{db: db, logger: logger}
}

func (l *PostgresLedger) Append(ctx context.Context, entry models.LedgerEntry) error {
	entry, err := Prepare(entry)
	if err != nil {
		return err
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO cost_ledger (
			id, account_id, operation_kind, model,
			input_tokens, output_tokens, cost_micros, cached, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		entry.ID,
		entry.AccountID,
		string(entry.Kind),
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		int64(entry.Cost),
		entry.Cached,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func (l *PostgresLedger) SumCost(ctx context.Context, accountID string, from, to time.Time) (models.Microdollars, error) {
	var total int64
	err := l.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost_micros), 0)::BIGINT
		FROM cost_ledger
		WHERE account_id = $1 AND created_at >= $2 AND created_at < $3
	`, accountID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger cost: %w", err)
	}
	return models.Microdollars(total), nil
}

func (l *PostgresLedger) AggregateByKind(ctx context.Context, accountID string, from, to time.Time) (map[models.OperationKind]KindAggregate, error) {
	rows, err := l.db.Query(ctx, `
		SELECT operation_kind,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE cached),
		       COALESCE(SUM(cost_micros), 0)::BIGINT
		FROM cost_ledger
		WHERE ($1 = '' OR account_id = $1) AND created_at >= $2 AND created_at < $3
		GROUP BY operation_kind
	`, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ledger by kind: %w", err)
	}
	defer rows.Close()

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

func (l *PostgresLedger) AggregateByModel(ctx context.Context, from, to time.Time) ([]ModelAggregate, error) {
	rows, err := l.db.Query(ctx, `
		SELECT model,
		       COUNT(*),
		       COALESCE(SUM(input_tokens), 0)::BIGINT,
		       COALESCE(SUM(output_tokens), 0)::BIGINT,
		       COALESCE(SUM(cost_micros), 0)::BIGINT AS total
		FROM cost_ledger
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY model
		ORDER BY total DESC, model
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate ledger by model: %w", err)
	}
	defer rows.Close()

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

func (l *PostgresLedger) TopSpenders(ctx context.Context, limit int, from, to time.Time) ([]Spender, error) {
	if limit <= 0 {
		limit = DefaultTopSpenders
	}
	rows, err := l.db.Query(ctx, `
		SELECT account_id,
		       COUNT(*),
		       COALESCE(SUM(cost_micros), 0)::BIGINT AS total
		FROM cost_ledger
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY account_id
		ORDER BY total DESC, account_id
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top spenders: %w", err)
	}
	defer rows.Close()

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

func (l *PostgresLedger) DeleteOlderThan(ctx context.Context, cutoff time.Time, maxCost models.Microdollars) (int64, error) {
	tag, err := l.db.Exec(ctx, `
		DELETE FROM cost_ledger WHERE created_at < $1 AND cost_micros <= $2
	`, cutoff, int64(maxCost))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old ledger entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (l *PostgresLedger) Close() error {
	return nil
}
