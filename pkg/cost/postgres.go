package cost

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/helixos/helix/pkg/contracts"
	"github.com/helixos/helix/pkg/registry"

	_ "github.com/lib/pq"
)

// PostgresStore implements ExternalStore over the tabular datastore.
// Tables: ai_operation_log and user_monthly_spend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle and ensures the schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ai_operation_log (
		op_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		op_kind TEXT NOT NULL,
		model_id TEXT NOT NULL,
		input_tokens BIGINT NOT NULL,
		output_tokens BIGINT NOT NULL,
		cost_usd NUMERIC(14,6) NOT NULL,
		latency_ms BIGINT NOT NULL,
		success BOOLEAN NOT NULL,
		ts TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS user_monthly_spend (
		user_id TEXT NOT NULL,
		month TEXT NOT NULL,
		total_cost NUMERIC(14,6) NOT NULL,
		by_kind JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (user_id, month)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("cost: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertOperation(ctx context.Context, rec contracts.OperationRecord) error {
	query := `
	INSERT INTO ai_operation_log
		(op_id, user_id, op_kind, model_id, input_tokens, output_tokens, cost_usd, latency_ms, success, ts)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (op_id) DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		rec.OpID, rec.UserID, string(rec.OpKind), rec.ModelID,
		rec.InputTokens, rec.OutputTokens, rec.Cost.USD(),
		rec.LatencyMS, rec.Success, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("cost: insert operation: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertMonthlySpend(ctx context.Context, userID, month string, total registry.MicroUSD, byKind map[string]registry.MicroUSD) error {
	kinds := make(map[string]float64, len(byKind))
	for k, v := range byKind {
		kinds[k] = v.USD()
	}
	raw, err := json.Marshal(kinds)
	if err != nil {
		return fmt.Errorf("cost: marshal by_kind: %w", err)
	}

	query := `
	INSERT INTO user_monthly_spend (user_id, month, total_cost, by_kind)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id, month) DO UPDATE SET
		total_cost = EXCLUDED.total_cost,
		by_kind = EXCLUDED.by_kind`
	if _, err := s.db.ExecContext(ctx, query, userID, month, total.USD(), raw); err != nil {
		return fmt.Errorf("cost: upsert monthly spend: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadMonthlySpend(ctx context.Context, userID, month string) (registry.MicroUSD, map[string]registry.MicroUSD, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT total_cost, by_kind FROM user_monthly_spend WHERE user_id = $1 AND month = $2",
		userID, month)

	var totalUSD float64
	var rawKinds []byte
	err := row.Scan(&totalUSD, &rawKinds)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("cost: load monthly spend: %w", err)
	}

	kinds := make(map[string]float64)
	if len(rawKinds) > 0 {
		if err := json.Unmarshal(rawKinds, &kinds); err != nil {
			return 0, nil, fmt.Errorf("cost: parse by_kind: %w", err)
		}
	}
	byKind := make(map[string]registry.MicroUSD, len(kinds))
	for k, v := range kinds {
		byKind[k] = registry.FromUSD(v)
	}
	return registry.FromUSD(totalUSD), byKind, nil
}
