// Package postgres implements store.RunStore on PostgreSQL via pgx.
// Run records live in a JSONB column with indexed summary fields.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/cascade/store"
)

// StoreOption configures a Postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements store.RunStore backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ store.RunStore = (*Store)(nil)

// New connects to Postgres using the given DSN.
func New(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates the runs table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		status TEXT NOT NULL,
		success_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_duration_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		step_count INTEGER NOT NULL DEFAULT 0,
		record JSONB NOT NULL,
		created_at BIGINT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("postgres: init: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name, created_at)`)
	if err != nil {
		return fmt.Errorf("postgres: init index: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// SaveRun persists a run record (upsert on run id).
func (s *Store) SaveRun(ctx context.Context, record map[string]any) error {
	runID, _ := record["run_id"].(string)
	name, _ := record["workflow_name"].(string)
	status, _ := record["status"].(string)
	if runID == "" || name == "" || status == "" {
		return fmt.Errorf("postgres: run record missing run_id, workflow_name, or status")
	}

	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("postgres: marshal record: %w", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO runs
		(run_id, workflow_name, status, success_rate, total_duration_ms, step_count, record, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			success_rate = EXCLUDED.success_rate,
			total_duration_ms = EXCLUDED.total_duration_ms,
			step_count = EXCLUDED.step_count,
			record = EXCLUDED.record`,
		runID, name, status,
		floatField(record, "success_rate"),
		floatField(record, "total_duration_ms"),
		intField(record, "step_count"),
		blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("postgres: save run: %w", err)
	}
	s.logger.Debug("postgres: run saved", "run_id", runID, "status", status)
	return nil
}

// GetRun loads the full record for a run id.
func (s *Store) GetRun(ctx context.Context, runID string) (map[string]any, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM runs WHERE run_id = $1`, runID).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("postgres: run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(blob, &record); err != nil {
		return nil, fmt.Errorf("postgres: decode record: %w", err)
	}
	return record, nil
}

// ListRuns returns run summaries, newest first.
func (s *Store) ListRuns(ctx context.Context, workflowName string, limit int) ([]store.RunSummary, error) {
	query := `SELECT run_id, workflow_name, status, success_rate, total_duration_ms, step_count, created_at
		FROM runs`
	var args []any
	if workflowName != "" {
		query += ` WHERE workflow_name = $1`
		args = append(args, workflowName)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var out []store.RunSummary
	for rows.Next() {
		var r store.RunSummary
		if err := rows.Scan(&r.RunID, &r.WorkflowName, &r.Status, &r.SuccessRate,
			&r.TotalDurationMS, &r.StepCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary aggregates run counts and average duration.
func (s *Store) Summary(ctx context.Context, workflowName string) (map[string]any, error) {
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(total_duration_ms), 0)
		FROM runs`
	var args []any
	if workflowName != "" {
		query += ` WHERE workflow_name = $1`
		args = append(args, workflowName)
	}

	var total, success, failed int64
	var avgDuration float64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&total, &success, &failed, &avgDuration); err != nil {
		return nil, fmt.Errorf("postgres: summary: %w", err)
	}
	return map[string]any{
		"total_runs":      total,
		"success":         success,
		"failed":          failed,
		"avg_duration_ms": avgDuration,
	}, nil
}

func floatField(record map[string]any, key string) float64 {
	if v, ok := record[key].(float64); ok {
		return v
	}
	return 0
}

func intField(record map[string]any, key string) int {
	switch v := record[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
