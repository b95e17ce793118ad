// Package sqlite implements store.RunStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/cascade/store"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements store.RunStore backed by a local SQLite file. Run
// records are stored as JSON text with indexed summary columns.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ store.RunStore = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the runs table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		status TEXT NOT NULL,
		success_rate REAL NOT NULL DEFAULT 0,
		total_duration_ms REAL NOT NULL DEFAULT 0,
		step_count INTEGER NOT NULL DEFAULT 0,
		record TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: init: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name, created_at)`)
	if err != nil {
		return fmt.Errorf("sqlite: init index: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveRun persists a run record, replacing any previous record with the
// same run id.
func (s *Store) SaveRun(ctx context.Context, record map[string]any) error {
	runID, _ := record["run_id"].(string)
	name, _ := record["workflow_name"].(string)
	status, _ := record["status"].(string)
	if runID == "" || name == "" || status == "" {
		return fmt.Errorf("sqlite: run record missing run_id, workflow_name, or status")
	}

	blob, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sqlite: marshal record: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs
		(run_id, workflow_name, status, success_rate, total_duration_ms, step_count, record, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, name, status,
		floatField(record, "success_rate"),
		floatField(record, "total_duration_ms"),
		intField(record, "step_count"),
		string(blob), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite: save run: %w", err)
	}
	s.logger.Debug("sqlite: run saved", "run_id", runID, "status", status)
	return nil
}

// GetRun loads the full record for a run id.
func (s *Store) GetRun(ctx context.Context, runID string) (map[string]any, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM runs WHERE run_id = ?`, runID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: run %q not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get run: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(blob), &record); err != nil {
		return nil, fmt.Errorf("sqlite: decode record: %w", err)
	}
	return record, nil
}

// ListRuns returns run summaries, newest first.
func (s *Store) ListRuns(ctx context.Context, workflowName string, limit int) ([]store.RunSummary, error) {
	query := `SELECT run_id, workflow_name, status, success_rate, total_duration_ms, step_count, created_at
		FROM runs`
	var args []any
	if workflowName != "" {
		query += ` WHERE workflow_name = ?`
		args = append(args, workflowName)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var out []store.RunSummary
	for rows.Next() {
		var r store.RunSummary
		if err := rows.Scan(&r.RunID, &r.WorkflowName, &r.Status, &r.SuccessRate,
			&r.TotalDurationMS, &r.StepCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
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
		query += ` WHERE workflow_name = ?`
		args = append(args, workflowName)
	}

	var total, success, failed int
	var avgDuration float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total, &success, &failed, &avgDuration); err != nil {
		return nil, fmt.Errorf("sqlite: summary: %w", err)
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
