// Package store defines persistence for workflow run records.
package store

import "context"

// RunSummary is the indexed subset of a run record used for listings.
type RunSummary struct {
	RunID           string  `json:"run_id"`
	WorkflowName    string  `json:"workflow_name"`
	Status          string  `json:"status"`
	SuccessRate     float64 `json:"success_rate"`
	TotalDurationMS float64 `json:"total_duration_ms"`
	StepCount       int     `json:"step_count"`
	CreatedAt       int64   `json:"created_at"`
}

// RunStore abstracts run-record persistence. Implementations store the
// full JSON record (as produced by cascade.BuildRunRecord) plus indexed
// summary columns for querying.
type RunStore interface {
	// SaveRun persists a run record. The record must carry run_id,
	// workflow_name, and status.
	SaveRun(ctx context.Context, record map[string]any) error
	// GetRun loads the full record for a run id.
	GetRun(ctx context.Context, runID string) (map[string]any, error)
	// ListRuns returns summaries, newest first, optionally filtered by
	// workflow name ("" = all). limit <= 0 means no limit.
	ListRuns(ctx context.Context, workflowName string, limit int) ([]RunSummary, error)
	// Summary aggregates run counts and durations per workflow.
	Summary(ctx context.Context, workflowName string) (map[string]any, error)

	// Init creates required tables.
	Init(ctx context.Context) error
	Close() error
}
