package cascade

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// maxLoggedStringLen bounds string values in run records. Generous so
// generated code is fully captured; only truly enormous blobs get
// trimmed, with a "... (<n> chars)" suffix.
const maxLoggedStringLen = 10_000

// truncateValue trims long strings throughout a value tree.
func truncateValue(v any) any {
	switch t := v.(type) {
	case string:
		if len(t) > maxLoggedStringLen {
			return t[:maxLoggedStringLen] + fmt.Sprintf("... (%d chars)", len(t))
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = truncateValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = truncateValue(val)
		}
		return out
	case []AgentMessage:
		out := make([]any, len(t))
		for i, msg := range t {
			entry := map[string]any{
				"type":           string(msg.Type),
				"role":           msg.Role,
				"content":        truncateValue(msg.Content),
				"timestamp":      msg.Timestamp.Format(time.RFC3339Nano),
				"correlation_id": msg.CorrelationID,
			}
			if len(msg.Metadata) > 0 {
				entry["metadata"] = truncateValue(msg.Metadata)
			}
			out[i] = entry
		}
		return out
	default:
		return v
	}
}

// BuildStepRecord builds the persisted record for one step.
func BuildStepRecord(step *StepResult) map[string]any {
	var endTime any
	if step.EndTime != nil {
		endTime = step.EndTime.Format(time.RFC3339Nano)
	}

	metadata := make(map[string]any)
	for k, v := range step.Metadata {
		if k == "tokens_used" {
			continue
		}
		metadata[k] = v
	}
	var metaOut any
	if len(metadata) > 0 {
		metaOut = metadata
	}

	return map[string]any{
		"step_name":   step.StepName,
		"status":      string(step.Status),
		"agent_role":  step.AgentRole,
		"tier":        step.Tier,
		"model_used":  step.ModelUsed,
		"duration_ms": step.DurationMS(),
		"retry_count": step.RetryCount,
		"tokens_used": step.TokensUsed(),
		"input":       truncateValue(anyMap(step.InputData)),
		"output":      truncateValue(anyMap(step.OutputData)),
		"error":       step.Error,
		"error_kind":  string(step.ErrorKind),
		"start_time":  step.StartTime.Format(time.RFC3339Nano),
		"end_time":    endTime,
		"metadata":    metaOut,
	}
}

func anyMap(m map[string]any) any {
	if m == nil {
		return nil
	}
	return any(m)
}

// RunRecordOptions attach optional metadata to a run record.
type RunRecordOptions struct {
	// Dataset is the dataset adapter's meta (source, task id, ...).
	Dataset map[string]any
	// Inputs are the raw workflow inputs.
	Inputs map[string]any
	// Extra is arbitrary additional metadata.
	Extra map[string]any
}

// BuildRunRecord builds the complete persisted record for a workflow run.
func BuildRunRecord(result *WorkflowResult, opts RunRecordOptions) map[string]any {
	var endTime any
	if result.EndTime != nil {
		endTime = result.EndTime.Format(time.RFC3339Nano)
	}

	steps := make([]any, 0, len(result.Steps))
	for _, s := range result.Steps {
		steps = append(steps, BuildStepRecord(s))
	}

	record := map[string]any{
		"run_id":            result.WorkflowID,
		"workflow_name":     result.WorkflowName,
		"status":            string(result.OverallStatus),
		"success_rate":      result.SuccessRate(),
		"total_duration_ms": float64(result.TotalDuration()) / float64(time.Millisecond),
		"total_retries":     result.TotalRetries(),
		"step_count":        len(result.Steps),
		"failed_step_count": len(result.FailedSteps()),
		"start_time":        result.StartTime.Format(time.RFC3339Nano),
		"end_time":          endTime,
		"steps":             steps,
		"final_output":      truncateValue(anyMap(result.FinalOutput)),
	}
	if len(result.Metadata) > 0 {
		record["metadata"] = truncateValue(anyMap(result.Metadata))
	}
	if opts.Dataset != nil {
		record["dataset"] = opts.Dataset
	}
	if opts.Inputs != nil {
		record["inputs"] = truncateValue(anyMap(opts.Inputs))
	}
	if opts.Extra != nil {
		record["extra"] = opts.Extra
	}
	return record
}

// RunLogger persists workflow run records as JSON files under a runs
// directory, named <timestamp>_<workflow>_<status>.json.
type RunLogger struct {
	runsDir string
	logger  *slog.Logger
}

// RunLoggerOption configures a RunLogger.
type RunLoggerOption func(*RunLogger)

// WithRunLoggerLogger sets a structured logger.
func WithRunLoggerLogger(l *slog.Logger) RunLoggerOption {
	return func(r *RunLogger) { r.logger = l }
}

// NewRunLogger creates a logger writing into runsDir ("runs" when empty).
func NewRunLogger(runsDir string, opts ...RunLoggerOption) *RunLogger {
	if runsDir == "" {
		runsDir = "runs"
	}
	r := &RunLogger{runsDir: runsDir, logger: nopLogger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunsDir returns the directory run files are written to.
func (r *RunLogger) RunsDir() string { return r.runsDir }

// Log serializes a workflow result to a JSON file and returns its path.
func (r *RunLogger) Log(result *WorkflowResult, opts RunRecordOptions) (string, error) {
	if err := os.MkdirAll(r.runsDir, 0o755); err != nil {
		return "", fmt.Errorf("create runs dir: %w", err)
	}

	record := BuildRunRecord(result, opts)
	blob, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run record: %w", err)
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	filename := fmt.Sprintf("%s_%s_%s.json", ts, result.WorkflowName, result.OverallStatus)
	path := filepath.Join(r.runsDir, filename)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("write run record: %w", err)
	}

	r.logger.Info("run logged", "path", path)
	return path, nil
}

// ListRuns lists logged run files, optionally filtered by workflow name.
func (r *RunLogger) ListRuns(workflowName string) ([]string, error) {
	pattern := "*.json"
	if workflowName != "" {
		pattern = "*_" + workflowName + "_*.json"
	}
	matches, err := filepath.Glob(filepath.Join(r.runsDir, pattern))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// LoadRun loads a run record from disk.
func (r *RunLogger) LoadRun(path string) (map[string]any, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record map[string]any
	if err := json.Unmarshal(blob, &record); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return record, nil
}
