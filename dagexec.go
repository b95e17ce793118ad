package cascade

import (
	"context"
	"log/slog"
	"time"
)

// UpdateFunc receives lifecycle events from the DAGExecutor: workflow
// start/end and step start/end, with the event payload as a generic map.
// Errors from the callback are logged and ignored.
type UpdateFunc func(ctx context.Context, event map[string]any) error

// DAGExecutor executes a validated DAG with maximum parallelism. The
// scheduler is Kahn-style but dynamic: in-degrees are tracked at runtime,
// ready steps are launched up to the concurrency bound, and the loop
// unblocks the instant any running step finishes (a shared result channel
// plays the role of "await first completed"). Downstream steps can start
// while unrelated siblings are still running; there are no wave barriers.
//
// A failed step never fails the executor itself: its transitive dependents
// are cascade-skipped via BFS on the forward adjacency and the workflow is
// marked failed at the end.
type DAGExecutor struct {
	stepExecutor *StepExecutor
	logger       *slog.Logger
}

// DAGExecutorOption configures a DAGExecutor.
type DAGExecutorOption func(*DAGExecutor)

// WithDAGStepExecutor substitutes the step executor delegate.
func WithDAGStepExecutor(se *StepExecutor) DAGExecutorOption {
	return func(e *DAGExecutor) { e.stepExecutor = se }
}

// WithDAGLogger sets a structured logger.
func WithDAGLogger(l *slog.Logger) DAGExecutorOption {
	return func(e *DAGExecutor) { e.logger = l }
}

// NewDAGExecutor creates a DAGExecutor with a fresh StepExecutor.
func NewDAGExecutor(opts ...DAGExecutorOption) *DAGExecutor {
	e := &DAGExecutor{
		stepExecutor: NewStepExecutor(),
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepExecutor returns the delegate used for individual steps.
func (e *DAGExecutor) StepExecutor() *StepExecutor { return e.stepExecutor }

// DefaultMaxConcurrency bounds simultaneously running steps when the
// caller passes a non-positive limit.
const DefaultMaxConcurrency = 10

// stepDone pairs a finished step with its result on the scheduler channel.
type stepDone struct {
	name   string
	result *StepResult
}

// Execute runs the DAG to completion and returns the workflow result.
// A nil context gets a fresh one. onUpdate may be nil.
func (e *DAGExecutor) Execute(ctx context.Context, dag *DAG, ec *ExecutionContext, maxConcurrency int, onUpdate UpdateFunc) (*WorkflowResult, error) {
	if ec == nil {
		ec = NewExecutionContext()
	}
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	if err := dag.Validate(); err != nil {
		return nil, err
	}

	if tracer := TracerFromContext(ec); tracer != nil {
		var span Span
		ctx, span = tracer.Start(ctx, "workflow.execute",
			StringAttr("workflow.name", dag.Name),
			IntAttr("step_count", len(dag.Steps)))
		defer span.End()
	}

	result := newWorkflowResult(ec.WorkflowID, dag.Name)
	e.emit(ctx, onUpdate, map[string]any{
		"type":          "workflow_start",
		"run_id":        ec.RunID,
		"workflow_name": dag.Name,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	})

	adjacency := dag.AdjacencyList()
	inDegree := make(map[string]int, len(dag.Steps))
	for _, name := range dag.StepNames() {
		inDegree[name] = len(dag.Steps[name].DependsOn)
	}

	// FIFO ready queue seeded with roots in insertion order.
	var ready []string
	for _, name := range dag.StepNames() {
		if inDegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	running := make(map[string]bool)
	completed := make(map[string]bool)
	skipped := make(map[string]bool)
	results := make(map[string]*StepResult)
	doneCh := make(chan stepDone, len(dag.Steps))

	markSkipped := func(name, reason string) {
		if completed[name] || skipped[name] {
			return
		}
		sr := newStepResult(name, dag.Steps[name].Tier)
		sr.Metadata["skip_reason"] = reason
		sr.markComplete(StepSkipped)
		results[name] = sr
		result.AddStep(sr)
		completed[name] = true
		skipped[name] = true
		// Skipped steps are logically done; downstream dependency checks
		// must see them as complete.
		ec.MarkStepComplete(name)
	}

	cascadeSkip := func(start, reason string) {
		queue := []string{start}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			for _, dependent := range adjacency[current] {
				if completed[dependent] || skipped[dependent] {
					continue
				}
				markSkipped(dependent, reason)
				queue = append(queue, dependent)
			}
		}
	}

	for len(completed) < len(dag.Steps) {
		// 1. Schedule ready steps up to the concurrency bound.
		for len(ready) > 0 && len(running) < maxConcurrency {
			name := ready[0]
			ready = ready[1:]
			if completed[name] || skipped[name] || running[name] {
				continue
			}
			running[name] = true
			step := dag.Steps[name]
			e.emit(ctx, onUpdate, map[string]any{
				"type":      "step_start",
				"run_id":    ec.RunID,
				"step":      name,
				"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			})
			go func(step *StepDefinition) {
				doneCh <- stepDone{name: step.Name, result: e.stepExecutor.Execute(ctx, step, ec)}
			}(step)
		}

		// 2. Deadlock guard: nothing running but steps remain.
		if len(running) == 0 {
			for _, name := range dag.StepNames() {
				if !completed[name] && !skipped[name] {
					markSkipped(name, "unmet dependencies")
				}
			}
			break
		}

		// 3. Await the first completion.
		done := <-doneCh
		delete(running, done.name)
		results[done.name] = done.result
		result.AddStep(done.result)
		completed[done.name] = true

		e.emit(ctx, onUpdate, map[string]any{
			"type":        "step_end",
			"run_id":      ec.RunID,
			"step":        done.name,
			"status":      string(done.result.Status),
			"duration_ms": done.result.DurationMS(),
			"model_used":  done.result.ModelUsed,
			"error":       done.result.Error,
			"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		})

		// 4. Handle the outcome.
		if done.result.Status == StepSkipped {
			// Skipped via conditions: completed for downstream purposes.
			skipped[done.name] = true
			ec.MarkStepComplete(done.name)
		}

		// 5. Failure propagation: cascade-skip all transitive dependents.
		if done.result.IsFailed() {
			result.OverallStatus = StepFailed
			cascadeSkip(done.name, "dependency failed")
			continue
		}

		// 6. Unlock downstream steps.
		for _, dependent := range adjacency[done.name] {
			if completed[dependent] || skipped[dependent] {
				continue
			}
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	result.FinalOutput = ec.AllVariables()
	if transcript := ec.Transcript(); len(transcript) > 0 {
		result.Metadata["agent_messages"] = transcript
	}
	result.markComplete(result.OverallStatus == StepRunning)

	e.emit(ctx, onUpdate, map[string]any{
		"type":      "workflow_end",
		"run_id":    ec.RunID,
		"status":    string(result.OverallStatus),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	return result, nil
}

func (e *DAGExecutor) emit(ctx context.Context, onUpdate UpdateFunc, event map[string]any) {
	if onUpdate == nil {
		return
	}
	if err := onUpdate(ctx, event); err != nil {
		e.logger.Warn("update callback failed", "event", event["type"], "error", err)
	}
}
