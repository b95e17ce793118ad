package cascade

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ExecutorEvent identifies a lifecycle event emitted to listeners.
type ExecutorEvent string

const (
	WorkflowStart ExecutorEvent = "workflow_start"
	WorkflowEnd   ExecutorEvent = "workflow_end"
	StepStart     ExecutorEvent = "step_start"
	StepEnd       ExecutorEvent = "step_end"
	WorkflowError ExecutorEvent = "error"
	Cancelled     ExecutorEvent = "cancelled"
)

// EventListener receives executor lifecycle events. Listener errors and
// panics are logged, never propagated.
type EventListener func(event ExecutorEvent, data map[string]any)

// ExecutionConfig tunes the WorkflowExecutor.
type ExecutionConfig struct {
	// GlobalTimeout caps the whole run (0 = unlimited). On expiry the run
	// is marked failed with error_kind "timeout".
	GlobalTimeout time.Duration
	// MaxConcurrency bounds simultaneously running steps.
	MaxConcurrency int
	// CheckpointDir enables context checkpointing when non-empty.
	CheckpointDir string
}

// DefaultExecutionConfig returns engine defaults.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{MaxConcurrency: DefaultMaxConcurrency}
}

// historyEntry is one record in the execution audit trail.
type historyEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Step      string         `json:"step,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExecutionHistory is the chronological audit trail of a run.
type ExecutionHistory struct {
	mu      sync.Mutex
	entries []historyEntry
}

// Record appends an event.
func (h *ExecutionHistory) Record(event, step string, data map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, historyEntry{
		Timestamp: time.Now().UTC(),
		Event:     event,
		Step:      step,
		Data:      data,
	})
}

// Entries returns a copy of the recorded events.
func (h *ExecutionHistory) Entries() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]any, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, map[string]any{
			"timestamp": e.Timestamp,
			"event":     e.Event,
			"step":      e.Step,
			"data":      e.Data,
		})
	}
	return out
}

// WorkflowExecutor is the top-level entry point. It accepts a DAG, a
// sequential step list, or a single step; injects the engine services
// (router, tools, backend) into the context's service container;
// maintains the execution history; fires event listeners; and wraps the
// whole run with the optional global timeout.
//
// Sequential lists are modeled as a DAG with linear depends_on edges, so
// one executor covers every workflow shape.
type WorkflowExecutor struct {
	config  ExecutionConfig
	router  *SmartRouter
	tools   *ToolRegistry
	backend ChatBackend
	tracer  Tracer

	dagExecutor *DAGExecutor
	history     *ExecutionHistory

	mu        sync.Mutex
	listeners []EventListener
	cancel    context.CancelFunc
	cancelled bool

	logger *slog.Logger
}

// WorkflowExecutorOption configures a WorkflowExecutor.
type WorkflowExecutorOption func(*WorkflowExecutor)

// WithExecutionConfig replaces the execution configuration.
func WithExecutionConfig(cfg ExecutionConfig) WorkflowExecutorOption {
	return func(e *WorkflowExecutor) { e.config = cfg }
}

// WithRouter sets the SmartRouter injected into runs.
func WithRouter(r *SmartRouter) WorkflowExecutorOption {
	return func(e *WorkflowExecutor) { e.router = r }
}

// WithToolRegistry sets the ToolRegistry injected into runs.
func WithToolRegistry(t *ToolRegistry) WorkflowExecutorOption {
	return func(e *WorkflowExecutor) { e.tools = t }
}

// WithBackend sets the ChatBackend injected into runs.
func WithBackend(b ChatBackend) WorkflowExecutorOption {
	return func(e *WorkflowExecutor) { e.backend = b }
}

// WithExecutorLogger sets a structured logger.
func WithExecutorLogger(l *slog.Logger) WorkflowExecutorOption {
	return func(e *WorkflowExecutor) { e.logger = l }
}

// WithTracer sets the Tracer injected into runs (see observer.NewTracer).
func WithTracer(t Tracer) WorkflowExecutorOption {
	return func(e *WorkflowExecutor) { e.tracer = t }
}

// NewWorkflowExecutor creates an executor with default services.
func NewWorkflowExecutor(opts ...WorkflowExecutorOption) *WorkflowExecutor {
	e := &WorkflowExecutor{
		config:  DefaultExecutionConfig(),
		router:  NewSmartRouter(),
		tools:   NewToolRegistry(),
		history: &ExecutionHistory{},
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dagExecutor = NewDAGExecutor(WithDAGLogger(e.logger))
	return e
}

// History returns the execution audit trail.
func (e *WorkflowExecutor) History() *ExecutionHistory { return e.history }

// Router returns the injected SmartRouter.
func (e *WorkflowExecutor) Router() *SmartRouter { return e.router }

// Tools returns the injected ToolRegistry.
func (e *WorkflowExecutor) Tools() *ToolRegistry { return e.tools }

// AddListener registers an event listener.
func (e *WorkflowExecutor) AddListener(l EventListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Cancel aborts the in-flight run: the run context is cancelled, every
// running step observes cancellation at its next suspension point, and
// their dependents cascade-skip.
func (e *WorkflowExecutor) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancelled = true
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.dagExecutor.StepExecutor().CancelAll()
	e.fire(Cancelled, map[string]any{})
}

// CancelStep cancels one running step by name.
func (e *WorkflowExecutor) CancelStep(name string) bool {
	return e.dagExecutor.StepExecutor().Cancel(name)
}

func (e *WorkflowExecutor) fire(event ExecutorEvent, data map[string]any) {
	e.mu.Lock()
	listeners := make([]EventListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("event listener panic", "event", string(event), "panic", r)
				}
			}()
			l(event, data)
		}()
	}
}

// ExecuteDAG runs a DAG workflow. A nil context gets a fresh one seeded
// with initialVars; services are injected either way.
func (e *WorkflowExecutor) ExecuteDAG(ctx context.Context, dag *DAG, ec *ExecutionContext, initialVars map[string]any) (*WorkflowResult, error) {
	if ec == nil {
		opts := []ContextOption{WithContextLogger(e.logger)}
		if e.config.CheckpointDir != "" {
			opts = append(opts, WithCheckpointDir(e.config.CheckpointDir))
		}
		ec = NewExecutionContext(opts...)
	}
	ec.Update(initialVars)
	e.injectServices(ec)

	var runCtx context.Context
	var cancel context.CancelFunc
	if e.config.GlobalTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.config.GlobalTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.cancelled = false
	e.mu.Unlock()

	e.history.Record("workflow_start", "", map[string]any{"name": dag.Name})
	e.fire(WorkflowStart, map[string]any{"workflow": dag.Name})

	onUpdate := func(_ context.Context, event map[string]any) error {
		typ, _ := event["type"].(string)
		step, _ := event["step"].(string)
		e.history.Record(typ, step, event)
		switch typ {
		case "step_start":
			e.fire(StepStart, event)
		case "step_end":
			e.fire(StepEnd, event)
		}
		return nil
	}

	result, err := e.dagExecutor.Execute(runCtx, dag, ec, e.config.MaxConcurrency, onUpdate)
	if err != nil {
		e.history.Record("error", "", map[string]any{"error": err.Error()})
		e.fire(WorkflowError, map[string]any{"error": err.Error()})
		return nil, err
	}

	// Global timeout and external cancellation surface as workflow-level
	// failures on the result rather than Go errors.
	if runCtx.Err() != nil {
		result.OverallStatus = StepFailed
		if e.wasCancelled() {
			result.Metadata["error"] = "workflow cancelled"
			result.Metadata["error_kind"] = "cancelled"
		} else {
			result.Metadata["error"] = fmt.Sprintf("workflow timed out after %s", e.config.GlobalTimeout)
			result.Metadata["error_kind"] = "timeout"
		}
	}

	e.history.Record("workflow_end", "", map[string]any{"status": string(result.OverallStatus)})
	e.fire(WorkflowEnd, map[string]any{
		"workflow": dag.Name,
		"status":   string(result.OverallStatus),
	})
	return result, nil
}

// ExecuteSteps runs steps sequentially by building a DAG with linear
// depends_on edges. Existing dependencies on earlier steps are preserved.
func (e *WorkflowExecutor) ExecuteSteps(ctx context.Context, name string, steps []*StepDefinition, ec *ExecutionContext, initialVars map[string]any) (*WorkflowResult, error) {
	dag := NewDAG(name, "sequential workflow")
	var prev string
	for _, step := range steps {
		if prev != "" && !containsString(step.DependsOn, prev) {
			step.DependsOn = append(step.DependsOn, prev)
		}
		if err := dag.Add(step); err != nil {
			return nil, err
		}
		prev = step.Name
	}
	return e.ExecuteDAG(ctx, dag, ec, initialVars)
}

// ExecuteStep runs a single step.
func (e *WorkflowExecutor) ExecuteStep(ctx context.Context, step *StepDefinition, ec *ExecutionContext, initialVars map[string]any) (*WorkflowResult, error) {
	return e.ExecuteSteps(ctx, step.Name, []*StepDefinition{step}, ec, initialVars)
}

func (e *WorkflowExecutor) injectServices(ec *ExecutionContext) {
	if e.router != nil {
		ec.Services.Register(ServiceRouter, e.router)
	}
	if e.tools != nil {
		ec.Services.Register(ServiceTools, e.tools)
	}
	if e.backend != nil {
		ec.Services.Register(ServiceBackend, e.backend)
	}
	if e.tracer != nil {
		ec.Services.Register(ServiceTracer, e.tracer)
	}
}

func (e *WorkflowExecutor) wasCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}
