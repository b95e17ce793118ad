package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// StepExecutor runs StepDefinition instances through the full lifecycle:
// condition gating, pre-hooks, input mapping into a child context,
// execution with retry and timeout, output capture with review
// normalization, loop-until re-execution, post/error hooks, and context
// bookkeeping.
//
// Running steps are tracked so they can be cancelled externally by name.
type StepExecutor struct {
	mu      sync.Mutex
	running map[string]context.CancelFunc
	logger  *slog.Logger
}

// StepExecutorOption configures a StepExecutor.
type StepExecutorOption func(*StepExecutor)

// WithStepLogger sets a structured logger for step lifecycle events.
func WithStepLogger(l *slog.Logger) StepExecutorOption {
	return func(e *StepExecutor) { e.logger = l }
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(opts ...StepExecutorOption) *StepExecutor {
	e := &StepExecutor{
		running: make(map[string]context.CancelFunc),
		logger:  nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cancel cancels a running step by name. Reports whether a task was found.
func (e *StepExecutor) Cancel(stepName string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.running[stepName]; ok {
		cancel()
		return true
	}
	return false
}

// CancelAll cancels every currently running step and returns the count.
func (e *StepExecutor) CancelAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, cancel := range e.running {
		cancel()
		n++
	}
	return n
}

// Execute runs a single step and returns its finalized result. The result
// is never nil; failures are reported through its Status/Error fields, not
// through a Go error.
func (e *StepExecutor) Execute(ctx context.Context, step *StepDefinition, ec *ExecutionContext) *StepResult {
	result := newStepResult(step.Name, step.Tier)
	if agent := step.AgentName(); agent != "" {
		result.AgentRole = agent
	}

	if tracer := TracerFromContext(ec); tracer != nil {
		var span Span
		ctx, span = tracer.Start(ctx, "step.execute",
			StringAttr("step.name", step.Name),
			IntAttr("step.tier", step.Tier))
		defer func() {
			span.SetAttr(StringAttr("step.status", string(result.Status)))
			if result.Error != "" {
				span.SetAttr(StringAttr("step.error", result.Error))
			}
			span.End()
		}()
	}

	// 1. Gate.
	if !step.ShouldRun(ec) {
		result.Metadata["skip_reason"] = "conditions not met"
		result.markComplete(StepSkipped)
		return result
	}

	// 2. Validation.
	if step.Func == nil {
		result.Error = "No function defined for step"
		result.ErrorKind = ErrKindValidation
		result.markComplete(StepFailed)
		return result
	}

	result.Status = StepRunning
	ec.MarkStepStart(step.Name)

	// 3. Pre-hooks.
	for _, hook := range step.PreHooks {
		if err := hook(ctx, ec, step); err != nil {
			result.Error = fmt.Sprintf("pre-hook failed: %v", err)
			result.ErrorKind = ClassifyError(err)
			result.markComplete(StepFailed)
			ec.MarkStepFailed(step.Name, result.Error)
			return result
		}
	}

	// 4. Input mapping into a child context.
	childCtx := ec.Child(step.Name)
	ev := NewExpressionEvaluator(ec)
	inputs := make(map[string]any, len(step.InputMapping))
	for input, mapping := range step.InputMapping {
		var value any
		expr := strings.TrimSpace(mapping)
		if strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}") {
			value = ev.ResolveVariable(expr[2 : len(expr)-1])
		} else {
			value, _ = ec.Get(mapping)
		}
		inputs[input] = value
		childCtx.Set(input, value)
	}
	result.InputData = inputs

	// 5. Execute with retry, timeout, and loop-until.
	e.runWithRetry(ctx, step, ec, childCtx, result)

	// 7. Finalize.
	result.markComplete(result.Status)
	switch result.Status {
	case StepSuccess:
		e.logger.Debug("step completed", "step", step.Name, "duration_ms", result.DurationMS())
	case StepFailed:
		e.logger.Warn("step failed", "step", step.Name, "error", result.Error, "error_kind", string(result.ErrorKind))
	}
	return result
}

// runWithRetry drives the attempt loop. Loop-until re-enters the loop with
// a reset attempt counter; the retry budget applies per loop iteration.
func (e *StepExecutor) runWithRetry(ctx context.Context, step *StepDefinition, ec, childCtx *ExecutionContext, result *StepResult) {
	loopIteration := 1
	attempt := 0

	for {
		attempt++
		result.RetryCount = attempt - 1

		output, err := e.runAttempt(ctx, step, childCtx)

		if err == nil {
			e.captureOutput(step, ec, result, output)

			// Post-hooks.
			for _, hook := range step.PostHooks {
				if hookErr := hook(ctx, ec, step); hookErr != nil {
					result.Error = fmt.Sprintf("post-hook failed: %v", hookErr)
					result.ErrorKind = ClassifyError(hookErr)
					result.Status = StepFailed
					ec.MarkStepFailed(step.Name, result.Error)
					return
				}
			}

			// 6. Loop-until: re-execute while the predicate is false and
			// iterations remain. The last iteration succeeds regardless.
			if step.LoopUntil != "" {
				loopMax := step.LoopMax
				if loopMax <= 0 {
					loopMax = defaultLoopMax
				}
				if loopIteration < loopMax && !NewExpressionEvaluator(ec).Evaluate(step.LoopUntil) {
					loopIteration++
					result.Metadata["loop_iteration"] = loopIteration
					result.Status = StepRunning
					attempt = 0
					continue
				}
				if _, ok := result.Metadata["loop_iteration"]; !ok {
					result.Metadata["loop_iteration"] = loopIteration
				}
			}

			result.Status = StepSuccess
			ec.MarkStepComplete(step.Name)
			return
		}

		kind := ClassifyError(err)
		result.Error = err.Error()
		result.ErrorKind = kind

		switch kind {
		case ErrKindTimeout:
			// Timeout is final by policy: no retry.
			result.Error = fmt.Sprintf("step timed out after %gs", step.TimeoutSeconds)
			result.Status = StepFailed
			ec.MarkStepFailed(step.Name, result.Error)
			return
		case ErrKindCancelled:
			result.Error = "step was cancelled"
			result.Status = StepFailed
			ec.MarkStepFailed(step.Name, result.Error)
			return
		}

		// Validation failures are fatal regardless of retry policy.
		if kind != ErrKindValidation && attempt <= step.Retry.MaxRetries && step.Retry.ShouldRetry(kind) {
			result.Status = StepRetrying
			delay := step.Retry.GetDelay(attempt)
			result.Metadata[fmt.Sprintf("retry_%d_delay_ms", attempt)] = float64(delay) / float64(time.Millisecond)
			e.logger.Debug("step retrying", "step", step.Name, "attempt", attempt, "delay", delay.String())
			select {
			case <-ctx.Done():
				result.Error = "step was cancelled"
				result.ErrorKind = ErrKindCancelled
				result.Status = StepFailed
				ec.MarkStepFailed(step.Name, result.Error)
				return
			case <-time.After(delay):
			}
			continue
		}

		// Error hooks run best-effort; their failures are swallowed.
		for _, hook := range step.ErrorHooks {
			func() {
				defer func() { recover() }()
				_ = hook(ctx, ec, step)
			}()
		}

		if agent := step.AgentName(); agent != "" {
			errMsg := NewAgentMessage(MessageError, agent, result.Error)
			errMsg.Metadata = map[string]any{"step": step.Name, "error_kind": string(kind)}
			ec.AppendMessage(errMsg)
		}

		result.Status = StepFailed
		ec.MarkStepFailed(step.Name, result.Error)
		return
	}
}

// runAttempt executes the step function once as a cancellable task, racing
// it against the per-step timeout when one is set.
func (e *StepExecutor) runAttempt(ctx context.Context, step *StepDefinition, childCtx *ExecutionContext) (map[string]any, error) {
	var attemptCtx context.Context
	var cancel context.CancelFunc
	if step.TimeoutSeconds > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds*float64(time.Second)))
	} else {
		attemptCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	e.mu.Lock()
	e.running[step.Name] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, step.Name)
		e.mu.Unlock()
	}()

	type attemptResult struct {
		output map[string]any
		err    error
	}
	done := make(chan attemptResult, 1)
	go func() {
		out, err := step.Func(attemptCtx, childCtx)
		done <- attemptResult{output: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.output, nil
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && step.TimeoutSeconds > 0 {
			return nil, context.DeadlineExceeded
		}
		return nil, context.Canceled
	}
}

// captureOutput extracts _meta, normalizes review reports, applies the
// output mapping to the parent context, and writes the steps.<name> side
// channel so downstream expressions can read
// ${steps.<name>.outputs.<key>}.
func (e *StepExecutor) captureOutput(step *StepDefinition, ec *ExecutionContext, result *StepResult, output map[string]any) {
	if output == nil {
		output = map[string]any{}
	}

	// Reserved _meta entry: model/token/tool-call accounting.
	if meta, ok := output["_meta"].(map[string]any); ok {
		delete(output, "_meta")
		if m, ok := meta["model_used"].(string); ok {
			result.ModelUsed = m
		}
		switch n := meta["tokens_used"].(type) {
		case int:
			if n > 0 {
				result.Metadata["tokens_used"] = n
			}
		case float64:
			if n > 0 {
				result.Metadata["tokens_used"] = int(n)
			}
		}
		switch n := meta["tool_calls"].(type) {
		case int:
			if n > 0 {
				result.Metadata["tool_calls"] = n
			}
		case float64:
			if n > 0 {
				result.Metadata["tool_calls"] = int(n)
			}
		}
	}

	// Review-report safety net: steps that gate on review status must
	// always expose a canonical review_report.overall_status.
	_, mapsReview := step.OutputMapping["review_report"]
	if mapsReview || strings.HasPrefix(step.Name, "review") {
		normalizeReviewOutput(output)
	}

	result.OutputData = output

	for outputKey, ctxPath := range step.OutputMapping {
		if v, ok := output[outputKey]; ok {
			ec.Set(ctxPath, v)
		}
	}

	// Side channel: steps.<name> = {status, outputs}.
	ec.RecordStepView(step.Name, map[string]any{
		"status":  string(StepSuccess),
		"outputs": output,
	})
}
