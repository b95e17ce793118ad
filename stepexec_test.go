package cascade

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestStepSkippedWhenConditionsNotMet(t *testing.T) {
	ec := NewExecutionContext()
	step := NewStep("gated").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		t.Fatal("step function must not run")
		return nil, nil
	}).WithWhen(func(_ *ExecutionContext) bool { return false })

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepSkipped {
		t.Fatalf("status = %v, want skipped", result.Status)
	}
	if reason := result.Metadata["skip_reason"]; reason != "conditions not met" {
		t.Errorf("skip_reason = %v, want %q", reason, "conditions not met")
	}
}

func TestStepFailsWithoutFunction(t *testing.T) {
	ec := NewExecutionContext()
	result := NewStepExecutor().Execute(context.Background(), NewStep("nofunc"), ec)
	if result.Status != StepFailed {
		t.Fatalf("status = %v, want failed", result.Status)
	}
	if result.Error != "No function defined for step" {
		t.Errorf("error = %q", result.Error)
	}
}

func TestStepInputMapping(t *testing.T) {
	ec := NewExecutionContext()
	ec.Set("source_code", "package main")
	ec.Set("steps", map[string]any{
		"build": map[string]any{"outputs": map[string]any{"binary": "a.out"}},
	})

	var seenCode, seenBinary any
	step := NewStep("map").WithFunc(func(_ context.Context, child *ExecutionContext) (map[string]any, error) {
		seenCode, _ = child.Get("code")
		seenBinary, _ = child.Get("binary")
		return nil, nil
	}).WithInput(map[string]string{
		"code":   "source_code",
		"binary": "${steps.build.outputs.binary}",
	})

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepSuccess {
		t.Fatalf("status = %v: %s", result.Status, result.Error)
	}
	if seenCode != "package main" {
		t.Errorf("plain lookup = %v", seenCode)
	}
	if seenBinary != "a.out" {
		t.Errorf("expression lookup = %v", seenBinary)
	}
	if result.InputData["code"] != "package main" {
		t.Errorf("input_data = %v", result.InputData)
	}
}

func TestStepOutputMappingAndSideChannel(t *testing.T) {
	ec := NewExecutionContext()
	step := NewStep("produce").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		return map[string]any{"answer": 42}, nil
	}).WithOutput(map[string]string{"answer": "final_answer"})

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepSuccess {
		t.Fatalf("status = %v", result.Status)
	}

	if v, _ := ec.Get("final_answer"); v != 42 {
		t.Errorf("output mapping wrote %v, want 42", v)
	}

	// Side channel readable by expressions.
	ev := NewExpressionEvaluator(ec)
	if got := ev.ResolveVariable("steps.produce.outputs.answer"); got != 42 {
		t.Errorf("side channel = %v, want 42", got)
	}
	if got := ev.ResolveVariable("steps.produce.status"); got != "success" {
		t.Errorf("side channel status = %v", got)
	}
}

func TestStepRetryCountAccuracy(t *testing.T) {
	ec := NewExecutionContext()
	var calls atomic.Int32
	step := NewStep("flaky").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient flake")
		}
		return nil, nil
	})
	step.Retry = RetryConfig{MaxRetries: 3, Strategy: RetryFixed, BaseDelay: time.Millisecond}

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepSuccess {
		t.Fatalf("status = %v: %s", result.Status, result.Error)
	}
	// Two re-attempts, three total calls.
	if result.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", result.RetryCount)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestStepNoRetryWithZeroBudget(t *testing.T) {
	ec := NewExecutionContext()
	var calls atomic.Int32
	step := NewStep("once").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("always fails")
	})
	step.Retry = RetryConfig{MaxRetries: 0}

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepFailed {
		t.Fatalf("status = %v", result.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (max_retries = 0)", calls.Load())
	}
	if result.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", result.RetryCount)
	}
}

func TestStepTimeoutIsFinal(t *testing.T) {
	ec := NewExecutionContext()
	var calls atomic.Int32
	step := NewStep("slow").WithFunc(func(ctx context.Context, _ *ExecutionContext) (map[string]any, error) {
		calls.Add(1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}).WithTimeout(0.05)
	step.Retry = RetryConfig{MaxRetries: 3, Strategy: RetryFixed, BaseDelay: time.Millisecond}

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepFailed {
		t.Fatalf("status = %v", result.Status)
	}
	if result.ErrorKind != ErrKindTimeout {
		t.Errorf("error_kind = %v, want %v", result.ErrorKind, ErrKindTimeout)
	}
	// Timeout is final by policy: no retry despite the budget.
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestStepNoRetryOnTakesPrecedence(t *testing.T) {
	ec := NewExecutionContext()
	var calls atomic.Int32
	step := NewStep("classified").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("some transient thing")
	})
	step.Retry = RetryConfig{
		MaxRetries: 3,
		Strategy:   RetryFixed,
		BaseDelay:  time.Millisecond,
		RetryOn:    []ErrorKind{ErrKindTransient},
		NoRetryOn:  []ErrorKind{ErrKindTransient},
	}

	NewStepExecutor().Execute(context.Background(), step, ec)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no_retry_on wins)", calls.Load())
	}
}

func TestStepPreHookFailureFailsStep(t *testing.T) {
	ec := NewExecutionContext()
	step := NewStep("hooked").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		t.Fatal("step must not run after pre-hook failure")
		return nil, nil
	}).WithPreHook(func(_ context.Context, _ *ExecutionContext, _ *StepDefinition) error {
		return errors.New("hook exploded")
	})

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepFailed {
		t.Fatalf("status = %v", result.Status)
	}
}

func TestStepErrorHookPanicsSwallowed(t *testing.T) {
	ec := NewExecutionContext()
	step := NewStep("errhook").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		return nil, errors.New("fail")
	}).WithErrorHook(func(_ context.Context, _ *ExecutionContext, _ *StepDefinition) error {
		panic("error hook panic")
	})
	step.Retry = RetryConfig{MaxRetries: 0}

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepFailed {
		t.Fatalf("status = %v (panic must be swallowed)", result.Status)
	}
}

func TestLoopUntilReviewGate(t *testing.T) {
	ec := NewExecutionContext()
	var calls atomic.Int32
	step := NewStep("review_code").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		n := calls.Add(1)
		status := "needs work"
		if n >= 2 {
			status = "PASS"
		}
		return map[string]any{
			"review_report": map[string]any{"overall_status": status},
		}, nil
	}).WithOutput(map[string]string{"review_report": "review_report"})
	step.WithLoopUntil("${steps.review_code.outputs.review_report.overall_status} in ['APPROVED', 'APPROVED_WITH_NOTES']", 3)

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepSuccess {
		t.Fatalf("status = %v: %s", result.Status, result.Error)
	}
	// First iteration normalizes "needs work" -> NEEDS_FIXES (loop
	// continues); second normalizes "PASS" -> APPROVED (loop exits).
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if result.Metadata["loop_iteration"] != 2 {
		t.Errorf("loop_iteration = %v, want 2", result.Metadata["loop_iteration"])
	}
}

func TestLoopUntilImmediatePass(t *testing.T) {
	ec := NewExecutionContext()
	var calls atomic.Int32
	step := NewStep("review_fast").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{
			"review_report": map[string]any{"overall_status": "PASS"},
		}, nil
	}).WithOutput(map[string]string{"review_report": "review_report"})
	step.WithLoopUntil("${steps.review_fast.outputs.review_report.overall_status} in ['APPROVED', 'APPROVED_WITH_NOTES']", 3)

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepSuccess {
		t.Fatalf("status = %v", result.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if result.Metadata["loop_iteration"] != 1 {
		t.Errorf("loop_iteration = %v, want 1", result.Metadata["loop_iteration"])
	}
}

func TestLoopUntilExhaustionIsSuccess(t *testing.T) {
	ec := NewExecutionContext()
	var calls atomic.Int32
	step := NewStep("review_loop").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{
			"review_report": map[string]any{"overall_status": "needs work"},
		}, nil
	}).WithOutput(map[string]string{"review_report": "review_report"})
	step.WithLoopUntil("${steps.review_loop.outputs.review_report.overall_status} in ['APPROVED']", 3)

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepSuccess {
		t.Fatalf("status = %v, want success (loop exhaustion is not failure)", result.Status)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if result.Metadata["loop_iteration"] != 3 {
		t.Errorf("loop_iteration = %v, want 3", result.Metadata["loop_iteration"])
	}
}

func TestLoopMaxOneNeverReruns(t *testing.T) {
	ec := NewExecutionContext()
	var calls atomic.Int32
	step := NewStep("single").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"flag": false}, nil
	})
	step.WithLoopUntil("${steps.single.outputs.flag}", 1)

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.Status != StepSuccess {
		t.Fatalf("status = %v", result.Status)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (loop_max = 1)", calls.Load())
	}
}

func TestStepMetaExtraction(t *testing.T) {
	ec := NewExecutionContext()
	step := NewStep("llm").WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		return map[string]any{
			"text": "hi",
			"_meta": map[string]any{
				"model_used":  "openai:gpt-4o",
				"tokens_used": 123,
				"tool_calls":  2,
			},
		}, nil
	})

	result := NewStepExecutor().Execute(context.Background(), step, ec)
	if result.ModelUsed != "openai:gpt-4o" {
		t.Errorf("model_used = %q", result.ModelUsed)
	}
	if result.TokensUsed() != 123 {
		t.Errorf("tokens_used = %d", result.TokensUsed())
	}
	if result.Metadata["tool_calls"] != 2 {
		t.Errorf("tool_calls = %v", result.Metadata["tool_calls"])
	}
	if _, ok := result.OutputData["_meta"]; ok {
		t.Error("_meta must be stripped from output_data")
	}
}

func TestStepCancellation(t *testing.T) {
	ec := NewExecutionContext()
	ctx, cancel := context.WithCancel(context.Background())
	step := NewStep("cancelme").WithFunc(func(ctx context.Context, _ *ExecutionContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	step.Retry = RetryConfig{MaxRetries: 3, Strategy: RetryFixed, BaseDelay: time.Millisecond}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result := NewStepExecutor().Execute(ctx, step, ec)
	if result.Status != StepFailed {
		t.Fatalf("status = %v", result.Status)
	}
	if result.ErrorKind != ErrKindCancelled {
		t.Errorf("error_kind = %v, want %v", result.ErrorKind, ErrKindCancelled)
	}
}

func TestRetryDelayStrategies(t *testing.T) {
	base := RetryConfig{Strategy: RetryFixed, BaseDelay: time.Second, MaxDelay: time.Minute}
	if d := base.GetDelay(3); d != time.Second {
		t.Errorf("fixed delay = %v, want 1s", d)
	}

	linear := RetryConfig{Strategy: RetryLinear, BaseDelay: time.Second, MaxDelay: time.Minute}
	if d := linear.GetDelay(3); d != 3*time.Second {
		t.Errorf("linear delay = %v, want 3s", d)
	}

	exp := RetryConfig{Strategy: RetryExponential, BaseDelay: time.Second, MaxDelay: time.Minute}
	if d := exp.GetDelay(3); d != 4*time.Second {
		t.Errorf("exponential delay = %v, want 4s", d)
	}

	capped := RetryConfig{Strategy: RetryExponential, BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	if d := capped.GetDelay(10); d != 2*time.Second {
		t.Errorf("capped delay = %v, want 2s", d)
	}

	jittered := RetryConfig{Strategy: RetryFixed, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := jittered.GetDelay(1)
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [0.5s, 1.5s]", d)
		}
	}
}
