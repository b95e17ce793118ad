package cascade

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func sleepStep(name string, d time.Duration, deps ...string) *StepDefinition {
	s := NewStep(name).WithFunc(func(ctx context.Context, _ *ExecutionContext) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
		}
		return map[string]any{"done": name}, nil
	})
	s.DependsOn = deps
	s.Retry.MaxRetries = 0
	return s
}

func failStep(name string, deps ...string) *StepDefinition {
	s := NewStep(name).WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
		return nil, errors.New("boom")
	})
	s.DependsOn = deps
	s.Retry.MaxRetries = 0
	return s
}

func TestDiamondDAGParallelism(t *testing.T) {
	dag := NewDAG("diamond", "")
	dag.Add(sleepStep("a", 100*time.Millisecond))
	dag.Add(sleepStep("b", 100*time.Millisecond, "a"))
	dag.Add(sleepStep("c", 100*time.Millisecond, "a"))
	dag.Add(sleepStep("d", 100*time.Millisecond, "b", "c"))

	result, err := NewDAGExecutor().Execute(context.Background(), dag, nil, 4, nil)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if result.OverallStatus != StepSuccess {
		t.Fatalf("status = %v, want success", result.OverallStatus)
	}

	a, d := result.StepByName("a"), result.StepByName("d")
	if a == nil || d == nil || a.EndTime == nil {
		t.Fatal("missing step results")
	}
	// b and c overlap, so d starts well under 2 sequential sleeps after a.
	if gap := d.StartTime.Sub(*a.EndTime); gap >= 220*time.Millisecond {
		t.Errorf("d started %v after a ended, want < 220ms (b/c should overlap)", gap)
	}
}

func TestSerialOrderWithConcurrencyOne(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) *StepDefinition {
		return NewStep(name).WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			return nil, nil
		})
	}

	dag := NewDAG("serial", "")
	a := record("a")
	b := record("b")
	b.DependsOn = []string{"a"}
	c := record("c")
	c.DependsOn = []string{"a"}
	d := record("d")
	d.DependsOn = []string{"b", "c"}
	dag.AddMany(a, b, c, d)

	result, err := NewDAGExecutor().Execute(context.Background(), dag, nil, 1, nil)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if result.OverallStatus != StepSuccess {
		t.Fatalf("status = %v", result.OverallStatus)
	}

	want := []string{"a", "b", "c", "d"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v (FIFO readiness)", order, want)
		}
	}
}

func TestCascadeSkip(t *testing.T) {
	dag := NewDAG("cascade", "")
	dag.Add(sleepStep("a", time.Millisecond))
	dag.Add(failStep("b", "a"))
	dag.Add(sleepStep("c", time.Millisecond, "b"))
	dag.Add(sleepStep("d", time.Millisecond, "a"))

	result, err := NewDAGExecutor().Execute(context.Background(), dag, nil, 4, nil)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}

	if result.OverallStatus != StepFailed {
		t.Errorf("workflow status = %v, want failed", result.OverallStatus)
	}
	if got := result.StepByName("c"); got.Status != StepSkipped {
		t.Errorf("c.status = %v, want skipped", got.Status)
	} else if reason := got.Metadata["skip_reason"]; reason != "dependency failed" {
		t.Errorf("c skip_reason = %v, want %q", reason, "dependency failed")
	}
	if got := result.StepByName("d"); got.Status != StepSuccess {
		t.Errorf("d.status = %v, want success (unrelated branch)", got.Status)
	}
	if failed := result.FailedSteps(); len(failed) != 1 || failed[0] != "b" {
		t.Errorf("failed steps = %v, want [b]", failed)
	}
}

func TestTransitiveCascadeSkip(t *testing.T) {
	dag := NewDAG("deep", "")
	dag.Add(failStep("a"))
	dag.Add(sleepStep("b", time.Millisecond, "a"))
	dag.Add(sleepStep("c", time.Millisecond, "b"))
	dag.Add(sleepStep("d", time.Millisecond, "c"))

	result, _ := NewDAGExecutor().Execute(context.Background(), dag, nil, 2, nil)
	for _, name := range []string{"b", "c", "d"} {
		step := result.StepByName(name)
		if step.Status != StepSkipped {
			t.Errorf("%s.status = %v, want skipped", name, step.Status)
		}
	}
}

func TestBoundedParallelism(t *testing.T) {
	const limit = 2
	var running, peak atomic.Int32

	dag := NewDAG("bounded", "")
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		dag.Add(NewStep(name).WithFunc(func(_ context.Context, _ *ExecutionContext) (map[string]any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		}))
	}

	if _, err := NewDAGExecutor().Execute(context.Background(), dag, nil, limit, nil); err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if p := peak.Load(); p > limit {
		t.Errorf("peak concurrency = %d, want <= %d", p, limit)
	}
}

func TestConditionSkipDoesNotCascade(t *testing.T) {
	dag := NewDAG("condskip", "")
	a := sleepStep("a", time.Millisecond)
	a.When = func(_ *ExecutionContext) bool { return false }
	dag.Add(a)
	dag.Add(sleepStep("b", time.Millisecond, "a"))

	result, err := NewDAGExecutor().Execute(context.Background(), dag, nil, 2, nil)
	if err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if got := result.StepByName("a"); got.Status != StepSkipped {
		t.Fatalf("a.status = %v, want skipped", got.Status)
	}
	if got := result.StepByName("b"); got.Status != StepSuccess {
		t.Errorf("b.status = %v, want success (when=false is completed-skipped)", got.Status)
	}
	if result.OverallStatus != StepSuccess {
		t.Errorf("workflow status = %v, want success", result.OverallStatus)
	}
}

func TestEventCallbackOrder(t *testing.T) {
	dag := NewDAG("events", "")
	dag.Add(sleepStep("only", time.Millisecond))

	var mu sync.Mutex
	var events []string
	onUpdate := func(_ context.Context, event map[string]any) error {
		mu.Lock()
		defer mu.Unlock()
		typ, _ := event["type"].(string)
		events = append(events, typ)
		return nil
	}

	if _, err := NewDAGExecutor().Execute(context.Background(), dag, nil, 1, onUpdate); err != nil {
		t.Fatalf("Execute() = %v", err)
	}

	want := []string{"workflow_start", "step_start", "step_end", "workflow_end"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}
