package cascade

import (
	"context"
	"math/rand"
	"time"
)

// --- Retry configuration ---

// RetryStrategy selects the backoff algorithm between attempts.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryConfig controls step retry behaviour. NoRetryOn takes precedence
// over RetryOn: an error kind listed in both is never retried.
type RetryConfig struct {
	// MaxRetries is the number of retry attempts (0 = single attempt).
	MaxRetries int
	Strategy   RetryStrategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter perturbs each delay uniformly in [-Jitter*d, +Jitter*d].
	Jitter float64

	// RetryOn lists eligible error kinds; empty means all kinds retry
	// (except those in NoRetryOn).
	RetryOn []ErrorKind
	// NoRetryOn lists kinds that must never retry.
	NoRetryOn []ErrorKind
}

// DefaultRetryConfig mirrors the engine default: 3 exponential retries
// starting at 1s, capped at 60s, with 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Strategy:   RetryExponential,
		BaseDelay:  time.Second,
		MaxDelay:   60 * time.Second,
		Jitter:     0.1,
	}
}

// GetDelay returns the backoff delay before retry attempt (1-indexed),
// capped at MaxDelay and perturbed by Jitter. Never negative.
func (r RetryConfig) GetDelay(attempt int) time.Duration {
	var base time.Duration
	switch r.Strategy {
	case RetryNone:
		return 0
	case RetryFixed:
		base = r.BaseDelay
	case RetryLinear:
		base = r.BaseDelay * time.Duration(attempt)
	default: // exponential
		base = r.BaseDelay << (attempt - 1)
	}

	if r.MaxDelay > 0 && base > r.MaxDelay {
		base = r.MaxDelay
	}
	if r.Jitter > 0 {
		span := float64(base) * r.Jitter
		base += time.Duration((rand.Float64()*2 - 1) * span)
	}
	if base < 0 {
		return 0
	}
	return base
}

// ShouldRetry reports whether an error kind is eligible for retry.
func (r RetryConfig) ShouldRetry(kind ErrorKind) bool {
	for _, k := range r.NoRetryOn {
		if k == kind {
			return false
		}
	}
	if len(r.RetryOn) == 0 {
		return true
	}
	for _, k := range r.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// --- Step definition ---

// StepFunc performs a step's work against its child execution context and
// returns the step's output key/value pairs. LLM-backed steps additionally
// return a reserved "_meta" entry that the StepExecutor extracts.
type StepFunc func(ctx context.Context, ec *ExecutionContext) (map[string]any, error)

// HookFunc runs around step execution. Pre-hook failures fail the step;
// post-hook errors propagate; error-hook errors are swallowed.
type HookFunc func(ctx context.Context, ec *ExecutionContext, step *StepDefinition) error

// ConditionFunc gates step execution.
type ConditionFunc func(ec *ExecutionContext) bool

// defaultLoopMax bounds loop_until re-execution when LoopMax is unset.
const defaultLoopMax = 3

// StepDefinition describes a single node in a workflow DAG: what function
// to run, which model tier to use, how to map inputs and outputs, when to
// skip, and how to handle failures. Definitions are immutable for the
// lifetime of a workflow; the fluent With* builders are for construction
// only.
type StepDefinition struct {
	// Name is the unique step identifier within a DAG.
	Name        string
	Description string

	// Func performs the work. Resolved from the agent name for YAML-loaded
	// steps; nil Func on a scheduled step is an error.
	Func StepFunc

	// Tier is the model capability bracket: 0 = deterministic (no LLM),
	// 1-5 = increasingly strong models.
	Tier int

	// TimeoutSeconds caps wall-clock execution per attempt (0 = unlimited).
	TimeoutSeconds float64

	Retry RetryConfig

	// When gates execution: the step runs only if it returns true.
	When ConditionFunc
	// Unless inverts: the step is skipped if it returns true.
	Unless ConditionFunc
	// WhenExpr / UnlessExpr are the ${...} forms, evaluated when the
	// callable gates are nil.
	WhenExpr   string
	UnlessExpr string

	// LoopUntil re-executes the step until this expression evaluates true
	// or LoopMax iterations have run. The last iteration succeeds even if
	// the predicate is still false.
	LoopUntil string
	LoopMax   int

	DependsOn []string

	// InputMapping maps step-local input names to context paths or ${...}
	// expressions, resolved into the child context before execution.
	InputMapping map[string]string
	// OutputMapping maps step output keys to context paths written on the
	// parent context after success.
	OutputMapping map[string]string

	PreHooks   []HookFunc
	PostHooks  []HookFunc
	ErrorHooks []HookFunc

	Tags []string
	// Metadata carries the agent name, prompt-file override, and tool
	// allowlist for YAML-loaded steps.
	Metadata map[string]any
}

// NewStep creates a step definition with engine defaults.
func NewStep(name string) *StepDefinition {
	return &StepDefinition{
		Name:          name,
		Retry:         DefaultRetryConfig(),
		LoopMax:       defaultLoopMax,
		InputMapping:  make(map[string]string),
		OutputMapping: make(map[string]string),
		Metadata:      make(map[string]any),
	}
}

// WithDescription sets the step description.
func (s *StepDefinition) WithDescription(d string) *StepDefinition {
	s.Description = d
	return s
}

// WithFunc attaches the executable function.
func (s *StepDefinition) WithFunc(fn StepFunc) *StepDefinition {
	s.Func = fn
	return s
}

// WithTier sets the model tier.
func (s *StepDefinition) WithTier(tier int) *StepDefinition {
	s.Tier = tier
	return s
}

// WithTimeout sets the per-attempt timeout in seconds.
func (s *StepDefinition) WithTimeout(seconds float64) *StepDefinition {
	s.TimeoutSeconds = seconds
	return s
}

// WithRetry replaces the retry configuration.
func (s *StepDefinition) WithRetry(r RetryConfig) *StepDefinition {
	s.Retry = r
	return s
}

// WithDependency appends upstream step names.
func (s *StepDefinition) WithDependency(names ...string) *StepDefinition {
	s.DependsOn = append(s.DependsOn, names...)
	return s
}

// WithInput adds input mappings (step input name -> context path or ${expr}).
func (s *StepDefinition) WithInput(mapping map[string]string) *StepDefinition {
	for k, v := range mapping {
		s.InputMapping[k] = v
	}
	return s
}

// WithOutput adds output mappings (step output key -> context path).
func (s *StepDefinition) WithOutput(mapping map[string]string) *StepDefinition {
	for k, v := range mapping {
		s.OutputMapping[k] = v
	}
	return s
}

// WithWhen sets the when gate.
func (s *StepDefinition) WithWhen(fn ConditionFunc) *StepDefinition {
	s.When = fn
	return s
}

// WithUnless sets the unless gate.
func (s *StepDefinition) WithUnless(fn ConditionFunc) *StepDefinition {
	s.Unless = fn
	return s
}

// WithLoopUntil sets the loop predicate and bound.
func (s *StepDefinition) WithLoopUntil(expr string, max int) *StepDefinition {
	s.LoopUntil = expr
	if max > 0 {
		s.LoopMax = max
	}
	return s
}

// WithPreHook appends a pre-execution hook.
func (s *StepDefinition) WithPreHook(h HookFunc) *StepDefinition {
	s.PreHooks = append(s.PreHooks, h)
	return s
}

// WithPostHook appends a post-execution hook.
func (s *StepDefinition) WithPostHook(h HookFunc) *StepDefinition {
	s.PostHooks = append(s.PostHooks, h)
	return s
}

// WithErrorHook appends an error hook.
func (s *StepDefinition) WithErrorHook(h HookFunc) *StepDefinition {
	s.ErrorHooks = append(s.ErrorHooks, h)
	return s
}

// AgentName returns the agent name from metadata, or "".
func (s *StepDefinition) AgentName() string {
	if v, ok := s.Metadata["agent"].(string); ok {
		return v
	}
	return ""
}

// ShouldRun determines whether this step is eligible to execute: all
// dependencies completed and none failed, the when gate passes, and the
// unless gate does not trigger. Expression gates evaluate against ec.
func (s *StepDefinition) ShouldRun(ec *ExecutionContext) bool {
	for _, dep := range s.DependsOn {
		if !ec.IsStepComplete(dep) || ec.IsStepFailed(dep) {
			return false
		}
	}

	ev := NewExpressionEvaluator(ec)
	if s.When != nil {
		if !s.When(ec) {
			return false
		}
	} else if s.WhenExpr != "" {
		if !ev.Evaluate(s.WhenExpr) {
			return false
		}
	}
	if s.Unless != nil {
		if s.Unless(ec) {
			return false
		}
	} else if s.UnlessExpr != "" {
		if ev.Evaluate(s.UnlessExpr) {
			return false
		}
	}
	return true
}
