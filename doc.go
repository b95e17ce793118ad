// Package cascade is an agentic workflow engine: it executes declarative
// workflow definitions in which each step is an AI-agent invocation (or a
// deterministic helper) against a pool of heterogeneous language-model
// providers.
//
// The engine schedules steps across a dependency graph with maximum
// parallelism, routes each call to the best available model, recovers from
// transient failures (rate limits, timeouts, malformed outputs), normalizes
// heterogeneous model responses against declared output contracts, and
// persists a structured audit trail.
//
// The core pieces compose bottom-up:
//
//   - DAG + DAGExecutor: dependency graph, dynamic ready-set scheduling,
//     cascade-skip on failure, cancellation.
//   - StepDefinition + StepExecutor: per-step lifecycle — conditions, input
//     mapping, retry with backoff, timeout, output capture, loop-until.
//   - SmartRouter + ModelStats + RateLimitTracker: per-model health (EMA
//     latency, circuit breaker, cooldowns), tier-based fallback chains.
//   - LLM step factory: prompt assembly, tool-calling loop, sentinel
//     artifact parsing, review-status normalization.
//   - WorkflowExecutor: top-level orchestration with global timeout,
//     execution history, service injection, and event listeners.
//
// Adapters live in subpackages: provider/openaicompat (chat backends),
// store (run-record persistence), observer (OpenTelemetry), internal/config
// (TOML configuration).
package cascade
