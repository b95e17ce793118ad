package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies a step or provider failure. The StepExecutor and
// SmartRouter switch on these values instead of inspecting raw errors.
type ErrorKind string

const (
	// ErrKindTimeout marks a step that exceeded its timeout. Never retried.
	ErrKindTimeout ErrorKind = "TimeoutError"
	// ErrKindCancelled marks an externally cancelled step. Never retried.
	ErrKindCancelled ErrorKind = "CancelledError"
	// ErrKindRateLimit marks a provider 429 / rate-limit response.
	ErrKindRateLimit ErrorKind = "RateLimit"
	// ErrKindProviderTimeout marks an I/O timeout on a provider call.
	ErrKindProviderTimeout ErrorKind = "Timeout"
	// ErrKindPermanent marks model-not-found / no-access failures. The model
	// is marked unavailable for the remainder of the process.
	ErrKindPermanent ErrorKind = "Permanent"
	// ErrKindTransient marks any other failure, eligible for retry.
	ErrKindTransient ErrorKind = "Transient"
	// ErrKindValidation marks an input or expression failure. Fatal for the step.
	ErrKindValidation ErrorKind = "ValidationError"
	// ErrKindParse marks an unparseable LLM response.
	ErrKindParse ErrorKind = "ParseError"
)

// ErrLLM reports a failure from a model backend.
type ErrLLM struct {
	Provider string
	Model    string
	Message  string
}

func (e *ErrLLM) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("%s (%s): %s", e.Provider, e.Model, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx HTTP response from a provider. RetryAfter and
// Headers are populated from the response so rate-limit handling can derive
// precise cooldowns.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
	Headers    map[string]string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrValidation reports a bad input mapping, expression, or definition.
type ErrValidation struct {
	Step    string
	Message string
}

func (e *ErrValidation) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("step %s: %s", e.Step, e.Message)
	}
	return e.Message
}

// ErrParse reports an LLM response that could not be parsed into the
// declared output contract.
type ErrParse struct {
	Message string
}

func (e *ErrParse) Error() string { return "parse: " + e.Message }

// MissingDependencyError reports a depends_on entry that names an
// unregistered step. Both endpoints are reported.
type MissingDependencyError struct {
	Step       string
	MissingDep string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("step %q depends on missing step %q", e.Step, e.MissingDep)
}

// CycleDetectedError reports a dependency cycle with its path, from the
// repeated node back to itself (e.g. [a b c a]).
type CycleDetectedError struct {
	Path []string
}

func (e *CycleDetectedError) Error() string {
	return "cycle detected in DAG: " + strings.Join(e.Path, " -> ")
}

// ClassifyError maps an error to an ErrorKind. Classification checks the
// structured error types first, then falls back to the provider-error
// substring conventions ("rate limit"/"429", "timeout", "not found"/"no
// access"); anything else is transient.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}

	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}

	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 429:
			return ErrKindRateLimit
		case httpErr.Status == 404 || httpErr.Status == 403:
			return ErrKindPermanent
		case httpErr.Status == 408 || httpErr.Status == 504:
			return ErrKindProviderTimeout
		}
		return ErrKindTransient
	}

	var valErr *ErrValidation
	if errors.As(err, &valErr) {
		return ErrKindValidation
	}
	var parseErr *ErrParse
	if errors.As(err, &parseErr) {
		return ErrKindParse
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return ErrKindRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return ErrKindProviderTimeout
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no access"):
		return ErrKindPermanent
	}
	return ErrKindTransient
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// headersOf extracts the response headers from an ErrHTTP, or nil.
func headersOf(err error) map[string]string {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Headers
	}
	return nil
}
