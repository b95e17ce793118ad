package observer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	cascade "github.com/nevindra/cascade"
)

// engineTracer bridges the engine's Tracer abstraction onto OpenTelemetry.
// Beyond plain span creation it knows the engine's span names: spans named
// "step.execute" and "workflow.execute" also feed the step/workflow
// duration histograms when instruments are attached, so a single tracer
// wiring produces both traces and metrics.
type engineTracer struct {
	inner trace.Tracer
	inst  *Instruments
}

// NewTracer returns a cascade.Tracer backed by the global OTEL
// TracerProvider. Call Init first to configure exporters; without it,
// spans go to a no-op backend.
func NewTracer() cascade.Tracer {
	return &engineTracer{inner: otel.Tracer(scopeName)}
}

// NewInstrumentedTracer is NewTracer plus metric recording: engine spans
// additionally record duration histograms and execution counters on inst.
func NewInstrumentedTracer(inst *Instruments) cascade.Tracer {
	return &engineTracer{inner: otel.Tracer(scopeName), inst: inst}
}

func (t *engineTracer) Start(ctx context.Context, name string, attrs ...cascade.SpanAttr) (context.Context, cascade.Span) {
	ctx, inner := t.inner.Start(ctx, name, trace.WithAttributes(convertAttrs(attrs)...))
	return ctx, &engineSpan{
		inner: inner,
		name:  name,
		start: time.Now(),
		inst:  t.inst,
	}
}

// engineSpan wraps an OTEL span with engine-metric bookkeeping.
type engineSpan struct {
	inner trace.Span
	name  string
	start time.Time
	inst  *Instruments
	// failed tracks whether Error was recorded, so End can count failed
	// executions distinctly from successes.
	failed bool
}

func (s *engineSpan) SetAttr(attrs ...cascade.SpanAttr) {
	s.inner.SetAttributes(convertAttrs(attrs)...)
}

func (s *engineSpan) Event(name string, attrs ...cascade.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(convertAttrs(attrs)...))
}

func (s *engineSpan) Error(err error) {
	if err == nil {
		err = errors.New("unspecified error")
	}
	s.failed = true
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s *engineSpan) End() {
	if s.inst != nil {
		ctx := context.Background()
		elapsed := float64(time.Since(s.start)) / float64(time.Millisecond)
		outcome := metric.WithAttributes(attribute.Bool("failed", s.failed))
		switch s.name {
		case "step.execute":
			s.inst.StepExecutions.Add(ctx, 1, outcome)
			s.inst.StepDuration.Record(ctx, elapsed)
		case "workflow.execute":
			s.inst.WorkflowRuns.Add(ctx, 1, outcome)
			s.inst.WorkflowDuration.Record(ctx, elapsed)
		}
	}
	s.inner.End()
}

// convertAttrs maps engine span attributes onto OTEL key-values. The
// engine emits strings, ints, floats, bools, durations, and errors;
// anything else is recorded in its Go string form so no attribute is
// silently dropped.
func convertAttrs(attrs []cascade.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out = append(out, attribute.String(a.Key, v))
		case int:
			out = append(out, attribute.Int(a.Key, v))
		case int64:
			out = append(out, attribute.Int64(a.Key, v))
		case float64:
			out = append(out, attribute.Float64(a.Key, v))
		case bool:
			out = append(out, attribute.Bool(a.Key, v))
		case time.Duration:
			out = append(out, attribute.Float64(a.Key, float64(v)/float64(time.Millisecond)))
		case error:
			out = append(out, attribute.String(a.Key, v.Error()))
		default:
			out = append(out, attribute.String(a.Key, fmt.Sprint(v)))
		}
	}
	return out
}
