// Package observer provides OTEL-based observability for cascade workflow
// runs.
//
// It exposes engine instruments (step executions, LLM requests, token
// usage, durations) and an OTEL-backed cascade.Tracer. Users export to any
// OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/cascade/observer"

// Instruments holds all OTEL instruments used by the engine wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage     metric.Int64Counter
	LLMRequests    metric.Int64Counter
	ToolExecutions metric.Int64Counter
	StepExecutions metric.Int64Counter
	StepRetries    metric.Int64Counter
	WorkflowRuns   metric.Int64Counter

	// Histograms
	LLMDuration      metric.Float64Histogram
	ToolDuration     metric.Float64Histogram
	StepDuration     metric.Float64Histogram
	WorkflowDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP
// exporters. Configuration comes from standard OTEL env vars
// (OTEL_EXPORTER_OTLP_ENDPOINT, etc.). Returns a shutdown function that
// must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("cascade")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	stepExecutions, err := meter.Int64Counter("step.executions",
		metric.WithDescription("Workflow step execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	stepRetries, err := meter.Int64Counter("step.retries",
		metric.WithDescription("Workflow step retry count"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}

	workflowRuns, err := meter.Int64Counter("workflow.runs",
		metric.WithDescription("Workflow run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM request duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("step.duration",
		metric.WithDescription("Workflow step duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	workflowDuration, err := meter.Float64Histogram("workflow.duration",
		metric.WithDescription("Workflow run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		Logger:           logger,
		TokenUsage:       tokenUsage,
		LLMRequests:      llmRequests,
		ToolExecutions:   toolExecutions,
		StepExecutions:   stepExecutions,
		StepRetries:      stepRetries,
		WorkflowRuns:     workflowRuns,
		LLMDuration:      llmDuration,
		ToolDuration:     toolDuration,
		StepDuration:     stepDuration,
		WorkflowDuration: workflowDuration,
	}, nil
}

