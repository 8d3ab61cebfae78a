// Package telemetry is the optional OpenTelemetry observer described in
// SPEC_FULL.md §11: it implements observer.Hooks and exports one OTLP span
// per execution attempt. It is adapted directly from the teacher's
// internal/tracing/otelexport/exporter.go — same OTLP exporter construction
// (resource → otlptracegrpc/otlptracehttp → batching TracerProvider) — but
// repurposed from LLM-call spans (model, token counts, tool name) to
// execution spans (job id, attempt, exit code, command).
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/chronoflow/chronoflow/internal/eventlog"
	"github.com/chronoflow/chronoflow/internal/execlog"
	"github.com/chronoflow/chronoflow/internal/executor"
)

// Config configures the OTLP exporter.
type Config struct {
	Endpoint    string // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string // "grpc" (default) or "http"
	Insecure    bool
	ServiceName string // default "chronoflowd"
}

// Exporter converts finished executions into OTel spans.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds an Exporter per cfg.
func New(ctx context.Context, cfg Config) (*Exporter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("telemetry: OTLP endpoint is required")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "chronoflowd"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otel resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Protocol {
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: otel exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(100),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
	)

	return &Exporter{provider: tp, tracer: tp.Tracer("chronoflow")}, nil
}

// OnEvent is a no-op: schedule-lifecycle events are not executions and have
// no natural span shape; they are already durable via the Event Logger and,
// optionally, internal/persistence.
func (e *Exporter) OnEvent(eventlog.Event) {}

// OnExecutionStarted is a no-op: the span for one attempt is emitted whole,
// at completion, in OnExecutionFinished — there is no separate in-flight
// span to open here without holding per-execution state across the two
// hook calls.
func (e *Exporter) OnExecutionStarted(string, string, time.Time) {}

// OnExecutionFinished emits one span covering the full attempt.
func (e *Exporter) OnExecutionFinished(rec execlog.Record) {
	if e == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("chronoflow.job_id", rec.JobID),
		attribute.Int("chronoflow.attempt", rec.Attempt),
		attribute.String("chronoflow.command", rec.Command),
		attribute.Int("chronoflow.exit_code", rec.ExitCode),
	}

	_, span := e.tracer.Start(context.Background(), "execution",
		trace.WithTimestamp(rec.StartTime),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)

	if rec.Status == executor.StatusFailure {
		span.SetStatus(codes.Error, "execution failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End(trace.WithTimestamp(rec.EndTime))
}

// Shutdown flushes and stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	slog.Info("telemetry: otel exporter shutting down")
	return e.provider.Shutdown(ctx)
}
