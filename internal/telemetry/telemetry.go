package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jordanhubbard/orgcoord"

var (
	// Global tracer; a no-op until InitTelemetry installs a provider
	Tracer trace.Tracer = otel.Tracer(instrumentationName)

	// Global meter for custom metrics
	Meter metric.Meter = otel.Meter(instrumentationName)

	// Custom metrics, nil until InitTelemetry runs
	RunsStarted        metric.Int64Counter
	RunsCompleted      metric.Int64Counter
	CallbacksHandled   metric.Int64Counter
	AgentExecutionTime metric.Float64Histogram
)

// InitTelemetry initializes OpenTelemetry tracing and metrics
func InitTelemetry(ctx context.Context, serviceName, otelEndpoint string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
			attribute.String("environment", "development"),
		),
	)
	if err != nil {
		return nil, err
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otelEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	// Set global trace provider and propagator
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", otelEndpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// initMetrics creates all custom metrics
func initMetrics() error {
	var err error

	RunsStarted, err = Meter.Int64Counter(
		"orgcoord.runs.started",
		metric.WithDescription("Number of pipeline runs started"),
	)
	if err != nil {
		return err
	}

	RunsCompleted, err = Meter.Int64Counter(
		"orgcoord.runs.completed",
		metric.WithDescription("Number of pipeline runs that reached complete"),
	)
	if err != nil {
		return err
	}

	CallbacksHandled, err = Meter.Int64Counter(
		"orgcoord.callbacks.handled",
		metric.WithDescription("Number of agent callbacks handled"),
	)
	if err != nil {
		return err
	}

	AgentExecutionTime, err = Meter.Float64Histogram(
		"orgcoord.agent.execution_time",
		metric.WithDescription("Agent execution time in milliseconds"),
		metric.WithUnit("ms"),
	)
	return err
}

// StartSpan starts a span on the global tracer
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Count adds n to counter when telemetry is initialized
func Count(ctx context.Context, counter metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, n, metric.WithAttributes(attrs...))
}

// ObserveAgent records one agent execution when telemetry is initialized
func ObserveAgent(ctx context.Context, kind string, d time.Duration, success bool) {
	if AgentExecutionTime == nil {
		return
	}
	AgentExecutionTime.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("agent_kind", kind),
		attribute.Bool("success", success),
	))
}
