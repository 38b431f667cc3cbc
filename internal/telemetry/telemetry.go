// Package telemetry initializes OpenTelemetry tracing and custom metrics
// for the context engine. Traces cover the assembly pipeline end to end;
// span attributes carry the complexity score and active layer count so
// slow assemblies can be sliced by shape.
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

var (
	// Global tracer for the application
	Tracer trace.Tracer

	// Global meter for custom metrics
	Meter metric.Meter

	// Custom metrics
	AssembliesStarted metric.Int64Counter
	FragmentFetches   metric.Int64Counter
	CachePromotions   metric.Int64Counter
	PreloadCycles     metric.Int64Counter
	AssemblyLatency   metric.Float64Histogram
	FragmentFetchTime metric.Float64Histogram
)

// Init initializes OpenTelemetry tracing and metrics against an OTLP gRPC
// endpoint. The returned function shuts the trace provider down.
func Init(ctx context.Context, serviceName, endpoint string, insecure bool) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, err
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(endpoint),
	}
	if insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	traceExporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	Tracer = otel.Tracer(serviceName)
	Meter = otel.Meter(serviceName)

	if err := initMetrics(); err != nil {
		return nil, err
	}

	log.Printf("[Telemetry] Initialized with endpoint %s", endpoint)

	return func(ctx context.Context) error {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return traceProvider.Shutdown(shutdownCtx)
	}, nil
}

// initMetrics creates all custom metrics
func initMetrics() error {
	var err error

	AssembliesStarted, err = Meter.Int64Counter(
		"context.assemblies.started",
		metric.WithDescription("Number of context assemblies started"),
	)
	if err != nil {
		return err
	}

	FragmentFetches, err = Meter.Int64Counter(
		"context.fragments.fetched",
		metric.WithDescription("Number of fragment fetches from the backing store"),
	)
	if err != nil {
		return err
	}

	CachePromotions, err = Meter.Int64Counter(
		"context.cache.promotions",
		metric.WithDescription("Number of entries promoted into faster tiers"),
	)
	if err != nil {
		return err
	}

	PreloadCycles, err = Meter.Int64Counter(
		"context.preload.cycles",
		metric.WithDescription("Number of predictive preload cycles run"),
	)
	if err != nil {
		return err
	}

	AssemblyLatency, err = Meter.Float64Histogram(
		"context.assembly.duration",
		metric.WithDescription("Context assembly duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	FragmentFetchTime, err = Meter.Float64Histogram(
		"context.fragment.fetch_duration",
		metric.WithDescription("Fragment store fetch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	return nil
}

// The counter helpers below are safe to call before Init; they no-op
// until the meter exists.

func CountAssembly(ctx context.Context) {
	if AssembliesStarted != nil {
		AssembliesStarted.Add(ctx, 1)
	}
}

func CountFragmentFetch(ctx context.Context) {
	if FragmentFetches != nil {
		FragmentFetches.Add(ctx, 1)
	}
}

func CountCachePromotion(ctx context.Context) {
	if CachePromotions != nil {
		CachePromotions.Add(ctx, 1)
	}
}

func CountPreloadCycle(ctx context.Context) {
	if PreloadCycles != nil {
		PreloadCycles.Add(ctx, 1)
	}
}

func ObserveAssemblyLatency(ctx context.Context, seconds float64) {
	if AssemblyLatency != nil {
		AssemblyLatency.Record(ctx, seconds)
	}
}

func ObserveFetchDuration(ctx context.Context, seconds float64) {
	if FragmentFetchTime != nil {
		FragmentFetchTime.Record(ctx, seconds)
	}
}

// StartSpan starts an assembly span with the standard attributes.
func StartSpan(ctx context.Context, name string, complexity, layers int) (context.Context, trace.Span) {
	if Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return Tracer.Start(ctx, name, trace.WithAttributes(
		attribute.Int("context.complexity", complexity),
		attribute.Int("context.layers", layers),
	))
}
