// Package telemetry wires optional OpenTelemetry tracing/metrics for the
// producer's dispatch path. Initialisation is a no-op unless explicitly
// enabled, so embedding applications that don't care about tracing pay
// nothing beyond a nil check.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls telemetry initialisation.
type Config struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	OTLPInsecure bool
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(ctx context.Context) error
}

var (
	initOnce sync.Once

	dispatchTracer trace.Tracer

	dispatchDuration  metric.Float64Histogram
	dispatchBatchSize metric.Int64Histogram
	dispatchBytes     metric.Int64Histogram
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false
// the function returns (nil, nil) and the caller should skip instrumentation.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "batchq"
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		opts := []otlptracehttp.Option{otlpEndpointOption(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			// Telemetry is optional: a broken collector must never block
			// producer startup.
			fmt.Printf("WARN: failed to create OTLP trace exporter (traces disabled): %v\n", err)
		} else {
			spanExporter = exp
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	initOnce.Do(func() {
		dispatchTracer = tracerProvider.Tracer("batchq/dispatcher")
		_ = initDispatchInstruments(meterProvider)
	})

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var all error
		if err := meterProvider.Shutdown(ctx); err != nil {
			all = errors.Join(all, fmt.Errorf("meter provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			all = errors.Join(all, fmt.Errorf("tracer provider shutdown: %w", err))
		}
		return all
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown:       shutdown,
	}, nil
}

func otlpEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapHandler applies OpenTelemetry HTTP instrumentation when providers are active.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || prov.TracerProvider == nil {
		return handler
	}
	return otelhttp.NewHandler(handler, "http.server",
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
	)
}

func initDispatchInstruments(mp *sdkmetric.MeterProvider) error {
	if mp == nil {
		return nil
	}
	meter := mp.Meter("batchq/dispatcher")

	var err error
	dispatchDuration, err = meter.Float64Histogram(
		"batchq.dispatch.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time spent in a single BatchSender.Send call"),
	)
	if err != nil {
		return err
	}

	dispatchBatchSize, err = meter.Int64Histogram(
		"batchq.dispatch.batch_size",
		metric.WithDescription("Number of entries in a dispatched sub-batch"),
	)
	if err != nil {
		return err
	}

	dispatchBytes, err = meter.Int64Histogram(
		"batchq.dispatch.batch_bytes",
		metric.WithDescription("Encoded byte size of a dispatched sub-batch"),
	)
	return err
}

// DispatchSpanInfo describes the attributes attached to a dispatch span.
type DispatchSpanInfo struct {
	Queue     string
	BatchSize int
	Bytes     int
}

// StartDispatchSpan starts a span around a single BatchSender.Send call.
func StartDispatchSpan(ctx context.Context, info DispatchSpanInfo) (context.Context, trace.Span) {
	t := dispatchTracer
	if t == nil {
		t = otel.Tracer("batchq/dispatcher")
	}

	return t.Start(ctx, "batchq.dispatch", trace.WithAttributes(
		attribute.String("batchq.queue", info.Queue),
		attribute.Int("batchq.batch_size", info.BatchSize),
		attribute.Int("batchq.batch_bytes", info.Bytes),
	))
}

// RecordDispatch records metrics for a completed dispatch call.
func RecordDispatch(ctx context.Context, queue string, batchSize, bytes int, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("batchq.queue", queue))

	if dispatchDuration != nil {
		dispatchDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	}
	if dispatchBatchSize != nil {
		dispatchBatchSize.Record(ctx, int64(batchSize), attrs)
	}
	if dispatchBytes != nil {
		dispatchBytes.Record(ctx, int64(bytes), attrs)
	}
}
