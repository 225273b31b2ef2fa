package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingConfig selects where API spans are exported.
type TracingConfig struct {
	Exporter       string // none, otlp, zipkin
	Endpoint       string
	SampleRate     float64
	ServiceName    string
	ServiceVersion string
}

// ShutdownFunc flushes and stops a provider.
type ShutdownFunc func(ctx context.Context) error

// SetupTracing installs a global tracer provider for cfg. With the none
// exporter the global no-op provider is left in place.
func SetupTracing(ctx context.Context, cfg TracingConfig) (ShutdownFunc, error) {
	noop := func(context.Context) error { return nil }
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		return noop, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = tracerName
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "otlp":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(endpoint)
	default:
		return noop, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return noop, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// TaskMeter records task lifetimes through an OpenTelemetry meter whose
// readings are exposed on a Prometheus registry. A nil *TaskMeter records
// nothing.
type TaskMeter struct {
	provider *sdkmetric.MeterProvider
	duration metric.Float64Histogram
	children metric.Int64Counter
}

var (
	defaultTaskMeterOnce sync.Once
	defaultTaskMeter     *TaskMeter
	defaultTaskMeterErr  error
)

// DefaultTaskMeter returns a TaskMeter on the global registry, created once.
func DefaultTaskMeter() (*TaskMeter, error) {
	defaultTaskMeterOnce.Do(func() {
		defaultTaskMeter, defaultTaskMeterErr = NewTaskMeter(prometheus.DefaultRegisterer)
	})
	return defaultTaskMeter, defaultTaskMeterErr
}

// NewTaskMeter registers the meter's exporter on reg.
func NewTaskMeter(reg prometheus.Registerer) (*TaskMeter, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(tracerName)

	duration, err := meter.Float64Histogram(
		"taskpilot.task.duration",
		metric.WithDescription("Time from task creation to its terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create task duration histogram: %w", err)
	}
	children, err := meter.Int64Counter(
		"taskpilot.task.children",
		metric.WithDescription("Child tasks discovered on parent streams"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create child task counter: %w", err)
	}
	return &TaskMeter{provider: provider, duration: duration, children: children}, nil
}

// RecordFinished records how long a task lived before reaching status.
func (m *TaskMeter) RecordFinished(ctx context.Context, status string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.duration.Record(ctx, lifetime.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// RecordChild counts one discovered child task.
func (m *TaskMeter) RecordChild(ctx context.Context) {
	if m == nil {
		return
	}
	m.children.Add(ctx, 1)
}

// Shutdown stops the meter provider.
func (m *TaskMeter) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
