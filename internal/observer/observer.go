// Package observer provides OpenTelemetry instrumentation for script
// execution, variant materialization and grading.
//
// Without Init the instruments report to the global providers, which are
// no-ops until something installs real ones.
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

const scopeName = "github.com/michaelbrown/taskforge/internal/observer"

// Instruments holds the OTEL instruments used by the wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	Executions       metric.Int64Counter
	ExecDuration     metric.Float64Histogram
	Materializations metric.Int64Counter
	MaterializeTime  metric.Float64Histogram
	Gradings         metric.Int64Counter
	GradeScore       metric.Float64Histogram
}

// Init installs trace, metric and log providers with OTLP HTTP exporters.
// Exporters read the standard OTEL_EXPORTER_OTLP_* env vars. The returned
// shutdown function flushes and stops them.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

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

	inst, err := New(tp, mp, lp)
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

// Global returns instruments bound to the current global providers.
func Global() (*Instruments, error) {
	return New(otel.GetTracerProvider(), otel.GetMeterProvider(), global.GetLoggerProvider())
}

// New creates instruments from explicit providers.
func New(tp trace.TracerProvider, mp metric.MeterProvider, lp otellog.LoggerProvider) (*Instruments, error) {
	meter := mp.Meter(scopeName)

	executions, err := meter.Int64Counter("sandbox.executions",
		metric.WithDescription("Script execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	execDuration, err := meter.Float64Histogram("sandbox.duration",
		metric.WithDescription("Script execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	materializations, err := meter.Int64Counter("variant.materializations",
		metric.WithDescription("Variant set materialization count"),
		metric.WithUnit("{batch}"))
	if err != nil {
		return nil, err
	}

	materializeTime, err := meter.Float64Histogram("variant.materialize.duration",
		metric.WithDescription("Variant set materialization duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	gradings, err := meter.Int64Counter("grading.comparisons",
		metric.WithDescription("Answer comparison count"),
		metric.WithUnit("{comparison}"))
	if err != nil {
		return nil, err
	}

	gradeScore, err := meter.Float64Histogram("grading.score",
		metric.WithDescription("Distribution of comparison scores"),
		metric.WithUnit("{score}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tp.Tracer(scopeName),
		Meter:            meter,
		Logger:           lp.Logger(scopeName),
		Executions:       executions,
		ExecDuration:     execDuration,
		Materializations: materializations,
		MaterializeTime:  materializeTime,
		Gradings:         gradings,
		GradeScore:       gradeScore,
	}, nil
}
