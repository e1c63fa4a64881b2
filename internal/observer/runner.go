package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/michaelbrown/taskforge/internal/sandbox"
	"github.com/michaelbrown/taskforge/internal/script"
)

// ObservedRunner wraps a sandbox.Runner with OTEL instrumentation.
type ObservedRunner struct {
	inner sandbox.Runner
	inst  *Instruments
}

var _ sandbox.Runner = (*ObservedRunner)(nil)

// WrapRunner returns an instrumented runner.
func WrapRunner(inner sandbox.Runner, inst *Instruments) *ObservedRunner {
	return &ObservedRunner{inner: inner, inst: inst}
}

// Concurrency forwards the execution limit of the wrapped runner, 0 if it
// has none.
func (o *ObservedRunner) Concurrency() int {
	if c, ok := o.inner.(interface{ Concurrency() int }); ok {
		return c.Concurrency()
	}
	return 0
}

func (o *ObservedRunner) RunGenerator(ctx context.Context, cs *sandbox.CompiledScript, variantIndex int, seed *int64) (*sandbox.Result, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.generator", trace.WithAttributes(
		AttrScriptKind.String(string(script.KindGenerator)),
		AttrVariantIndex.Int(variantIndex),
	))
	defer span.End()
	start := time.Now()

	res, err := o.inner.RunGenerator(ctx, cs, variantIndex, seed)

	o.record(ctx, span, script.KindGenerator, start, res, err)
	return res, err
}

func (o *ObservedRunner) RunSolution(ctx context.Context, cs *sandbox.CompiledScript, inputData map[string]any) (*sandbox.Result, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "sandbox.solution", trace.WithAttributes(
		AttrScriptKind.String(string(script.KindSolution)),
	))
	defer span.End()
	start := time.Now()

	res, err := o.inner.RunSolution(ctx, cs, inputData)

	o.record(ctx, span, script.KindSolution, start, res, err)
	return res, err
}

func (o *ObservedRunner) record(ctx context.Context, span trace.Span, kind script.Kind, start time.Time, res *sandbox.Result, err error) {
	durationMs := float64(time.Since(start).Microseconds()) / 1000
	status := "ok"
	reason := ""
	if err != nil {
		status = "error"
		var f *sandbox.Failure
		if errors.As(err, &f) {
			reason = string(f.Reason)
			span.SetAttributes(AttrFailureReason.String(reason))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if res != nil {
		span.SetAttributes(AttrOutputFields.Int(len(res.Data)))
	}

	o.inst.Executions.Add(ctx, 1, metric.WithAttributes(
		AttrScriptKind.String(string(kind)),
		AttrStatus.String(status),
		AttrFailureReason.String(reason),
	))
	o.inst.ExecDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrScriptKind.String(string(kind)),
	))

	if err == nil {
		return
	}
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityWarn)
	rec.SetBody(otellog.StringValue("script execution failed"))
	rec.AddAttributes(
		otellog.String("script.kind", string(kind)),
		otellog.String("sandbox.failure_reason", reason),
		otellog.String("error", err.Error()),
		otellog.Float64("sandbox.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// RecordMaterialization records one variant set materialization.
func (i *Instruments) RecordMaterialization(ctx context.Context, count int, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	i.Materializations.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
	i.MaterializeTime.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		AttrVariantCount.Int(count),
		AttrStatus.String(status),
	))
}
