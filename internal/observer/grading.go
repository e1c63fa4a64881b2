package observer

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/michaelbrown/taskforge/internal/grading"
)

// Compare runs grading.Compare inside a span and records the score.
func (i *Instruments) Compare(ctx context.Context, student, solution any, cfg grading.Config) grading.Result {
	cfg = cfg.WithDefaults()
	ctx, span := i.Tracer.Start(ctx, "grading.compare", trace.WithAttributes(
		AttrToleranceType.String(string(cfg.ToleranceType)),
	))
	defer span.End()

	res := grading.Compare(student, solution, cfg.Tolerance, cfg.ToleranceType)

	span.SetAttributes(
		AttrCorrectCount.Int(res.CorrectCount),
		AttrTotalCount.Int(res.TotalCount),
		AttrScore.Float64(res.Score),
	)
	i.RecordGrade(ctx, res, cfg.ToleranceType)
	return res
}

// RecordGrade counts one comparison and records its score.
func (i *Instruments) RecordGrade(ctx context.Context, res grading.Result, tt grading.ToleranceType) {
	attrs := metric.WithAttributes(AttrToleranceType.String(string(tt)))
	i.Gradings.Add(ctx, 1, attrs)
	i.GradeScore.Record(ctx, res.Score, attrs)
}
