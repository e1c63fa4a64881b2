package observer

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/log/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/michaelbrown/taskforge/internal/grading"
	"github.com/michaelbrown/taskforge/internal/sandbox"
	"github.com/michaelbrown/taskforge/internal/script"
)

type harness struct {
	inst   *Instruments
	spans  *tracetest.InMemoryExporter
	reader *sdkmetric.ManualReader
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	spans := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(spans))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	inst, err := New(tp, mp, noop.NewLoggerProvider())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{inst: inst, spans: spans, reader: reader}
}

// counter sums an Int64 counter across all attribute sets.
func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestObservedRunner(t *testing.T) {
	h := newHarness(t)
	r := WrapRunner(sandbox.NewExecutor(sandbox.DefaultPolicy()), h.inst)
	ctx := context.Background()

	gen, err := sandbox.Compile(script.KindGenerator, `return { x: variantIndex };`)
	if err != nil {
		t.Fatal(err)
	}
	seed := int64(1)
	res, err := r.RunGenerator(ctx, gen, 3, &seed)
	if err != nil {
		t.Fatalf("RunGenerator: %v", err)
	}
	if res.Data["x"] != 3.0 {
		t.Errorf("data = %v", res.Data)
	}

	bad, err := sandbox.Compile(script.KindSolution, `throw new Error("nope");`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RunSolution(ctx, bad, map[string]any{}); err == nil {
		t.Fatal("expected solution failure")
	}

	spans := h.spans.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Name != "sandbox.generator" || spans[1].Name != "sandbox.solution" {
		t.Errorf("span names = %s, %s", spans[0].Name, spans[1].Name)
	}
	var sawReason bool
	for _, kv := range spans[1].Attributes {
		if kv.Key == AttrFailureReason && kv.Value.AsString() == string(sandbox.ReasonRuntime) {
			sawReason = true
		}
	}
	if !sawReason {
		t.Errorf("failure span lacks reason: %v", spans[1].Attributes)
	}

	if got := h.counter(t, "sandbox.executions"); got != 2 {
		t.Errorf("sandbox.executions = %d, want 2", got)
	}
}

func TestCompareRecordsScore(t *testing.T) {
	h := newHarness(t)
	res := h.inst.Compare(context.Background(), 5.41, 5.0, grading.Config{Tolerance: 0.4})
	if res.Score < 91.79 || res.Score > 91.81 {
		t.Errorf("score = %v", res.Score)
	}
	if got := h.counter(t, "grading.comparisons"); got != 1 {
		t.Errorf("grading.comparisons = %d, want 1", got)
	}
	if spans := h.spans.GetSpans(); len(spans) != 1 || spans[0].Name != "grading.compare" {
		t.Errorf("spans = %v", spans)
	}
}

func TestRecordMaterialization(t *testing.T) {
	h := newHarness(t)
	h.inst.RecordMaterialization(context.Background(), 10, 25*time.Millisecond, nil)
	if got := h.counter(t, "variant.materializations"); got != 1 {
		t.Errorf("variant.materializations = %d, want 1", got)
	}
}

func TestGlobalIsUsableWithoutInit(t *testing.T) {
	inst, err := Global()
	if err != nil {
		t.Fatalf("Global: %v", err)
	}
	res := inst.Compare(context.Background(), 1.0, 1.0, grading.DefaultConfig())
	if res.Score != 100 {
		t.Errorf("score = %v", res.Score)
	}
}
