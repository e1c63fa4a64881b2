package variant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/michaelbrown/taskforge/internal/sandbox"
)

const distanceGenerator = `
	const x1 = Math.round(generateRandom(-500, 500) * 100) / 100;
	const y1 = Math.round(generateRandom(-500, 500) * 100) / 100;
	const x2 = Math.round(generateRandom(-500, 500) * 100) / 100;
	const y2 = Math.round(generateRandom(-500, 500) * 100) / 100;
	return { x1: x1, y1: y1, x2: x2, y2: y2, variant: variantIndex };
`

const distanceSolution = `
	const { x1, y1, x2, y2 } = inputData;
	return { distance: calculateDistance(x1, y1, x2, y2) };
`

func testGenerator(t *testing.T, opts ...Option) *Generator {
	t.Helper()
	return NewGenerator(sandbox.NewExecutor(sandbox.DefaultPolicy()), opts...)
}

func TestMaterialize(t *testing.T) {
	g := testGenerator(t, WithWorkers(4))
	set, err := g.Materialize(context.Background(), Scripts{Generator: distanceGenerator, Solution: distanceSolution}, 10, WithSeed(777))
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if set.Seed != 777 {
		t.Errorf("seed = %d, want 777", set.Seed)
	}
	if len(set.Variants) != 10 {
		t.Fatalf("got %d variants, want 10", len(set.Variants))
	}
	for i, v := range set.Variants {
		if v.Index != i {
			t.Errorf("variants[%d].Index = %d", i, v.Index)
		}
		if v.InputData["variant"] != float64(i) {
			t.Errorf("variants[%d] input variant = %v", i, v.InputData["variant"])
		}
		if _, ok := v.Solution["distance"].(float64); !ok {
			t.Errorf("variants[%d] distance = %#v", i, v.Solution["distance"])
		}
		if err := v.Verify(); err != nil {
			t.Errorf("Verify: %v", err)
		}
	}
	if len(set.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", set.Warnings)
	}
}

func TestMaterializeIsReproducible(t *testing.T) {
	scripts := Scripts{Generator: distanceGenerator, Solution: distanceSolution}
	a, err := testGenerator(t, WithWorkers(8)).Materialize(context.Background(), scripts, 12, WithSeed(99))
	if err != nil {
		t.Fatal(err)
	}
	b, err := testGenerator(t, WithWorkers(1)).Materialize(context.Background(), scripts, 12, WithSeed(99))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Variants, b.Variants) {
		t.Fatal("same seed produced different variant sets")
	}

	g := testGenerator(t)
	v, err := g.Reproduce(context.Background(), scripts, 7, 99)
	if err != nil {
		t.Fatalf("Reproduce: %v", err)
	}
	if !reflect.DeepEqual(v, a.Variants[7]) {
		t.Errorf("Reproduce = %+v, want %+v", v, a.Variants[7])
	}
}

func TestMaterializeDefaultSeedFromClock(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	g := testGenerator(t, WithClock(func() time.Time { return now }))
	set, err := g.Materialize(context.Background(), Scripts{Generator: distanceGenerator, Solution: distanceSolution}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if set.Seed != 1700000000123 {
		t.Errorf("seed = %d, want clock millis", set.Seed)
	}
}

func TestMaterializeAtomicFailure(t *testing.T) {
	g := testGenerator(t, WithWorkers(4))
	gen := `
		if (variantIndex === 3) { throw new Error("bad variant"); }
		return { x: variantIndex };
	`
	set, err := g.Materialize(context.Background(), Scripts{Generator: gen, Solution: `return { y: inputData.x };`}, 5, WithSeed(1))
	if set != nil {
		t.Fatalf("expected no variant set, got %d variants", len(set.Variants))
	}
	var me *MaterializeError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MaterializeError, got %T: %v", err, err)
	}
	if me.Index != 3 {
		t.Errorf("index = %d, want 3", me.Index)
	}
	if me.Stage != StageGenerator {
		t.Errorf("stage = %s, want generator", me.Stage)
	}
	if me.Reason() != sandbox.ReasonRuntime {
		t.Errorf("reason = %s, want RuntimeError", me.Reason())
	}
}

func TestMaterializeReportsLowestFailingIndex(t *testing.T) {
	gen := `
		if (variantIndex >= 2) { throw new Error("fails from 2"); }
		return { x: variantIndex };
	`
	for run := 0; run < 5; run++ {
		_, err := testGenerator(t, WithWorkers(8)).Materialize(context.Background(),
			Scripts{Generator: gen, Solution: `return { y: inputData.x };`}, 20, WithSeed(1))
		var me *MaterializeError
		if !errors.As(err, &me) {
			t.Fatalf("expected *MaterializeError, got %v", err)
		}
		if me.Index != 2 {
			t.Fatalf("run %d: index = %d, want 2", run, me.Index)
		}
	}
}

func TestMaterializeSolutionFailure(t *testing.T) {
	_, err := testGenerator(t).Materialize(context.Background(),
		Scripts{Generator: `return { x: 1 };`, Solution: `return inputData.x;`}, 2, WithSeed(1))
	var me *MaterializeError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MaterializeError, got %v", err)
	}
	if me.Index != 0 || me.Stage != StageSolution || me.Reason() != sandbox.ReasonInvalidOutput {
		t.Errorf("got index=%d stage=%s reason=%s", me.Index, me.Stage, me.Reason())
	}
}

func TestMaterializeCompileFailure(t *testing.T) {
	_, err := testGenerator(t).Materialize(context.Background(),
		Scripts{Generator: `require('fs'); return {};`, Solution: `return {};`}, 3)
	var me *MaterializeError
	if !errors.As(err, &me) {
		t.Fatalf("expected *MaterializeError, got %v", err)
	}
	if me.Reason() != sandbox.ReasonSecurity {
		t.Errorf("reason = %s, want SecurityViolation", me.Reason())
	}
}

func TestMaterializeInvalidCount(t *testing.T) {
	_, err := testGenerator(t).Materialize(context.Background(), Scripts{}, 0)
	if !errors.Is(err, ErrInvalidCount) {
		t.Errorf("err = %v, want ErrInvalidCount", err)
	}
}

func TestMaterializeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	set, err := testGenerator(t).Materialize(ctx, Scripts{Generator: distanceGenerator, Solution: distanceSolution}, 4, WithSeed(1))
	if set != nil {
		t.Fatal("canceled materialization returned variants")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMaterializeProgress(t *testing.T) {
	var calls atomic.Int32
	last := 0
	g := testGenerator(t, WithWorkers(3))
	_, err := g.Materialize(context.Background(), Scripts{Generator: distanceGenerator, Solution: distanceSolution}, 6,
		WithSeed(5),
		WithProgress(func(p Progress) {
			calls.Add(1)
			if p.Completed != last+1 || p.Total != 6 {
				t.Errorf("progress = %+v after %d", p, last)
			}
			last = p.Completed
		}))
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 6 {
		t.Errorf("progress called %d times, want 6", calls.Load())
	}
}

func TestMaterializeWarnsOnUngradedFields(t *testing.T) {
	set, err := testGenerator(t).Materialize(context.Background(),
		Scripts{Generator: `return { x: 2 };`, Solution: `return { v: inputData.x, unit: "m" };`}, 2, WithSeed(1))
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Warnings) != 1 {
		t.Errorf("warnings = %v, want one for unit", set.Warnings)
	}
}

func TestSolutionHashCanonical(t *testing.T) {
	h, err := SolutionHash(map[string]any{"b": 1.0, "a": 2.5})
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte(`{"a":2.5,"b":1}`))
	if want := hex.EncodeToString(sum[:]); h != want {
		t.Errorf("hash = %s, want %s", h, want)
	}

	v := Variant{Index: 0, Solution: map[string]any{"a": 1.0}, SolutionHash: h}
	if err := v.Verify(); err == nil {
		t.Error("Verify should detect a tampered solution")
	}
}

func TestLearnerViewOmitsSolution(t *testing.T) {
	set := &Set{Variants: []Variant{{Index: 0, InputData: map[string]any{"x": 1.0}, Solution: map[string]any{"y": 2.0}, SolutionHash: "abc"}}}
	lv := set.Learner()
	if len(lv) != 1 || lv[0].InputData["x"] != 1.0 {
		t.Fatalf("learner view = %+v", lv)
	}
}
