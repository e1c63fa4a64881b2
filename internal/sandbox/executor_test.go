package sandbox

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/michaelbrown/taskforge/internal/script"
)

func testExecutor(t *testing.T, p Policy) *Executor {
	t.Helper()
	return NewExecutor(p)
}

func seedPtr(v int64) *int64 { return &v }

func wantReason(t *testing.T, err error, want Reason) *Failure {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s failure, got nil error", want)
	}
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("expected *Failure, got %T: %v", err, err)
	}
	if f.Reason != want {
		t.Fatalf("reason = %s, want %s (message: %s)", f.Reason, want, f.Message)
	}
	return f
}

func TestExecuteGeneratorSimple(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	res, err := e.ExecuteGenerator(context.Background(), `
		return {
			x: Math.random() * 100,
			y: Math.random() * 100,
			description: "Test task"
		};
	`, 0, seedPtr(12345))
	if err != nil {
		t.Fatalf("ExecuteGenerator: %v", err)
	}
	for _, k := range []string{"x", "y"} {
		if _, ok := res.Data[k].(float64); !ok {
			t.Errorf("%s = %#v, want float64", k, res.Data[k])
		}
	}
	if res.Data["description"] != "Test task" {
		t.Errorf("description = %v", res.Data["description"])
	}
}

func TestExecuteGeneratorParams(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	src := `return { variantIndex: variantIndex, seed: seed, x: sin(variantIndex) * 100 };`

	res, err := e.ExecuteGenerator(context.Background(), src, 5, seedPtr(67890))
	if err != nil {
		t.Fatalf("ExecuteGenerator: %v", err)
	}
	if res.Data["variantIndex"] != float64(5) {
		t.Errorf("variantIndex = %v, want 5", res.Data["variantIndex"])
	}
	if res.Data["seed"] != float64(67890) {
		t.Errorf("seed = %v, want 67890", res.Data["seed"])
	}

	res, err = e.ExecuteGenerator(context.Background(), src, 1, nil)
	if err != nil {
		t.Fatalf("ExecuteGenerator without seed: %v", err)
	}
	if v, ok := res.Data["seed"]; !ok || v != nil {
		t.Errorf("seed = %#v, want null", v)
	}
}

func TestGeneratorDeterminism(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	cs, err := Compile(script.KindGenerator, `
		return {
			a: Math.random(),
			b: generateRandom(10, 20),
			c: Math.round(Math.random() * 1000) / 10
		};
	`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	first, err := e.RunGenerator(context.Background(), cs, 3, seedPtr(42))
	if err != nil {
		t.Fatalf("RunGenerator: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]map[string]any, 16)
	errs := make([]error, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.RunGenerator(context.Background(), cs, 3, seedPtr(42))
			errs[i] = err
			if res != nil {
				results[i] = res.Data
			}
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("run %d: %v", i, errs[i])
		}
		if !reflect.DeepEqual(results[i], first.Data) {
			t.Fatalf("run %d = %v, want %v", i, results[i], first.Data)
		}
	}

	b := first.Data["b"].(float64)
	if b < 10 || b >= 20 {
		t.Errorf("generateRandom(10, 20) = %v, out of range", b)
	}

	other, err := e.RunGenerator(context.Background(), cs, 4, seedPtr(42))
	if err != nil {
		t.Fatalf("RunGenerator: %v", err)
	}
	if reflect.DeepEqual(other.Data, first.Data) {
		t.Error("different variant indexes should draw different values")
	}

	reseeded, err := e.RunGenerator(context.Background(), cs, 3, seedPtr(43))
	if err != nil {
		t.Fatalf("RunGenerator: %v", err)
	}
	if reflect.DeepEqual(reseeded.Data, first.Data) {
		t.Error("different seeds should draw different values")
	}
}

func TestExecuteSolution(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	res, err := e.ExecuteSolution(context.Background(), `
		const { x1, y1, x2, y2 } = inputData;
		const dx = x2 - x1;
		const dy = y2 - y1;
		return {
			distance: Math.sqrt(dx * dx + dy * dy),
			helper: calculateDistance(x1, y1, x2, y2),
			angle: atan2(dy, dx)
		};
	`, map[string]any{"x1": 0, "y1": 0, "x2": 3, "y2": 4})
	if err != nil {
		t.Fatalf("ExecuteSolution: %v", err)
	}
	if res.Data["distance"] != float64(5) {
		t.Errorf("distance = %v, want 5", res.Data["distance"])
	}
	if res.Data["helper"] != float64(5) {
		t.Errorf("helper = %v, want 5", res.Data["helper"])
	}
	if _, ok := res.Data["angle"].(float64); !ok {
		t.Errorf("angle = %#v, want number", res.Data["angle"])
	}
}

func TestMathAliasesFollowScriptSemantics(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	res, err := e.ExecuteSolution(context.Background(),
		`return { r: round(-2.5), m: max(1, 7, 3), p: PI === Math.PI };`, map[string]any{})
	if err != nil {
		t.Fatalf("ExecuteSolution: %v", err)
	}
	want := map[string]any{"r": float64(-2), "m": float64(7), "p": true}
	if !reflect.DeepEqual(res.Data, want) {
		t.Errorf("got %v, want %v", res.Data, want)
	}
}

func TestCompileRejectsInvalidScripts(t *testing.T) {
	_, err := Compile(script.KindGenerator, "invalid syntax here\nreturn { x: 1 };")
	wantReason(t, err, ReasonSyntax)

	_, err = Compile(script.KindGenerator, "require('fs');\nreturn { x: 1 };")
	wantReason(t, err, ReasonSecurity)
}

func TestNoHostCapabilities(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	res, err := e.ExecuteGenerator(context.Background(), `
		const g = (function() { return this; })();
		return {
			req: typeof g["req" + "uire"],
			proc: typeof g["pro" + "cess"],
			ev: typeof eval,
			console: typeof console,
			load: typeof load
		};
	`, 0, seedPtr(1))
	if err != nil {
		t.Fatalf("ExecuteGenerator: %v", err)
	}
	for k, v := range res.Data {
		if v != "undefined" {
			t.Errorf("%s is %v inside the sandbox, want undefined", k, v)
		}
	}
}

func TestTimeout(t *testing.T) {
	e := testExecutor(t, Policy{Timeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := e.ExecuteGenerator(context.Background(), `for (;;) {} return {};`, 0, seedPtr(1))
	elapsed := time.Since(start)

	f := wantReason(t, err, ReasonTimeout)
	if !errors.Is(f, context.DeadlineExceeded) {
		t.Errorf("timeout failure should unwrap to context.DeadlineExceeded")
	}
	if elapsed > 200*time.Millisecond+time.Second {
		t.Errorf("timeout took %s", elapsed)
	}

	res, err := e.ExecuteGenerator(context.Background(), `return { ok: true };`, 0, seedPtr(1))
	if err != nil {
		t.Fatalf("executor unusable after timeout: %v", err)
	}
	if res.Data["ok"] != true {
		t.Errorf("ok = %v", res.Data["ok"])
	}
}

func TestContextCancel(t *testing.T) {
	e := testExecutor(t, Policy{Timeout: 10 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := e.ExecuteGenerator(ctx, `while (true) {} return {};`, 0, seedPtr(1))
	f := wantReason(t, err, ReasonTimeout)
	if !errors.Is(f, context.Canceled) {
		t.Errorf("failure should unwrap to context.Canceled, got %v", f.Err)
	}

	_, err = e.ExecuteGenerator(ctx, `return {};`, 0, seedPtr(1))
	wantReason(t, err, ReasonTimeout)
}

func TestMemoryLimit(t *testing.T) {
	e := testExecutor(t, Policy{Timeout: 30 * time.Second, MemoryLimit: 4 << 20})
	_, err := e.ExecuteGenerator(context.Background(), `
		const a = [];
		for (let i = 0; i < 1e9; i++) {
			a.push({ i: i, s: "padding-" + i });
		}
		return { n: a.length };
	`, 0, seedPtr(1))
	wantReason(t, err, ReasonResourceExceeded)
}

func TestAllocationGuards(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	tests := []struct {
		name string
		src  string
	}{
		{"repeat", `var s = 'x'.repeat(3e8); return { n: s.length };`},
		{"padStart", `return { n: ''.padStart(6e8, 'ab').length };`},
		{"padEnd", `return { n: 'a'.padEnd(1e9).length };`},
		{"array from", `return { n: Array.from({ length: 1e9 }).length };`},
		{"fill", `var o = Array.prototype.fill.call({ length: 1e9 }, 0); return { n: o.length };`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			_, err := e.ExecuteGenerator(context.Background(), tt.src, 0, seedPtr(1))
			wantReason(t, err, ReasonResourceExceeded)
			if d := time.Since(start); d > 2*time.Second {
				t.Errorf("guard took %s, should refuse before allocating", d)
			}
		})
	}

	res, err := e.ExecuteGenerator(context.Background(), `return { n: 'ab'.repeat(1000).length };`, 0, seedPtr(1))
	if err != nil {
		t.Fatalf("small repeat: %v", err)
	}
	if res.Data["n"] != float64(2000) {
		t.Errorf("n = %v, want 2000", res.Data["n"])
	}
}

func TestScanGuards(t *testing.T) {
	e := testExecutor(t, Policy{Timeout: 200 * time.Millisecond})
	const sparse = `var a = []; a.length = 4294967295;`
	tests := []struct {
		name string
		src  string
	}{
		{"indexOf", sparse + `return { i: a.indexOf(1) };`},
		{"lastIndexOf", sparse + `return { i: a.lastIndexOf(1) };`},
		{"includes", sparse + `return { ok: a.includes(1) };`},
		{"reverse", sparse + `a.reverse(); return { ok: true };`},
		{"sort", sparse + `a.sort(); return { ok: true };`},
		{"copyWithin", sparse + `a.copyWithin(0, 1); return { ok: true };`},
		{"splice", sparse + `a.splice(0, 1); return { ok: true };`},
		{"concat", sparse + `return { n: a.concat([1]).length };`},
		{"flat", sparse + `return { n: [a].flat().length };`},
		{"forEach", sparse + `a.forEach(function () {}); return { ok: true };`},
		{"join", sparse + `return { n: a.join().length };`},
		{"spread", sparse + `return { n: [...a].length };`},
		{"apply", sparse + `return { v: Math.max.apply(null, a) };`},
		{"call on array-like", `return { i: Array.prototype.indexOf.call({ length: 4294967295 }, 1) };`},
		{"length getter", `return { i: Array.prototype.indexOf.call({ get length() { return 4294967295; } }, 1) };`},
		{"iterator getter", `
			var o = { length: 1 };
			Object.defineProperty(o, Symbol.iterator, { get: function () { o.length = 4294967295; return undefined; } });
			return { n: Array.from(o).length };`},
		{"stringify", sparse + `return { n: JSON.stringify(a).length };`},
		{"returned", sparse + `return { a: a };`},
		{"caught", sparse + `try { a.indexOf(1); } catch (e) {} return { ok: true };`},
		{"split", `return { n: 'x'.repeat(5e6).split('').length };`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := time.Now()
			_, err := e.ExecuteGenerator(context.Background(), tt.src, 0, seedPtr(1))
			wantReason(t, err, ReasonResourceExceeded)
			if d := time.Since(start); d > 2*time.Second {
				t.Errorf("guard took %s, should refuse before scanning", d)
			}
		})
	}

	res, err := e.ExecuteGenerator(context.Background(), `
		var a = [3, 1, 2];
		a.sort();
		return { i: a.indexOf(2), s: a.join('-'), p: 'a,b,c'.split(',').length, m: Math.max.apply(null, a) };
	`, 0, seedPtr(1))
	if err != nil {
		t.Fatalf("small arrays after refusals: %v", err)
	}
	want := map[string]any{"i": float64(1), "s": "1-2-3", "p": float64(3), "m": float64(3)}
	if !reflect.DeepEqual(res.Data, want) {
		t.Errorf("data = %v, want %v", res.Data, want)
	}
}

func TestRegExpUnavailable(t *testing.T) {
	e := testExecutor(t, Policy{Timeout: 200 * time.Millisecond})

	start := time.Now()
	_, err := e.ExecuteGenerator(context.Background(),
		`return { ok: /^(?=a)(a+)+$/.test("a".repeat(28) + "!") };`, 0, seedPtr(1))
	wantReason(t, err, ReasonSecurity)
	if d := time.Since(start); d > time.Second {
		t.Errorf("literal rejected after %s", d)
	}

	for _, src := range []string{
		`return { m: 'aaa'.match('a') };`,
		`return { m: 'aaa'.search('a') };`,
		`return { r: new RegExp('a+') };`,
		`return { s: 'a-b'.replace({ toString: function () { return '-'; } }, '+') };`,
	} {
		_, err := e.ExecuteGenerator(context.Background(), src, 0, seedPtr(1))
		wantReason(t, err, ReasonRuntime)
	}

	res, err := e.ExecuteGenerator(context.Background(), `
		return { r: 'a-b-c'.replace('-', '+'), a: 'a-b-c'.replaceAll('-', '+'), n: 'a-b-c'.split('-').length };
	`, 0, seedPtr(1))
	if err != nil {
		t.Fatalf("string patterns: %v", err)
	}
	want := map[string]any{"r": "a+b-c", "a": "a+b+c", "n": float64(3)}
	if !reflect.DeepEqual(res.Data, want) {
		t.Errorf("data = %v, want %v", res.Data, want)
	}
}

func TestBigIntAndDynamicCodeUnavailable(t *testing.T) {
	e := testExecutor(t, Policy{Timeout: 200 * time.Millisecond})

	_, err := e.ExecuteGenerator(context.Background(), `return { v: Number(2n ** 100000000n) };`, 0, seedPtr(1))
	wantReason(t, err, ReasonSecurity)

	for _, src := range []string{
		`return { v: typeof BigInt === 'undefined' ? missing() : 1 };`,
		`var F = (function () {}).constructor; return { v: F('return 1')() };`,
		`var G = (function* () {}).constructor; return { v: G('yield 1')().next().value };`,
	} {
		_, err := e.ExecuteGenerator(context.Background(), src, 0, seedPtr(1))
		wantReason(t, err, ReasonRuntime)
	}
}

func TestMemoryLimitPerExecution(t *testing.T) {
	const src = `
		var a = [];
		for (var i = 0; i < 64; i++) a.push('x'.repeat(1 << 20) + i);
		var s = 0;
		for (var j = 0; j < 1e7; j++) s += a[j % 64].length;
		return { n: a.length, s: s };
	`

	e := testExecutor(t, Policy{Timeout: 30 * time.Second, MemoryLimit: 32 << 20, MaxConcurrent: 4})
	_, err := e.ExecuteGenerator(context.Background(), src, 0, seedPtr(1))
	wantReason(t, err, ReasonResourceExceeded)

	roomy := testExecutor(t, Policy{Timeout: 30 * time.Second, MemoryLimit: 256 << 20, MaxConcurrent: 4})
	res, err := roomy.ExecuteGenerator(context.Background(), src, 0, seedPtr(1))
	if err != nil {
		t.Fatalf("run under a larger limit: %v", err)
	}
	if res.Data["n"] != float64(64) {
		t.Errorf("n = %v, want 64", res.Data["n"])
	}
}

func TestRunAbandonedWhenInterruptIgnored(t *testing.T) {
	e := testExecutor(t, Policy{Timeout: 100 * time.Millisecond, MaxConcurrent: 1})
	cs, err := Compile(script.KindSolution, `return { ok: true };`)
	if err != nil {
		t.Fatal(err)
	}

	// args runs on the execution goroutine and, like a long native call,
	// never looks at the interrupt.
	release := make(chan struct{})
	blocked := func(vm *goja.Runtime) ([]goja.Value, error) {
		<-release
		return nil, nil
	}

	start := time.Now()
	_, err = e.run(context.Background(), cs, seededSource(solutionSeed, 0), blocked)
	f := wantReason(t, err, ReasonTimeout)
	if d := time.Since(start); d > time.Second {
		t.Errorf("caller waited %s for an abandoned run", d)
	}
	if !strings.Contains(f.Message, "abandoned") {
		t.Errorf("message = %q", f.Message)
	}
	if n := e.occupied(); n != 1 {
		t.Errorf("occupied = %d while the abandoned run is still going, want 1", n)
	}

	close(release)
	deadline := time.Now().Add(5 * time.Second)
	for e.occupied() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slot never released after the abandoned run finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryVerdictIndependentOfConcurrency(t *testing.T) {
	p := DefaultPolicy()
	p.MaxConcurrent = 8
	e := testExecutor(t, p)
	cs, err := Compile(script.KindGenerator, `
		var a = [];
		for (var i = 0; i < 100000; i++) a.push({ v: i });
		return { n: a.length };
	`)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := e.RunGenerator(context.Background(), cs, i, seedPtr(1)); err != nil {
			t.Fatalf("serial run %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.RunGenerator(context.Background(), cs, i, seedPtr(1))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("parallel run %d: %v", i, err)
		}
	}
}

func TestStackOverflow(t *testing.T) {
	e := testExecutor(t, Policy{MaxCallStackSize: 64})
	_, err := e.ExecuteGenerator(context.Background(), `
		function f(n) { return f(n + 1) + 1; }
		return { v: f(0) };
	`, 0, seedPtr(1))
	wantReason(t, err, ReasonResourceExceeded)
}

func TestRuntimeErrors(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())

	f := wantReason(t, mustErr(e.ExecuteSolution(context.Background(), `throw new Error("boom");`, nil)), ReasonRuntime)
	if !strings.Contains(f.Message, "boom") {
		t.Errorf("message %q should contain the thrown message", f.Message)
	}

	wantReason(t, mustErr(e.ExecuteSolution(context.Background(), `return { v: inputData.missing.deeper };`, map[string]any{})), ReasonRuntime)
	wantReason(t, mustErr(e.ExecuteSolution(context.Background(), `throw 42;`, nil)), ReasonRuntime)
	wantReason(t, mustErr(e.ExecuteGenerator(context.Background(), `return { v: undefinedName };`, 0, nil)), ReasonRuntime)
}

func mustErr(_ *Result, err error) error { return err }

func TestInvalidOutput(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	tests := []struct {
		name string
		src  string
	}{
		{"no return", `const x = 1;`},
		{"number", `return 5;`},
		{"string", `return "x";`},
		{"array", `return [1, 2];`},
		{"null", `return null;`},
		{"function", `return function() {};`},
		{"nested function", `return { f: function() { return 1; } };`},
		{"circular", `const o = { a: 1 }; o.self = o; return o;`},
		{"nan", `return { v: 0 / 0 };`},
		{"infinity", `return { v: 1 / 0 };`},
		{"undefined field", `return { v: undefined };`},
		{"symbol", `return { v: Symbol("s") };`},
		{"map", `return { v: new Map() };`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.ExecuteGenerator(context.Background(), tt.src, 0, seedPtr(1))
			wantReason(t, err, ReasonInvalidOutput)
		})
	}
}

func TestSharedReferencesAreNotCycles(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	res, err := e.ExecuteGenerator(context.Background(), `
		const p = { x: 1, y: 2 };
		return { a: p, b: p, list: [p, p], when: new Date(0) };
	`, 0, seedPtr(1))
	if err != nil {
		t.Fatalf("ExecuteGenerator: %v", err)
	}
	if res.Data["when"] != "1970-01-01T00:00:00.000Z" {
		t.Errorf("when = %v", res.Data["when"])
	}
}

func TestOutputSizeLimit(t *testing.T) {
	e := testExecutor(t, Policy{MaxOutputBytes: 64})
	_, err := e.ExecuteGenerator(context.Background(), `
		const a = [];
		for (let i = 0; i < 100; i++) a.push(i);
		return { a: a };
	`, 0, seedPtr(1))
	wantReason(t, err, ReasonResourceExceeded)
}

func TestSolutionIsPureFunctionOfInput(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	src := `return { v: inputData.x + Math.random() };`
	in := map[string]any{"x": 1.5}

	a, err := e.ExecuteSolution(context.Background(), src, in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.ExecuteSolution(context.Background(), src, in)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a.Data, b.Data) {
		t.Errorf("solution results differ: %v vs %v", a.Data, b.Data)
	}
}

func TestRunKindMismatch(t *testing.T) {
	e := testExecutor(t, DefaultPolicy())
	cs, err := Compile(script.KindSolution, `return {};`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.RunGenerator(context.Background(), cs, 0, nil)
	wantReason(t, err, ReasonRuntime)
}

func TestPolicyDefaults(t *testing.T) {
	e := NewExecutor(Policy{})
	if got := e.Policy(); got != DefaultPolicy() {
		t.Errorf("policy = %+v, want defaults %+v", got, DefaultPolicy())
	}
}
