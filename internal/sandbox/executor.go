package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/michaelbrown/taskforge/internal/script"
)

// CompiledScript is a validated, compiled script. It is immutable and may be
// run concurrently by any number of executions.
type CompiledScript struct {
	Kind   script.Kind
	Source script.Source
	prog   *goja.Program
}

// Compile validates src and compiles it once for repeated execution.
// Validation failures are returned as a *Failure with reason
// SecurityViolation or SyntaxError.
func Compile(kind script.Kind, src string) (*CompiledScript, error) {
	report := script.Validate(src, script.WithKind(kind))
	if !report.Valid {
		reason := ReasonSyntax
		msgs := make([]string, 0, len(report.Errors))
		for _, is := range report.Errors {
			if is.Kind == script.IssueSecurity {
				reason = ReasonSecurity
			}
			msgs = append(msgs, is.Message)
		}
		return nil, &Failure{
			Reason:  reason,
			Message: strings.Join(msgs, "; "),
			Err:     report.Err(kind),
		}
	}

	prog, err := script.Compile(kind, src)
	if err != nil {
		return nil, &Failure{Reason: ReasonSyntax, Message: err.Error(), Err: err}
	}
	return &CompiledScript{Kind: kind, Source: script.Source(src), prog: prog}, nil
}

// Executor runs scripts under its own Policy. It is safe for concurrent use
// and admits at most Policy.MaxConcurrent executions at a time; further calls
// wait for a slot.
type Executor struct {
	policy Policy
	slots  chan struct{}
}

var _ Runner = (*Executor)(nil)

// NewExecutor creates an executor with the given policy. Zero fields take
// the DefaultPolicy values.
func NewExecutor(policy Policy) *Executor {
	p := policy.normalized()
	return &Executor{policy: p, slots: make(chan struct{}, p.MaxConcurrent)}
}

// occupied is the number of executions currently holding a slot.
func (e *Executor) occupied() int {
	if e.slots == nil {
		return 1
	}
	return len(e.slots)
}

// Policy returns the effective limits of the executor.
func (e *Executor) Policy() Policy { return e.policy }

// Concurrency is the number of executions run at once.
func (e *Executor) Concurrency() int { return e.policy.MaxConcurrent }

// ExecuteGenerator compiles and runs a generator script. A nil seed makes the
// random source non-deterministic.
func (e *Executor) ExecuteGenerator(ctx context.Context, src string, variantIndex int, seed *int64) (*Result, error) {
	cs, err := Compile(script.KindGenerator, src)
	if err != nil {
		return nil, err
	}
	return e.RunGenerator(ctx, cs, variantIndex, seed)
}

// ExecuteSolution compiles and runs a solution script against inputData.
func (e *Executor) ExecuteSolution(ctx context.Context, src string, inputData map[string]any) (*Result, error) {
	cs, err := Compile(script.KindSolution, src)
	if err != nil {
		return nil, err
	}
	return e.RunSolution(ctx, cs, inputData)
}

// RunGenerator runs a compiled generator with (variantIndex, seed).
func (e *Executor) RunGenerator(ctx context.Context, cs *CompiledScript, variantIndex int, seed *int64) (*Result, error) {
	if err := checkKind(cs, script.KindGenerator); err != nil {
		return nil, err
	}

	var rnd func() float64
	if seed != nil {
		rnd = seededSource(*seed, variantIndex)
	} else {
		rnd = clockSource()
	}

	return e.run(ctx, cs, rnd, func(vm *goja.Runtime) ([]goja.Value, error) {
		seedArg := goja.Null()
		if seed != nil {
			seedArg = vm.ToValue(*seed)
		}
		return []goja.Value{vm.ToValue(variantIndex), seedArg}, nil
	})
}

// RunSolution runs a compiled solution with inputData. The random source is
// fixed so that a solution is always a pure function of its input.
func (e *Executor) RunSolution(ctx context.Context, cs *CompiledScript, inputData map[string]any) (*Result, error) {
	if err := checkKind(cs, script.KindSolution); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(inputData)
	if err != nil {
		return nil, &Failure{Reason: ReasonRuntime, Message: "encoding input data: " + err.Error(), Err: err}
	}

	return e.run(ctx, cs, seededSource(solutionSeed, 0), func(vm *goja.Runtime) ([]goja.Value, error) {
		input, err := jsonParse(vm, string(raw))
		if err != nil {
			return nil, err
		}
		return []goja.Value{input}, nil
	})
}

func checkKind(cs *CompiledScript, want script.Kind) error {
	if cs == nil {
		return failf(ReasonRuntime, "no compiled script")
	}
	if cs.Kind != want {
		return failf(ReasonRuntime, "%s script cannot run as %s", cs.Kind, want)
	}
	return nil
}

// interrupt is the value handed to Runtime.Interrupt by the supervisor.
type interrupt struct {
	reason  Reason
	message string
	err     error
}

// tripwire records the first reason a run was stopped and interrupts the VM.
type tripwire struct {
	vm      *goja.Runtime
	first   atomic.Pointer[interrupt]
	tripped chan struct{}
}

func newTripwire() *tripwire {
	return &tripwire{tripped: make(chan struct{})}
}

func (t *tripwire) trip(in *interrupt) {
	if t.first.CompareAndSwap(nil, in) {
		close(t.tripped)
		t.vm.Interrupt(in)
	}
}

func (t *tripwire) failure() error {
	in := t.first.Load()
	if in == nil {
		return nil
	}
	return &Failure{Reason: in.reason, Message: in.message, Err: in.err}
}

func memInterrupt(used, ceiling int64) *interrupt {
	return &interrupt{
		reason:  ReasonResourceExceeded,
		message: fmt.Sprintf("heap grew by %d bytes, ceiling is %d", used, ceiling),
	}
}

// abandonAfter is how long an interrupted run may take to stop. The
// interrupt is only seen between instructions, so a native call still in
// progress delays it; past this the caller gets the verdict and the run
// finishes in the background, keeping its slot until it does.
const abandonAfter = 250 * time.Millisecond

type outcome struct {
	res *Result
	err error
}

func (e *Executor) run(
	ctx context.Context,
	cs *CompiledScript,
	rnd func() float64,
	args func(vm *goja.Runtime) ([]goja.Value, error),
) (*Result, error) {
	if cerr := ctx.Err(); cerr != nil {
		return nil, &Failure{Reason: ReasonTimeout, Message: "execution canceled before start", Err: cerr}
	}
	if e.slots != nil {
		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, &Failure{Reason: ReasonTimeout, Message: "execution canceled before start", Err: ctx.Err()}
		}
	}

	tw := newTripwire()
	done := make(chan outcome, 1)
	go func() {
		if e.slots != nil {
			defer func() { <-e.slots }()
		}
		res, err := e.execute(ctx, tw, cs, rnd, args)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-tw.tripped:
	}

	grace := time.NewTimer(abandonAfter)
	defer grace.Stop()
	select {
	case o := <-done:
		return o.res, o.err
	case <-grace.C:
		in := tw.first.Load()
		return nil, &Failure{
			Reason:  in.reason,
			Message: in.message + "; abandoned while a built-in call ignored the interrupt",
			Err:     in.err,
		}
	}
}

// execute runs one script on a fresh runtime.
func (e *Executor) execute(
	ctx context.Context,
	tw *tripwire,
	cs *CompiledScript,
	rnd func() float64,
	args func(vm *goja.Runtime) ([]goja.Value, error),
) (res *Result, err error) {
	start := time.Now()

	// goja reports interrupts and exceptions raised inside Go callbacks as
	// panics; nothing may escape this call.
	defer func() {
		if r := recover(); r != nil {
			res = nil
			if f := tw.failure(); f != nil {
				err = f
				return
			}
			if rerr, ok := r.(error); ok {
				err = classify(rerr)
				return
			}
			err = failf(ReasonRuntime, "script panicked: %v", r)
		}
	}()

	// A guard that refused a call trips the wire before throwing; its
	// verdict wins over the exception the script saw.
	fail := func(err error) error {
		if f := tw.failure(); f != nil {
			return f
		}
		return classify(err)
	}

	vm := goja.New()
	tw.vm = vm
	vm.SetMaxCallStackSize(e.policy.MaxCallStackSize)
	vm.SetRandSource(goja.RandSource(rnd))
	if err := installSurface(vm, rnd); err != nil {
		return nil, &Failure{Reason: ReasonRuntime, Message: "preparing runtime: " + err.Error(), Err: err}
	}
	if err := installGuards(vm, e.policy, tw.trip); err != nil {
		return nil, &Failure{Reason: ReasonRuntime, Message: "preparing runtime: " + err.Error(), Err: err}
	}

	mw := newMemWatch(e.policy.MemoryLimit, e.occupied)
	stop := e.supervise(ctx, tw, mw)
	defer stop()

	fnVal, err := vm.RunProgram(cs.prog)
	if err != nil {
		return nil, fail(err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, failf(ReasonRuntime, "compiled script did not produce a function")
	}

	argv, err := args(vm)
	if err != nil {
		return nil, fail(err)
	}

	out, err := fn(goja.Undefined(), argv...)
	if err != nil {
		return nil, fail(err)
	}
	if err := settle(tw, mw); err != nil {
		return nil, err
	}

	data, err := exportPlain(vm, out, e.policy.MaxOutputBytes)
	if err != nil {
		return nil, fail(err)
	}
	if err := settle(tw, mw); err != nil {
		return nil, err
	}

	return &Result{Data: data, Duration: time.Since(start)}, nil
}

// supervise enforces the wall-clock budget, context cancellation and the
// heap ceiling. The returned stop func must be called once the run ends.
func (e *Executor) supervise(ctx context.Context, tw *tripwire, mw *memWatch) (stop func()) {
	done := make(chan struct{})

	timer := time.AfterFunc(e.policy.Timeout, func() {
		tw.trip(&interrupt{
			reason:  ReasonTimeout,
			message: fmt.Sprintf("execution exceeded %s", e.policy.Timeout),
			err:     context.DeadlineExceeded,
		})
	})

	go func() {
		ticker := time.NewTicker(memSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				tw.trip(&interrupt{
					reason:  ReasonTimeout,
					message: "execution canceled: " + ctx.Err().Error(),
					err:     ctx.Err(),
				})
				return
			case <-ticker.C:
				if used, ceiling, over := mw.exceeded(false); over {
					tw.trip(memInterrupt(used, ceiling))
					return
				}
			}
		}
	}()

	return func() {
		timer.Stop()
		close(done)
	}
}

// settle catches an interrupt that raced with the end of the script and
// heap growth from the last native call that the sampler has not seen yet.
func settle(tw *tripwire, mw *memWatch) error {
	if used, ceiling, over := mw.exceeded(true); over {
		tw.trip(memInterrupt(used, ceiling))
	}
	return tw.failure()
}

// classify maps any error raised by the runtime onto a *Failure.
func classify(err error) error {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if in, ok := ie.Value().(*interrupt); ok {
			return &Failure{Reason: in.reason, Message: in.message, Err: in.err}
		}
		return &Failure{Reason: ReasonTimeout, Message: ie.Error(), Err: err}
	}

	var so *goja.StackOverflowError
	if errors.As(err, &so) {
		return &Failure{Reason: ReasonResourceExceeded, Message: "maximum call stack size exceeded", Err: err}
	}

	var se *goja.CompilerSyntaxError
	if errors.As(err, &se) {
		return &Failure{Reason: ReasonSyntax, Message: se.Error(), Err: err}
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		msg := ex.Error()
		if v := ex.Value(); v != nil {
			msg = v.String()
		}
		return &Failure{Reason: ReasonRuntime, Message: msg, Err: err}
	}

	return &Failure{Reason: ReasonRuntime, Message: err.Error(), Err: err}
}
