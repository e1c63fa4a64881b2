package variant

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/taskforge/internal/sandbox"
	"github.com/michaelbrown/taskforge/internal/script"
)

// ErrInvalidCount is returned when fewer than one variant is requested.
var ErrInvalidCount = errors.New("variant count must be at least 1")

// Stage names the step of a variant that failed.
type Stage string

const (
	StageGenerator Stage = "generator"
	StageSolution  Stage = "solution"
	StageHash      Stage = "hash"
)

// MaterializeError reports the lowest failing variant index of a batch.
type MaterializeError struct {
	Index int
	Stage Stage
	Err   error
}

func (e *MaterializeError) Error() string {
	return fmt.Sprintf("variant %d: %s: %v", e.Index, e.Stage, e.Err)
}

func (e *MaterializeError) Unwrap() error { return e.Err }

// Reason returns the sandbox failure reason behind the error, if any.
func (e *MaterializeError) Reason() sandbox.Reason {
	var f *sandbox.Failure
	if errors.As(e.Err, &f) {
		return f.Reason
	}
	return ""
}

// Scripts is the generator/solution pair of a template.
type Scripts struct {
	Generator string
	Solution  string
}

// Progress is reported after each variant completes.
type Progress struct {
	Index     int `json:"variantIndex"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type config struct {
	seed     *int64
	workers  int
	clock    func() time.Time
	progress func(Progress)
}

// Option configures a Generator or a single Materialize call.
type Option func(*config)

// WithSeed fixes the batch seed. Without it the seed is derived from the clock.
func WithSeed(seed int64) Option {
	return func(c *config) { c.seed = &seed }
}

// WithWorkers bounds the number of concurrent executions. Default: NumCPU.
func WithWorkers(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithClock sets the time source used for default seeds and timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.clock = now }
}

// WithProgress registers a callback invoked once per completed variant.
// Calls are serialized.
func WithProgress(fn func(Progress)) Option {
	return func(c *config) { c.progress = fn }
}

// concurrencyLimited is implemented by runners that admit a bounded number of
// executions at once. The worker pool is never sized above that bound, so
// every worker holds a full per-execution memory budget.
type concurrencyLimited interface {
	Concurrency() int
}

// Generator materializes variant sets. It is safe for concurrent use.
type Generator struct {
	runner sandbox.Runner
	cfg    config
}

// NewGenerator creates a Generator that executes scripts through runner.
func NewGenerator(runner sandbox.Runner, opts ...Option) *Generator {
	cfg := config{workers: runtime.NumCPU(), clock: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	return &Generator{runner: runner, cfg: cfg}
}

// Materialize runs the generator and solution scripts for indexes
// 0..count-1. Either every variant succeeds and the full set is returned, or
// a *MaterializeError naming the lowest failing index is returned and no
// variants are.
func (g *Generator) Materialize(ctx context.Context, scripts Scripts, count int, opts ...Option) (*Set, error) {
	if count < 1 {
		return nil, ErrInvalidCount
	}

	cfg := g.cfg
	for _, o := range opts {
		o(&cfg)
	}
	seed := cfg.clock().UnixMilli()
	if cfg.seed != nil {
		seed = *cfg.seed
	}

	gen, sol, err := compile(scripts)
	if err != nil {
		return nil, err
	}

	variants := make([]Variant, count)
	failures := make([]error, count)

	var minFailed atomic.Int64
	minFailed.Store(int64(count))

	var (
		progressMu sync.Mutex
		completed  int
	)

	workers := cfg.workers
	if cl, ok := g.runner.(concurrencyLimited); ok {
		if n := cl.Concurrency(); n > 0 && n < workers {
			workers = n
		}
	}

	var eg errgroup.Group
	eg.SetLimit(workers)

	for i := 0; i < count; i++ {
		if int64(i) > minFailed.Load() || ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			// Indexes above a known failure cannot change the outcome.
			if int64(i) > minFailed.Load() {
				return nil
			}
			v, err := g.one(ctx, gen, sol, i, seed)
			if err != nil {
				failures[i] = err
				lowerTo(&minFailed, int64(i))
				return nil
			}
			variants[i] = v

			if cfg.progress != nil {
				progressMu.Lock()
				completed++
				cfg.progress(Progress{Index: i, Completed: completed, Total: count})
				progressMu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("materialization aborted: %w", err)
	}
	if m := int(minFailed.Load()); m < count {
		return nil, failures[m]
	}

	return &Set{
		Seed:        seed,
		Variants:    variants,
		Warnings:    collectWarnings(variants),
		GeneratedAt: cfg.clock().UTC(),
	}, nil
}

// Reproduce regenerates a single variant, e.g. to audit a stored one.
func (g *Generator) Reproduce(ctx context.Context, scripts Scripts, index int, seed int64) (Variant, error) {
	gen, sol, err := compile(scripts)
	if err != nil {
		return Variant{}, err
	}
	return g.one(ctx, gen, sol, index, seed)
}

func (g *Generator) one(ctx context.Context, gen, sol *sandbox.CompiledScript, i int, seed int64) (Variant, error) {
	in, err := g.runner.RunGenerator(ctx, gen, i, &seed)
	if err != nil {
		return Variant{}, &MaterializeError{Index: i, Stage: StageGenerator, Err: err}
	}
	out, err := g.runner.RunSolution(ctx, sol, in.Data)
	if err != nil {
		return Variant{}, &MaterializeError{Index: i, Stage: StageSolution, Err: err}
	}
	hash, err := SolutionHash(out.Data)
	if err != nil {
		return Variant{}, &MaterializeError{Index: i, Stage: StageHash, Err: err}
	}
	return Variant{Index: i, InputData: in.Data, Solution: out.Data, SolutionHash: hash}, nil
}

func compile(scripts Scripts) (gen, sol *sandbox.CompiledScript, err error) {
	gen, err = sandbox.Compile(script.KindGenerator, scripts.Generator)
	if err != nil {
		return nil, nil, &MaterializeError{Index: 0, Stage: StageGenerator, Err: err}
	}
	sol, err = sandbox.Compile(script.KindSolution, scripts.Solution)
	if err != nil {
		return nil, nil, &MaterializeError{Index: 0, Stage: StageSolution, Err: err}
	}
	return gen, sol, nil
}

func lowerTo(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n >= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

func collectWarnings(variants []Variant) []string {
	seen := map[string]bool{}
	for _, v := range variants {
		for _, f := range ungradedFields(v.Solution) {
			seen[f] = true
		}
	}
	if len(seen) == 0 {
		return nil
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = fmt.Sprintf("solution field %q is not numeric and will not be graded", f)
	}
	return out
}
