package sandbox

import (
	"runtime"
	"runtime/metrics"
	"sync/atomic"
	"time"
)

const (
	memSampleInterval = 5 * time.Millisecond
	gcQuietPeriod     = 50 * time.Millisecond
	heapMetric        = "/memory/classes/heap/objects:bytes"
	liveMetric        = "/gc/heap/live:bytes"
)

// memWatch measures Go heap growth since the run started. The heap is shared
// by every execution in the process, so the limit is multiplied by the
// number of executions occupying a slot when the sample is taken.
//
// The baseline is the smaller of the heap in use and the live heap at the
// last collection, so garbage left by earlier runs does not hide growth
// once it is swept.
type memWatch struct {
	limit      int64
	occupied   func() int
	baseline   int64
	quietUntil atomic.Int64
}

func newMemWatch(limit int64, occupied func() int) *memWatch {
	if occupied == nil {
		occupied = func() int { return 1 }
	}
	base := readMetric(heapMetric)
	if live := readMetric(liveMetric); live > 0 && live < base {
		base = live
	}
	return &memWatch{limit: limit, occupied: occupied, baseline: base}
}

func readMetric(name string) int64 {
	s := []metrics.Sample{{Name: name}}
	metrics.Read(s)
	if s[0].Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return int64(s[0].Value.Uint64())
}

func (w *memWatch) ceiling() int64 {
	n := w.occupied()
	if n < 1 {
		n = 1
	}
	return w.limit * int64(n)
}

// exceeded reports heap growth and whether it is over the ceiling. The
// object metric includes garbage not yet swept, so an overrun is confirmed
// after a collection; a collection that clears it quiets the sampler for
// gcQuietPeriod unless force is set. It is safe to call from the supervisor
// and the executing goroutine at the same time.
func (w *memWatch) exceeded(force bool) (used, ceiling int64, over bool) {
	if w.limit <= 0 {
		return 0, 0, false
	}
	ceiling = w.ceiling()
	used = readMetric(heapMetric) - w.baseline
	if used <= ceiling {
		return used, ceiling, false
	}
	if !force && time.Now().UnixNano() < w.quietUntil.Load() {
		return used, ceiling, false
	}

	runtime.GC()
	used = readMetric(heapMetric) - w.baseline
	if used <= ceiling {
		w.quietUntil.Store(time.Now().Add(gcQuietPeriod).UnixNano())
		return used, ceiling, false
	}
	return used, ceiling, true
}
