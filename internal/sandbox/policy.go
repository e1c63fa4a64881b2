package sandbox

import (
	"runtime"
	"time"
)

// Policy defines resource limits for a single script execution.
//
// MemoryLimit bounds what one built-in call may allocate (string and array
// sizes are checked before the allocation happens) and the heap a run may
// retain. The heap is shared by the process, so the watchdog measures growth
// against MemoryLimit times the number of executions running at that moment:
// a lone run is held to MemoryLimit, and MaxConcurrent runs together never
// exceed MemoryLimit × MaxConcurrent.
type Policy struct {
	Timeout          time.Duration // Wall-clock budget per call
	MemoryLimit      int64         // Per-execution memory budget in bytes
	MaxCallStackSize int           // Maximum JS call depth
	MaxOutputBytes   int           // Maximum size of the serialized result
	MaxConcurrent    int           // Executions admitted at once
}

// DefaultPolicy returns safe defaults for script execution.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:          5 * time.Second,
		MemoryLimit:      128 << 20,
		MaxCallStackSize: 1024,
		MaxOutputBytes:   1 << 20,
		MaxConcurrent:    runtime.NumCPU(),
	}
}

// normalized fills zero or negative fields with the defaults.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.MemoryLimit <= 0 {
		p.MemoryLimit = d.MemoryLimit
	}
	if p.MaxCallStackSize <= 0 {
		p.MaxCallStackSize = d.MaxCallStackSize
	}
	if p.MaxOutputBytes <= 0 {
		p.MaxOutputBytes = d.MaxOutputBytes
	}
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = d.MaxConcurrent
	}
	return p
}

// maxStringLength is the longest string one call may build. goja stores
// non-ASCII strings as UTF-16, two bytes per unit.
func (p Policy) maxStringLength() int64 {
	return p.MemoryLimit / 2
}

// maxArrayLength is the largest array one call may fill; each element is an
// interface value of two words.
func (p Policy) maxArrayLength() int64 {
	return p.MemoryLimit / 16
}

// maxScanLength is the largest array or array-like a single built-in call
// may walk. Holes count: a sparse array of length 2^32-1 costs nothing to
// create but takes minutes to scan.
func (p Policy) maxScanLength() int64 {
	return min(p.maxArrayLength(), 1<<22)
}

// maxSortLength is the largest array sort accepts, its cost being
// superlinear.
func (p Policy) maxSortLength() int64 {
	return p.maxScanLength() >> 4
}
