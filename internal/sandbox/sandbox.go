// Package sandbox runs instructor-authored generator and solution scripts in
// a fresh, capability-free ECMAScript runtime per call.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Reason classifies why an execution failed.
type Reason string

const (
	ReasonSyntax           Reason = "SyntaxError"
	ReasonSecurity         Reason = "SecurityViolation"
	ReasonTimeout          Reason = "Timeout"
	ReasonResourceExceeded Reason = "ResourceExceeded"
	ReasonRuntime          Reason = "RuntimeError"
	ReasonInvalidOutput    Reason = "InvalidOutput"
)

// Failure is the typed error returned for every unsuccessful execution.
type Failure struct {
	Reason  Reason
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

func failf(reason Reason, format string, args ...any) *Failure {
	return &Failure{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Result is the output of a successful execution.
type Result struct {
	Data     map[string]any
	Duration time.Duration
}

// Runner executes compiled scripts.
type Runner interface {
	RunGenerator(ctx context.Context, s *CompiledScript, variantIndex int, seed *int64) (*Result, error)
	RunSolution(ctx context.Context, s *CompiledScript, inputData map[string]any) (*Result, error)
}
