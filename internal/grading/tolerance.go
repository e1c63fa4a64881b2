// Package grading compares student answers against stored solutions and
// applies late-submission adjustments. Everything here is pure: no I/O, no
// shared state, safe for concurrent use.
package grading

import (
	"fmt"
	"strings"
)

// ToleranceType decides how numeric closeness is judged.
type ToleranceType string

const (
	Absolute   ToleranceType = "absolute"
	Relative   ToleranceType = "relative"
	Percentage ToleranceType = "percentage"
)

// DefaultTolerance and DefaultToleranceType apply when a template sets none.
const (
	DefaultTolerance     = 0.001
	DefaultToleranceType = Absolute
)

// ParseToleranceType accepts absolute, relative or percentage in any case.
// An empty string yields DefaultToleranceType.
func ParseToleranceType(s string) (ToleranceType, error) {
	switch t := ToleranceType(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return DefaultToleranceType, nil
	case Absolute, Relative, Percentage:
		return t, nil
	default:
		return "", fmt.Errorf("unknown tolerance type %q (want absolute, relative or percentage)", s)
	}
}

// Valid reports whether t is one of the known tolerance types.
func (t ToleranceType) Valid() bool {
	switch t {
	case Absolute, Relative, Percentage:
		return true
	}
	return false
}

// Config is the grading configuration of a template or assignment.
type Config struct {
	Tolerance     float64       `json:"tolerance" yaml:"tolerance" toml:"tolerance"`
	ToleranceType ToleranceType `json:"toleranceType" yaml:"toleranceType" toml:"toleranceType"`
	MaxScore      float64       `json:"maxScore" yaml:"maxScore" toml:"maxScore"`
}

// DefaultConfig returns tolerance 0.001 absolute out of 100 points.
func DefaultConfig() Config {
	return Config{Tolerance: DefaultTolerance, ToleranceType: DefaultToleranceType, MaxScore: 100}
}

// WithDefaults fills zero-valued fields from DefaultConfig. A zero tolerance
// is kept: exact answers are a legitimate configuration.
func (c Config) WithDefaults() Config {
	if c.ToleranceType == "" {
		c.ToleranceType = DefaultToleranceType
	}
	if c.MaxScore <= 0 {
		c.MaxScore = 100
	}
	return c
}

// Validate rejects negative tolerances and unknown types.
func (c Config) Validate() error {
	if c.Tolerance < 0 {
		return fmt.Errorf("tolerance must not be negative, got %g", c.Tolerance)
	}
	if c.ToleranceType != "" && !c.ToleranceType.Valid() {
		return fmt.Errorf("unknown tolerance type %q", c.ToleranceType)
	}
	if c.MaxScore < 0 {
		return fmt.Errorf("maxScore must not be negative, got %g", c.MaxScore)
	}
	return nil
}
