// Package variant materializes the per-student task variants of an
// assignment from a template's generator and solution scripts.
package variant

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Variant is one immutable task instance.
type Variant struct {
	Index        int            `json:"variantIndex"`
	InputData    map[string]any `json:"inputData"`
	Solution     map[string]any `json:"solution"`
	SolutionHash string         `json:"solutionHash"`
}

// LearnerVariant is the view of a Variant shown before grading.
type LearnerVariant struct {
	Index     int            `json:"variantIndex"`
	InputData map[string]any `json:"inputData"`
}

// Learner strips the solution and its hash.
func (v Variant) Learner() LearnerVariant {
	return LearnerVariant{Index: v.Index, InputData: v.InputData}
}

// Verify recomputes the solution hash and reports a mismatch.
func (v Variant) Verify() error {
	h, err := SolutionHash(v.Solution)
	if err != nil {
		return err
	}
	if h != v.SolutionHash {
		return fmt.Errorf("variant %d: solution hash mismatch: stored %s, computed %s", v.Index, v.SolutionHash, h)
	}
	return nil
}

// Set is the full, ordered result of one materialization.
type Set struct {
	Seed        int64     `json:"seed"`
	Variants    []Variant `json:"variants"`
	Warnings    []string  `json:"warnings,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Learner returns the learner view of every variant in index order.
func (s *Set) Learner() []LearnerVariant {
	out := make([]LearnerVariant, len(s.Variants))
	for i, v := range s.Variants {
		out[i] = v.Learner()
	}
	return out
}

// SolutionHash returns the lowercase hex SHA-256 of the canonical JSON
// encoding of solution. encoding/json sorts map keys and emits no
// insignificant whitespace, which makes the encoding canonical for decoded
// JSON values.
func SolutionHash(solution map[string]any) (string, error) {
	data, err := json.Marshal(solution)
	if err != nil {
		return "", fmt.Errorf("encoding solution: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ungradedFields lists solution fields that the comparator will skip.
func ungradedFields(solution map[string]any) []string {
	var out []string
	for k, v := range solution {
		if _, ok := v.(float64); !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
