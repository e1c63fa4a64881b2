// Package coursework holds the records built around the script engine:
// templates, assignments and submissions, and the operations that drive the
// sandbox, variant generator and comparator on their behalf.
package coursework

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/michaelbrown/taskforge/internal/grading"
	"github.com/michaelbrown/taskforge/internal/sandbox"
	"github.com/michaelbrown/taskforge/internal/script"
	"github.com/michaelbrown/taskforge/internal/variant"
)

// Difficulty is the instructor-facing difficulty label of a template.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// KindCustom is the template kind used when none is given.
const KindCustom = "custom"

// TestCase pairs a solution input with the output the solution must produce.
type TestCase struct {
	Input          map[string]any `json:"input" yaml:"input" toml:"input"`
	ExpectedOutput map[string]any `json:"expectedOutput" yaml:"expectedOutput" toml:"expectedOutput"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
}

// Template is an instructor-authored generator/solution pair plus its
// grading settings.
type Template struct {
	ID              string         `json:"id" yaml:"id,omitempty" toml:"id,omitempty"`
	Name            string         `json:"name" yaml:"name" toml:"name"`
	Kind            string         `json:"kind" yaml:"kind,omitempty" toml:"kind,omitempty"`
	Description     string         `json:"description" yaml:"description,omitempty" toml:"description,omitempty"`
	Difficulty      Difficulty     `json:"difficulty" yaml:"difficulty,omitempty" toml:"difficulty,omitempty"`
	Level           int            `json:"level" yaml:"level,omitempty" toml:"level,omitempty"`
	GeneratorScript script.Source  `json:"generatorScript" yaml:"generatorScript" toml:"generatorScript"`
	SolutionScript  script.Source  `json:"solutionScript" yaml:"solutionScript" toml:"solutionScript"`
	TestCases       []TestCase     `json:"testCases,omitempty" yaml:"testCases,omitempty" toml:"testCases,omitempty"`
	Grading         grading.Config `json:"grading" yaml:"grading,omitempty" toml:"grading,omitempty"`
	Tags            []string       `json:"tags,omitempty" yaml:"tags,omitempty" toml:"tags,omitempty"`
	IsPublic        bool           `json:"isPublic" yaml:"isPublic,omitempty" toml:"isPublic,omitempty"`
	CreatedAt       time.Time      `json:"createdAt" yaml:"-" toml:"-"`
	UpdatedAt       time.Time      `json:"updatedAt" yaml:"-" toml:"-"`
}

// ApplyDefaults fills unset fields: kind custom, difficulty medium, level 5,
// and the default grading configuration.
func (t *Template) ApplyDefaults() {
	if t.Kind == "" {
		t.Kind = KindCustom
	}
	if t.Difficulty == "" {
		t.Difficulty = DifficultyMedium
	}
	if t.Level == 0 {
		t.Level = 5
	}
	if t.Grading == (grading.Config{}) {
		t.Grading = grading.DefaultConfig()
	}
	t.Grading = t.Grading.WithDefaults()
}

// Scripts returns the template's script pair for the variant generator.
func (t *Template) Scripts() variant.Scripts {
	return variant.Scripts{Generator: string(t.GeneratorScript), Solution: string(t.SolutionScript)}
}

// ScriptReports validates both scripts and returns their reports.
func (t *Template) ScriptReports(opts ...script.Option) (gen, sol script.Report) {
	gen = script.Validate(string(t.GeneratorScript), append(opts, script.WithKind(script.KindGenerator))...)
	sol = script.Validate(string(t.SolutionScript), append(opts, script.WithKind(script.KindSolution))...)
	return gen, sol
}

// Validate checks the metadata and both scripts. Script failures are
// returned as *script.ValidationError values joined with the rest.
func (t *Template) Validate(opts ...script.Option) error {
	var errs []error
	if strings.TrimSpace(t.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch t.Difficulty {
	case "", DifficultyEasy, DifficultyMedium, DifficultyHard, DifficultyExpert:
	default:
		errs = append(errs, fmt.Errorf("unknown difficulty %q", t.Difficulty))
	}
	if t.Level != 0 && (t.Level < 1 || t.Level > 10) {
		errs = append(errs, fmt.Errorf("level must be between 1 and 10, got %d", t.Level))
	}
	if err := t.Grading.Validate(); err != nil {
		errs = append(errs, err)
	}
	if t.Grading.MaxScore > 100 {
		errs = append(errs, fmt.Errorf("maxScore must not exceed 100, got %g", t.Grading.MaxScore))
	}

	gen, sol := t.ScriptReports(opts...)
	if err := gen.Err(script.KindGenerator); err != nil {
		errs = append(errs, err)
	}
	if err := sol.Err(script.KindSolution); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GenerateTestData runs the generator script once.
func (t *Template) GenerateTestData(ctx context.Context, r sandbox.Runner, variantIndex int, seed *int64) (map[string]any, error) {
	cs, err := sandbox.Compile(script.KindGenerator, string(t.GeneratorScript))
	if err != nil {
		return nil, fmt.Errorf("generator execution failed: %w", err)
	}
	res, err := r.RunGenerator(ctx, cs, variantIndex, seed)
	if err != nil {
		return nil, fmt.Errorf("generator execution failed: %w", err)
	}
	return res.Data, nil
}

// GenerateSolution runs the solution script on inputData.
func (t *Template) GenerateSolution(ctx context.Context, r sandbox.Runner, inputData map[string]any) (map[string]any, error) {
	cs, err := sandbox.Compile(script.KindSolution, string(t.SolutionScript))
	if err != nil {
		return nil, fmt.Errorf("solution generation failed: %w", err)
	}
	res, err := r.RunSolution(ctx, cs, inputData)
	if err != nil {
		return nil, fmt.Errorf("solution generation failed: %w", err)
	}
	return res.Data, nil
}

// TestCaseResult is the outcome of one TestCase.
type TestCaseResult struct {
	Index       int             `json:"index"`
	Description string          `json:"description,omitempty"`
	Output      map[string]any  `json:"output,omitempty"`
	Comparison  *grading.Result `json:"comparison,omitempty"`
	Passed      bool            `json:"passed"`
	Error       string          `json:"error,omitempty"`
}

// RunTestCases runs the solution script on every test case input and grades
// the output against the expected output with the template's settings. A
// case passes only with a perfect score. Execution failures are recorded on
// the case, not returned.
func (t *Template) RunTestCases(ctx context.Context, r sandbox.Runner) ([]TestCaseResult, error) {
	cs, err := sandbox.Compile(script.KindSolution, string(t.SolutionScript))
	if err != nil {
		return nil, err
	}
	cfg := t.Grading.WithDefaults()

	out := make([]TestCaseResult, len(t.TestCases))
	for i, tc := range t.TestCases {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = TestCaseResult{Index: i, Description: tc.Description}
		res, err := r.RunSolution(ctx, cs, tc.Input)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		cmp := grading.Compare(res.Data, tc.ExpectedOutput, cfg.Tolerance, cfg.ToleranceType)
		out[i].Output = res.Data
		out[i].Comparison = &cmp
		out[i].Passed = cmp.TotalCount > 0 && cmp.Score == 100
	}
	return out, nil
}
