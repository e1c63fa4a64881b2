package storage

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/variant"
)

func exportFixture() (*coursework.Assignment, *coursework.Template, []variant.Variant) {
	seed := int64(42)
	a := &coursework.Assignment{
		ID:      "as-1",
		Title:   "Week 3",
		DueDate: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Seed:    &seed,
	}
	tmpl := &coursework.Template{Name: "two points", Description: "Compute the length of the segment."}
	sol := map[string]any{"distance": 5.0}
	h, _ := variant.SolutionHash(sol)
	variants := []variant.Variant{
		{Index: 0, InputData: map[string]any{"y": 4.0, "x": 3.0}, Solution: sol, SolutionHash: h},
	}
	return a, tmpl, variants
}

func TestExportMarkdown(t *testing.T) {
	a, tmpl, variants := exportFixture()

	learner := ExportMarkdown(a, tmpl, variants, false)
	for _, want := range []string{"# Week 3", "**Due:** 2026-03-01 12:00", "## Variant 1", "- `x` = 3\n- `y` = 4"} {
		if !strings.Contains(learner, want) {
			t.Errorf("markdown missing %q:\n%s", want, learner)
		}
	}
	for _, leak := range []string{"Seed", "Solution", "distance", "sha256"} {
		if strings.Contains(learner, leak) {
			t.Errorf("learner handout contains %q", leak)
		}
	}

	key := ExportMarkdown(a, tmpl, variants, true)
	for _, want := range []string{"**Seed:** 42", "**Solution**", "- `distance` = 5", variants[0].SolutionHash} {
		if !strings.Contains(key, want) {
			t.Errorf("answer key missing %q", want)
		}
	}
}

func TestExportJSON(t *testing.T) {
	a, _, variants := exportFixture()

	data, err := ExportJSON(a, variants, false)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "solution") || strings.Contains(string(data), `"seed"`) {
		t.Errorf("learner export leaks solutions or seed:\n%s", data)
	}
	if a.Seed == nil {
		t.Error("ExportJSON must not modify the assignment")
	}

	data, err = ExportJSON(a, variants, true)
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Assignment coursework.Assignment `json:"assignment"`
		Variants   []variant.Variant     `json:"variants"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if *out.Assignment.Seed != 42 || out.Variants[0].SolutionHash != variants[0].SolutionHash {
		t.Errorf("full export = %+v", out)
	}
}
