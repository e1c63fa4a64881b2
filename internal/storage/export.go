package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/variant"
)

// ExportMarkdown renders an assignment's variants as a markdown handout.
// Solutions are included only when withSolutions is set.
func ExportMarkdown(a *coursework.Assignment, tmpl *coursework.Template, variants []variant.Variant, withSolutions bool) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# %s\n\n", a.Title))
	b.WriteString(fmt.Sprintf("- **Template:** %s\n", tmpl.Name))
	if !a.DueDate.IsZero() {
		b.WriteString(fmt.Sprintf("- **Due:** %s\n", a.DueDate.Format("2006-01-02 15:04")))
	}
	if a.Seed != nil && withSolutions {
		b.WriteString(fmt.Sprintf("- **Seed:** %d\n", *a.Seed))
	}
	b.WriteString(fmt.Sprintf("- **Variants:** %d\n", len(variants)))
	if tmpl.Description != "" {
		b.WriteString(fmt.Sprintf("\n%s\n", tmpl.Description))
	}
	b.WriteString("\n---\n\n")

	for _, v := range variants {
		b.WriteString(fmt.Sprintf("## Variant %d\n\n", v.Index+1))
		writeFields(&b, v.InputData)
		if withSolutions {
			b.WriteString("\n**Solution**\n\n")
			writeFields(&b, v.Solution)
			b.WriteString(fmt.Sprintf("\n<sub>sha256 %s</sub>\n", v.SolutionHash))
		}
		b.WriteString("\n")
	}

	return b.String()
}

func writeFields(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		val, _ := json.Marshal(m[k])
		b.WriteString(fmt.Sprintf("- `%s` = %s\n", k, val))
	}
}

// ExportJSON renders an assignment and its variants as formatted JSON.
func ExportJSON(a *coursework.Assignment, variants []variant.Variant, withSolutions bool) ([]byte, error) {
	var vs any = variants
	if !withSolutions {
		vs = coursework.LearnerView(variants)
		learner := *a
		learner.Seed = nil
		a = &learner
	}
	export := struct {
		Assignment *coursework.Assignment `json:"assignment"`
		Variants   any                    `json:"variants"`
	}{
		Assignment: a,
		Variants:   vs,
	}
	return json.MarshalIndent(export, "", "  ")
}
