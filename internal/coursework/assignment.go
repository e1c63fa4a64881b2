package coursework

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/michaelbrown/taskforge/internal/grading"
	"github.com/michaelbrown/taskforge/internal/variant"
)

// ErrPastDue is returned for a late submission when late work is not accepted.
var ErrPastDue = errors.New("assignment is past due")

// DefaultMaxAttempts applies when an assignment sets no attempt limit.
const DefaultMaxAttempts = 3

// Options are the per-assignment submission and grading rules.
type Options struct {
	AllowLateSubmissions bool                  `json:"allowLateSubmissions"`
	LatePenaltyPerDay    float64               `json:"latePenaltyPerDay"`
	MaxAttempts          int                   `json:"maxAttempts"`
	AutoGrade            bool                  `json:"autoGrade"`
	CustomTolerance      *float64              `json:"customTolerance,omitempty"`
	CustomToleranceType  grading.ToleranceType `json:"customToleranceType,omitempty"`
}

// DefaultOptions accepts late work at 10% per day, three attempts, auto-graded.
func DefaultOptions() Options {
	return Options{
		AllowLateSubmissions: true,
		LatePenaltyPerDay:    grading.DefaultLatePenaltyPerDay,
		MaxAttempts:          DefaultMaxAttempts,
		AutoGrade:            true,
	}
}

// Normalize validates the options and returns them with the custom
// tolerance type in canonical form.
func (o Options) Normalize() (Options, error) {
	var errs []error
	if o.CustomToleranceType != "" {
		tt, err := grading.ParseToleranceType(string(o.CustomToleranceType))
		if err != nil {
			errs = append(errs, err)
		}
		o.CustomToleranceType = tt
	}
	if t := o.CustomTolerance; t != nil && (*t < 0 || math.IsNaN(*t)) {
		errs = append(errs, fmt.Errorf("customTolerance must not be negative, got %g", *t))
	}
	if o.LatePenaltyPerDay < 0 || o.LatePenaltyPerDay > 1 {
		errs = append(errs, fmt.Errorf("latePenaltyPerDay must be between 0 and 1, got %g", o.LatePenaltyPerDay))
	}
	if err := errors.Join(errs...); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Assignment binds a template to a due date and a fixed variant seed.
type Assignment struct {
	ID           string    `json:"id"`
	TemplateID   string    `json:"templateId"`
	Title        string    `json:"title"`
	DueDate      time.Time `json:"dueDate"`
	Seed         *int64    `json:"seed,omitempty"`
	VariantCount int       `json:"variantCount"`
	Options      Options   `json:"options"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// GenerateVariants materializes count variants of tmpl. The first call picks
// a seed and stores it on the assignment; later calls reuse it, so
// regenerating reproduces the same set.
func (a *Assignment) GenerateVariants(ctx context.Context, g *variant.Generator, tmpl *Template, count int, opts ...variant.Option) (*variant.Set, error) {
	if a.Seed != nil {
		opts = append(opts, variant.WithSeed(*a.Seed))
	}
	set, err := g.Materialize(ctx, tmpl.Scripts(), count, opts...)
	if err != nil {
		return nil, err
	}
	seed := set.Seed
	a.Seed = &seed
	a.VariantCount = len(set.Variants)
	return set, nil
}

// GradingFor returns tmpl's grading configuration with the assignment's
// tolerance overrides applied.
func (a *Assignment) GradingFor(tmpl *Template) grading.Config {
	c := tmpl.Grading.WithDefaults()
	if a.Options.CustomTolerance != nil {
		c.Tolerance = *a.Options.CustomTolerance
	}
	if a.Options.CustomToleranceType != "" {
		c.ToleranceType = a.Options.CustomToleranceType
	}
	return c
}

// IsLate reports whether at falls after the due date.
func (a *Assignment) IsLate(at time.Time) bool {
	return !a.DueDate.IsZero() && at.After(a.DueDate)
}

// Accepts returns ErrPastDue when at is late and late work is refused.
func (a *Assignment) Accepts(at time.Time) error {
	if a.IsLate(at) && !a.Options.AllowLateSubmissions {
		return ErrPastDue
	}
	return nil
}

func (a *Assignment) penaltyPerDay() float64 {
	if a.Options.LatePenaltyPerDay > 0 {
		return a.Options.LatePenaltyPerDay
	}
	return grading.DefaultLatePenaltyPerDay
}

// LearnerView strips solutions and hashes from variants.
func LearnerView(variants []variant.Variant) []variant.LearnerVariant {
	out := make([]variant.LearnerVariant, len(variants))
	for i, v := range variants {
		out[i] = v.Learner()
	}
	return out
}
