// Package storage defines the persistence interface for templates,
// assignments, their variant sets and submissions.
package storage

import (
	"context"
	"errors"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/variant"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInUse is returned when deleting a record that others reference.
	ErrInUse = errors.New("record is in use")

	// ErrDuplicate is returned when an insert collides with an existing
	// record, such as two submissions claiming the same attempt number.
	ErrDuplicate = errors.New("record already exists")
)

// TemplateListOptions controls filtering and pagination for ListTemplates.
type TemplateListOptions struct {
	Kind       string
	Tag        string
	PublicOnly bool
	Limit      int
	Offset     int
}

// Store is the persistence interface. Implementations must make
// ReplaceVariants atomic: readers see either the previous set or the new
// one, never a mix.
type Store interface {
	// CreateTemplate inserts a template. The ID field must be set by the caller.
	CreateTemplate(ctx context.Context, t *coursework.Template) error

	// GetTemplate returns a template by ID.
	GetTemplate(ctx context.Context, id string) (*coursework.Template, error)

	// ListTemplates returns templates ordered by updated_at descending.
	ListTemplates(ctx context.Context, opts TemplateListOptions) ([]coursework.Template, error)

	// UpdateTemplate replaces every mutable field of a template.
	UpdateTemplate(ctx context.Context, t *coursework.Template) error

	// DeleteTemplate removes a template. Templates still referenced by an
	// assignment fail with ErrInUse.
	DeleteTemplate(ctx context.Context, id string) error

	// CreateAssignment inserts an assignment and its variant set in one
	// transaction. The ID field must be set by the caller.
	CreateAssignment(ctx context.Context, a *coursework.Assignment, set *variant.Set) error

	// GetAssignment returns an assignment by ID.
	GetAssignment(ctx context.Context, id string) (*coursework.Assignment, error)

	// ReplaceVariants swaps the variant set of an assignment and stores its
	// seed and count, in one transaction.
	ReplaceVariants(ctx context.Context, a *coursework.Assignment, set *variant.Set) error

	// ListVariants returns all variants of an assignment in index order.
	ListVariants(ctx context.Context, assignmentID string) ([]variant.Variant, error)

	// GetVariant returns one variant.
	GetVariant(ctx context.Context, assignmentID string, index int) (*variant.Variant, error)

	// CreateSubmission inserts a submission. The ID field must be set by the caller.
	CreateSubmission(ctx context.Context, s *coursework.Submission) error

	// GetSubmission returns a submission by ID.
	GetSubmission(ctx context.Context, id string) (*coursework.Submission, error)

	// UpdateSubmission stores grading fields of a submission.
	UpdateSubmission(ctx context.Context, s *coursework.Submission) error

	// ListSubmissions returns the submissions for an assignment, oldest first.
	// A non-empty studentID restricts the list to one student.
	ListSubmissions(ctx context.Context, assignmentID, studentID string) ([]coursework.Submission, error)

	// Close releases resources.
	Close() error
}
