package coursework

import (
	"errors"
	"fmt"
	"time"

	"github.com/michaelbrown/taskforge/internal/grading"
	"github.com/michaelbrown/taskforge/internal/variant"
)

var (
	// ErrAttemptsExhausted is returned once a student used every attempt.
	ErrAttemptsExhausted = errors.New("maximum number of attempts reached")

	// ErrVariantMismatch is returned when grading against another variant.
	ErrVariantMismatch = errors.New("variant does not match submission")
)

// Status is the grading state of a submission.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusGraded      Status = "graded"
	StatusNeedsReview Status = "needs_review"
	StatusReturned    Status = "returned"
)

// Submission is one student's answer for one variant of an assignment.
type Submission struct {
	ID            string          `json:"id"`
	AssignmentID  string          `json:"assignmentId"`
	StudentID     string          `json:"studentId"`
	VariantIndex  int             `json:"variantIndex"`
	Answers       any             `json:"answers"`
	ComputedScore float64         `json:"computedScore"`
	ManualScore   *float64        `json:"manualScore,omitempty"`
	Comparison    *grading.Result `json:"comparison,omitempty"`
	Feedback      string          `json:"feedback,omitempty"`
	IsLate        bool            `json:"isLate"`
	LatePenalty   float64         `json:"latePenalty"`
	FinalScore    float64         `json:"finalScore"`
	AttemptNumber int             `json:"attemptNumber"`
	Status        Status          `json:"status"`
	AutoGraded    bool            `json:"autoGraded"`
	SubmittedAt   time.Time       `json:"submittedAt"`
	GradedAt      *time.Time      `json:"gradedAt,omitempty"`
}

// CheckAttempts returns the attempt number of the next submission, or
// ErrAttemptsExhausted. max <= 0 means unlimited.
func CheckAttempts(existing, max int) (int, error) {
	if max > 0 && existing >= max {
		return 0, ErrAttemptsExhausted
	}
	return existing + 1, nil
}

// AutoGrade compares the answers with the variant's solution. On failure
// the submission is marked needs_review and the error is returned.
//
// A bare number answering a solution with a single numeric field is
// graded against that field.
func (s *Submission) AutoGrade(v variant.Variant, cfg grading.Config, now time.Time) (grading.Result, error) {
	if v.Index != s.VariantIndex {
		s.Status = StatusNeedsReview
		return grading.Result{}, fmt.Errorf("%w: submission has %d, got %d", ErrVariantMismatch, s.VariantIndex, v.Index)
	}
	if err := v.Verify(); err != nil {
		s.Status = StatusNeedsReview
		return grading.Result{}, err
	}

	var solution any = v.Solution
	if f, ok := singleField(v.Solution); ok && isNumber(s.Answers) {
		solution = f
	}
	res := grading.CompareWith(s.Answers, solution, cfg)

	s.Comparison = &res
	s.ComputedScore = res.Score
	s.AutoGraded = true
	s.Status = StatusGraded
	s.GradedAt = &now
	return res, nil
}

// ApplyLatePolicy sets IsLate and LatePenalty from the assignment's due date
// and penalty rate.
func (s *Submission) ApplyLatePolicy(a *Assignment) {
	s.IsLate = a.IsLate(s.SubmittedAt)
	s.LatePenalty = 0
	if s.IsLate && a.Options.AllowLateSubmissions {
		s.LatePenalty = grading.LatePenalty(grading.DaysLate(s.SubmittedAt, a.DueDate), a.penaltyPerDay())
	}
}

// FinalizeScore computes FinalScore from the manual score when set, the
// computed score otherwise, less the late penalty.
func (s *Submission) FinalizeScore() float64 {
	base := s.ComputedScore
	if s.ManualScore != nil {
		base = *s.ManualScore
	}
	penalty := 0.0
	if s.IsLate {
		penalty = s.LatePenalty
	}
	s.FinalScore = grading.FinalScore(base, penalty)
	return s.FinalScore
}

// SetManualScore records an instructor override and recomputes FinalScore.
func (s *Submission) SetManualScore(score float64, feedback string, now time.Time) error {
	if score < 0 || score > 100 {
		return fmt.Errorf("manual score must be between 0 and 100, got %g", score)
	}
	s.ManualScore = &score
	if feedback != "" {
		s.Feedback = feedback
	}
	s.Status = StatusReturned
	s.GradedAt = &now
	s.FinalizeScore()
	return nil
}

func singleField(m map[string]any) (any, bool) {
	if len(m) != 1 {
		return nil, false
	}
	for _, v := range m {
		return v, isNumber(v)
	}
	return nil, false
}

func isNumber(v any) bool {
	_, ok := v.(float64)
	if !ok {
		_, ok = v.(int)
	}
	return ok
}
