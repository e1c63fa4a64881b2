package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/storage"
)

type submitRequest struct {
	StudentID    string `json:"studentId"`
	VariantIndex int    `json:"variantIndex"`
	Answers      any    `json:"answers"`
}

// submissionReceipt is what a student sees after submitting. It carries the
// score but no solution values.
type submissionReceipt struct {
	ID            string            `json:"id"`
	AttemptNumber int               `json:"attemptNumber"`
	Status        coursework.Status `json:"status"`
	ComputedScore float64           `json:"computedScore"`
	CorrectCount  int               `json:"correctCount"`
	TotalCount    int               `json:"totalCount"`
	IsLate        bool              `json:"isLate"`
	LatePenalty   float64           `json:"latePenalty"`
	FinalScore    float64           `json:"finalScore"`
	SubmittedAt   time.Time         `json:"submittedAt"`
}

func receipt(sub *coursework.Submission) submissionReceipt {
	rc := submissionReceipt{
		ID:            sub.ID,
		AttemptNumber: sub.AttemptNumber,
		Status:        sub.Status,
		ComputedScore: sub.ComputedScore,
		IsLate:        sub.IsLate,
		LatePenalty:   sub.LatePenalty,
		FinalScore:    sub.FinalScore,
		SubmittedAt:   sub.SubmittedAt,
	}
	if sub.Comparison != nil {
		rc.CorrectCount = sub.Comparison.CorrectCount
		rc.TotalCount = sub.Comparison.TotalCount
	}
	return rc
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.StudentID = strings.TrimSpace(req.StudentID)
	if req.StudentID == "" {
		writeError(w, http.StatusBadRequest, "studentId is required")
		return
	}
	if req.Answers == nil {
		writeError(w, http.StatusBadRequest, "answers are required")
		return
	}

	a, err := s.store.GetAssignment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "assignment", err)
		return
	}

	now := s.now().UTC()
	if err := a.Accepts(now); err != nil {
		writeStoreError(w, "assignment", err)
		return
	}

	v, err := s.store.GetVariant(ctx, a.ID, req.VariantIndex)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("assignment has no variant %d", req.VariantIndex))
		return
	}
	if err != nil {
		writeStoreError(w, "variant", err)
		return
	}

	previous, err := s.store.ListSubmissions(ctx, a.ID, req.StudentID)
	if err != nil {
		writeStoreError(w, "submissions", err)
		return
	}
	attempt, err := coursework.CheckAttempts(len(previous), a.Options.MaxAttempts)
	if err != nil {
		writeStoreError(w, "submission", err)
		return
	}

	sub := &coursework.Submission{
		ID:            uuid.New().String(),
		AssignmentID:  a.ID,
		StudentID:     req.StudentID,
		VariantIndex:  req.VariantIndex,
		Answers:       req.Answers,
		AttemptNumber: attempt,
		Status:        coursework.StatusSubmitted,
		SubmittedAt:   now,
	}
	sub.ApplyLatePolicy(a)

	if a.Options.AutoGrade {
		tmpl, err := s.store.GetTemplate(ctx, a.TemplateID)
		if err != nil {
			writeStoreError(w, "template", err)
			return
		}
		cfg := a.GradingFor(tmpl)
		res, err := sub.AutoGrade(*v, cfg, now)
		if err != nil {
			log.Printf("auto-grading submission %s: %v", sub.ID, err)
		} else {
			s.inst.RecordGrade(ctx, res, cfg.ToleranceType)
		}
	}
	sub.FinalizeScore()

	if err := s.store.CreateSubmission(ctx, sub); err != nil {
		writeStoreError(w, "submission", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt(sub))
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetAssignment(r.Context(), id); err != nil {
		writeStoreError(w, "assignment", err)
		return
	}
	subs, err := s.store.ListSubmissions(r.Context(), id, r.URL.Query().Get("studentId"))
	if err != nil {
		writeStoreError(w, "submissions", err)
		return
	}
	if subs == nil {
		subs = []coursework.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "submission", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type overrideScoreRequest struct {
	Score    *float64 `json:"score"`
	Feedback string   `json:"feedback"`
}

func (s *Server) handleOverrideScore(w http.ResponseWriter, r *http.Request) {
	var req overrideScoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Score == nil {
		writeError(w, http.StatusBadRequest, "score is required")
		return
	}

	sub, err := s.store.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "submission", err)
		return
	}
	if err := sub.SetManualScore(*req.Score, req.Feedback, s.now().UTC()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateSubmission(r.Context(), sub); err != nil {
		writeStoreError(w, "submission", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}
