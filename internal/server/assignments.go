package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/variant"
)

type createAssignmentRequest struct {
	TemplateID string              `json:"templateId"`
	Title      string              `json:"title"`
	DueDate    time.Time           `json:"dueDate"`
	Count      int                 `json:"count"`
	Seed       *int64              `json:"seed"`
	Options    coursework.Options `json:"options"`
}

type assignmentResponse struct {
	Assignment *coursework.Assignment `json:"assignment"`
	Warnings   []string               `json:"warnings,omitempty"`
}

// materialize generates count variants for a and records the run.
func (s *Server) materialize(ctx context.Context, a *coursework.Assignment, tmpl *coursework.Template, count int, opts ...variant.Option) (*variant.Set, error) {
	if count > s.cfg.Variants.MaxCount {
		return nil, fmt.Errorf("%w: at most %d variants per assignment, got %d", variant.ErrInvalidCount, s.cfg.Variants.MaxCount, count)
	}
	start := time.Now()
	set, err := a.GenerateVariants(ctx, s.gen, tmpl, count, opts...)
	s.inst.RecordMaterialization(ctx, count, time.Since(start), err)
	return set, err
}

func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	// Options start from the defaults so a body naming some fields keeps
	// the rest.
	req := createAssignmentRequest{Options: coursework.DefaultOptions()}
	req.Options.LatePenaltyPerDay = s.cfg.Grading.LatePenaltyPerDay
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "templateId is required")
		return
	}

	tmpl, err := s.store.GetTemplate(r.Context(), req.TemplateID)
	if err != nil {
		writeStoreError(w, "template", err)
		return
	}

	opts, err := req.Options.Normalize()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid options: "+err.Error())
		return
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = tmpl.Name
	}

	a := &coursework.Assignment{
		ID:         uuid.New().String(),
		TemplateID: tmpl.ID,
		Title:      title,
		DueDate:    req.DueDate,
		Seed:       req.Seed,
		Options:    opts,
	}

	set, err := s.materialize(r.Context(), a, tmpl, req.Count)
	if err != nil {
		writeStoreError(w, "assignment", err)
		return
	}
	if err := s.store.CreateAssignment(r.Context(), a, set); err != nil {
		writeStoreError(w, "assignment", err)
		return
	}

	writeJSON(w, http.StatusCreated, assignmentResponse{Assignment: a, Warnings: set.Warnings})
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAssignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "assignment", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// variants returns the stored variants of the assignment named in the URL,
// writing the error response itself on failure.
func (s *Server) variants(w http.ResponseWriter, r *http.Request) ([]variant.Variant, bool) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetAssignment(r.Context(), id); err != nil {
		writeStoreError(w, "assignment", err)
		return nil, false
	}
	variants, err := s.store.ListVariants(r.Context(), id)
	if err != nil {
		writeStoreError(w, "variants", err)
		return nil, false
	}
	if variants == nil {
		variants = []variant.Variant{}
	}
	return variants, true
}

func (s *Server) handleListVariants(w http.ResponseWriter, r *http.Request) {
	if variants, ok := s.variants(w, r); ok {
		writeJSON(w, http.StatusOK, coursework.LearnerView(variants))
	}
}

func (s *Server) handleListVariantsFull(w http.ResponseWriter, r *http.Request) {
	if variants, ok := s.variants(w, r); ok {
		writeJSON(w, http.StatusOK, variants)
	}
}

// regenerateRequest controls a variant regeneration. Without Seed or Reseed
// the stored seed is reused and the same set is produced again.
type regenerateRequest struct {
	Count  int    `json:"count"`
	Seed   *int64 `json:"seed"`
	Reseed bool   `json:"reseed"`
}

// regenerate materializes a fresh set for an assignment and atomically
// replaces the stored one. The caller holds the assignment's job.
func (s *Server) regenerate(ctx context.Context, id string, req regenerateRequest, opts ...variant.Option) (*coursework.Assignment, *variant.Set, error) {
	a, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tmpl, err := s.store.GetTemplate(ctx, a.TemplateID)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case req.Seed != nil:
		a.Seed = req.Seed
	case req.Reseed:
		a.Seed = nil
	}
	count := req.Count
	if count == 0 {
		count = a.VariantCount
	}

	set, err := s.materialize(ctx, a, tmpl, count, opts...)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.ReplaceVariants(ctx, a, set); err != nil {
		return nil, nil, err
	}
	return a, set, nil
}

func (s *Server) handleRegenerateVariants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req regenerateRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	ctx, done, err := s.jobs.Begin(r.Context(), id)
	if err != nil {
		writeStoreError(w, "assignment", err)
		return
	}
	defer done()

	a, set, err := s.regenerate(ctx, id, req)
	if err != nil {
		writeStoreError(w, "assignment", err)
		return
	}
	writeJSON(w, http.StatusOK, assignmentResponse{Assignment: a, Warnings: set.Warnings})
}
