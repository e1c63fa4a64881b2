package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/taskforge/internal/coursework"
	"github.com/michaelbrown/taskforge/internal/script"
	"github.com/michaelbrown/taskforge/internal/storage"
)

type templateInvalid struct {
	Error     string        `json:"error"`
	Generator script.Report `json:"generator"`
	Solution  script.Report `json:"solution"`
}

func (s *Server) scriptOptions() []script.Option {
	return []script.Option{script.WithMaxLength(s.cfg.Validator.MaxLength)}
}

// newTemplate returns a template pre-filled with the configured grading
// defaults, so a body that sets only some grading fields keeps the others
// and an explicit tolerance of 0 survives decoding.
func (s *Server) newTemplate() coursework.Template {
	return coursework.Template{Grading: s.cfg.GradingDefaults()}
}

// prepareTemplate applies defaults and validates t. It writes a 400 and
// returns false when t is invalid.
func (s *Server) prepareTemplate(w http.ResponseWriter, t *coursework.Template) bool {
	t.ApplyDefaults()

	if err := t.Validate(s.scriptOptions()...); err != nil {
		gen, sol := t.ScriptReports(s.scriptOptions()...)
		writeJSON(w, http.StatusBadRequest, templateInvalid{Error: err.Error(), Generator: gen, Solution: sol})
		return false
	}
	return true
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.TemplateListOptions{
		Kind:       q.Get("kind"),
		Tag:        q.Get("tag"),
		PublicOnly: q.Get("public") == "true",
		Limit:      queryInt(r, "limit"),
		Offset:     queryInt(r, "offset"),
	}

	templates, err := s.store.ListTemplates(r.Context(), opts)
	if err != nil {
		writeStoreError(w, "templates", err)
		return
	}

	if templates == nil {
		templates = []coursework.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	t := s.newTemplate()
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if !s.prepareTemplate(w, &t) {
		return
	}

	t.ID = uuid.New().String()
	if err := s.store.CreateTemplate(r.Context(), &t); err != nil {
		writeStoreError(w, "template", err)
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "template", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	existing, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "template", err)
		return
	}

	t := s.newTemplate()
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	t.ID = existing.ID
	t.CreatedAt = existing.CreatedAt
	if !s.prepareTemplate(w, &t) {
		return
	}

	if err := s.store.UpdateTemplate(r.Context(), &t); err != nil {
		writeStoreError(w, "template", err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, "template", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type validateScriptRequest struct {
	Script string      `json:"script"`
	Kind   script.Kind `json:"kind"`
}

func (s *Server) handleValidateScript(w http.ResponseWriter, r *http.Request) {
	var req validateScriptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	kind := req.Kind
	switch kind {
	case "":
		kind = script.KindGenerator
	case script.KindGenerator, script.KindSolution:
	default:
		writeError(w, http.StatusBadRequest, "kind must be generator or solution")
		return
	}

	report := script.Validate(req.Script, append(s.scriptOptions(), script.WithKind(kind))...)
	writeJSON(w, http.StatusOK, report)
}

type testTemplateRequest struct {
	VariantIndex int    `json:"variantIndex"`
	Seed         *int64 `json:"seed"`
}

type testTemplateResponse struct {
	InputData map[string]any `json:"inputData"`
	Solution  map[string]any `json:"solution"`
}

// handleTestTemplate runs one generator/solution round trip without storing
// anything.
func (s *Server) handleTestTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "template", err)
		return
	}

	var req testTemplateRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.VariantIndex < 0 {
		writeError(w, http.StatusBadRequest, "variantIndex must not be negative")
		return
	}

	input, err := t.GenerateTestData(r.Context(), s.runner, req.VariantIndex, req.Seed)
	if err != nil {
		writeStoreError(w, "template", err)
		return
	}
	solution, err := t.GenerateSolution(r.Context(), s.runner, input)
	if err != nil {
		writeStoreError(w, "template", err)
		return
	}
	writeJSON(w, http.StatusOK, testTemplateResponse{InputData: input, Solution: solution})
}

type testCasesResponse struct {
	Results []coursework.TestCaseResult `json:"results"`
	Passed  int                         `json:"passed"`
	Total   int                         `json:"total"`
}

func (s *Server) handleRunTestCases(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, "template", err)
		return
	}

	results, err := t.RunTestCases(r.Context(), s.runner)
	if err != nil {
		writeStoreError(w, "template", err)
		return
	}

	resp := testCasesResponse{Results: results, Total: len(results)}
	if resp.Results == nil {
		resp.Results = []coursework.TestCaseResult{}
	}
	for _, res := range results {
		if res.Passed {
			resp.Passed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
