package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/michaelbrown/taskforge/internal/config"
	"github.com/michaelbrown/taskforge/internal/observer"
	"github.com/michaelbrown/taskforge/internal/sandbox"
	"github.com/michaelbrown/taskforge/internal/storage"
	"github.com/michaelbrown/taskforge/internal/variant"
)

// Server is the HTTP server for the taskforge API.
type Server struct {
	cfg    *config.Config
	store  storage.Store
	runner sandbox.Runner
	gen    *variant.Generator
	inst   *observer.Instruments
	jobs   *JobManager
	router chi.Router
	http   *http.Server
	now    func() time.Time
}

// New creates a new Server. Scripts run through runner; inst records
// materializations and gradings.
func New(cfg *config.Config, store storage.Store, runner sandbox.Runner, inst *observer.Instruments) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		runner: runner,
		gen:    variant.NewGenerator(runner, variant.WithWorkers(cfg.Variants.Workers)),
		inst:   inst,
		jobs:   NewJobManager(),
		router: chi.NewRouter(),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Route("/api", func(r chi.Router) {
		// WebSocket (no JSON content-type)
		r.Get("/assignments/{id}/variants/ws", s.handleVariantsWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(jsonContentType)

			// Templates
			r.Get("/templates", s.handleListTemplates)
			r.Post("/templates", s.handleCreateTemplate)
			r.Post("/templates/validate", s.handleValidateScript)
			r.Get("/templates/{id}", s.handleGetTemplate)
			r.Put("/templates/{id}", s.handleUpdateTemplate)
			r.Delete("/templates/{id}", s.handleDeleteTemplate)
			r.Post("/templates/{id}/test", s.handleTestTemplate)
			r.Post("/templates/{id}/testcases", s.handleRunTestCases)

			// Assignments and variants
			r.Post("/assignments", s.handleCreateAssignment)
			r.Get("/assignments/{id}", s.handleGetAssignment)
			r.Get("/assignments/{id}/variants", s.handleListVariants)
			r.Get("/assignments/{id}/variants/full", s.handleListVariantsFull)
			r.Post("/assignments/{id}/variants", s.handleRegenerateVariants)

			// Submissions
			r.Post("/assignments/{id}/submissions", s.handleSubmit)
			r.Get("/assignments/{id}/submissions", s.handleListSubmissions)
			r.Get("/submissions/{id}", s.handleGetSubmission)
			r.Put("/submissions/{id}/score", s.handleOverrideScore)
		})
	})
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	log.Printf("taskforge server starting on http://localhost%s", addr)
	return s.http.ListenAndServe()
}

// Shutdown cancels running materializations and gracefully shuts down the
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("Shutting down server...")
	s.jobs.CloseAll()

	if s.http == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
