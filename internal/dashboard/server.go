// Package dashboard exposes the bot's local control surface: trigger a run,
// toggle dry-run, and inspect jobs and the trade log. JSON only; it is meant
// for curl and the odd script, not a browser.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/hfujimori/covercall/internal/jobs"
	"github.com/hfujimori/covercall/internal/orders"
	"github.com/hfujimori/covercall/internal/storage"
)

// Config holds server settings.
type Config struct {
	Addr      string
	AuthToken string
}

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	logger    *logrus.Logger
	runner    *jobs.Runner
	store     storage.Interface
	orders    *orders.Manager
	addr      string
	authToken string

	// triggerRun enqueues a trading run for the named instrument.
	triggerRun func(name string) (*jobs.Job, error)
	// triggerProbe enqueues an account probe.
	triggerProbe func() (*jobs.Job, error)
}

// NewServer creates the dashboard server. triggerRun and triggerProbe are
// supplied by the caller so this package stays ignorant of the engine.
func NewServer(
	cfg Config,
	logger *logrus.Logger,
	runner *jobs.Runner,
	store storage.Interface,
	om *orders.Manager,
	triggerRun func(name string) (*jobs.Job, error),
	triggerProbe func() (*jobs.Job, error),
) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		logger:       logger,
		runner:       runner,
		store:        store,
		orders:       om,
		addr:         cfg.Addr,
		authToken:    cfg.AuthToken,
		triggerRun:   triggerRun,
		triggerProbe: triggerProbe,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/jobs", s.handleListJobs)
	s.router.Get("/api/jobs/{id}", s.handleGetJob)
	s.router.Post("/api/run/{instrument}", s.handleRun)
	s.router.Post("/api/probe", s.handleProbe)
	s.router.Get("/api/trades", s.handleTrades)
	s.router.Get("/api/vix", s.handleVIX)
	s.router.Get("/api/dryrun", s.handleGetDryRun)
	s.router.Post("/api/dryrun", s.handleSetDryRun)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start runs the server until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"dry_run":   s.orders.DryRun(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if r.URL.Query().Get("all") == "true" {
		limit = 0
	}
	s.writeJSON(w, http.StatusOK, s.runner.List(limit))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.runner.Get(id)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "instrument")
	job, err := s.triggerRun(name)
	if err != nil {
		s.logger.WithError(err).Warnf("Failed to trigger run for %s", name)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleProbe(w http.ResponseWriter, _ *http.Request) {
	job, err := s.triggerProbe()
	if err != nil {
		s.logger.WithError(err).Warn("Failed to trigger probe")
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleTrades(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Trades())
}

func (s *Server) handleVIX(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.VIXHistory())
}

func (s *Server) handleGetDryRun(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{"dry_run": s.orders.DryRun()})
}

func (s *Server) handleSetDryRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DryRun bool `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	s.orders.SetDryRun(body.DryRun)
	s.logger.Infof("Dry-run set to %t via dashboard", body.DryRun)
	s.writeJSON(w, http.StatusOK, map[string]bool{"dry_run": body.DryRun})
}
