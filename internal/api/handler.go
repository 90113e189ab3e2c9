// Package api is the HTTP boundary: file intake, operation requests,
// cancellation, clears, indicators and status.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/casehawk/internal/logging"
	"github.com/telhawk-systems/casehawk/internal/middleware"
	"github.com/telhawk-systems/casehawk/internal/repository"
	"github.com/telhawk-systems/casehawk/internal/reset"
	"github.com/telhawk-systems/casehawk/internal/tasks"
)

// Submitter enqueues tasks. *tasks.Queue satisfies it.
type Submitter interface {
	Submit(ctx context.Context, t tasks.Task) error
}

// FileControl queues and cancels files. *guard.Guard satisfies it.
type FileControl interface {
	Queue(ctx context.Context, fileID int64) (*repository.FileRecord, error)
	RequestCancel(ctx context.Context, fileID int64) (bool, error)
	RequestCancelCase(ctx context.Context, caseID int64) (int, error)
}

// Clearer removes scan and hunt results. *reset.Coordinator satisfies it.
type Clearer interface {
	Clear(ctx context.Context, scope reset.Scope, what reset.What) (*reset.Report, error)
}

// Check is a readiness probe for one dependency.
type Check = func(ctx context.Context) error

type Deps struct {
	Repo      repository.Repository
	Files     FileControl
	Clearer   Clearer
	Tasks     Submitter
	JWTSecret string
	// Ready lists the dependencies /readyz probes, by name.
	Ready map[string]Check
	// Stats, when set, is reported by /healthz.
	Stats func() any
}

type Handler struct {
	Deps
	logger    *logging.Logger
	startedAt time.Time
}

func New(deps Deps, logger *logging.Logger) *Handler {
	return &Handler{Deps: deps, logger: logger, startedAt: time.Now().UTC()}
}

// Routes wires every endpoint.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(h.observe)

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Operator(h.JWTSecret))

		r.Post("/files", h.intake)
		r.Get("/files/{id}", h.getFile)
		r.Post("/files/{id}/operations", h.requestOperation)
		r.Post("/files/{id}/cancel", h.cancelFile)
		r.Get("/files/{id}/violations", h.listViolations)
		r.Get("/files/{id}/matches", h.listMatches)

		r.Get("/cases/{id}/files", h.listFiles)
		r.Post("/cases/{id}/operations", h.requestCaseOperation)
		r.Post("/cases/{id}/cancel", h.cancelCase)
		r.Post("/cases/{id}/clear", h.clearCase)
		r.Get("/cases/{id}/indicators", h.listIndicators)
		r.Post("/cases/{id}/indicators", h.createIndicator)

		r.Patch("/indicators/{id}", h.setIndicatorActive)
		r.Delete("/indicators/{id}", h.deleteIndicator)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	}
	if h.Stats != nil {
		body["worker"] = h.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.Ready))
	for name, check := range h.Ready {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]any{"ready": status == http.StatusOK, "checks": checks})
}
