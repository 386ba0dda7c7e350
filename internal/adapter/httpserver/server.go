// Package httpserver exposes the operational HTTP surface: health and
// readiness probes, Prometheus metrics and a small JSON admin API for
// subscriptions, report profiles and manual report triggers.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
)

// Pinger is the database liveness dependency for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the admin API handlers onto a chi router.
type Server struct {
	db            Pinger
	queue         *queue.Queue
	subscriptions domain.SubscriptionRepository
	profiles      domain.ReportProfileRepository
	notifyConfigs domain.NotificationConfigRepository
	jobs          domain.JobRepository

	validate *validator.Validate
	now      func() time.Time
}

// Deps bundles the Server's collaborators.
type Deps struct {
	DB            Pinger
	Queue         *queue.Queue
	Subscriptions domain.SubscriptionRepository
	Profiles      domain.ReportProfileRepository
	NotifyConfigs domain.NotificationConfigRepository
	Jobs          domain.JobRepository
}

// New constructs a Server.
func New(deps Deps) *Server {
	return &Server{
		db:            deps.DB,
		queue:         deps.Queue,
		subscriptions: deps.Subscriptions,
		profiles:      deps.Profiles,
		notifyConfigs: deps.NotifyConfigs,
		jobs:          deps.Jobs,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		now:           time.Now,
	}
}

// Router builds the HTTP handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/subscriptions", s.handleUpsertSubscription)
		r.Post("/profiles", s.handleUpsertProfile)
		r.Put("/notifications", s.handleSaveNotificationConfig)
		r.Post("/reports/trigger", s.handleTriggerReport)
		r.Get("/jobs/{id}", s.handleGetJob)
	})
	return r
}

// ListenAndServe serves the router until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("op=httpserver.serve: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", slog.Any("error", err))
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
