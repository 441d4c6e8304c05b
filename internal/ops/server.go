// Package ops serves the operational HTTP surface: health, Prometheus
// metrics, and a small JSON API for managing extension routes and
// inspecting call records.
package ops

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/metrics"
	"github.com/voxbridge/voxbridge/internal/store"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	db     *store.DB
	routes store.RouteRepository
	calls  store.CallRepository
	logger *slog.Logger
}

// NewServer creates the ops HTTP handler with all routes mounted. The
// collector may be nil, in which case /metrics serves an empty registry.
func NewServer(db *store.DB, collector *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		db:     db,
		routes: store.NewRouteRepository(db),
		calls:  store.NewCallRepository(db),
		logger: logger.With("component", "ops"),
	}

	s.mount(collector)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// mount configures middleware and all route groups.
func (s *Server) mount(collector *metrics.Collector) {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	reg := prometheus.NewRegistry()
	if collector != nil {
		reg.MustRegister(collector)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/routes", func(r chi.Router) {
			r.Get("/", s.handleListRoutes)
			r.Post("/", s.handleCreateRoute)
			r.Route("/{id}", func(r chi.Router) {
				r.Put("/", s.handleUpdateRoute)
				r.Delete("/", s.handleDeleteRoute)
			})
		})
		r.Get("/calls", s.handleListCalls)
		r.Get("/calls/{id}", s.handleGetCall)
	})

	s.logger.Info("ops routes mounted")
}

// handleHealth reports liveness and store reachability. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check: store unreachable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
