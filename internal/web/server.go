// Package web provides the HTTP server and the JSON API consumed by the
// desktop and web visualization clients.
package web

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/equipdash/server/internal/config"
	"github.com/equipdash/server/internal/web/middleware"
)

// Server is the HTTP server for the telemetry API.
type Server struct {
	datasets DatasetService
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server
}

// NewServer creates a Server wired to the given dataset service.
func NewServer(datasets DatasetService, cfg *config.Config) *Server {
	s := &Server{
		datasets: datasets,
		cfg:      cfg,
		router:   chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(chimw.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.StripSlashes)
	s.router.Use(chimw.Timeout(s.cfg.Server.RequestTimeout))
	s.router.Use(middleware.Metrics())

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	s.router.Use(c.Handler)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)
		r.Get("/summary", s.handleSummary)
		r.Get("/history", s.handleHistory)
		r.Get("/dataset/{id}", s.handleDataset)
		r.Get("/report/{id}", s.handleReport)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the server until it is shut down.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
