package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-social/magpie/internal/condition"
	"github.com/opensource-social/magpie/internal/domain"
	"github.com/opensource-social/magpie/internal/engine"
	"github.com/opensource-social/magpie/internal/queue"
	"github.com/opensource-social/magpie/internal/rulecache"
	"github.com/opensource-social/magpie/internal/worker"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, rules *rulecache.Cache, q *queue.Queue, wrk *worker.Worker, gate *condition.Gate, version string) *Server {
	handler := NewHandler(repo, cache, bus, eng, rules, q, wrk, gate, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no account required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (account required)
	router.Route("/", func(r chi.Router) {
		r.Use(AccountMiddleware)

		// Event intake
		r.Post("/webhook", handler.Webhook)

		// Synchronous matching
		r.Post("/match", handler.Match)
		r.Post("/match/batch", handler.MatchBatch)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Put("/rules/{id}", handler.UpdateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)

		// Rule cache management
		r.Post("/cache/refresh", handler.RefreshCache)
		r.Delete("/cache", handler.ClearCache)

		// Queue inspection
		r.Get("/queue", handler.QueueItems)
		r.Get("/queue/{id}", handler.QueueItem)
		r.Delete("/queue/{id}", handler.CancelQueueItem)
		r.Delete("/queue", handler.ClearQueue)
		r.Delete("/queue/completed", handler.ClearCompleted)

		// Activity log
		r.Get("/activities", handler.ListActivities)

		// Metrics
		r.Get("/metrics", handler.Metrics)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
