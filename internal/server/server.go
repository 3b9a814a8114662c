// Package server exposes the reliability pipeline over HTTP: a chat
// endpoint with optional SSE streaming, a health panel surface, and
// operational controls for circuit breakers and backend selection.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tutorgrid/studygate/internal/domain"
	"github.com/tutorgrid/studygate/internal/relay"
)

// Pipeline is the slice of the relay the HTTP layer needs.
type Pipeline interface {
	Send(ctx context.Context, message string, chatCtx domain.ChatContext) (*domain.ProcessedResponse, *domain.ClassifiedError)
	SendStream(ctx context.Context, message string, chatCtx domain.ChatContext) (*domain.ProcessedResponse, *domain.ClassifiedError)
	Events() (<-chan domain.Event, func())
	Health() relay.Health
	ResetServices()
	SwitchBackend(name string) error
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

func New(port int, logger *slog.Logger, pipeline Pipeline, requestTimeout time.Duration) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(requestTimeout))
	r.Use(middleware.Recoverer)

	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "studygate")
	})

	h := &handler{pipeline: pipeline, logger: logger}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", h.chat)
		r.Get("/health", h.health)
		r.Post("/reset", h.reset)
		r.Post("/backend", h.switchBackend)
	})
	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())

	return &Server{
		Router: r,
		Port:   port,
		logger: logger,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		},
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
