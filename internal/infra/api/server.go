package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"course-payments/internal/config"
	"course-payments/internal/infra/api/apiv1"
	"course-payments/internal/infra/metrics"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server owns the public HTTP listener.
type Server struct {
	cfg    config.HTTPConfig
	log    *zerolog.Logger
	server *http.Server
}

// NewRouter builds the full handler: middleware, health, metrics and /api/v1.
func NewRouter(cfg config.HTTPConfig, v1 *apiv1.Server, checks map[string]HealthCheck, logger *zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler(checks))
	r.Handle("/metrics", metrics.Handler())
	apiv1.RegisterAPIV1(r, v1)

	return Chain(r,
		TraceID(),
		Recover(logger),
		RequestLog(logger),
		Timeout(cfg.RequestTimeout),
	)
}

func NewServer(cfg config.HTTPConfig, handler http.Handler, logger *zerolog.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: logger,
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Start blocks until the listener stops. A graceful shutdown is not an error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{}
		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				body[name] = err.Error()
				continue
			}
			body[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
