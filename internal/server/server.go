// Package server exposes the gateway over HTTP: synchronous completions
// with optional SSE streaming, async jobs, usage reporting, and provider
// health.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inference-gateway/internal/config"
	"github.com/sells-group/inference-gateway/internal/gateway"
	"github.com/sells-group/inference-gateway/internal/health"
	"github.com/sells-group/inference-gateway/internal/job"
	"github.com/sells-group/inference-gateway/internal/usage"
)

// Server hosts the HTTP API.
type Server struct {
	gw       *gateway.Gateway
	jobs     *job.Service
	recorder *usage.Recorder
	monitor  *health.Monitor
	http     *http.Server
}

// New assembles the server. jobs may be nil when async submission is not
// configured; the jobs routes then return 404.
func New(cfg config.ServerConfig, gw *gateway.Gateway, jobs *job.Service, recorder *usage.Recorder, monitor *health.Monitor) *Server {
	s := &Server{
		gw:       gw,
		jobs:     jobs,
		recorder: recorder,
		monitor:  monitor,
	}
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.router(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		// Write timeout stays unset so long-lived SSE streams are not
		// cut off mid-response.
		IdleTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) router(cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/completions", s.handleCompletions)
		v1.Get("/usage", s.handleUsage)
		v1.Get("/providers", s.handleProviders)

		if s.jobs != nil {
			v1.Post("/jobs", s.handleSubmitJob)
			v1.Get("/jobs/{jobID}", s.handleJobStatus)
		}
	})

	return r
}

// Handler exposes the route tree, used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return eris.Wrap(err, "server: listen")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server: shutdown")
	}
	zap.L().Info("http server stopped")
	return nil
}
