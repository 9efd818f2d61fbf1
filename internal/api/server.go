// Package api exposes the app builder over HTTP.
//
// Endpoints:
//
//	GET  /health                       liveness probe
//	GET  /ready                        readiness probe (pings the database)
//	POST /api/projects                 create project
//	GET  /api/projects                 list caller's projects
//	GET  /api/projects/{id}            get one project
//	GET  /api/projects/{id}/messages   conversation history
//	POST /api/projects/{id}/messages   start a build turn (202, async)
//	GET  /api/credits                  caller's credit status
//
// Identity comes from the X-User-ID header, set by the fronting gateway
// after authentication. Requests without it are rejected with 401.
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: health check endpoints
//   - project.go: project and message endpoints
//   - credits.go: credit status endpoint
//   - response.go: JSON response helpers
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-dev/atelier/internal/credit"
	"github.com/atelier-dev/atelier/internal/log"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = "127.0.0.1:8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout = 60 * time.Second

	// IdleTimeout is the maximum wait for the next keep-alive request.
	IdleTimeout = 120 * time.Second
)

// Server is the HTTP server for the builder REST API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health   *HealthHandler
	projects *ProjectHandler
	credits  *CreditHandler
}

// Config holds the server's dependencies.
type Config struct {
	Pool   *pgxpool.Pool
	Store  ProjectStore
	Turns  TurnRunner
	Ledger *credit.Ledger
	Logger log.Logger
}

// NewServer creates a new HTTP server with all routes registered.
func NewServer(cfg Config) *Server {
	mux := http.NewServeMux()
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	s := &Server{
		mux:      mux,
		logger:   logger,
		health:   NewHealthHandler(cfg.Pool, logger),
		projects: NewProjectHandler(cfg.Store, cfg.Turns, logger),
		credits:  NewCreditHandler(cfg.Ledger, logger),
	}

	s.health.RegisterRoutes(mux)
	s.projects.RegisterRoutes(mux)
	s.credits.RegisterRoutes(mux)

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler.
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled.
// On shutdown it stops accepting requests, then waits for in-flight build
// turns to finish persisting their outcomes.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.projects.Wait()
		return err
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
