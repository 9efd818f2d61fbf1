// Package app provides application initialization and dependency wiring.
//
// App is the container that assembles the service: database pool, stores,
// credit ledger, sandbox runtime, generation agent, turn orchestrator, and
// the HTTP server. Setup builds everything in dependency order; Close
// releases it in reverse.
package app

import (
	"context"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-dev/atelier/internal/api"
	"github.com/atelier-dev/atelier/internal/builder"
	"github.com/atelier-dev/atelier/internal/config"
	"github.com/atelier-dev/atelier/internal/credit"
	"github.com/atelier-dev/atelier/internal/log"
	"github.com/atelier-dev/atelier/internal/project"
	"github.com/atelier-dev/atelier/internal/sandbox"
	"github.com/atelier-dev/atelier/internal/turn"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit       *genkit.Genkit
	DBPool       *pgxpool.Pool
	Store        *project.Store
	Ledger       *credit.Ledger
	Sandbox      *sandbox.Client
	Builder      *builder.Builder
	Orchestrator *turn.Orchestrator
	Server       *api.Server

	otelCleanup func()
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.DBPool != nil {
		a.DBPool.Close()
		a.Logger.Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.Server.Run(ctx, a.Config.ServerAddr)
}
