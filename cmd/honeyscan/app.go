package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/honeyscan/honeyscan/internal/api"
	"github.com/honeyscan/honeyscan/internal/ingest"
	"github.com/honeyscan/honeyscan/internal/model"
	"github.com/honeyscan/honeyscan/internal/orchestrate"
	"github.com/honeyscan/honeyscan/internal/plugin"
	"github.com/honeyscan/honeyscan/internal/registry"
	"github.com/honeyscan/honeyscan/internal/resolve"
	"github.com/honeyscan/honeyscan/internal/service"
	"github.com/honeyscan/honeyscan/internal/stats"
	"github.com/honeyscan/honeyscan/internal/store"
)

// App holds the components shared by all commands
type App struct {
	cfg      model.Config
	db       *sql.DB
	graph    *plugin.Graph
	registry *registry.Registry
	cycle    *ingest.Cycle
	stats    *stats.Stats
}

func NewApp(ctx context.Context, cfg model.Config) (*App, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}

	graph, err := plugin.New(cfg.Plugins)
	if err != nil {
		return nil, fmt.Errorf("building plugin graph: %w", err)
	}

	db, err := store.InitDB(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	reg := registry.New(db, graph)
	resolver := resolve.New(db, cfg.DerivationRules(), cfg.Ingest.Workers)
	st := stats.New("honeyscan")

	return &App{
		cfg:      cfg,
		db:       db,
		graph:    graph,
		registry: reg,
		cycle:    ingest.New(db, resolver, reg, graph, st, cfg.Ingest.Workers),
		stats:    st,
	}, nil
}

// Purge removes registry entries according to database.purge_on_start
func (a *App) Purge(ctx context.Context) error {
	if !a.cfg.Database.PurgeOnStart {
		return nil
	}
	if len(a.cfg.Database.PurgeStatuses) == 0 {
		slog.WarnContext(ctx, "database.purge_on_start is set without purge_statuses: nothing purged")
		return nil
	}
	_, err := a.registry.Purge(ctx, a.cfg.Database.PurgeStatuses)
	return err
}

func (a *App) Orchestrator() (*orchestrate.Orchestrator, error) {
	timeout, err := a.cfg.AdapterTimeout()
	if err != nil {
		return nil, err
	}
	return orchestrate.New(a.registry, a.cycle, orchestrate.Options{
		Targets:        a.cfg.Targets,
		AdapterTimeout: timeout,
		MaxIterations:  a.cfg.Ingest.MaxIterations,
	}), nil
}

// Supervisor returns the supervisor of the configured mode. In server mode
// the API is served and can trigger runs.
func (a *App) Supervisor(ctx context.Context) (*service.Supervisor, error) {
	o, err := a.Orchestrator()
	if err != nil {
		return nil, err
	}
	supervisor, err := service.NewSupervisor(ctx, a.cfg.Service, o)
	if err != nil {
		return nil, err
	}
	if a.cfg.Service.Mode == model.ServiceModeServer {
		supervisor = supervisor.WithHandler(a.Handler(supervisor.Start))
	}
	return supervisor, nil
}

func (a *App) Handler(trigger func() bool) http.Handler {
	return api.New(a.registry, a.cycle, api.NewLedger(a.db), a.stats).
		WithTrigger(trigger).
		Handler()
}

func (a *App) Close(ctx context.Context) {
	if a.db == nil {
		return
	}
	if err := a.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		slog.ErrorContext(ctx, "closing database has failed", "error", err)
	}
}
