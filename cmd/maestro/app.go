package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/jackc/pgx/v5/pgxpool"

	"maestro/internal/broadcast"
	"maestro/internal/checkpoint"
	"maestro/internal/checkpoint/filestore"
	"maestro/internal/checkpoint/postgresstore"
	"maestro/internal/config"
	"maestro/internal/controlplane"
	"maestro/internal/director"
	"maestro/internal/dispatch"
	"maestro/internal/domain/run"
	"maestro/internal/llm"
	"maestro/internal/logging"
	"maestro/internal/server"
	"maestro/internal/strategist"
	"maestro/internal/tools"
	"maestro/internal/worker"
	"maestro/internal/worktree"
)

// app is the assembled process: one store, one checkpointer, one hub, one
// control plane, and a launcher that builds a dispatch loop per run.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *run.Store
	cp       checkpoint.Checkpointer
	hub      *broadcast.Hub
	control  *controlplane.Manager
	launcher *loopLauncher

	pool *pgxpool.Pool // nil for the file backend
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	store := run.NewStore()
	hub := broadcast.NewHub(logger)

	var cp checkpoint.Checkpointer
	var pool *pgxpool.Pool
	switch cfg.Checkpoint.Backend {
	case "postgres":
		p, err := pgxpool.New(ctx, cfg.Checkpoint.PostgresURI)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := postgresstore.New(p)
		if err := pg.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
		cp, pool = pg, p
	default:
		fs, err := filestore.New(cfg.Checkpoint.Dir)
		if err != nil {
			return nil, err
		}
		cp = fs
	}

	invoker, err := buildInvoker(cfg, logger)
	if err != nil {
		return nil, err
	}
	profiles := worker.DefaultProfiles()
	if cfg.Worker.ProfilesPath != "" {
		if err := profiles.LoadOverrides(cfg.Worker.ProfilesPath); err != nil {
			return nil, err
		}
	}

	launcher := &loopLauncher{
		cfg:      cfg,
		store:    store,
		cp:       cp,
		hub:      hub,
		invoker:  invoker,
		profiles: profiles,
		logger:   logger,
	}
	control := controlplane.NewManager(store, cp, hub, launcher, logger)
	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		cp:       cp,
		hub:      hub,
		control:  control,
		launcher: launcher,
		pool:     pool,
	}, nil
}

func (a *app) Close() {
	a.control.Shutdown()
	a.hub.Close()
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) newServer() *server.Server {
	return server.New(a.control, a.hub, server.Config{
		Host:         a.cfg.Server.Host,
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		Debug:        a.cfg.Server.Debug,
		ReadTimeout:  a.cfg.Server.ReadTimeout(),
		WriteTimeout: a.cfg.Server.WriteTimeout(),
	}, a.logger)
}

// buildInvoker selects the model invoker. Real providers implement
// llm.Invoker outside this module and get wired here; the mock serves local
// development and headless replay.
func buildInvoker(cfg *config.Config, logger *logging.Logger) (llm.Invoker, error) {
	var base llm.Invoker
	switch cfg.LLM.Provider {
	case "mock":
		base = llm.NewMockInvoker()
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	base = llm.WithTimeout(base, cfg.LLM.Timeout())
	if cfg.LLM.RecordRequests && cfg.Workspace.LogsDir != "" {
		return llm.NewRecording(base, cfg.Workspace.LogsDir, logger), nil
	}
	return base, nil
}

// loopLauncher builds and runs one dispatch loop per run. The worktree
// manager is per run because each run may execute in its own workspace.
type loopLauncher struct {
	cfg      *config.Config
	store    *run.Store
	cp       checkpoint.Checkpointer
	hub      *broadcast.Hub
	invoker  llm.Invoker
	profiles *worker.ProfileSet
	logger   *logging.Logger
}

func (l *loopLauncher) Launch(ctx context.Context, runID string) (run.Status, error) {
	r, err := l.store.Get(runID)
	if err != nil {
		return "", err
	}
	workspace := r.WorkspacePath
	if workspace == "" {
		workspace = l.cfg.Workspace.Root
	}
	base := l.cfg.Workspace.WorktreeDir
	if base == "" {
		base = filepath.Join(workspace, ".maestro", "worktrees")
	}
	trees, err := worktree.NewManager(ctx, worktree.Config{
		Workspace:  workspace,
		Base:       base,
		GitTimeout: l.cfg.Dispatch.GitTimeout(),
		Logger:     l.logger,
	})
	if err != nil {
		return "", err
	}

	agent := worker.NewAgent(l.invoker, tools.NewRegistry(), l.profiles, trees, l.logger)
	dir := director.New(l.invoker, director.Config{
		TransitiveReduction: l.cfg.DAG.TransitiveReduction,
		MaxRetries:          l.cfg.Dispatch.MaxRetries,
		Logger:              l.logger,
	})
	strat := strategist.New(agent, trees, l.logger)

	loop := dispatch.NewLoop(runID, dispatch.Deps{
		Store:       l.store,
		Director:    dir,
		Strategist:  strat,
		Executor:    agent,
		Trees:       trees,
		Checkpoints: l.cp,
		Hub:         l.hub,
	}, dispatch.Config{
		MaxConcurrentWorkers: l.cfg.Dispatch.MaxConcurrentWorkers,
		DeadlockThreshold:    l.cfg.Dispatch.DeadlockThreshold,
		Logger:               l.logger,
	})
	return loop.Run(ctx)
}
