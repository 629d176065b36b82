// Package app assembles the deeprun runtime: database, store, workspace
// manager, planner, kernel, project service and the queue loops, wired
// with fx so every process shares one construction path.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/metalagman/deeprun/internal/config"
	"github.com/metalagman/deeprun/internal/db"
	"github.com/metalagman/deeprun/internal/kernel"
	"github.com/metalagman/deeprun/internal/logging"
	"github.com/metalagman/deeprun/internal/planner"
	"github.com/metalagman/deeprun/internal/planner/cmdplanner"
	"github.com/metalagman/deeprun/internal/project"
	"github.com/metalagman/deeprun/internal/queue"
	"github.com/metalagman/deeprun/internal/store"
	"github.com/metalagman/deeprun/internal/validation"
	"github.com/metalagman/deeprun/internal/workspace"
)

// Module is the shared dependency graph.
func Module(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newDB,
			store.New,
			newWorkspaces,
			newPlanner,
			validation.NewPipeline,
			kernel.New,
			project.NewService,
			newWorker,
			newDispatcher,
		),
		fx.NopLogger,
	)
}

func newDB(lc fx.Lifecycle, cfg config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	sqlDB, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return sqlDB.Close() },
	})
	return sqlDB, nil
}

func newWorkspaces(cfg config.Config) *workspace.Manager {
	return workspace.NewManager(cfg.WorkspacesDir())
}

func newPlanner(cfg config.Config) (planner.Planner, error) {
	if len(cfg.Planner.Cmd) == 0 {
		return nil, fmt.Errorf("planner.cmd is required")
	}
	return cmdplanner.New(cmdplanner.Config{
		Command: cfg.Planner.Cmd,
		Timeout: cfg.Planner.Timeout,
		Env:     cfg.Planner.Env,
	})
}

func newWorker(st *store.Store, k *kernel.Kernel, cfg config.Config) *queue.Worker {
	wc := queue.WorkerConfig{
		NodeID:            cfg.Worker.NodeID,
		Role:              cfg.Worker.Role,
		Capabilities:      cfg.Worker.Capabilities,
		Lease:             secondsToDuration(cfg.Worker.LeaseSeconds),
		PollInterval:      cfg.Worker.Poll,
		HeartbeatInterval: cfg.Worker.Heartbeat,
	}
	// environment knobs win over the file
	env := queue.WorkerConfigFromEnv()
	if env.NodeID != "" {
		wc.NodeID = env.NodeID
	}
	if env.Role != "" {
		wc.Role = env.Role
	}
	if env.PollInterval > 0 {
		wc.PollInterval = env.PollInterval
	}
	if env.HeartbeatInterval > 0 {
		wc.HeartbeatInterval = env.HeartbeatInterval
	}
	return queue.NewWorker(st, k, wc)
}

func newDispatcher(st *store.Store, cfg config.Config) *queue.Dispatcher {
	return queue.NewDispatcher(st, queue.DispatcherConfig{
		HeartbeatInterval: cfg.Worker.Heartbeat,
	})
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// Populate builds the graph, starts lifecycle hooks, and fills the given
// pointers. The returned stop function tears the app down. One-shot CLI
// commands use this; the worker process uses RunWorker.
func Populate(ctx context.Context, cfg config.Config, targets ...any) (func(context.Context) error, error) {
	fxApp := fx.New(Module(cfg), fx.Populate(targets...))
	if err := fxApp.Err(); err != nil {
		return nil, err
	}
	if err := fxApp.Start(ctx); err != nil {
		return nil, err
	}
	return fxApp.Stop, nil
}

// RunWorker runs the worker loop and the dispatcher sweep until the
// context ends.
func RunWorker(ctx context.Context, cfg config.Config) error {
	var (
		worker     *queue.Worker
		dispatcher *queue.Dispatcher
	)
	stop, err := Populate(ctx, cfg, &worker, &dispatcher)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stop(stopCtx); err != nil {
			logger := logging.Component("app")
			logger.Error().Err(err).Msg("shutdown failed")
		}
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- dispatcher.Run(ctx) }()
	go func() { errCh <- worker.Run(ctx) }()

	// the worker loop returns on context cancellation; surface whichever
	// loop fails first
	if err := <-errCh; err != nil {
		return err
	}
	return <-errCh
}
