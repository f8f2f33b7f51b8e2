// Package app bootstraps a workspace: config, logger, audit database, state
// store and the orchestrator.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"swarmctl/internal/config"
	"swarmctl/internal/db"
	"swarmctl/internal/domain"
	"swarmctl/internal/events"
	"swarmctl/internal/migrate"
	"swarmctl/internal/orchestrator"
	"swarmctl/internal/repo"
	"swarmctl/internal/state"
)

// App owns the resources opened for one workspace.
type App struct {
	Workspace    string
	Config       *config.Config
	Logger       *slog.Logger
	DB           *sql.DB
	Repo         *repo.Repo
	Store        state.Store
	Orchestrator *orchestrator.Orchestrator

	file *state.FileStore
}

// ErrWorkspaceBusy is returned by Open when a running server owns the state
// file.
var ErrWorkspaceBusy = errors.New("workspace is served by a running process; use --server")

// Options tweak Open. Zero values read everything from the workspace.
type Options struct {
	// Config skips loading swarmctl.yml.
	Config *config.Config
	// DBPath overrides the workspace database location.
	DBPath string
	// LogOutput defaults to stderr.
	LogOutput io.Writer
	// ReadOnly loads a snapshot of the state file without taking ownership.
	// Changes made through the app are never written back.
	ReadOnly bool
}

// Open loads the workspace and wires the orchestrator. Background loops are
// not started; callers that serve traffic call Orchestrator.Start.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(workspace)
		if err != nil {
			return nil, err
		}
	}
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	logger := NewLogger(cfg.Logging, out)

	conn, err := db.Open(db.Config{Workspace: workspace, Path: opts.DBPath})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &App{Workspace: workspace, Config: cfg, Logger: logger, DB: conn}
	if err := migrate.Migrate(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if v, err := migrate.Current(ctx, conn); err == nil {
		logger.Debug("audit database ready", "schema_version", v)
	}
	a.Repo = &repo.Repo{DB: conn}

	limits := state.Limits{
		TaskHistory: cfg.State.TaskHistoryLimit,
		Deliveries:  cfg.State.DeliveryHistoryLimit,
		Invocations: cfg.State.InvocationHistoryLimit,
	}
	if opts.ReadOnly {
		st, err := state.ReadFile(cfg.State.Path)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			a.Close()
			return nil, err
		}
		if err != nil {
			st = domain.NewState()
		}
		a.Store = state.NewMemoryStore(&st, limits)
	} else {
		store, err := state.OpenFile(cfg.State.Path, limits, logger.With("component", "state"))
		if err != nil {
			a.Close()
			if errors.Is(err, state.ErrLocked) {
				return nil, fmt.Errorf("%w (%v)", ErrWorkspaceBusy, err)
			}
			return nil, err
		}
		store.SetSink(a.Repo)
		a.Store, a.file = store, store
		if store.Fresh() {
			a.restoreSnapshot(ctx)
		}
	}

	o, err := orchestrator.New(ctx, orchestrator.Options{
		Config: cfg,
		Logger: logger,
		Store:  a.Store,
		Repo:   a.Repo,
		Events: events.Writer{DB: conn},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Orchestrator = o
	return a, nil
}

// restoreSnapshot seeds a missing or corrupt state file from the newest copy
// mirrored into the audit database.
func (a *App) restoreSnapshot(ctx context.Context) {
	version, data, err := a.Repo.LatestSnapshot(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return
	}
	if err == nil {
		err = a.file.Restore(ctx, data)
	}
	if err != nil {
		a.Logger.Warn("state snapshot restore failed", "err", err)
		return
	}
	a.Logger.Info("state restored from audit snapshot", "version", version, "path", a.file.Path())
}

// Close stops the orchestrator, flushes state and closes the database.
func (a *App) Close() error {
	var errs []error
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.file != nil {
		if err := a.file.Save(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("save state: %w", err))
		}
		errs = append(errs, a.file.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from config.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
