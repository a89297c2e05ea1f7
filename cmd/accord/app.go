package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/accord/internal/config"
	"github.com/fyrsmithlabs/accord/internal/debate"
	"github.com/fyrsmithlabs/accord/internal/escalation"
	"github.com/fyrsmithlabs/accord/internal/ids"
	"github.com/fyrsmithlabs/accord/internal/logging"
	"github.com/fyrsmithlabs/accord/internal/orchestrator"
	"github.com/fyrsmithlabs/accord/internal/recorder"
	"github.com/fyrsmithlabs/accord/internal/store"
	"github.com/fyrsmithlabs/accord/internal/telemetry"
)

// app holds the services one command invocation works with.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	store       *store.FileStore
	engine      *orchestrator.Engine
	escalations *escalation.Service
	debates     *debate.Coordinator

	closers []func() error
}

// newApp opens the state under g's settings. Console logs go to stderr.
func newApp(ctx context.Context, g *globalOptions, stderr io.Writer) (*app, error) {
	path := g.configPath
	if path == "" && g.stateDir != "" {
		candidate := filepath.Join(g.stateDir, config.FileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if g.stateDir != "" {
		cfg.State.Dir = g.stateDir
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	var logger *logging.Logger
	if logCfg.Output.OTEL {
		logger, err = logging.NewLoggerWithWriter(logCfg, stderr, global.GetLoggerProvider())
	} else {
		logger, err = logging.NewLoggerWithWriter(logCfg, stderr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Trace(ctx, "config loaded",
		zap.String("path", path),
		zap.String("state_dir", cfg.State.Dir),
		zap.Bool("escalation_persist", cfg.Escalation.Persist),
	)

	tel, err := telemetry.New(ctx, cfg.Telemetry, telemetry.WithLogger(logger.Named("telemetry").Underlying()))
	if err != nil {
		return nil, err
	}

	fs, err := store.NewFileStore(cfg.State.Dir,
		store.WithLogger(logger.Named("store").Underlying()),
		store.WithLockTimeout(cfg.State.LockTimeout.Duration()),
		store.WithStaleLock(cfg.State.LockStale.Duration()),
	)
	if err != nil {
		return nil, fmt.Errorf("open state dir: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: fs}
	a.closers = append(a.closers, func() error { return tel.Shutdown(context.Background()) }, logger.Sync)

	zl := logger.Underlying()
	rec := recorder.Multi{recorder.NewLogRecorder(logger.Named("events").Underlying())}
	if cfg.Events.Enabled {
		nr, err := recorder.Dial(cfg.Events)
		if err != nil {
			// outcome notifications are optional
			logger.Warn(ctx, "event publishing disabled", zap.String("url", cfg.Events.URL), zap.Error(err))
		} else {
			rec = append(rec, nr)
			a.closers = append([]func() error{nr.Close}, a.closers...)
		}
	}

	a.engine, err = orchestrator.NewEngine(fs,
		orchestrator.WithLogger(zl),
		orchestrator.WithRecorder(rec),
		orchestrator.WithRetries(cfg.State.Retries),
	)
	if err != nil {
		return nil, err
	}

	// Threads outlive the invocation only when persisted.
	var escStore store.Store = store.NewMemoryStore()
	if cfg.Escalation.Persist {
		escStore = fs
	}
	a.escalations = escalation.NewService(escStore,
		escalation.WithLogger(zl),
		escalation.WithRecorder(rec),
		escalation.WithRetries(cfg.State.Retries),
	)

	a.debates, err = debate.NewCoordinator(fs,
		debate.WithLogger(zl),
		debate.WithRecorder(rec),
		debate.WithRetries(cfg.State.Retries),
		debate.WithMaxRounds(cfg.Orchestration.MaxDebateRounds),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for _, c := range a.closers {
		_ = c()
	}
}

// scope returns ctx carrying the invocation's request id and a logger
// tagged with the command path.
func (a *app) scope(ctx context.Context, cmd *cobra.Command) context.Context {
	ctx = logging.WithRequestID(ctx, ids.UUID{}.New(ids.PrefixRequest))
	return logging.WithLogger(ctx, a.logger.With(zap.String("command", cmd.CommandPath())))
}

// orchestrationID returns id, or the active orchestration's id when id is
// empty, along with ctx tagged with it.
func (a *app) orchestrationID(ctx context.Context, id string) (context.Context, string, error) {
	if id == "" {
		st, err := a.engine.Active(ctx)
		if err != nil {
			return ctx, "", fmt.Errorf("%w (pass --id)", err)
		}
		id = st.ID
	}
	return logging.WithOrchestrationID(ctx, id), id, nil
}
