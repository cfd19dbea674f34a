package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/relay/internal/dispatch"
	"github.com/rendis/relay/internal/engine"
	"github.com/rendis/relay/internal/loader"
	"github.com/rendis/relay/internal/logging"
	"github.com/rendis/relay/internal/pending"
	"github.com/rendis/relay/internal/scheduler"
	"github.com/rendis/relay/internal/state"
	"github.com/rendis/relay/internal/steps"
	"github.com/rendis/relay/internal/store"
	"github.com/rendis/relay/internal/transform"
	"github.com/rendis/relay/internal/validation"
	relaymcp "github.com/rendis/relay/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence: libSQL run records and event log, or in-memory when
	// disabled.
	var st store.Store
	if cfg.Persistence {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		libsql, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st = libsql
	} else {
		st = store.NewMemoryStore()
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	conditions, err := transform.NewConditionEngine()
	if err != nil {
		return fmt.Errorf("condition engine: %w", err)
	}

	contexts := state.NewContextRegistry()
	stateMgr := state.NewManager(transform.NewTransformer(), contexts, logger)

	pendingReg, err := pending.NewRegistry(cfg.PendingCapacity, logger)
	if err != nil {
		return fmt.Errorf("pending registry: %w", err)
	}
	if cfg.SweepSeconds > 0 {
		stopSweeper := pendingReg.StartSweeper(time.Duration(cfg.SweepSeconds) * time.Second)
		defer stopSweeper()
	}

	eng, err := engine.New(engine.Deps{
		State:      stateMgr,
		Contexts:   contexts,
		Steps:      steps.NewRegistry(),
		Conditions: conditions,
		Filters:    transform.NewResultFilter(),
		Pending:    pendingReg,
		Dispatcher: dispatch.NewDispatcher(contexts, logger),
		Store:      st,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	definitions := loader.New()

	sched := scheduler.New(eng, definitions, logger)
	for i := range cfg.Schedules {
		sc := cfg.Schedules[i]
		if err := sched.Register(&scheduler.Schedule{
			ID:             sc.ID,
			CronExpression: sc.Cron,
			DefinitionPath: sc.DefinitionPath,
			Inputs:         sc.Inputs,
		}); err != nil {
			return fmt.Errorf("register schedule %s: %w", sc.ID, err)
		}
	}
	if len(cfg.Schedules) > 0 {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := relaymcp.NewRelayServer(relaymcp.RelayServerDeps{
		Engine:    eng,
		Validator: validator,
		Loader:    definitions,
		Logger:    logger,
	})

	logger.Info("relay serving on stdio")
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Logs go to stderr; stdout carries the MCP stdio transport.
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
