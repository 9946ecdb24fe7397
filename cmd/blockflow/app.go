package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/blockflow/internal/engine"
	"github.com/rendis/blockflow/internal/expressions"
	"github.com/rendis/blockflow/internal/handlers"
	"github.com/rendis/blockflow/internal/loader"
	"github.com/rendis/blockflow/internal/logging"
	"github.com/rendis/blockflow/internal/store"
	"github.com/rendis/blockflow/internal/streaming"
	"github.com/rendis/blockflow/internal/tracing"
	"github.com/rendis/blockflow/internal/validation"
)

const hubBuffer = 256

// app is the wired set of components shared by every command.
type app struct {
	cfg      Config
	logger   *slog.Logger
	engines  *expressions.Engines
	registry *handlers.Registry
	loader   *loader.Loader
	hub      *streaming.MemoryHub
	tracer   trace.Tracer
	shutdown tracing.ShutdownFunc

	// store and events are nil when history is disabled.
	store  *store.LibSQLStore
	events *store.EventLog
}

// newApp wires the components for cfg. Logs go to logOut.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logging.New(logOut, cfg.LogLevel, cfg.LogFormat),
		hub:    streaming.NewMemoryHub(hubBuffer),
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	a.loader = loader.New(validator)

	if a.engines, err = expressions.NewEngines(); err != nil {
		return nil, fmt.Errorf("build expression engines: %w", err)
	}

	a.tracer, a.shutdown, err = tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	a.registry = handlers.NewRegistry(validator)
	if err := handlers.RegisterBuiltins(a.registry, a.engines); err != nil {
		return nil, err
	}
	if err := a.registry.Register(handlers.TypeWorkflow, engine.NewWorkflowHandler(a.registry, a.options()),
		handlers.WithDescription("Runs an inline workflow as a child execution")); err != nil {
		return nil, err
	}

	if cfg.History {
		if err := a.openStore(ctx); err != nil {
			_ = a.shutdown(ctx)
			return nil, err
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	path := a.cfg.DBPath
	if !strings.Contains(path, "://") && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		path = "file:" + path
	}
	st, err := store.NewLibSQLStore(path)
	if err != nil {
		return fmt.Errorf("open run history: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("migrate run history: %w", err)
	}
	a.store = st
	a.events = store.NewEventLog(st, a.logger)
	return nil
}

// options is the executor configuration shared by every run. Telemetry is
// left to the caller.
func (a *app) options() engine.Options {
	return engine.Options{
		Tracer:         a.tracer,
		Logger:         a.logger,
		Expressions:    a.engines,
		MaxConcurrency: a.cfg.MaxConcurrency,
		OutputTypes:    a.cfg.OutputTypes,
	}
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close run history", slog.String("error", err.Error()))
		}
	}
	if err := a.shutdown(ctx); err != nil {
		a.logger.Warn("tracing shutdown", slog.String("error", err.Error()))
	}
}
