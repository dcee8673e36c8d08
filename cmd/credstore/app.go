package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"

	"github.com/giantswarm/mcp-oauth-store/instrumentation"
	"github.com/giantswarm/mcp-oauth-store/security"
	"github.com/giantswarm/mcp-oauth-store/storage"
	"github.com/giantswarm/mcp-oauth-store/storage/memory"
	"github.com/giantswarm/mcp-oauth-store/storage/mongodb"
	"github.com/giantswarm/mcp-oauth-store/storage/valkey"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// App holds a configured store and runs commands against it.
type App struct {
	cfg     *Config
	store   storage.Store
	logger  *slog.Logger
	auditor *security.Auditor
	inst    *instrumentation.Instrumentation
	actor   string
	out     io.Writer
}

type instrumented interface {
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// NewApp builds the logger, instrumentation and store described by c.
// The store is not connected yet.
func NewApp(c *Config, out, logOut io.Writer) (*App, error) {
	logger, err := newLogger(c, logOut)
	if err != nil {
		return nil, err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "credstore",
		ServiceVersion: version,
		Enabled:        c.Telemetry,
		InstallSDK:     true,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("error while initializing instrumentation: %w", err)
	}
	if c.Telemetry {
		otel.SetTracerProvider(inst.TracerProvider())
		otel.SetMeterProvider(inst.MeterProvider())
	}

	store, err := newStore(c, logger)
	if err != nil {
		return nil, err
	}
	if s, ok := store.(instrumented); ok {
		s.SetInstrumentation(inst)
	}

	return newApp(c, store, logger, inst, out), nil
}

func newApp(c *Config, store storage.Store, logger *slog.Logger, inst *instrumentation.Instrumentation, out io.Writer) *App {
	actor := os.Getenv("USER")
	if actor == "" {
		actor = "credstore"
	}
	return &App{
		cfg:     c,
		store:   store,
		logger:  logger,
		auditor: security.NewAuditor(logger, true),
		inst:    inst,
		actor:   actor,
		out:     out,
	}
}

func newLogger(c *Config, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch c.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
}

func newStore(c *Config, logger *slog.Logger) (storage.Store, error) {
	switch c.Backend {
	case "valkey":
		cfg := valkey.Config{
			Address:             c.Valkey.Address,
			Username:            c.Valkey.Username,
			Password:            c.Valkey.Password,
			DB:                  c.Valkey.DB,
			KeyPrefix:           c.Valkey.KeyPrefix,
			DisableOfflineQueue: c.Valkey.DisableOfflineQueue,
			ConnectTimeout:      c.Timeout,
			Logger:              logger,
		}
		if c.Valkey.TLS {
			cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return valkey.New(cfg)
	case "mongodb":
		return mongodb.New(mongodb.Config{
			URI:              c.MongoDB.URI,
			Database:         c.MongoDB.Database,
			CollectionPrefix: c.MongoDB.CollectionPrefix,
			ConnectTimeout:   c.Timeout,
			Logger:           logger,
		})
	case "memory":
		return memory.New(memory.Config{Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", c.Backend)
	}
}

// Run connects, dispatches one command and disconnects.
func (a *App) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	if _, ok := commands[args[0]]; !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	defer a.Close()
	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	if err := a.store.Connect(connectCtx); err != nil {
		return fmt.Errorf("error while connecting to %s: %w", a.cfg.Backend, err)
	}

	return a.dispatch(ctx, args)
}

// dispatch runs one command against the connected store.
func (a *App) dispatch(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
	if !cmd.long {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}
	return cmd.run(ctx, a, args[1:])
}

// Close disconnects the store and flushes instrumentation.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	if err := a.store.Disconnect(ctx); err != nil {
		a.logger.Warn("Failed to disconnect store", "error", err)
	}
	if a.inst != nil {
		if err := a.inst.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}
}
