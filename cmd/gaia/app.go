package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/daviddao/gaia/pkg/audit"
	"github.com/daviddao/gaia/pkg/config"
	"github.com/daviddao/gaia/pkg/eventlog"
	"github.com/daviddao/gaia/pkg/queue"
)

// app holds shared state for all CLI subcommands.
type app struct {
	cfg    *config.Config
	log    *slog.Logger
	events *eventlog.Log
	store  *audit.Store
	queue  *queue.Queue
}

// newApp resolves configuration and opens the audit database, creating the
// state directory on first use.
func newApp() (*app, error) {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		return nil, err
	}
	logger := newLogger(os.Getenv("GAIA_LOG_LEVEL"), os.Getenv("GAIA_LOG_FORMAT"))

	if err := os.MkdirAll(cfg.Home, 0755); err != nil {
		return nil, fmt.Errorf("cannot create %s: %w", cfg.Home, err)
	}
	s, err := audit.New(cfg.Paths.Audit)
	if err != nil {
		return nil, fmt.Errorf("cannot open audit database %q: %w", cfg.Paths.Audit, err)
	}
	return newAppWith(cfg, logger, s), nil
}

// newAppWith wires the collaborators around an open store.
func newAppWith(cfg *config.Config, logger *slog.Logger, s *audit.Store) *app {
	events := eventlog.New(cfg.Paths.Events)
	return &app{
		cfg:    cfg,
		log:    logger,
		events: events,
		store:  s,
		queue: queue.New(queue.Config{
			Path:        cfg.Paths.Queue,
			LockPath:    cfg.Paths.QueueLock,
			LockTimeout: cfg.LockTimeout,
			Events:      events,
			Audit:       s,
			Logger:      logger,
		}),
	}
}

// Close releases the database connection.
func (a *app) Close() { a.store.Close() }

// newLogger builds the process logger. One-shot commands default to warn
// so normal output stays on stdout.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// newFlags returns a flag set that tolerates flags after positionals.
func newFlags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetInterspersed(true)
	return flags
}

// signalContext is cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
