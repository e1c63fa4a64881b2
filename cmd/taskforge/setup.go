package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/michaelbrown/taskforge/internal/config"
	"github.com/michaelbrown/taskforge/internal/observer"
	"github.com/michaelbrown/taskforge/internal/sandbox"
	"github.com/michaelbrown/taskforge/internal/storage"
	"github.com/michaelbrown/taskforge/internal/storage/postgres"
	"github.com/michaelbrown/taskforge/internal/storage/sqlite"
)

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.Storage.DSN)
	default:
		if dir := filepath.Dir(cfg.Storage.DBPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data dir: %w", err)
			}
		}
		return sqlite.Open(cfg.Storage.DBPath)
	}
}

// newRunner builds the sandbox executor and, when enabled, installs the
// OTLP exporters. The returned shutdown flushes them.
func newRunner(ctx context.Context, cfg *config.Config) (sandbox.Runner, *observer.Instruments, func(context.Context) error, error) {
	exec := sandbox.NewExecutor(cfg.SandboxPolicy())
	noop := func(context.Context) error { return nil }

	if !cfg.Observer.Enabled {
		inst, err := observer.Global()
		if err != nil {
			return nil, nil, nil, err
		}
		return observer.WrapRunner(exec, inst), inst, noop, nil
	}

	inst, shutdown, err := observer.Init(ctx, cfg.Observer.ServiceName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing observer: %w", err)
	}
	log.Printf("Observer: exporting telemetry as %s", cfg.Observer.ServiceName)
	return observer.WrapRunner(exec, inst), inst, shutdown, nil
}
