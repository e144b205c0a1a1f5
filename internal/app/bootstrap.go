// Package app wires configuration, storage, gateway and engine together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"futures_go/internal/engine"
	"futures_go/internal/gateway"
	"futures_go/internal/infra"
	"futures_go/internal/monitor"
	"futures_go/internal/storage"
	"futures_go/internal/strategy"
)

// Bootstrap orchestrates the application startup sequence.
type Bootstrap struct {
	Config  *infra.Config
	Audit   *storage.AuditLog
	Gateway gateway.Gateway
	Feed    *gateway.PriceFeed
	Runner  *engine.Runner

	unlock func()
}

// NewBootstrap creates an empty Bootstrap.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config, prepares the workspace and builds the engine.
// symbols lists the instruments the run will trade; the price feed streams
// exactly those.
func (b *Bootstrap) Initialize(symbols []string) error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	b.Config = cfg
	infra.PrintBanner(cfg)

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// Data isolation per mode: _workspace/data/{mode}/audit.db
	mode := strings.ToLower(cfg.Trading.Mode)
	workDir := infra.GetWorkspaceDir()
	dataDir := filepath.Join(workDir, "data", mode)
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// One process per workspace, two engines would double-place orders.
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	dbPath := filepath.Join(dataDir, "audit.db")
	audit, err := storage.NewAuditLog(dbPath)
	if err != nil {
		return err
	}
	b.Audit = audit
	slog.Info("✅ Audit log ready (WAL-mode)", "path", dbPath, "mode", mode)

	gw, feed, err := gateway.NewFromConfig(cfg, symbols)
	if err != nil {
		return err
	}
	b.Gateway = gw
	b.Feed = feed
	slog.Info("✅ Gateway ready", "mode", cfg.Trading.Mode)

	mon := monitor.New(gw, cfg.Engine.MonitorRetries, cfg.MonitorBackoff(), logger)
	env := strategy.Env{
		Gateway: gw,
		Monitor: mon,
		Audit:   audit,
		Log:     logger,
		Now:     time.Now,
	}
	b.Runner = engine.NewRunner(env, cfg.TickInterval())
	slog.Info("✅ Engine ready", "tick", cfg.TickInterval())
	return nil
}

// Start launches the price feed and the engine loop.
func (b *Bootstrap) Start(ctx context.Context) {
	if b.Feed != nil {
		b.Feed.Start(ctx)
	}
	b.Runner.Start(ctx)
}

// Shutdown waits for the loop and releases resources.
func (b *Bootstrap) Shutdown() {
	b.Runner.Wait()
	if b.Feed != nil {
		b.Feed.Stop()
	}
	if closer, ok := b.Gateway.(interface{ Close() error }); ok {
		closer.Close()
	}
	if b.Audit != nil {
		b.Audit.Close()
	}
	if b.unlock != nil {
		b.unlock()
	}
	slog.Info("👋 Shutdown complete")
}
