// Package app wires together sitesync's components: configuration, the
// Store, logging, health checks, and the status HTTP server. It exposes
// the entry points the CLI layer drives a crawl run and background server
// through.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sitesync/sitesync/internal/config"
	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/executor"
	"github.com/sitesync/sitesync/internal/health"
	"github.com/sitesync/sitesync/internal/logging"
	"github.com/sitesync/sitesync/internal/orchestrator"
	"github.com/sitesync/sitesync/internal/statusapi"
	"github.com/sitesync/sitesync/internal/store"
)

// App is sitesync's core runtime: the opened Store plus its collaborators.
type App struct {
	Config  config.Config
	Store   *store.Store
	Logger  *zap.Logger
	Health  *health.Checker
	Orch    *orchestrator.Orchestrator
	cancel  context.CancelFunc
}

// New opens the store and constructs an App from cfg. fetcher and plugins
// are the host-provided collaborators described in §6 — sitesync's core
// has no concrete Fetcher or Plugin implementation of its own.
func New(cfg config.Config, fetcher domain.Fetcher, plugins *domain.PluginRegistry) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	storagePath, err := cfg.Storage.AbsStoragePath()
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}
	s, err := store.Open(storagePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	checker := health.NewChecker(s, storagePath)
	orch := orchestrator.New(s, cfg, logger, fetcher, plugins)

	return &App{
		Config: cfg,
		Store:  s,
		Logger: logger,
		Health: checker,
		Orch:   orch,
	}, nil
}

// RunCrawl drives one crawl to completion and returns its summary.
func (a *App) RunCrawl(ctx context.Context, opts orchestrator.Options) (executor.Summary, error) {
	return a.Orch.Run(ctx, opts)
}

// Serve starts the background health checker and read-only status HTTP
// server, blocking until ctx is cancelled or a termination signal arrives.
func (a *App) Serve(ctx context.Context, addr string) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go a.Health.Run(ctx)

	srv := statusapi.NewServer(a.Store, a.Health)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	a.Logger.Info("status api serving", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close releases the App's resources.
func (a *App) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return a.Store.Close()
}
