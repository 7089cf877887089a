// Package app ties the relay's components together into one process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/indigoai-us/hq/internal/api"
	"github.com/indigoai-us/hq/internal/auth"
	"github.com/indigoai-us/hq/internal/config"
	"github.com/indigoai-us/hq/internal/orchestrator"
	"github.com/indigoai-us/hq/internal/relay"
	"github.com/indigoai-us/hq/internal/store"
)

// App is the relay process.
type App struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	relay        *relay.Service
	api          *api.Server
	logger       *slog.Logger
}

// New creates a relay app from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates the initial admin for the builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Container launcher.
	launcher, err := orchestrator.New(cfg.Orchestrator)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	// Relay service and API server.
	relaySvc := relay.NewServiceFromConfig(db, authProvider, launcher, logger, cfg)
	apiSrv := api.NewServer(db, authProvider, loginProvider, relaySvc, cfg, logger)

	a := &App{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		relay:        relaySvc,
		api:          apiSrv,
		logger:       logger.With("component", "app"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin), change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}
	if cfg.Orchestrator.Mode == "none" {
		logger.Info("orchestrator disabled, agent containers must be started by hand")
	}

	return a, nil
}

// Run starts the relay HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	a.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if a.cfg.Storage.Retention.Duration > 0 {
		go a.runRetentionPurger(ctx, a.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("relay listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down relay gracefully")

		// Notify live sessions before tearing down the listener.
		a.relay.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			a.logger.Info("http server stopped gracefully")
		}

		a.logger.Info("closing store")
		_ = a.store.Close()
		a.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		return err
	}
}

func (a *App) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := a.store.PurgeOldMessages(ctx, cutoff); err != nil {
				a.logger.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				a.logger.Info("retention purge: deleted old messages", "count", n)
			}
		}
	}
}
