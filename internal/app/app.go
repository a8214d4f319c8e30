// Package app is the orchestrator that ties all warroom components together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/warroomhq/warroom/internal/api"
	"github.com/warroomhq/warroom/internal/auth"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/focus"
	"github.com/warroomhq/warroom/internal/hub"
	"github.com/warroomhq/warroom/internal/incident"
	"github.com/warroomhq/warroom/internal/presence"
	"github.com/warroomhq/warroom/internal/store"
	"github.com/warroomhq/warroom/internal/ws"
)

// App is the warroom server process.
type App struct {
	cfg      *config.Config
	store    store.Store
	auth     auth.Provider
	hub      *hub.Hub
	presence *presence.Manager
	api      *api.Server
	logger   *slog.Logger
}

// New creates an App from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := store.New(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	rooms := hub.New(logger)
	focusReg := focus.NewRegistry(cfg.Realtime.FocusThrottle.Duration)
	presenceMgr := presence.NewManager(db, cfg.Realtime.PresenceTTL.Duration, logger)
	incidents := incident.NewService(db, logger)

	dispatcher := ws.NewDispatcher(rooms, incidents, presenceMgr, focusReg, logger)
	wsHandler := ws.NewHandler(authProvider, rooms, dispatcher, cfg.Server, cfg.Realtime, logger)

	apiSrv := api.NewServer(db, authProvider, loginProvider, incidents, presenceMgr, rooms, wsHandler, cfg, logger)

	a := &App{
		cfg:      cfg,
		store:    db,
		auth:     authProvider,
		hub:      rooms,
		presence: presenceMgr,
		api:      apiSrv,
		logger:   logger.With("component", "app"),
	}

	// Startup validation warnings.
	if authProvider.Name() == "builtin" && cfg.Auth.InitialAdmin != nil &&
		cfg.Auth.InitialAdmin.Password == "admin" {
		logger.Warn("initial admin uses the password 'admin', change it immediately in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: a.api.Handler(),
	}

	go a.presence.RunSweeper(ctx)
	a.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("warroom listening", "addr", a.cfg.Server.Addr)
		if a.cfg.Server.TLSCert != "" && a.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(a.cfg.Server.TLSCert, a.cfg.Server.TLSKey)
		} else {
			a.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down gracefully")

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
		return ctx.Err()

	case err := <-errCh:
		_ = a.store.Close()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
