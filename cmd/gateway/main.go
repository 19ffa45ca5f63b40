// Package main runs the circulation HTTP gateway: the public catalog, the staff API
// and staff sign-in.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/librarysingkat/circulation/internal/app/runtime"
	"github.com/librarysingkat/circulation/internal/config"
	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/internal/metrics"
	"github.com/librarysingkat/circulation/internal/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().WithError(err).Fatal("Failed to load configuration")
	}
	logger := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)
	if err := cfg.ValidateGateway(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Gateway stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	m := metrics.New()
	app, err := runtime.New(ctx, runtime.Options{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Tokens:   middleware.GetAccessToken,
		Realtime: true,
	})
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Service.Start(ctx); err != nil {
		return err
	}
	defer app.Service.Stop()

	app.StartCacheEviction(ctx, 5*time.Minute)

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	limiter.StartCleanup(ctx, 5*time.Minute)

	router := newRouter(routerConfig{
		Service:        app.Service,
		Auth:           app.Supabase.Auth(),
		Logger:         logger,
		Metrics:        m,
		JWTSecret:      cfg.SupabaseJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
		StaffUserIDs:   cfg.StaffAllowlist(),
		StaffEmails:    cfg.Policy.StaffEmails,
		RateLimiter:    limiter,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("Gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
