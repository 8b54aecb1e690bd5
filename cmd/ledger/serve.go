package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/payment-ledger/api"
)

// serveCmd starts the HTTP server.
//
// GRACEFUL SHUTDOWN:
//
//	On SIGINT/SIGTERM:
//	1. Stop accepting new connections
//	2. Wait for active requests to complete (app.shutdown_timeout)
//	3. Stop the reconciliation sweep
//	4. Close storage, redis and broker connections
func serveCmd(configPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the payment ledger HTTP API.

Examples:
  ledger serve
  ledger serve --port 3000
  LEDGER_DATABASE_PATH=":memory:" LEDGER_APP_SEED=clinic-day ledger serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides app.port)")
	return cmd
}

func runServe(ctx context.Context, configPath string, port int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if port == 0 {
		port = cfg.App.Port
	}

	handler := api.NewHandler(a.ledger, a.reports, a.log)
	handler.AddHealthCheck("sqlite", a.store)
	if a.redis != nil {
		handler.AddHealthCheck("redis", a.redis)
	}

	if cfg.App.Seed != "" {
		n, err := handler.Seed(ctx, cfg.App.Seed)
		if err != nil {
			return fmt.Errorf("failed to load scenario: %w", err)
		}
		a.log.Info("demo data loaded", zap.String("scenario", cfg.App.Seed), zap.Int("payments", n))
	}

	scheduler := api.NewReconciliationScheduler(handler, cfg.App.ReconcileInterval)
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.App.CORSOrigins,
		RateLimit:   cfg.RateLimit.Requests,
		RateWindow:  cfg.RateLimit.Window,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("server starting", zap.Int("port", port), zap.String("env", cfg.App.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		a.log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped")
	return nil
}
