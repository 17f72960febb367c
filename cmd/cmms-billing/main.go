package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/boddenberg/cmms-billing-go/internal/config"
	"github.com/boddenberg/cmms-billing-go/internal/handler"
	"github.com/boddenberg/cmms-billing-go/internal/infra/observability"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "cmms-billing",
		Short:         "Plan, subscription and entitlement service for the CMMS platform",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the environment")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by every command.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(cfg.LogLevel)
	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Bool("redis", cfg.RedisURL != ""),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.String("regional_country", cfg.RegionalCountry),
		zap.Float64("regional_max_amount", cfg.RegionalMaxAmount),
		zap.Duration("sweep_interval", cfg.SweepInterval),
		zap.Duration("expiry_sweep_interval", cfg.ExpirySweepInterval),
	)
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			// --- Tracing ---
			shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "cmms-billing")
			if err != nil {
				return fmt.Errorf("init tracer: %w", err)
			}
			defer shutdown(context.Background())

			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.monitor.Start(ctx)

			// --- Server ---
			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Port),
				Handler:      handler.NewRouter(a.services, a.metrics, logger),
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", zap.Int("port", cfg.Port))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			logger.Info("server shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced shutdown: %w", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep and subscription poll, print the report and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := buildApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, runErr := a.monitor.RunOnce(ctx)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			return runErr
		},
	}
}
