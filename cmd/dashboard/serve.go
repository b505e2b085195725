package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/dashboard/internal/api"
	"github.com/fruitsalade/dashboard/internal/config"
	"github.com/fruitsalade/dashboard/internal/dashboard"
	"github.com/fruitsalade/dashboard/internal/logging"
	"github.com/fruitsalade/dashboard/internal/metrics"
	"github.com/fruitsalade/dashboard/internal/refresh"
	"github.com/fruitsalade/dashboard/pkg/client"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("listen", "", "API listen address")
	cmd.Flags().String("metrics", "", "metrics listen address")
	cmd.Flags().String("refresh-mode", "", "refresh mode (throttled, immediate)")
	cmd.Flags().Bool("watch-events", true, "refresh on upstream events")
	return cmd
}

func newDashboard(cfg *config.Config) *dashboard.Dashboard {
	return dashboard.New(dashboard.Config{
		Client: client.Config{
			BaseURL:     cfg.UpstreamURL,
			Timeout:     cfg.RequestTimeout,
			RetryPolicy: cfg.Retry.Policy(),
			AuthToken:   cfg.AuthToken,
		},
		WatchEvents:          cfg.WatchEvents,
		HealthCheckPeriod:    cfg.HealthCheckPeriod,
		RefreshInterval:      cfg.Refresh.Interval,
		MaxConcurrentFetches: cfg.MaxConcurrentFetches,
		Refresh: refresh.Options{
			Mode:        cfg.Refresh.Mode,
			MinInterval: cfg.Refresh.MinInterval,
			FloorDelay:  cfg.Refresh.FloorDelay,
		},
		Logger: logging.Named("dashboard"),
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("dashboard starting",
		zap.String("version", version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("upstream", cfg.UpstreamURL))

	d := newDashboard(cfg)
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer d.Stop()

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Request contexts end on shutdown so event streams let go.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(d, version).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpServer.RegisterOnShutdown(cancelRequests)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case err := <-errCh:
		metricsServer.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("server shutdown", zap.Error(err))
	}
	metricsServer.Close()
	return nil
}
