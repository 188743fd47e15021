package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/TFMV/duckdash/cmd/duckdash/config"
	"github.com/TFMV/duckdash/cmd/duckdash/middleware"
	"github.com/TFMV/duckdash/pkg/handlers"
	"github.com/TFMV/duckdash/pkg/infrastructure/memory"
	"github.com/TFMV/duckdash/pkg/infrastructure/metrics"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/workbench"
)

// healthService is the service name reported by the gRPC health server.
const healthService = "duckdash.Workbench"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the duckdash HTTP API",
	Long: `Start the duckdash HTTP API with the given configuration.

Example:
  duckdash serve --config ./duckdash.yaml
  duckdash serve --address 0.0.0.0:4213 --database md:analytics`,
	RunE: runServer,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("address", "127.0.0.1:4213", "HTTP listen address")
	flags.String("health-address", "127.0.0.1:4214", "gRPC health listen address")
	flags.Bool("metrics", true, "serve Prometheus metrics")
	flags.String("attach", "", "encoded attach parameter to import at startup")

	bindFlags(flags, map[string]string{
		"address":        "address",
		"health-address": "health.address",
		"metrics":        "metrics.enabled",
		"attach":         "attach",
	})

	rootCmd.AddCommand(serveCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := setupLogging(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Msg("Starting duckdash")

	var (
		collector  metrics.Collector = metrics.NewNoOpCollector()
		prometheus *metrics.PrometheusCollector
	)
	if cfg.Metrics.Enabled {
		prometheus = metrics.NewPrometheusCollector()
		collector = prometheus
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wb, err := openWorkbench(ctx, cfg, logger, collector)
	if err != nil {
		return err
	}
	defer func() {
		if err := wb.Close(context.Background()); err != nil {
			logger.Error().Err(err).Msg("Error closing workbench")
		}
	}()

	if cfg.Attach != "" {
		report, err := wb.AttachAndImport(ctx, cfg.Attach)
		if err != nil {
			logger.Warn().Err(err).Msg("Startup import failed")
		} else {
			logger.Info().
				Str("database", report.Database).
				Int("relations", len(report.MergedRelations)).
				Int("caches", len(report.CopiedCaches)).
				Msg("Imported attached database")
		}
	}

	alloc := memory.NewMeteredAllocator(nil, collector)
	httpServer := &http.Server{
		Addr:              cfg.Address,
		Handler:           newRouter(cfg, wb, alloc, logger, collector, prometheus),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpListener, healthListener, err := listen(cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("address", httpListener.Addr().String()).
			Bool("auth", cfg.Auth.Enabled).
			Bool("metrics", cfg.Metrics.Enabled).
			Msg("HTTP server listening")
		if err := httpServer.Serve(httpListener); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	var grpcServer *grpc.Server
	if healthListener != nil {
		var healthServer *health.Server
		grpcServer, healthServer = newHealthServer()

		g.Go(func() error {
			logger.Info().Str("address", healthListener.Addr().String()).Msg("Health server listening")
			if err := grpcServer.Serve(healthListener); err != nil && !stderrors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			watchHealth(gctx, wb, healthServer, cfg.Health.Interval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("Starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("Server shutdown complete")
	return nil
}

// listen binds the HTTP address and, when enabled, the health address. Both
// are bound before anything serves; on failure nothing is left open.
func listen(cfg *config.Config) (httpListener, healthListener net.Listener, err error) {
	httpListener, err = net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create http listener: %w", err)
	}
	if !cfg.Health.Enabled {
		return httpListener, nil, nil
	}
	healthListener, err = net.Listen("tcp", cfg.Health.Address)
	if err != nil {
		httpListener.Close()
		return nil, nil, fmt.Errorf("failed to create health listener: %w", err)
	}
	return httpListener, healthListener, nil
}

// newRouter assembles the HTTP stack: recovery, logging and metrics on every
// route, authentication on the API only.
func newRouter(cfg *config.Config, wb *workbench.Workbench, alloc *memory.MeteredAllocator, logger zerolog.Logger, collector metrics.Collector, prometheus *metrics.PrometheusCollector) http.Handler {
	recoverMW := middleware.NewRecoveryMiddleware(logger.With().Str("component", "recovery_middleware").Logger())
	logMW := middleware.NewLoggingMiddleware(logger.With().Str("component", "logging_middleware").Logger())
	metricsMW := middleware.NewMetricsMiddleware(collector)
	authMW := middleware.NewAuthMiddleware(cfg.Auth, logger.With().Str("component", "auth_middleware").Logger())

	r := chi.NewRouter()
	r.Use(recoverMW.Handler, logMW.Handler, metricsMW.Handler)

	if prometheus != nil {
		r.Method(http.MethodGet, cfg.Metrics.Path, prometheus.Handler())
	}
	api := handlers.New(wb, alloc, logger, collector)
	r.Group(func(r chi.Router) {
		r.Use(authMW.Handler)
		api.Routes(r)
	})
	return r
}

func newHealthServer() (*grpc.Server, *health.Server) {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return grpcServer, healthServer
}

// watchHealth reports SERVING while the connection is up and its state
// storage is loaded. It returns when ctx ends.
func watchHealth(ctx context.Context, wb *workbench.Workbench, hs *health.Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		updateHealth(ctx, wb, hs)
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func updateHealth(ctx context.Context, wb *workbench.Workbench, hs *health.Server) grpc_health_v1.HealthCheckResponse_ServingStatus {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if wb.Ready() && wb.Connections().CheckConnectionState(ctx).State == models.ConnectionConnected {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", status)
	hs.SetServingStatus(healthService, status)
	return status
}
