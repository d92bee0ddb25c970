// Package main is the entry point for the kazi workflow engine server.
// It wires all dependencies together and starts the HTTP server plus the
// background sweep and schedule loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/kazi/internal/action"
	"github.com/pitabwire/kazi/internal/config"
	"github.com/pitabwire/kazi/internal/definition"
	"github.com/pitabwire/kazi/internal/dispatch"
	"github.com/pitabwire/kazi/internal/execution"
	"github.com/pitabwire/kazi/internal/observability"
	"github.com/pitabwire/kazi/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "kazi", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Initialize stores.
	defStore, execStore, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	// Step 5: Build the action registry with builtins.
	registry := action.NewRegistry()
	action.RegisterBuiltins(registry, action.BuiltinDeps{
		Logger:         logger,
		WebhookTimeout: cfg.Actions.WebhookTimeout,
	})

	// Step 6: Build the definition service, dispatcher, and engine.
	defService := definition.NewService(defStore, logger)
	dispatcher := dispatch.NewDispatcher(defStore, execStore, logger)
	dispatcher.SetMetrics(metrics)
	engine := execution.NewEngine(defStore, execStore, registry, logger)
	engine.SetMetrics(metrics)

	// Step 7: Background loops. The sweeper drives pending, due-paused,
	// and stale executions; the scheduler fires due cron definitions.
	sweeper := execution.NewSweeper(engine, execStore, logger, cfg.Engine.SweepInterval)
	sweeper.SetLimits(cfg.Engine.StaleAfter, cfg.Engine.SweepBatchSize)
	sweeper.SetMetrics(metrics)
	scheduler := dispatch.NewScheduler(dispatcher, logger, cfg.Dispatch.ScheduleInterval)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go sweeper.Run(bgCtx)
	go scheduler.Run(bgCtx)

	// Step 8: Build the HTTP router.
	readinessChecks := observability.ReadinessChecks{}
	if hc, ok := defStore.(observability.HealthChecker); ok {
		readinessChecks.DefinitionStore = hc
	}
	if hc, ok := execStore.(observability.HealthChecker); ok {
		readinessChecks.ExecutionStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Logger:      logger,
		Metrics:     metrics,
		Definitions: defService,
		Executions:  execStore,
		Dispatcher:  dispatcher,
		Registry:    registry,
		Ready:       readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 9: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop the sweep and schedule loops, then close stores.
	bgCancel()
	if storeCloser != nil {
		storeCloser()
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores creates the definition and execution stores based on the
// configured driver. Both stores share one pgx pool when postgres is
// selected; the returned closer releases it.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (definition.Store, execution.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory stores")
		return definition.NewMemoryStore(), execution.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		if cfg.MaxConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		return definition.NewPgStore(pool), execution.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}
