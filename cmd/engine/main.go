// Package main is the entry point for the stepflow workflow engine runner.
// It wires all dependencies together, starts the SLA sweeper, and serves
// the operational HTTP endpoints.
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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stepflowhq/stepflow/internal/config"
	"github.com/stepflowhq/stepflow/internal/engine"
	"github.com/stepflowhq/stepflow/internal/observability"
	"github.com/stepflowhq/stepflow/internal/service"
	"github.com/stepflowhq/stepflow/internal/store"
	"github.com/stepflowhq/stepflow/model"
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
	ctx = observability.WithLogger(ctx, logger)

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "stepflow-engine", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)

	// Step 4: Initialize the workflow store.
	wfStore, wfStoreCloser, err := buildWorkflowStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return 1
	}

	// Step 5: Initialize the idempotency store.
	idemStore, idemCloser, err := buildIdempotencyStore(cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Wire collaborators, engine, and service. The AI, integration,
	// and notification collaborators live outside this process; the logging
	// implementations stand in for their transports.
	notifier := loggingNotifier{logger: logger}
	handlers := engine.DefaultRegistry(
		loggingOrchestrator{logger: logger},
		loggingIntegrator{logger: logger},
		notifier,
	)
	eng := engine.New(wfStore, handlers, logger, metrics, cfg.Engine.DefaultStepTimeout, cfg.Engine.DefaultMaxRetries)
	svc := service.New(wfStore, eng, notifier, idemStore, cfg.Idempotency.Store.DefaultTTL, logger, metrics)

	// Step 7: Build the operational HTTP endpoint.
	checks := observability.ReadinessChecks{}
	if hc, ok := wfStore.(observability.HealthChecker); ok {
		checks.WorkflowStore = hc
	}
	if hc, ok := idemStore.(observability.HealthChecker); ok {
		checks.IdempotencyStore = hc
	}
	router := observability.NewOpsRouter(checks, registry, cfg.Observability.Metrics.Path)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Ops.Port),
		Handler:      router,
		ReadTimeout:  cfg.Ops.ReadTimeout,
		WriteTimeout: cfg.Ops.WriteTimeout,
	}

	// Step 8: Start background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.SLA.Enabled {
		go runSLASweeper(bgCtx, svc, cfg.SLA, logger)
	}

	// Step 9: Serve.
	logger.Info("engine started",
		zap.Int("ops_port", cfg.Ops.Port),
		zap.String("store_driver", cfg.Store.Driver),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("ops server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Ops.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", zap.Error(err))
	}

	bgCancel()

	if wfStoreCloser != nil {
		wfStoreCloser()
	}
	if idemCloser != nil {
		idemCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildWorkflowStore creates the workflow store based on config.
func buildWorkflowStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory workflow store")
		return store.NewMemoryStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("workflow store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("workflow store: ping: %w", err)
		}

		return store.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns nil when idempotency is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (service.IdempotencyStore, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return service.NewMemoryIdempotencyStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		closer := func() { client.Close() }
		return service.NewRedisIdempotencyStore(client), closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}

// runSLASweeper periodically scans the configured tenants for SLA breaches.
func runSLASweeper(ctx context.Context, svc *service.Service, cfg config.SLAConfig, logger *zap.Logger) {
	if len(cfg.Tenants) == 0 {
		logger.Warn("sla sweeper enabled but no tenants configured")
		return
	}

	interval := cfg.CheckInterval
	if interval == 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tenant := range cfg.Tenants {
				rctx := &model.RequestContext{SubjectID: "system", TenantID: tenant}
				breaches, err := svc.SweepSLABreaches(ctx, rctx)
				if err != nil {
					logger.Error("sla sweep failed", zap.String("tenant_id", tenant), zap.Error(err))
					continue
				}
				if breaches > 0 {
					logger.Warn("sla breaches detected",
						zap.String("tenant_id", tenant), zap.Int("breaches", breaches))
				}
			}
		}
	}
}

// --- collaborator stand-ins ---

type loggingOrchestrator struct {
	logger *zap.Logger
}

func (o loggingOrchestrator) Submit(_ context.Context, req engine.AITaskRequest) (engine.AITaskResult, error) {
	o.logger.Info("ai task delegated",
		zap.String("task_id", req.ID),
		zap.String("task_type", req.TaskType),
		zap.String("instance_id", req.InstanceID),
	)
	return engine.AITaskResult{Success: true, Output: map[string]any{"delegated": true}}, nil
}

type loggingIntegrator struct {
	logger *zap.Logger
}

func (i loggingIntegrator) Invoke(_ context.Context, system, operation string, _ map[string]any) (map[string]any, error) {
	i.logger.Info("integration invoked",
		zap.String("system", system),
		zap.String("operation", operation),
	)
	return map[string]any{"invoked": true}, nil
}

type loggingNotifier struct {
	logger *zap.Logger
}

func (n loggingNotifier) Send(_ context.Context, recipient, subject, _ string) error {
	n.logger.Info("notification dispatched",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
	)
	return nil
}
