// Command worker runs the Task Worker (spec.md §4.4): it polls the task
// dispatch queue, claims and executes tasks, and reports results back
// through the originating execution's Execution Queue. Task handlers
// are registered by the embedding application before Start is reached
// in a real deployment; this binary wires the engine's own components
// only.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowforge/engine/internal/bootstrap"
	"github.com/flowforge/engine/internal/observability/metrics"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/taskworker"
	"github.com/flowforge/engine/internal/timer"
)

func main() {
	var (
		storeBackend = flag.String("store", "memory", "backend for the timer store: memory, postgres, or redis")
		queueBackend = flag.String("queue", "memory", "backend for the execution/task queues: memory or redis")
		claimBackend = flag.String("claims", "memory", "backend for the task claim table: memory or redis")
		dbURL        = flag.String("db-url", "", "postgres connection string, required when -store=postgres")
		redisAddr    = flag.String("redis-addr", "", "redis address, required when -store=redis, -queue=redis, or -claims=redis")
		partitions   = flag.String("partitions", "0", "comma-separated task-queue partitions this worker polls")
		identity     = flag.String("identity", "", "worker identity reported on claims; defaults to hostname")
		pollInterval = flag.Duration("poll-interval", time.Second, "task queue poll interval")
		claimTTL     = flag.Duration("claim-ttl", 5*time.Minute, "redis claim TTL, only used with -claims=redis")
		listenAddr   = flag.String("listen", ":8082", "health/metrics HTTP listen address")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	id := *identity
	if id == "" {
		if host, err := os.Hostname(); err == nil {
			id = host
		} else {
			id = "taskworker"
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if *storeBackend == "postgres" {
		p, err := bootstrap.OpenPostgres(ctx, *dbURL)
		if err != nil {
			logger.Error("open postgres failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer p.Close()
		pool = p
	}

	var redisClient = bootstrap.NewRedisClient(*redisAddr)
	if *queueBackend != "redis" && *claimBackend != "redis" && *storeBackend != "redis" {
		redisClient = nil
	}

	timerStore, err := bootstrap.TimerStore(*storeBackend, pool, redisClient)
	if err != nil {
		logger.Error("timer store setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	execQueue, err := bootstrap.Queue(*queueBackend, redisClient, "exec", nil)
	if err != nil {
		logger.Error("execution queue setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	taskQueue, err := bootstrap.Queue(*queueBackend, redisClient, "tasks", bootstrap.SplitPartitions(*partitions))
	if err != nil {
		logger.Error("task queue setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	claims, err := bootstrap.ClaimStore(*claimBackend, redisClient, *claimTTL)
	if err != nil {
		logger.Error("claim store setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := registry.New()
	timerCfg := timer.DefaultConfig()
	timerCfg.Logger = logger
	timers := timer.NewService(timerStore, execQueue, timerCfg)
	if err := timers.Start(ctx); err != nil {
		logger.Error("timer service failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = timers.Stop(stopCtx)
	}()

	workerCfg := taskworker.DefaultConfig()
	workerCfg.Identity = id
	workerCfg.PollInterval = *pollInterval
	workerCfg.Logger = logger

	worker := taskworker.New(taskQueue, execQueue, claims, timers, reg, workerCfg).
		WithMetrics(metrics.NewEngineMetrics(nil, "taskworker"))

	health := startHealthServer(*listenAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	worker.Start(ctx)
	logger.Info("task worker started", slog.String("identity", id), slog.String("queue", *queueBackend), slog.String("claims", *claimBackend))
	<-ctx.Done()
	logger.Info("shutting down task worker")
	worker.Stop()
}

func startHealthServer(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.DefaultRegistry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", slog.String("error", err.Error()))
		}
	}()
	return srv
}
