// Command timer runs the Timer Service's background scan/process loop
// (spec.md §4.5): it fires short timers in-process and scans the
// persisted tier for long timers coming due, delivering each fired
// schedule's result event through the target execution's Execution
// Queue. It owns no other engine component — ScheduleEvent/ClearSchedule
// calls against the same store from an orchestrator process work
// whether or not that process also runs this loop.
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
	"github.com/flowforge/engine/internal/timer"
)

func main() {
	var (
		storeBackend = flag.String("store", "memory", "backend for the timer store: memory, postgres, or redis")
		queueBackend = flag.String("queue", "memory", "backend for the execution queue: memory or redis")
		dbURL        = flag.String("db-url", "", "postgres connection string, required when -store=postgres")
		redisAddr    = flag.String("redis-addr", "", "redis address, required when -store=redis or -queue=redis")
		numShards    = flag.Int("shards", 16, "total timer schedule shards")
		listenAddr   = flag.String("listen", ":8083", "health/metrics HTTP listen address")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

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
	if *queueBackend != "redis" && *storeBackend != "redis" {
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

	cfg := timer.DefaultConfig()
	cfg.NumShards = int32(*numShards)
	cfg.Logger = logger
	svc := timer.NewService(timerStore, execQueue, cfg)

	health := startHealthServer(*listenAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	if err := svc.Start(ctx); err != nil {
		logger.Error("timer service failed to start", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("timer service started", slog.String("store", *storeBackend), slog.Int("shards", *numShards))
	<-ctx.Done()
	logger.Info("shutting down timer service")
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		logger.Error("timer service stop failed", slog.String("error", err.Error()))
	}
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
