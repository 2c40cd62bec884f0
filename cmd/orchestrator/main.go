// Command orchestrator runs the Orchestrator (spec.md §4.2): it drains
// the Execution Queue, drives the Workflow Executor, dispatches commands
// through the Command Executor, and persists the outcome. Workflow,
// task, and transaction definitions are registered by the embedding
// application before Start is reached in a real deployment; this binary
// wires the engine's own components only.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowforge/engine/internal/bootstrap"
	"github.com/flowforge/engine/internal/command"
	"github.com/flowforge/engine/internal/engineapi"
	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/observability/metrics"
	"github.com/flowforge/engine/internal/orchestrator"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/router"
	"github.com/flowforge/engine/internal/timer"
	"github.com/flowforge/engine/internal/txn"
)

func main() {
	var (
		storeBackend      = flag.String("store", "memory", "backend for history/execution stores: memory or postgres")
		timerStoreBackend = flag.String("timer-store", "memory", "backend for the timer schedule store: memory, postgres, or redis")
		queueBackend      = flag.String("queue", "memory", "backend for the execution/task queues: memory or redis")
		dbURL             = flag.String("db-url", "", "postgres connection string, required when -store=postgres or -timer-store=postgres")
		redisAddr         = flag.String("redis-addr", "", "redis address, required when -queue=redis or -timer-store=redis")
		partitions   = flag.String("partitions", "0", "comma-separated partition names this process polls")
		pollTimeout  = flag.Duration("poll-timeout", 5*time.Second, "per-partition Poll timeout")
		batchSize    = flag.Int("batch-size", 50, "max workflow tasks per ProcessBatch call")
		batchWindow  = flag.Duration("batch-window", 50*time.Millisecond, "max time to accumulate a batch before processing it short")
		listenAddr   = flag.String("listen", ":8081", "health/metrics HTTP listen address")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, config{
		storeBackend:      *storeBackend,
		timerStoreBackend: *timerStoreBackend,
		queueBackend:      *queueBackend,
		dbURL:             *dbURL,
		redisAddr:         *redisAddr,
		partitions:        bootstrap.SplitPartitions(*partitions),
		pollTimeout:       *pollTimeout,
		batchSize:         *batchSize,
		batchWindow:       *batchWindow,
		listenAddr:        *listenAddr,
	}); err != nil {
		logger.Error("orchestrator exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type config struct {
	storeBackend      string
	timerStoreBackend string
	queueBackend      string
	dbURL             string
	redisAddr         string
	partitions        []string
	pollTimeout       time.Duration
	batchSize         int
	batchWindow       time.Duration
	listenAddr        string
}

func run(ctx context.Context, logger *slog.Logger, cfg config) error {
	var pool *pgxpool.Pool
	if cfg.storeBackend == "postgres" || cfg.timerStoreBackend == "postgres" {
		p, err := bootstrap.OpenPostgres(ctx, cfg.dbURL)
		if err != nil {
			return err
		}
		defer p.Close()
		pool = p
	}

	var redisClient = bootstrap.NewRedisClient(cfg.redisAddr)
	if cfg.queueBackend != "redis" && cfg.timerStoreBackend != "redis" {
		redisClient = nil
	}

	historyStore, err := bootstrap.HistoryStore(cfg.storeBackend, pool)
	if err != nil {
		return err
	}
	execStore, err := bootstrap.ExecutionStore(cfg.storeBackend, pool)
	if err != nil {
		return err
	}
	timerStore, err := bootstrap.TimerStore(cfg.timerStoreBackend, pool, redisClient)
	if err != nil {
		return err
	}
	journal, err := bootstrap.Journal(cfg.storeBackend, pool)
	if err != nil {
		return err
	}
	entities, err := bootstrap.EntityStore(cfg.storeBackend, pool)
	if err != nil {
		return err
	}
	execQueue, err := bootstrap.Queue(cfg.queueBackend, redisClient, "exec", cfg.partitions)
	if err != nil {
		return err
	}
	taskQueue, err := bootstrap.Queue(cfg.queueBackend, redisClient, "tasks", cfg.partitions)
	if err != nil {
		return err
	}

	reg := registry.New()
	timerCfg := timer.DefaultConfig()
	timerCfg.Logger = logger
	timers := timer.NewService(timerStore, execQueue, timerCfg)
	if err := timers.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = timers.Stop(stopCtx)
	}()

	routerCfg := router.DefaultConfig()
	routerCfg.Logger = logger
	rtr := router.New(execQueue, reg, routerCfg).WithMetrics(metrics.NewEngineMetrics(nil, "router"))

	txnCfg := txn.DefaultConfig()
	txnCfg.Logger = logger
	txns := txn.New(entities, reg, execQueue, rtr, txnCfg).WithMetrics(metrics.NewEngineMetrics(nil, "txn"))

	svc := engineapi.New(historyStore, execStore, execQueue, timers, reg, rtr, txns)
	engine := &engineapi.ChildWorkflowEngine{Service: svc}

	commands := command.NewExecutor(execQueue, taskQueue, timers, engine, rtr, rtr, txns, entities, command.NewMemoryBucketStore(), command.NewMemorySearchStore())
	orch := orchestrator.New(historyStore, execStore, execQueue, timers, commands, reg, journal, nil).
		WithMetrics(metrics.NewEngineMetrics(nil, "orchestrator"))

	var wg sync.WaitGroup
	health := startHealthServer(cfg.listenAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	for _, partition := range cfg.partitions {
		wg.Add(1)
		go func(partition string) {
			defer wg.Done()
			pollLoop(ctx, logger, execQueue, orch, partition, cfg.batchSize, cfg.batchWindow, cfg.pollTimeout)
		}(partition)
	}

	logger.Info("orchestrator started", slog.String("store", cfg.storeBackend), slog.String("timer_store", cfg.timerStoreBackend), slog.String("queue", cfg.queueBackend), slog.Any("partitions", cfg.partitions))
	<-ctx.Done()
	logger.Info("shutting down orchestrator")
	wg.Wait()
	return nil
}

// pollLoop drains one partition's Execution Queue: it accumulates a
// small batch of workflow tasks (bounded by batchSize or batchWindow,
// whichever comes first), runs them through one ProcessBatch call, and
// Acks every task in the batch regardless of whether ProcessBatch
// reported it as failed — spec.md's partial-failure policy leaves a
// failed execution's state exactly as ProcessBatch left it (either
// retried via a later re-delivery, or parked for operator attention),
// never stuck holding the Execution Queue's in-flight marker forever.
func pollLoop(ctx context.Context, logger *slog.Logger, queue equeue.Queue, orch *orchestrator.Orchestrator, partition string, batchSize int, batchWindow, pollTimeout time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := collectBatch(ctx, queue, partition, batchSize, batchWindow, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("poll failed", slog.String("partition", partition), slog.String("error", err.Error()))
			continue
		}
		if len(batch) == 0 {
			continue
		}
		failed := orch.ProcessBatch(ctx, batch)
		if len(failed) > 0 {
			logger.Warn("batch had failed executions", slog.String("partition", partition), slog.Int("failed_count", len(failed)))
		}
		for _, task := range batch {
			if err := queue.Ack(ctx, task.ExecutionID); err != nil {
				logger.Error("ack failed", slog.String("execution_id", string(task.ExecutionID)), slog.String("error", err.Error()))
			}
		}
	}
}

func collectBatch(ctx context.Context, queue equeue.Queue, partition string, batchSize int, batchWindow, pollTimeout time.Duration) ([]*equeue.WorkflowTask, error) {
	first, err := queue.Poll(ctx, partition, pollTimeout)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, nil
	}
	batch := []*equeue.WorkflowTask{first}

	deadline := time.Now().Add(batchWindow)
	for len(batch) < batchSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		task, err := queue.Poll(ctx, partition, remaining)
		if err != nil {
			return batch, nil
		}
		if task == nil {
			break
		}
		batch = append(batch, task)
	}
	return batch, nil
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
