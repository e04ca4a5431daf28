// Hartree Orchestrator — ведёт SCF workflow каждого job.
//
// Orchestrator:
//   - Получает job.pending из RabbitMQ (и подбирает pending job polling'ом)
//   - Проводит job по стадиям: info → 4 ветки → merge → SCF-цикл
//   - Публикует WorkItem через Task Dispatcher и ждёт completion
//   - Фиксирует итог в ledger
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Hartree/internal/config"
	"github.com/shaiso/Hartree/internal/dispatch"
	"github.com/shaiso/Hartree/internal/mq"
	"github.com/shaiso/Hartree/internal/objstore"
	"github.com/shaiso/Hartree/internal/orchestrator"
	"github.com/shaiso/Hartree/internal/repo"
	"github.com/shaiso/Hartree/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting hartree-orchestrator")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.PoolConfig("hartree-orchestrator"), true)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	jobRepo := repo.NewJobRepo(pool)

	// RabbitMQ обязателен: через него идёт весь dispatch
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, "hartree-orchestrator", logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()

	if err := mq.SetupTopology(ctx, mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}
	logger.Info("RabbitMQ connected")

	// Task Dispatcher
	dispatcher := dispatch.New(dispatch.Config{
		Publisher:      mq.NewPublisher(mqConn, logger),
		Ledger:         jobRepo,
		Timeout:        cfg.StageTimeout,
		MaxAttempts:    cfg.DispatchMaxAttempts,
		InitialBackoff: cfg.DispatchBackoff,
		MaxBackoff:     cfg.DispatchMaxBackoff,
		Logger:         logger,
	})

	// Создаём orchestrator
	orch := orchestrator.New(orchestrator.Config{
		Jobs:         jobRepo,
		Dispatcher:   dispatcher,
		Store:        objstore.NewFSStore(cfg.ObjectStoreRoot).RestrictFiles(cfg.FileLocatorPrefix),
		Conn:         mqConn,
		PollInterval: cfg.PollInterval,
		TokenTTL:     cfg.ResolvedTokenTTL,
		MaxBatchJobs: cfg.MaxBatchJobs,
		Logger:       logger,
	})

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, "rabbitmq disconnected")
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok active=%d pending_tokens=%d", orch.ActiveJobsCount(), dispatcher.Pending())
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := config.Addr(cfg.OrchPort)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	orch.Stop()
	logger.Info("hartree-orchestrator stopped")
}
