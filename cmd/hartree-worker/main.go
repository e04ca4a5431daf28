// Hartree Worker — эластичный пул исполнителей стадий.
//
// Worker:
//   - Получает WorkItem из work.ready (по одному на слот)
//   - Запускает вычислительный образ (процесс или HTTP-сервис)
//   - Публикует completion в work.completed
//   - Подстраивает число слотов под глубину очереди
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Hartree/internal/autoscale"
	"github.com/shaiso/Hartree/internal/config"
	"github.com/shaiso/Hartree/internal/mq"
	"github.com/shaiso/Hartree/internal/objstore"
	"github.com/shaiso/Hartree/internal/repo"
	"github.com/shaiso/Hartree/internal/telemetry"
	"github.com/shaiso/Hartree/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting hartree-worker", "executor_mode", cfg.ExecutorMode)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool — только для проверки удаления job
	pool, err := repo.NewPool(ctx, cfg.PoolConfig("hartree-worker"), false)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, "hartree-worker", logger)
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

	// Executors
	store := objstore.NewFSStore(cfg.ObjectStoreRoot).RestrictFiles(cfg.FileLocatorPrefix)

	var compute worker.Executor
	switch cfg.ExecutorMode {
	case config.ExecutorModeHTTP:
		compute = &worker.HTTPExecutor{URL: cfg.ExecutorURL, Timeout: cfg.StageTimeout}
	default:
		compute = &worker.CommandExecutor{Binary: cfg.ExecutorBinary, Store: store}
	}

	// Создаём пул
	w := worker.New(worker.Config{
		Conn:      mqConn,
		Publisher: mq.NewPublisher(mqConn, logger),
		Ledger:    repo.NewJobRepo(pool),
		Registry:  worker.NewRegistry(compute, &worker.LoopUpdateExecutor{Store: store}),
		MinSlots:  cfg.WorkerMin,
		MaxSlots:  cfg.WorkerMax,
		Logger:    logger,
	})

	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// Autoscaler
	policy, err := autoscale.PolicyFromConfig(cfg)
	if err != nil {
		logger.Error("invalid autoscale policy", "error", err)
		os.Exit(1)
	}

	scaler, err := autoscale.NewController(autoscale.ControllerConfig{
		Schedule:  cfg.AutoscaleSchedule,
		Policy:    policy,
		Inspector: mqConn,
		Scaler:    w,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to create autoscaler", "error", err)
		os.Exit(1)
	}
	scaler.Start()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if !mqConn.IsConnected() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(rw, "rabbitmq disconnected")
			return
		}
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintf(rw, "ok slots=%d", w.Size())
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := config.Addr(cfg.WorkerPort)
	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	scaler.Stop()
	w.Stop()
	logger.Info("hartree-worker stopped")
}
