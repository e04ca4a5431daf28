package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/Hartree/internal/dispatch"
	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/mq"
	"github.com/shaiso/Hartree/internal/objstore"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
	defaultTokenTTL     = time.Hour
)

// JobLedger — операции Job Ledger, нужные оркестратору.
// Реализуется *repo.JobRepo.
type JobLedger interface {
	ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error)
	ClaimPending(ctx context.Context, id string) (*domain.Job, error)
	Update(ctx context.Context, job *domain.Job) error
	IsDeleted(ctx context.Context, id string) (bool, error)
}

// Orchestrator управляет выполнением job.
//
// Orchestrator — центральный компонент системы, который:
//   - Получает новые job из очереди RabbitMQ (event-driven)
//   - Периодически проверяет pending job в ledger (polling fallback)
//   - Запускает Workflow в отдельной горутине на каждый job
//   - Передаёт completions воркеров в Dispatcher
//   - Записывает итог (succeeded/failed) в ledger
//
// Состояние цикла живёт только в памяти: job, оставшиеся running
// после рестарта, переводятся в failed.
type Orchestrator struct {
	jobs       JobLedger
	dispatcher *dispatch.Dispatcher
	store      objstore.Store

	// MQ
	conn *mq.Connection

	// Active jobs — job в процессе выполнения (jobID → cancel)
	activeJobs map[string]context.CancelFunc
	mu         sync.RWMutex

	// Consumers
	jobConsumer        *mq.Consumer
	completionConsumer *mq.Consumer

	// Configuration
	pollInterval time.Duration
	batchSize    int
	tokenTTL     time.Duration

	// maxBatchJobs — ширина волны slices для job без своего max_batch_jobs.
	maxBatchJobs int

	// Lifecycle
	logger     *slog.Logger
	baseCtx    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Jobs       JobLedger
	Dispatcher *dispatch.Dispatcher
	Store      objstore.Store

	// MQ
	Conn *mq.Connection

	// Polling configuration
	PollInterval time.Duration // интервал polling (default: 10s)
	BatchSize    int           // количество job за один poll (default: 100)

	// TokenTTL — сколько помнить разрешённые token (default: 1h).
	TokenTTL time.Duration

	// MaxBatchJobs — max_batch_jobs по умолчанию (0 — все slices одной волной).
	MaxBatchJobs int

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		jobs:         cfg.Jobs,
		dispatcher:   cfg.Dispatcher,
		store:        cfg.Store,
		conn:         cfg.Conn,
		activeJobs:   make(map[string]context.CancelFunc),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		tokenTTL:     tokenTTL,
		maxBatchJobs: max(cfg.MaxBatchJobs, 0),
		logger:       logger,
		baseCtx:      baseCtx,
		cancelFunc:   cancel,
	}
}

// Start запускает Orchestrator.
//
// Запускает:
//   - Consumer для jobs.pending
//   - Consumer для work.completed
//   - Polling горутину для fallback
//   - Очистку разрешённых token
func (o *Orchestrator) Start(ctx context.Context) error {
	o.cancelFunc()
	ctx, cancel := context.WithCancel(ctx)
	o.baseCtx = ctx
	o.cancelFunc = cancel

	o.logger.Info("starting orchestrator",
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"token_ttl", o.tokenTTL,
	)

	// Workflow не переживает рестарт
	o.failStaleJobs(ctx)

	// Создаём consumers
	o.jobConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueJobsPending),
		Handler:  o.handleJobPending,
		Prefetch: 10,
	})

	o.completionConsumer = mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
		Queue:    string(mq.QueueWorkCompleted),
		Handler:  o.handleWorkCompleted,
		Prefetch: 50,

		DeadLetterRedelivered: true,
	})

	// Запускаем job consumer
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.jobConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("job consumer error", "error", err)
		}
	}()

	// Запускаем completion consumer
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.completionConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("completion consumer error", "error", err)
		}
	}()

	// Запускаем polling
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	// Запускаем очистку token
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pruneLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает Orchestrator.
//
// Активные workflow прерываются; их job остаются running
// и будут переведены в failed при следующем старте.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...")

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	// Останавливаем consumers
	if o.jobConsumer != nil {
		o.jobConsumer.Stop()
	}
	if o.completionConsumer != nil {
		o.completionConsumer.Stop()
	}

	// Ждём завершения горутин
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop — цикл polling для fallback.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первый poll сразу при старте (подхватываем job созданные пока были выключены)
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll выполняет один цикл polling.
func (o *Orchestrator) poll(ctx context.Context) {
	jobs, err := o.jobs.ListByStatus(ctx, domain.JobStatusPending, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list pending jobs", "error", err)
		return
	}

	if len(jobs) == 0 {
		return
	}

	o.logger.Debug("poll found pending jobs", "count", len(jobs))

	for i := range jobs {
		job := &jobs[i]

		// Проверяем, не обрабатывается ли уже
		if o.isJobActive(job.ID) {
			continue
		}

		if err := o.processJob(ctx, job.ID); err != nil && !errors.Is(err, ErrJobNotPending) {
			o.logger.Error("failed to process job from poll",
				"job_id", job.ID,
				"error", err,
			)
		}
	}
}

// pruneLoop периодически чистит resolved-множество dispatcher'а.
func (o *Orchestrator) pruneLoop(ctx context.Context) {
	interval := o.tokenTTL / 4
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pruned := o.dispatcher.Prune(o.tokenTTL); pruned > 0 {
				o.logger.Debug("pruned resolved tokens", "count", pruned)
			}
		}
	}
}

// failStaleJobs переводит в failed job, оставшиеся running после рестарта.
func (o *Orchestrator) failStaleJobs(ctx context.Context) {
	jobs, err := o.jobs.ListByStatus(ctx, domain.JobStatusRunning, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list running jobs", "error", err)
		return
	}

	for i := range jobs {
		job := &jobs[i]
		if o.isJobActive(job.ID) {
			continue
		}

		job.MarkFailed("workflow state lost on orchestrator restart")
		if err := o.jobs.Update(ctx, job); err != nil {
			o.logger.Warn("failed to fail stale job", "job_id", job.ID, "error", err)
			continue
		}
		o.logger.Warn("stale running job failed", "job_id", job.ID)
	}
}

// isJobActive проверяет, выполняется ли workflow job.
func (o *Orchestrator) isJobActive(jobID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeJobs[jobID]
	return exists
}

// addActiveJob регистрирует workflow job.
func (o *Orchestrator) addActiveJob(jobID string, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeJobs[jobID]; exists {
		return ErrJobAlreadyActive
	}

	o.activeJobs[jobID] = cancel
	return nil
}

// removeActiveJob удаляет job из активных.
func (o *Orchestrator) removeActiveJob(jobID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeJobs, jobID)
}

// ActiveJobsCount возвращает количество активных workflow.
func (o *Orchestrator) ActiveJobsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeJobs)
}
