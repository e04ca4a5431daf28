package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/telemetry"
)

// Default configuration values.
const (
	defaultTimeout        = 30 * time.Minute
	defaultMaxAttempts    = 1
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Publisher публикует WorkItem в Work Queue.
// Реализуется *mq.Publisher.
type Publisher interface {
	PublishWorkItem(ctx context.Context, item domain.WorkItem) error
}

// Ledger — часть Job Ledger, нужная dispatcher'у.
// Реализуется *repo.JobRepo.
type Ledger interface {
	IsDeleted(ctx context.Context, id string) (bool, error)
}

// Request — параметры одного dispatch.
type Request struct {
	JobID      string
	Stage      domain.Stage
	Commands   []string
	OutputPath string

	// ArgsPath и SliceIndex — только для slices.
	ArgsPath   string
	SliceIndex *int

	Params map[string]any
}

// Config — конфигурация Dispatcher.
type Config struct {
	Publisher Publisher
	Ledger    Ledger

	// Timeout — сколько ждать completion одной попытки (default: 30m).
	Timeout time.Duration

	// MaxAttempts — число попыток на dispatch (default: 1, без retry).
	MaxAttempts int

	// InitialBackoff и MaxBackoff — exponential backoff между попытками.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger *slog.Logger
}

// delivery — то, что получает waiter.
type delivery struct {
	completion domain.Completion
	err        error
}

// waiter — ожидающая сторона одного token.
type waiter struct {
	jobID    string
	stage    domain.Stage
	ch       chan delivery
	issuedAt time.Time
}

// Dispatcher — Task Dispatcher.
type Dispatcher struct {
	publisher Publisher
	ledger    Ledger

	timeout        time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	logger *slog.Logger

	mu       sync.Mutex
	waiters  map[string]*waiter
	resolved map[string]time.Time
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	initialBackoff := cfg.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}

	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		publisher:      cfg.Publisher,
		ledger:         cfg.Ledger,
		timeout:        timeout,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		logger:         logger,
		waiters:        make(map[string]*waiter),
		resolved:       make(map[string]time.Time),
	}
}

// Dispatch публикует WorkItem и ждёт его completion.
//
// Возвращает результат стадии, либо *domain.StageError, оборачивающий
// ErrStageTimeout, ErrExecution или ErrJobDeleted. Retry выполняется только
// для timeout и execution; каждая попытка получает новый token.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (domain.Result, error) {
	var lastErr error

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := d.backoff(attempt - 1)
			d.logger.Debug("retrying dispatch",
				"job_id", req.JobID,
				"stage", req.Stage,
				"attempt", attempt,
				"delay", delay,
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := d.dispatchOnce(ctx, req, attempt)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !domain.IsRetryable(err) {
			return nil, err
		}

		d.logger.Warn("dispatch attempt failed",
			"job_id", req.JobID,
			"stage", req.Stage,
			"attempt", attempt,
			"max_attempts", d.maxAttempts,
			"error", err,
		)
	}

	return nil, lastErr
}

// dispatchOnce — одна попытка: проверка удаления, публикация, ожидание.
func (d *Dispatcher) dispatchOnce(ctx context.Context, req Request, attempt int) (result domain.Result, err error) {
	deleted, err := d.ledger.IsDeleted(ctx, req.JobID)
	if err != nil {
		return nil, fmt.Errorf("check job deleted: %w", err)
	}
	if deleted {
		return nil, &domain.StageError{Stage: req.Stage, Attempt: attempt, Err: domain.ErrJobDeleted}
	}

	token := uuid.NewString()
	logger := telemetry.WithStage(telemetry.WithJobID(d.logger, req.JobID), string(req.Stage), token)

	ctx, span := telemetry.StartSpan(ctx, "dispatch."+string(req.Stage), req.JobID, string(req.Stage))
	defer func() { telemetry.EndSpan(span, err) }()

	w := &waiter{
		jobID:    req.JobID,
		stage:    req.Stage,
		ch:       make(chan delivery, 1),
		issuedAt: time.Now(),
	}

	// Waiter регистрируется до публикации: completion может прийти раньше,
	// чем PublishWorkItem вернёт управление.
	d.mu.Lock()
	d.waiters[token] = w
	d.mu.Unlock()

	item := domain.WorkItem{
		Token:      token,
		JobID:      req.JobID,
		Stage:      req.Stage,
		Commands:   req.Commands,
		OutputPath: req.OutputPath,
		ArgsPath:   req.ArgsPath,
		SliceIndex: req.SliceIndex,
		Params:     req.Params,
		Attempt:    attempt,
		CreatedAt:  time.Now().UTC(),
	}

	if err := d.publisher.PublishWorkItem(ctx, item); err != nil {
		d.abandon(token)
		return nil, &domain.StageError{
			Stage:   req.Stage,
			Token:   token,
			Attempt: attempt,
			Err:     fmt.Errorf("publish work item: %w", err),
		}
	}

	telemetry.DispatchTotal.WithLabelValues(string(req.Stage)).Inc()
	logger.Debug("work item dispatched", "attempt", attempt)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case dl := <-w.ch:
		return d.finish(req, token, attempt, w, dl)

	case <-timer.C:
		if d.abandon(token) {
			telemetry.StageTimeoutsTotal.WithLabelValues(string(req.Stage)).Inc()
			logger.Warn("stage timed out", "timeout", d.timeout, "attempt", attempt)
			return nil, &domain.StageError{Stage: req.Stage, Token: token, Attempt: attempt, Err: domain.ErrStageTimeout}
		}
		// Completion уже забрал waiter и кладёт delivery в буфер.
		return d.finish(req, token, attempt, w, <-w.ch)

	case <-ctx.Done():
		if d.abandon(token) {
			return nil, ctx.Err()
		}
		return d.finish(req, token, attempt, w, <-w.ch)
	}
}

// finish превращает delivery в результат dispatch.
func (d *Dispatcher) finish(req Request, token string, attempt int, w *waiter, dl delivery) (domain.Result, error) {
	telemetry.DispatchDuration.WithLabelValues(string(req.Stage)).Observe(time.Since(w.issuedAt).Seconds())

	if dl.err != nil {
		return nil, &domain.StageError{Stage: req.Stage, Token: token, Attempt: attempt, Err: dl.err}
	}
	if err := dl.completion.Err(); err != nil {
		return nil, &domain.StageError{Stage: req.Stage, Token: token, Attempt: attempt, Err: err}
	}

	result := dl.completion.Result
	if result == nil {
		result = domain.Result{}
	}
	return result, nil
}

// abandon снимает waiter и помечает token разрешённым.
// Возвращает false, если waiter уже забран Complete.
func (d *Dispatcher) abandon(token string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.waiters[token]; !ok {
		return false
	}
	delete(d.waiters, token)
	d.resolved[token] = time.Now()
	return true
}

// Complete доставляет completion ожидающему dispatch.
//
// Проверка и пометка token выполняются атомарно: из нескольких completion
// с одним token доставляется только первый, остальные получают
// domain.ErrDuplicateCompletion. Completion удалённого job будит waiter
// с domain.ErrJobDeleted, результат отбрасывается.
func (d *Dispatcher) Complete(ctx context.Context, c domain.Completion) error {
	d.mu.Lock()
	if _, done := d.resolved[c.Token]; done {
		d.mu.Unlock()
		telemetry.CompletionsTotal.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("%w: token %s", domain.ErrDuplicateCompletion, c.Token)
	}
	w, ok := d.waiters[c.Token]
	if !ok {
		d.mu.Unlock()
		telemetry.CompletionsTotal.WithLabelValues("unknown").Inc()
		return fmt.Errorf("%w: %s", ErrUnknownToken, c.Token)
	}
	delete(d.waiters, c.Token)
	d.resolved[c.Token] = time.Now()
	d.mu.Unlock()

	deleted, err := d.ledger.IsDeleted(ctx, w.jobID)
	if err != nil {
		// Token уже разрешён, вернуть сообщение в очередь нельзя.
		d.logger.Warn("deleted check failed, delivering completion",
			"job_id", w.jobID,
			"token", c.Token,
			"error", err,
		)
	}
	if deleted {
		telemetry.CompletionsTotal.WithLabelValues("deleted").Inc()
		w.ch <- delivery{err: domain.ErrJobDeleted}
		return nil
	}

	telemetry.CompletionsTotal.WithLabelValues("delivered").Inc()
	w.ch <- delivery{completion: c}
	return nil
}

// Prune удаляет из resolved-множества token старше olderThan.
// Возвращает число удалённых записей.
func (d *Dispatcher) Prune(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	d.mu.Lock()
	defer d.mu.Unlock()

	pruned := 0
	for token, at := range d.resolved {
		if at.Before(cutoff) {
			delete(d.resolved, token)
			pruned++
		}
	}
	return pruned
}

// Pending возвращает число ожидающих dispatch.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

// backoff вычисляет задержку перед попыткой attempt+1:
// initialBackoff * 2^(attempt-1), не больше maxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.initialBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > d.maxBackoff {
			return d.maxBackoff
		}
	}
	if delay > d.maxBackoff {
		delay = d.maxBackoff
	}
	return delay
}

// IsDiscardable сообщает, что ошибку Complete нужно только залогировать:
// duplicate и unknown token не требуют повторной доставки.
func IsDiscardable(err error) bool {
	return errors.Is(err, domain.ErrDuplicateCompletion) || errors.Is(err, ErrUnknownToken)
}
