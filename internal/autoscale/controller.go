package autoscale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shaiso/Hartree/internal/mq"
	"github.com/shaiso/Hartree/internal/telemetry"
)

// defaultSchedule — период измерения очереди.
const defaultSchedule = "@every 15s"

// sampleTimeout — таймаут одного измерения глубины.
const sampleTimeout = 5 * time.Second

// Inspector измеряет глубину очереди. Реализуется *mq.Connection.
type Inspector interface {
	QueueDepth(ctx context.Context, queue mq.Queue) (int, error)
}

// Scaler — управляемый пул. Реализуется *worker.Pool.
type Scaler interface {
	Size() int
	Resize(n int) int
}

// Controller периодически приводит размер пула к Policy.Desired.
type Controller struct {
	cron      *cron.Cron
	schedule  string
	policy    Policy
	inspector Inspector
	scaler    Scaler
	queue     mq.Queue
	logger    *slog.Logger
}

// ControllerConfig — конфигурация Controller.
type ControllerConfig struct {
	// Schedule — cron-выражение или "@every <duration>" (default: @every 15s).
	Schedule string

	Policy    Policy
	Inspector Inspector
	Scaler    Scaler

	// Queue (default: work.ready).
	Queue mq.Queue

	Logger *slog.Logger
}

// NewController создаёт Controller и регистрирует задачу в cron.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Inspector == nil || cfg.Scaler == nil {
		return nil, errors.New("autoscale: inspector and scaler are required")
	}

	policy := cfg.Policy
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}

	queue := cfg.Queue
	if queue == "" {
		queue = mq.QueueWorkReady
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		schedule:  schedule,
		policy:    policy,
		inspector: cfg.Inspector,
		scaler:    cfg.Scaler,
		queue:     queue,
		logger:    logger,
	}

	if _, err := c.cron.AddFunc(schedule, c.tick); err != nil {
		return nil, fmt.Errorf("parse autoscale schedule %q: %w", schedule, err)
	}
	return c, nil
}

// Start запускает cron в фоне.
func (c *Controller) Start() {
	c.logger.Info("autoscaler started",
		"schedule", c.schedule,
		"queue", c.queue,
		"min", c.policy.Min,
		"max", c.policy.Max,
	)
	c.cron.Start()
}

// Stop останавливает cron и ждёт текущий тик.
func (c *Controller) Stop() {
	<-c.cron.Stop().Done()
	c.logger.Info("autoscaler stopped")
}

func (c *Controller) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()

	if _, err := c.Evaluate(ctx); err != nil {
		c.logger.Warn("autoscale tick failed", "error", err)
	}
}

// Evaluate выполняет одно измерение и resize.
// Возвращает установленный размер пула.
func (c *Controller) Evaluate(ctx context.Context) (int, error) {
	depth, err := c.inspector.QueueDepth(ctx, c.queue)
	if err != nil {
		return c.scaler.Size(), fmt.Errorf("queue depth: %w", err)
	}
	telemetry.QueueDepth.Set(float64(depth))

	current := c.scaler.Size()
	desired := c.policy.Desired(current, depth)
	if desired == current {
		c.logger.Debug("autoscale: no change", "depth", depth, "slots", current)
		return current, nil
	}

	size := c.scaler.Resize(desired)
	c.logger.Info("autoscale: resized worker pool",
		"depth", depth,
		"from", current,
		"to", size,
	)
	return size, nil
}
