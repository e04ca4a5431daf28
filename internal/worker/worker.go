package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/mq"
	"github.com/shaiso/Hartree/internal/telemetry"
)

// Default configuration values.
const (
	defaultMinSlots = 1
	defaultMaxSlots = 16
)

// CompletionPublisher публикует completion в work.completed.
// Реализуется *mq.Publisher.
type CompletionPublisher interface {
	PublishCompletion(ctx context.Context, completion domain.Completion) error
}

// Ledger — проверка удаления job. Реализуется *repo.JobRepo.
type Ledger interface {
	IsDeleted(ctx context.Context, id string) (bool, error)
}

// Consumer — то, что крутит слот. Реализуется *mq.Consumer.
type Consumer interface {
	Start(ctx context.Context) error
	Stop()
}

// ConsumerFactory создаёт consumer очереди work.ready для слота.
type ConsumerFactory func(handler mq.Handler) Consumer

// slot — один исполнитель пула.
type slot struct {
	id       int
	consumer Consumer
}

// Pool — эластичный пул воркеров.
//
// Каждый слот — горутина со своим consumer очереди work.ready (prefetch 1):
// слот берёт один WorkItem, выполняет, публикует completion и подтверждает
// сообщение. Resize добавляет или останавливает слоты; остановленный слот
// дорабатывает текущий item.
type Pool struct {
	publisher CompletionPublisher
	ledger    Ledger
	registry  *Registry

	newConsumer ConsumerFactory

	minSlots int
	maxSlots int

	slots  []*slot
	nextID int
	mu     sync.Mutex

	// Lifecycle
	logger     *slog.Logger
	baseCtx    context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	stopped    bool
}

// Config — конфигурация Pool.
type Config struct {
	// MQ
	Conn      *mq.Connection
	Publisher CompletionPublisher

	Ledger   Ledger
	Registry *Registry

	// MinSlots и MaxSlots — границы Resize (default: 1 и 16).
	MinSlots int
	MaxSlots int

	// ConsumerFactory (опционально; по умолчанию mq.Consumer на work.ready).
	ConsumerFactory ConsumerFactory

	// Logger
	Logger *slog.Logger
}

// New создаёт новый Pool.
func New(cfg Config) *Pool {
	minSlots := cfg.MinSlots
	if minSlots <= 0 {
		minSlots = defaultMinSlots
	}

	maxSlots := cfg.MaxSlots
	if maxSlots <= 0 {
		maxSlots = defaultMaxSlots
	}
	if maxSlots < minSlots {
		maxSlots = minSlots
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	factory := cfg.ConsumerFactory
	if factory == nil {
		conn := cfg.Conn
		factory = func(handler mq.Handler) Consumer {
			return mq.NewConsumer(conn, logger, mq.ConsumerConfig{
				Queue:    string(mq.QueueWorkReady),
				Handler:  handler,
				Prefetch: 1,

				DeadLetterRedelivered: true,
			})
		}
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Pool{
		publisher:   cfg.Publisher,
		ledger:      cfg.Ledger,
		registry:    cfg.Registry,
		newConsumer: factory,
		minSlots:    minSlots,
		maxSlots:    maxSlots,
		logger:      logger,
		baseCtx:     baseCtx,
		cancelFunc:  cancel,
	}
}

// Start запускает MinSlots слотов.
// Остановленный пул повторно не запускается (ErrWorkerStopped).
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrWorkerStopped
	}
	p.cancelFunc()
	p.baseCtx, p.cancelFunc = context.WithCancel(ctx)
	p.mu.Unlock()

	p.logger.Info("starting worker pool",
		"min_slots", p.minSlots,
		"max_slots", p.maxSlots,
	)

	p.Resize(p.minSlots)

	p.logger.Info("worker pool started", "slots", p.Size())
	return nil
}

// Resize приводит число слотов к n в пределах [MinSlots, MaxSlots].
// Возвращает установленное число слотов.
func (p *Pool) Resize(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return len(p.slots)
	}

	n = max(p.minSlots, min(n, p.maxSlots))
	before := len(p.slots)

	for len(p.slots) < n {
		p.startSlot()
	}

	var stopping []*slot
	for len(p.slots) > n {
		last := p.slots[len(p.slots)-1]
		p.slots = p.slots[:len(p.slots)-1]
		last.consumer.Stop()
		stopping = append(stopping, last)
	}

	telemetry.WorkerSlots.Set(float64(len(p.slots)))

	if before != n {
		p.logger.Info("worker pool resized", "from", before, "to", n, "stopping", len(stopping))
	}
	return n
}

// startSlot запускает новый слот. Вызывается под p.mu.
func (p *Pool) startSlot() {
	p.nextID++
	s := &slot{
		id:       p.nextID,
		consumer: p.newConsumer(p.handleWorkReady),
	}
	p.slots = append(p.slots, s)

	ctx := p.baseCtx
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := s.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("worker slot consumer error", "slot", s.id, "error", err)
		}
	}()
}

// Size возвращает текущее число слотов.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Bounds возвращает MinSlots и MaxSlots.
func (p *Pool) Bounds() (int, int) {
	return p.minSlots, p.maxSlots
}

// Stop останавливает все слоты и ждёт их завершения.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.stopped = true
	slots := p.slots
	p.slots = nil
	p.mu.Unlock()

	p.logger.Info("stopping worker pool...", "slots", len(slots))

	for _, s := range slots {
		s.consumer.Stop()
	}

	// Ждём завершения горутин
	p.wg.Wait()
	p.cancelFunc()

	telemetry.WorkerSlots.Set(0)
	p.logger.Info("worker pool stopped")
}

// IsStopped проверяет, остановлен ли пул.
func (p *Pool) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}
