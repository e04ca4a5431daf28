package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler — функция обработки сообщения.
// Возвращает error, если обработка не удалась (сообщение будет nack).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение с методами ack/nack.
type Delivery struct {
	// Message — распарсенное сообщение.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// Ack подтверждает успешную обработку сообщения.
func (d *Delivery) Ack() error {
	return d.Raw.Ack(false)
}

// Nack отклоняет сообщение.
// requeue=true — вернуть в очередь, false — отправить в DLQ.
func (d *Delivery) Nack(requeue bool) error {
	return d.Raw.Nack(false, requeue)
}

// drainTimeout — сколько ждать закрытия канала доставки после basic.cancel.
const drainTimeout = 5 * time.Second

// setupRetryDelay — пауза перед повторной попыткой basic.consume,
// если reconnect случился раньше, чем consumer начал его ждать.
const setupRetryDelay = 5 * time.Second

// Consumer потребляет сообщения из очереди RabbitMQ.
//
// Stop не прерывает обработку текущего сообщения: брокер перестаёт
// доставлять новые (basic.cancel), текущее дорабатывается и подтверждается,
// непрочитанные prefetch-сообщения возвращаются в очередь.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    string
	handler  Handler
	prefetch int
	tag      string

	dlqRedelivered bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя очереди.
	Queue string

	// Handler — обработчик сообщений.
	Handler Handler

	// Prefetch — количество сообщений для предварительной загрузки.
	Prefetch int

	// DeadLetterRedelivered — повторная неудача уже переотправленного
	// сообщения уводит его в DLQ вместо бесконечного requeue.
	DeadLetterRedelivered bool
}

// NewConsumer создаёт новый Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		conn:     conn,
		logger:   logger,
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
		tag:      "hartree-" + uuid.NewString(),
		stopCh:   make(chan struct{}),

		dlqRedelivered: cfg.DeadLetterRedelivered,
	}
}

// Tag возвращает consumer tag, под которым consumer зарегистрирован у брокера.
func (c *Consumer) Tag() string {
	return c.tag
}

// Start запускает потребление сообщений и блокируется до ctx.Done() или Stop().
// После Stop возвращает nil.
func (c *Consumer) Start(ctx context.Context) error {
	return c.consume(ctx)
}

// consume — основной цикл потребления.
func (c *Consumer) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		// Получаем канал доставки
		deliveries, err := c.setupConsume()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.queue, "error", err)
			// Ждём переподключения
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopCh:
				return nil
			case <-c.conn.ReconnectNotify():
				c.logger.Info("reconnected, restarting consumer", "queue", c.queue)
				continue
			case <-time.After(setupRetryDelay):
				continue
			}
		}

		c.logger.Info("consumer started", "queue", c.queue, "consumer_tag", c.tag)

		// Обрабатываем сообщения
		if err := c.processDeliveries(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("deliveries channel closed, reconnecting", "queue", c.queue)
			// Канал закрыт, ждём переподключения
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopCh:
				return nil
			case <-c.conn.ReconnectNotify():
				continue
			}
		}

		if c.isStopped() {
			c.requeueBuffered(deliveries)
			c.logger.Info("consumer stopped", "queue", c.queue, "consumer_tag", c.tag)
			return nil
		}
	}
}

// setupConsume настраивает канал и начинает потребление.
func (c *Consumer) setupConsume() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, fmt.Errorf("no channel available")
	}

	// Устанавливаем prefetch
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	// Начинаем потребление
	deliveries, err := ch.Consume(
		c.queue, // queue
		c.tag,   // consumer tag
		false,   // auto-ack (мы ack вручную)
		false,   // exclusive
		false,   // no-local
		false,   // no-wait
		nil,     // args
	)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	return deliveries, nil
}

// processDeliveries обрабатывает сообщения из канала.
func (c *Consumer) processDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-c.stopCh:
			return nil

		case raw, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("deliveries channel closed")
			}

			c.handleDelivery(ctx, raw)
		}
	}
}

// handleDelivery обрабатывает одно сообщение.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	logger := c.logger.With(
		"queue", c.queue,
		"message_id", raw.MessageId,
		"job_id", headerString(raw.Headers, HeaderJobID),
	)
	if stage := headerString(raw.Headers, HeaderStage); stage != "" {
		logger = logger.With("stage", stage, "token", raw.CorrelationId)
	}

	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		// Битое тело не станет лучше после requeue
		logger.Error("failed to unmarshal message", "error", err, "body_size", len(raw.Body))
		raw.Nack(false, false)
		return
	}

	logger.Debug("received message", "type", msg.Type, "redelivered", raw.Redelivered)

	if err := c.handler(ctx, &Delivery{Message: msg, Raw: raw}); err != nil {
		logger.Error("handler failed", "type", msg.Type, "error", err)
		raw.Nack(false, c.requeueOnError(ctx, raw))
		return
	}

	raw.Ack(false)
}

// headerString читает строковый AMQP-заголовок.
func headerString(h amqp.Table, key string) string {
	v, _ := h[key].(string)
	return v
}

// requeueOnError решает судьбу сообщения, обработка которого не удалась.
// Прерванная остановкой обработка всегда возвращается в очередь.
func (c *Consumer) requeueOnError(ctx context.Context, raw amqp.Delivery) bool {
	if ctx.Err() != nil || c.isStopped() {
		return true
	}
	if c.dlqRedelivered && raw.Redelivered {
		c.logger.Warn("redelivered message failed again, dead-lettering",
			"queue", c.queue,
			"message_id", raw.MessageId,
		)
		return false
	}
	return true
}

// Stop останавливает consumer. Повторный вызов безопасен.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)

		if ch := c.conn.Channel(); ch != nil {
			if err := ch.Cancel(c.tag, false); err != nil {
				c.logger.Debug("consumer cancel failed", "consumer_tag", c.tag, "error", err)
			}
		}
	})
}

func (c *Consumer) isStopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// requeueBuffered возвращает в очередь сообщения, доставленные,
// но ещё не переданные обработчику. Канал закрывается после basic.cancel.
func (c *Consumer) requeueBuffered(deliveries <-chan amqp.Delivery) {
	timeout := time.After(drainTimeout)
	for {
		select {
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			raw.Nack(false, true)
		case <-timeout:
			return
		}
	}
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// Payload может быть уже распарсен как map или быть raw json
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}
