package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Hartree/internal/domain"
)

// MessageType — тип сообщения в очереди.
type MessageType string

const (
	MessageTypeJobPending    MessageType = "job.pending"
	MessageTypeWorkReady     MessageType = "work.ready"
	MessageTypeWorkCompleted MessageType = "work.completed"
)

// AMQP-заголовки с идентификаторами job и стадии. Нужны, чтобы
// разбирать сообщения в management UI и DLQ без декодирования тела.
const (
	HeaderJobID = "x-hartree-job-id"
	HeaderStage = "x-hartree-stage"
)

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobPendingPayload — payload сообщения о новом job.
type JobPendingPayload struct {
	JobID string `json:"job_id"`
}

// route — куда и с какими метаданными уходит сообщение.
type route struct {
	exchange Exchange
	key      RoutingKey
	msgType  MessageType

	// correlationID — CompletionToken для work.*; пусто для jobs.*.
	correlationID string
	jobID         string
	stage         domain.Stage
}

// Publisher публикует сообщения pipeline в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// PublishJobPending сообщает оркестратору о новом job.
func (p *Publisher) PublishJobPending(ctx context.Context, jobID string) error {
	return p.publish(ctx, route{
		exchange: ExchangeJobs,
		key:      RoutingKeyPending,
		msgType:  MessageTypeJobPending,
		jobID:    jobID,
	}, JobPendingPayload{JobID: jobID})
}

// PublishWorkItem кладёт WorkItem в work.ready.
// CorrelationId сообщения — CompletionToken попытки.
func (p *Publisher) PublishWorkItem(ctx context.Context, item domain.WorkItem) error {
	return p.publish(ctx, route{
		exchange:      ExchangeWork,
		key:           RoutingKeyReady,
		msgType:       MessageTypeWorkReady,
		correlationID: item.Token,
		jobID:         item.JobID,
		stage:         item.Stage,
	}, item)
}

// PublishCompletion отправляет completion в work.completed.
func (p *Publisher) PublishCompletion(ctx context.Context, completion domain.Completion) error {
	return p.publish(ctx, route{
		exchange:      ExchangeWork,
		key:           RoutingKeyCompleted,
		msgType:       MessageTypeWorkCompleted,
		correlationID: completion.Token,
		jobID:         completion.JobID,
		stage:         completion.Stage,
	}, completion)
}

func (p *Publisher) publish(ctx context.Context, r route, payload any) error {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      r.msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", r.msgType, err)
	}

	headers := amqp.Table{HeaderJobID: r.jobID}
	if r.stage != "" {
		headers[HeaderStage] = string(r.stage)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(r.exchange), string(r.key), false, false, amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.ID,
			CorrelationId: r.correlationID,
			Timestamp:     msg.Timestamp,
			Type:          string(msg.Type),
			Headers:       headers,
			Body:          body,
		})
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", r.exchange, r.key, err)
		}

		p.logger.Debug("published message",
			"type", msg.Type,
			"message_id", msg.ID,
			"job_id", r.jobID,
			"token", r.correlationID,
		)
		return nil
	})
}
