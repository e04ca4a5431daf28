package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeJobs Exchange = "hartree.jobs"
	ExchangeWork Exchange = "hartree.work"
	ExchangeDLQ  Exchange = "hartree.dlq"
)

// Queues — имена очередей.
const (
	QueueJobsPending   Queue = "jobs.pending"
	QueueWorkReady     Queue = "work.ready"
	QueueWorkCompleted Queue = "work.completed"
	QueueDLQWork       Queue = "dlq.work"
)

// Routing keys.
const (
	RoutingKeyPending   RoutingKey = "pending"
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyCompleted RoutingKey = "completed"
	RoutingKeyDLQWork   RoutingKey = "work"
)

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентно.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeJobs, ExchangeWork, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// Отклонённые без requeue WorkItem и completion уходят в dlq.work
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQWork),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueJobsPending, nil},
		{QueueWorkReady, dlqArgs},
		{QueueWorkCompleted, dlqArgs},
		{QueueDLQWork, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueJobsPending, RoutingKeyPending, ExchangeJobs},
		{QueueWorkReady, RoutingKeyReady, ExchangeWork},
		{QueueWorkCompleted, RoutingKeyCompleted, ExchangeWork},
		{QueueDLQWork, RoutingKeyDLQWork, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// QueueDepth возвращает число готовых к доставке сообщений в очереди.
// Используется autoscale-контроллером.
func (c *Connection) QueueDepth(ctx context.Context, queue Queue) (int, error) {
	var depth int
	err := c.WithTempChannel(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(string(queue), true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("inspect queue %s: %w", queue, err)
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Hartree RabbitMQ Topology:

    hartree.jobs (direct)
    └── jobs.pending [routing: pending]
            Consumer: Orchestrator

    hartree.work (direct)
    ├── work.ready [routing: ready]
    │       Consumer: Worker pool (one consumer per slot, prefetch 1)
    │       DLQ: dlq.work
    └── work.completed [routing: completed]
            Consumer: Orchestrator (task dispatcher)
            DLQ: dlq.work

    hartree.dlq (direct)
    └── dlq.work [routing: work]
            Manual processing
  `
}
