// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings; глубина очереди
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// Типы сообщений:
//   - job.pending      — новый job ожидает orchestrator
//   - work.ready       — WorkItem готов к выполнению воркером
//   - work.completed   — completion от воркера
//
// Exchanges:
//   - hartree.jobs     — события job
//   - hartree.work     — work items и completions
//   - hartree.dlq      — dead letter queue
package mq
