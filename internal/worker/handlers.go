package worker

import (
	"context"
	"fmt"

	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/mq"
	"github.com/shaiso/Hartree/internal/telemetry"
)

// handleWorkReady обрабатывает WorkItem из очереди work.ready.
func (p *Pool) handleWorkReady(ctx context.Context, delivery *mq.Delivery) error {
	item, err := mq.ParsePayload[domain.WorkItem](&delivery.Message)
	if err != nil {
		// Повторная доставка не исправит payload
		p.logger.Error("failed to parse work.ready payload", "error", err)
		return nil
	}

	return p.process(ctx, &item)
}

// process выполняет один WorkItem и публикует ровно один completion.
//
// WorkItem удалённого job подтверждается без выполнения и без completion.
// Ошибка возвращается только если completion не удалось опубликовать:
// сообщение вернётся в очередь и будет выполнено повторно.
func (p *Pool) process(ctx context.Context, item *domain.WorkItem) error {
	logger := telemetry.WithStage(telemetry.WithJobID(p.logger, item.JobID), string(item.Stage), item.Token)

	// 1. Проверяем удаление
	deleted, err := p.ledger.IsDeleted(ctx, item.JobID)
	if err != nil {
		return fmt.Errorf("check job deleted: %w", err)
	}
	if deleted {
		logger.Info("job deleted, dropping work item")
		telemetry.WorkItemsProcessed.WithLabelValues(string(item.Stage), "dropped").Inc()
		return nil
	}

	logger.Info("work item started", "attempt", item.Attempt, "slice_index", item.SliceIndex)

	// 2. Выполняем
	completion := p.execute(telemetry.WithLogger(ctx, logger), item)
	if ctx.Err() != nil {
		// Прервано остановкой — item вернётся в очередь
		return ctx.Err()
	}

	if completion.Status == domain.CompletionSucceeded {
		logger.Info("work item succeeded")
	} else {
		logger.Warn("work item failed", "error", completion.Error)
	}
	telemetry.WorkItemsProcessed.WithLabelValues(string(item.Stage), string(completion.Status)).Inc()

	// 3. Публикуем completion
	if err := p.publisher.PublishCompletion(ctx, completion); err != nil {
		return fmt.Errorf("publish completion: %w", err)
	}
	return nil
}

// execute запускает executor стадии и собирает completion.
func (p *Pool) execute(ctx context.Context, item *domain.WorkItem) (completion domain.Completion) {
	completion = domain.Completion{
		Token: item.Token,
		JobID: item.JobID,
		Stage: item.Stage,
	}

	ctx, span := telemetry.StartSpan(ctx, "execute."+string(item.Stage), item.JobID, string(item.Stage))
	var execErr error
	defer func() { telemetry.EndSpan(span, execErr) }()

	executor, err := p.registry.Get(item.Stage)
	if err != nil {
		execErr = err
		completion.Status = domain.CompletionFailed
		completion.Error = err.Error()
		return completion
	}

	result, err := executor.Execute(ctx, item)
	if err != nil {
		execErr = err
		completion.Status = domain.CompletionFailed
		completion.Error = err.Error()
		completion.Result = result
		return completion
	}

	completion.Status = domain.CompletionSucceeded
	completion.Result = result
	return completion
}
