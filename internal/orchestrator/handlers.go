package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Hartree/internal/dispatch"
	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/mq"
	"github.com/shaiso/Hartree/internal/repo"
	"github.com/shaiso/Hartree/internal/telemetry"
)

// handleJobPending обрабатывает событие о новом pending job.
func (o *Orchestrator) handleJobPending(ctx context.Context, delivery *mq.Delivery) error {
	payload, err := mq.ParsePayload[mq.JobPendingPayload](&delivery.Message)
	if err != nil {
		// Повторная доставка не исправит payload
		o.logger.Error("failed to parse job.pending payload", "error", err)
		return nil
	}

	o.logger.Debug("received job.pending event", "job_id", payload.JobID)

	if err := o.processJob(ctx, payload.JobID); err != nil {
		// Ожидаемые ситуации — ack
		if errors.Is(err, ErrJobNotPending) || errors.Is(err, ErrJobAlreadyActive) || errors.Is(err, repo.ErrNotFound) {
			o.logger.Debug("job not processed", "job_id", payload.JobID, "reason", err)
			return nil
		}
		o.logger.Error("failed to process job", "job_id", payload.JobID, "error", err)
		return err
	}

	return nil
}

// handleWorkCompleted передаёт completion воркера в Dispatcher.
func (o *Orchestrator) handleWorkCompleted(ctx context.Context, delivery *mq.Delivery) error {
	completion, err := mq.ParsePayload[domain.Completion](&delivery.Message)
	if err != nil {
		o.logger.Error("failed to parse work.completed payload", "error", err)
		return nil
	}

	o.logger.Debug("received work.completed event",
		"job_id", completion.JobID,
		"stage", completion.Stage,
		"token", completion.Token,
		"status", completion.Status,
	)

	if err := o.dispatcher.Complete(ctx, completion); err != nil {
		if dispatch.IsDiscardable(err) {
			o.logger.Info("completion discarded",
				"job_id", completion.JobID,
				"stage", completion.Stage,
				"token", completion.Token,
				"reason", err,
			)
			return nil
		}
		return err
	}

	return nil
}

// processJob захватывает pending job и запускает его workflow.
func (o *Orchestrator) processJob(ctx context.Context, jobID string) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}

	if o.isJobActive(jobID) {
		return ErrJobAlreadyActive
	}

	// 1. Атомарно pending → running
	job, err := o.jobs.ClaimPending(ctx, jobID)
	if err != nil {
		if errors.Is(err, repo.ErrInvalidState) {
			return fmt.Errorf("%w: %s", ErrJobNotPending, jobID)
		}
		return fmt.Errorf("claim job: %w", err)
	}

	if job.Input.MaxBatchJobs == 0 {
		job.Input.MaxBatchJobs = o.maxBatchJobs
	}

	// 2. Регистрируем workflow
	jobCtx, cancel := context.WithCancel(o.baseCtx)
	if err := o.addActiveJob(job.ID, cancel); err != nil {
		cancel()
		return err
	}
	telemetry.ActiveWorkflows.Inc()

	o.logger.Info("job started",
		"job_id", job.ID,
		"max_iter", job.MaxIter,
		"epsilon", job.Epsilon,
		"batch_execution", bool(job.Input.BatchExecution),
		"num_slices", job.Input.NumSlices,
	)

	// 3. Запускаем workflow
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer telemetry.ActiveWorkflows.Dec()
		defer o.removeActiveJob(job.ID)
		defer cancel()

		o.runWorkflow(jobCtx, job)
	}()

	return nil
}

// runWorkflow выполняет workflow и записывает итог.
func (o *Orchestrator) runWorkflow(ctx context.Context, job *domain.Job) {
	wf := NewWorkflow(job, o.dispatcher, o.store, o.logger)
	loop, err := wf.Run(ctx)
	o.finalize(ctx, job, wf, loop, err)
}

// finalize записывает итог workflow в ledger.
//
// Удалённый job не трогается; прерванный остановкой оркестратора
// остаётся running.
func (o *Orchestrator) finalize(ctx context.Context, job *domain.Job, wf *Workflow, loop domain.LoopState, runErr error) {
	logger := telemetry.WithJobID(o.logger, job.ID)

	switch {
	case errors.Is(runErr, domain.ErrJobDeleted):
		logger.Info("job deleted, workflow abandoned", "state", wf.State().String())
		return

	case runErr != nil && ctx.Err() != nil:
		logger.Warn("workflow interrupted", "error", runErr)
		return

	case runErr != nil:
		job.MarkFailed(runErr.Error())

	default:
		job.MaxIter, job.Epsilon = wf.MaxIter(), wf.Epsilon()
		job.MarkSucceeded(loop)
	}

	if err := o.jobs.Update(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobDeleted) {
			logger.Info("job deleted before result was recorded")
			return
		}
		logger.Error("failed to record job result", "status", job.Status, "error", err)
		return
	}

	telemetry.JobsFinishedTotal.WithLabelValues(string(job.Status), string(job.Outcome)).Inc()

	if job.Status == domain.JobStatusFailed {
		logger.Warn("job failed", "error", job.Error)
		return
	}
	logger.Info("job succeeded",
		"outcome", job.Outcome,
		"iterations", job.Iterations(),
		"hartree_diff", loop.HartreeDiff,
		"hartree_fock_energy", loop.Energy,
	)
}
