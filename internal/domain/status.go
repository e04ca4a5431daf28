package domain

// JobStatus — статус job в ledger.
//
// Жизненный цикл:
//
//	pending → running → succeeded
//	                  ↘ failed
//	(из любого статуса) → deleted
type JobStatus string

const (
	// JobStatusPending — job принят, workflow ещё не запущен.
	JobStatusPending JobStatus = "pending"

	// JobStatusRunning — workflow выполняется оркестратором.
	JobStatusRunning JobStatus = "running"

	// JobStatusSucceeded — workflow дошёл до Converged.
	// Различие "сошёлся" / "упёрся в max_iter" хранится в Outcome.
	JobStatusSucceeded JobStatus = "succeeded"

	// JobStatusFailed — workflow завершился ошибкой.
	JobStatusFailed JobStatus = "failed"

	// JobStatusDeleted — job удалён вне pipeline; больше не диспатчится.
	JobStatusDeleted JobStatus = "deleted"
)

// IsTerminal возвращает true, если статус финальный.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusDeleted:
		return true
	default:
		return false
	}
}

// Valid проверяет, что строка — известный статус.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed, JobStatusDeleted:
		return true
	default:
		return false
	}
}

// Outcome — чем закончился успешный workflow.
type Outcome string

const (
	// OutcomeConverged — hartree_diff опустился до epsilon.
	OutcomeConverged Outcome = "converged"

	// OutcomeNonConvergence — цикл исчерпал max_iter, tolerance не достигнут.
	// Это штатное финальное состояние, не ошибка.
	OutcomeNonConvergence Outcome = "non_convergence"
)

// CompletionStatus — результат выполнения WorkItem воркером.
type CompletionStatus string

const (
	CompletionSucceeded CompletionStatus = "succeeded"
	CompletionFailed    CompletionStatus = "failed"
)
