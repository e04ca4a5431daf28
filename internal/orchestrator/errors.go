package orchestrator

import "errors"

// Ошибки оркестратора.
var (
	// ErrInfoFailed — info-стадия не вернула пригодный результат.
	ErrInfoFailed = errors.New("info stage failed")

	// ErrBranchDisagreement — ветки ParallelPrecompute вернули разные общие поля.
	ErrBranchDisagreement = errors.New("precompute branches disagree")

	// ErrLoopUpdate — результат update_loop_variables некорректен.
	ErrLoopUpdate = errors.New("invalid loop update")

	// ErrJobAlreadyActive — workflow для job уже запущен.
	ErrJobAlreadyActive = errors.New("job already being processed")

	// ErrJobNotPending — job не в статусе pending.
	ErrJobNotPending = errors.New("job is not pending")

	// ErrOrchestratorStopped — оркестратор остановлен.
	ErrOrchestratorStopped = errors.New("orchestrator stopped")
)
