package worker

import (
	"context"
	"fmt"

	"github.com/shaiso/Hartree/internal/domain"
)

// Executor — интерфейс для выполнения стадии.
//
// Реализации: CommandExecutor, HTTPExecutor, LoopUpdateExecutor.
//
// Ошибка, оборачивающая domain.ErrExecution, — логическая неудача стадии
// (ненулевой код выхода, success=false). Она уходит в failed completion,
// как и любая другая ошибка Execute.
type Executor interface {
	Execute(ctx context.Context, item *domain.WorkItem) (domain.Result, error)
}

// ComputeStages — стадии, которые выполняет вычислительный образ.
var ComputeStages = []domain.Stage{
	domain.StageInfo,
	domain.StageCoreHamiltonian,
	domain.StageOverlap,
	domain.StageInitialGuess,
	domain.StageTwoElectronIntegrals,
	domain.StageFockMatrix,
	domain.StageSCFStep,
}

// Registry — реестр executor'ов по стадии.
type Registry struct {
	executors map[domain.Stage]Executor
}

// NewRegistry создаёт реестр: compute обслуживает все вычислительные
// стадии, update_loop_variables выполняется LoopUpdateExecutor.
func NewRegistry(compute Executor, loop *LoopUpdateExecutor) *Registry {
	r := &Registry{executors: make(map[domain.Stage]Executor)}
	for _, stage := range ComputeStages {
		r.Register(stage, compute)
	}
	r.Register(domain.StageUpdateLoopVariables, loop)
	return r
}

// Register добавляет executor для стадии.
func (r *Registry) Register(stage domain.Stage, executor Executor) {
	r.executors[stage] = executor
}

// Get возвращает executor для стадии.
func (r *Registry) Get(stage domain.Stage) (Executor, error) {
	executor, ok := r.executors[stage]
	if !ok || executor == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return executor, nil
}
