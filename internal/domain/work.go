package domain

import (
	"fmt"
	"math"
	"time"
)

// Stage — имя стадии pipeline. Топология фиксирована.
type Stage string

const (
	StageInfo                 Stage = "info"
	StageCoreHamiltonian      Stage = "core_hamiltonian"
	StageOverlap              Stage = "overlap"
	StageInitialGuess         Stage = "initial_guess"
	StageTwoElectronIntegrals Stage = "two_electrons_integrals"
	StageFockMatrix           Stage = "fock_matrix"
	StageSCFStep              Stage = "scf_step"
	StageUpdateLoopVariables  Stage = "update_loop_variables"
)

// PrecomputeStages — ветки ParallelPrecompute в порядке индексов.
// Ветка 0 — источник общих полей при merge.
var PrecomputeStages = []Stage{
	StageCoreHamiltonian,
	StageOverlap,
	StageInitialGuess,
	StageTwoElectronIntegrals,
}

// WorkItem — единица работы в Work Queue.
type WorkItem struct {
	// Token — CompletionToken; уникален для каждой попытки dispatch.
	Token string `json:"token"`

	JobID string `json:"job_id"`
	Stage Stage  `json:"stage"`

	// Commands — argv для внешнего вычисления.
	Commands []string `json:"commands"`

	// OutputPath — куда исполнитель пишет JSON-результат.
	OutputPath string `json:"output_path"`

	// ArgsPath и SliceIndex заполняются только для slices.
	ArgsPath   string `json:"args_path,omitempty"`
	SliceIndex *int   `json:"slice_index,omitempty"`

	// Params — дополнительные параметры стадии (например, для update_loop_variables).
	Params map[string]any `json:"params,omitempty"`

	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// IsSlice возвращает true для slice-элемента batched-пути.
func (w *WorkItem) IsSlice() bool {
	return w.SliceIndex != nil
}

// Result — payload результата стадии.
type Result map[string]any

// Float извлекает число из результата.
func (r Result) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Int извлекает целое из результата (JSON отдаёт float64).
func (r Result) Int(key string) (int, bool) {
	f, ok := r.Float(key)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// Bool извлекает boolean из результата.
func (r Result) Bool(key string) (bool, bool) {
	b, ok := r[key].(bool)
	return b, ok
}

// Completion — сигнал завершения от воркера.
type Completion struct {
	Token  string           `json:"token"`
	JobID  string           `json:"job_id"`
	Stage  Stage            `json:"stage"`
	Status CompletionStatus `json:"status"`
	Result Result           `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Err возвращает ошибку исполнения для failed completion.
func (c *Completion) Err() error {
	if c.Status == CompletionSucceeded {
		return nil
	}
	if c.Error == "" {
		return ErrExecution
	}
	return fmt.Errorf("%w: %s", ErrExecution, c.Error)
}
