package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Job — одна SCF-расчётная задача.
//
// Job создаётся API при submit и живёт в Job Ledger.
// Orchestrator хранит у себя только ID и состояние workflow в памяти;
// в ledger записываются переходы статуса и итоговые значения цикла.
type Job struct {
	// ID — непрозрачный глобально уникальный идентификатор.
	ID string `json:"id"`

	// Status — текущий статус.
	Status JobStatus `json:"status"`

	// Input — исходный payload, переданный при submit.
	Input JobInput `json:"input"`

	// MaxIter — потолок итераций SCF-цикла.
	MaxIter int `json:"max_iter"`

	// Epsilon — tolerance по hartree_diff.
	Epsilon float64 `json:"epsilon"`

	// Outcome — заполняется при succeeded.
	Outcome Outcome `json:"outcome,omitempty"`

	// LoopCount, HartreeDiff, Energy — финальное состояние цикла.
	LoopCount   int      `json:"loop_count,omitempty"`
	HartreeDiff *float64 `json:"hartree_diff,omitempty"`
	Energy      *float64 `json:"hartree_fock_energy,omitempty"`

	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// NewJob создаёт pending job из провалидированного input.
func NewJob(id string, input JobInput) *Job {
	return &Job{
		ID:        id,
		Status:    JobStatusPending,
		Input:     input,
		MaxIter:   input.MaxIter,
		Epsilon:   input.Epsilon,
		CreatedAt: time.Now().UTC(),
	}
}

// Iterations возвращает число выполненных итераций цикла.
func (j *Job) Iterations() int {
	if j.LoopCount <= 1 {
		return 0
	}
	return j.LoopCount - 1
}

// MarkRunning переводит job в running.
func (j *Job) MarkRunning() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
}

// MarkSucceeded фиксирует финальное состояние цикла.
func (j *Job) MarkSucceeded(state LoopState) {
	now := time.Now().UTC()
	j.Status = JobStatusSucceeded
	j.FinishedAt = &now
	j.Outcome = state.Outcome(j.Epsilon)
	j.LoopCount = state.LoopCount
	diff := state.HartreeDiff
	j.HartreeDiff = &diff
	j.Energy = state.Energy
}

// MarkFailed переводит job в failed.
func (j *Job) MarkFailed(reason string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.FinishedAt = &now
	j.Error = reason
}

// JobInput — payload, который принимает InfoGathering.
type JobInput struct {
	// Commands — argv для info-стадии; содержит --xyz и --basis_set.
	Commands []string `json:"commands"`

	// OutputPath — locator durable-хранилища (например, s3://integrals-bucket).
	OutputPath string `json:"output_path"`

	// BatchExecution — запрошен ли sliced-путь для двухэлектронных интегралов.
	BatchExecution Flag `json:"batch_execution"`

	// NumSlices — число slices; учитывается только при BatchExecution.
	NumSlices int `json:"numSlices"`

	MaxIter int     `json:"max_iter"`
	Epsilon float64 `json:"epsilon"`

	// MaxBatchJobs — сколько slices держать в полёте одновременно (0 — без ограничения).
	MaxBatchJobs int `json:"max_batch_jobs,omitempty"`
}

// Validate проверяет input до любого dispatch.
func (in JobInput) Validate() error {
	if len(in.Commands) == 0 {
		return &ValidationError{Field: "commands", Reason: "must not be empty"}
	}
	if in.XYZ() == "" {
		return &ValidationError{Field: "commands", Reason: "missing --xyz argument"}
	}
	if in.BasisSet() == "" {
		return &ValidationError{Field: "commands", Reason: "missing --basis_set argument"}
	}
	if strings.TrimSpace(in.OutputPath) == "" {
		return &ValidationError{Field: "output_path", Reason: "must not be empty"}
	}
	if _, err := ParseLocator(in.OutputPath); err != nil {
		return &ValidationError{Field: "output_path", Reason: err.Error()}
	}
	if in.MaxIter <= 0 {
		return &ValidationError{Field: "max_iter", Reason: "must be a positive integer"}
	}
	if in.Epsilon <= 0 || math.IsNaN(in.Epsilon) || math.IsInf(in.Epsilon, 0) {
		return &ValidationError{Field: "epsilon", Reason: "must be a positive real"}
	}
	if in.NumSlices < 0 {
		return &ValidationError{Field: "numSlices", Reason: "must not be negative"}
	}
	if bool(in.BatchExecution) && in.NumSlices < 1 {
		return &ValidationError{Field: "numSlices", Reason: "must be a positive integer when batch_execution is set"}
	}
	if in.MaxBatchJobs < 0 {
		return &ValidationError{Field: "max_batch_jobs", Reason: "must not be negative"}
	}
	return nil
}

// UseSlices — выбор пути для двухэлектронных интегралов.
// Sliced-путь только при batch_execution И numSlices > 1.
func (in JobInput) UseSlices() bool {
	return bool(in.BatchExecution) && in.NumSlices > 1
}

// XYZ возвращает значение --xyz из commands.
func (in JobInput) XYZ() string {
	return ArgValue(in.Commands, "--xyz")
}

// BasisSet возвращает значение --basis_set из commands.
func (in JobInput) BasisSet() string {
	return ArgValue(in.Commands, "--basis_set")
}

// ArgValue ищет значение флага в argv.
func ArgValue(cmds []string, flag string) string {
	for i := 0; i < len(cmds)-1; i++ {
		if cmds[i] == flag {
			return cmds[i+1]
		}
	}
	return ""
}

// Flag — boolean, который принимает и true, и "true".
type Flag bool

// UnmarshalJSON разбирает bool или строку.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("batch_execution: expected boolean, got %s", string(data))
	}
	if s == "" {
		*f = false
		return nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("batch_execution: %w", err)
	}
	*f = Flag(b)
	return nil
}
