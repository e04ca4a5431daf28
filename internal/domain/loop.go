package domain

import "math"

// InfiniteDiff — стартовое значение hartree_diff.
// MaxFloat64, а не +Inf: значение должно переживать JSON.
const InfiniteDiff = math.MaxFloat64

// LoopState — состояние SCF-цикла одного workflow.
type LoopState struct {
	// LoopCount — номер следующей итерации (начинается с 1).
	LoopCount int `json:"loop_count"`

	// HartreeDiff — |E_i - E_{i-1}| последней итерации.
	HartreeDiff float64 `json:"hartree_diff"`

	// Energy — hartree_fock_energy последней итерации (nil до первой).
	Energy *float64 `json:"hartree_fock_energy,omitempty"`
}

// NewLoopState — состояние LoopInit.
func NewLoopState() LoopState {
	return LoopState{LoopCount: 1, HartreeDiff: InfiniteDiff}
}

// Continue — guard цикла, проверяется перед каждой итерацией.
func (s LoopState) Continue(maxIter int, epsilon float64) bool {
	return s.LoopCount <= maxIter && s.HartreeDiff > epsilon
}

// Iteration — номер текущей итерации для имён объектов (loopCount-1).
func (s LoopState) Iteration() int {
	return s.LoopCount - 1
}

// Outcome различает сходимость и упор в max_iter.
func (s LoopState) Outcome(epsilon float64) Outcome {
	if s.HartreeDiff <= epsilon {
		return OutcomeConverged
	}
	return OutcomeNonConvergence
}

// BranchResult — общие поля, которые ветка ParallelPrecompute передаёт дальше.
type BranchResult struct {
	Stage      Stage    `json:"stage"`
	Commands   []string `json:"commands"`
	OutputPath string   `json:"output_path"`
	JobID      string   `json:"jobid"`
	MaxIter    int      `json:"max_iter"`
	Epsilon    float64  `json:"epsilon"`
}
