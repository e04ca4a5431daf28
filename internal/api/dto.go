package api

import (
	"time"

	"github.com/shaiso/Hartree/internal/domain"
)

// SubmitJobRequest — запрос на создание job.
// Поля совпадают с domain.JobInput.
type SubmitJobRequest = domain.JobInput

// JobResponse — ответ с job.
type JobResponse struct {
	ID         string           `json:"id"`
	Status     domain.JobStatus `json:"status"`
	Outcome    domain.Outcome   `json:"outcome,omitempty"`
	Input      domain.JobInput  `json:"input"`
	MaxIter    int              `json:"max_iter"`
	Epsilon    float64          `json:"epsilon"`
	Iterations int              `json:"iterations"`

	HartreeDiff *float64 `json:"hartree_diff,omitempty"`
	Energy      *float64 `json:"hartree_fock_energy,omitempty"`
	Error       string   `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// JobFromDomain конвертирует domain.Job в JobResponse.
func JobFromDomain(j domain.Job) JobResponse {
	resp := JobResponse{
		ID:         j.ID,
		Status:     j.Status,
		Outcome:    j.Outcome,
		Input:      j.Input,
		MaxIter:    j.MaxIter,
		Epsilon:    j.Epsilon,
		Iterations: j.Iterations(),
		Energy:     j.Energy,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		DeletedAt:  j.DeletedAt,
	}

	// Sentinel первой итерации не сериализуется как число
	if j.HartreeDiff != nil && *j.HartreeDiff != domain.InfiniteDiff {
		resp.HartreeDiff = j.HartreeDiff
	}
	return resp
}

// SubmitJobResponse — ответ на submit.
type SubmitJobResponse struct {
	ID     string           `json:"id"`
	Status domain.JobStatus `json:"status"`
}
