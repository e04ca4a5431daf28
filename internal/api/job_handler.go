package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/repo"
)

// maxListLimit — верхняя граница limit для списка.
const maxListLimit = 500

// SubmitJob принимает новую задачу.
// POST /api/v1/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body: "+err.Error())
		return
	}

	// Validation до любого dispatch
	if HandleError(w, h.logger, req.Validate()) {
		return
	}

	job := domain.NewJob(uuid.NewString(), req)

	if HandleError(w, h.logger, h.jobs.Put(r.Context(), job)) {
		return
	}

	h.logger.Info("job submitted",
		"job_id", job.ID,
		"max_iter", job.MaxIter,
		"epsilon", job.Epsilon,
		"sliced", req.UseSlices(),
	)

	// Публикуем событие в очередь
	if h.publisher != nil {
		if err := h.publisher.PublishJobPending(r.Context(), job.ID); err != nil {
			// Job уже в ledger — его заберёт polling оркестратора
			h.logger.Warn("failed to publish job.pending", "job_id", job.ID, "error", err)
		}
	}

	Created(w, SubmitJobResponse{ID: job.ID, Status: job.Status})
}

// ListJobs возвращает список job.
// GET /api/v1/jobs?status=...&limit=...&offset=...
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := repo.JobFilter{Limit: 50}

	if status := r.URL.Query().Get("status"); status != "" {
		s := domain.JobStatus(status)
		if !s.Valid() {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = s
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			BadRequest(w, "invalid limit")
			return
		}
		filter.Limit = min(limit, maxListLimit)
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			BadRequest(w, "invalid offset")
			return
		}
		filter.Offset = offset
	}

	jobs, err := h.jobs.List(r.Context(), filter)
	if HandleError(w, h.logger, err) {
		return
	}

	result := make([]JobResponse, len(jobs))
	for i, job := range jobs {
		result[i] = JobFromDomain(job)
	}

	Page(w, result, len(result), filter)
}

// GetJob возвращает job по ID.
// GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		BadRequest(w, "invalid job id")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if HandleError(w, h.logger, err) {
		return
	}

	Success(w, JobFromDomain(*job))
}

// DeleteJob помечает job удалённым.
// Выполняющиеся стадии не прерываются: их completion будут отброшены.
// DELETE /api/v1/jobs/{id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		BadRequest(w, "invalid job id")
		return
	}

	if HandleError(w, h.logger, h.jobs.MarkDeleted(r.Context(), id)) {
		return
	}

	h.logger.Info("job deleted", "job_id", id)
	NoContent(w)
}
