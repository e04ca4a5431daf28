package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Hartree/internal/domain"
)

// pgUniqueViolation — SQLSTATE нарушения уникальности.
const pgUniqueViolation = "23505"

const jobColumns = `
	j.jobid, j.status, j.input, j.max_iter, j.epsilon, j.outcome, j.loop_count,
	j.hartree_diff, j.energy, j.error, j.created_at, j.started_at, j.finished_at,
	d.deleted_at
`

// JobRepo — Job Ledger поверх PostgreSQL.
//
// Живые job хранятся в jobs, удалённые дополнительно фиксируются в deleted_jobs.
// Удалённый job остаётся читаемым через GetByID (status=deleted).
type JobRepo struct {
	pool *pgxpool.Pool
}

// NewJobRepo создаёт новый JobRepo.
func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

// Put сохраняет новый job.
func (r *JobRepo) Put(ctx context.Context, job *domain.Job) error {
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}

	query := `
		INSERT INTO jobs (jobid, status, input, max_iter, epsilon, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		inputJSON,
		job.MaxIter,
		job.Epsilon,
		job.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID возвращает job по ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs j
		LEFT JOIN deleted_jobs d ON d.jobid = j.jobid
		WHERE j.jobid = $1
	`
	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// List возвращает job с фильтрацией, новые первыми.
func (r *JobRepo) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + `
		FROM jobs j
		LEFT JOIN deleted_jobs d ON d.jobid = j.jobid
		WHERE ($1::text IS NULL OR j.status = $1)
		ORDER BY j.created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, nullString(string(filter.Status)), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListByStatus возвращает job в статусе, старые первыми.
// Используется polling-циклом оркестратора.
func (r *JobRepo) ListByStatus(ctx context.Context, status domain.JobStatus, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs j
		LEFT JOIN deleted_jobs d ON d.jobid = j.jobid
		WHERE j.status = $1
		ORDER BY j.created_at ASC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s jobs: %w", status, err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ClaimPending атомарно переводит pending job в running.
// Возвращает ErrInvalidState, если job уже не pending.
func (r *JobRepo) ClaimPending(ctx context.Context, id string) (*domain.Job, error) {
	query := `
		WITH claimed AS (
			UPDATE jobs SET status = 'running', started_at = now()
			WHERE jobid = $1 AND status = 'pending'
			RETURNING *
		)
		SELECT ` + jobColumns + `
		FROM claimed j
		LEFT JOIN deleted_jobs d ON d.jobid = j.jobid
	`
	job, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: job %s is not pending", ErrInvalidState, id)
	}
	return job, err
}

// Update сохраняет изменения статуса и итогов цикла.
//
// Удалённый job не перезаписывается: запись с status=deleted
// возвращает ErrInvalidState, обёрнутый вместе с domain.ErrJobDeleted.
func (r *JobRepo) Update(ctx context.Context, job *domain.Job) error {
	query := `
		UPDATE jobs
		SET status = $2, outcome = $3, loop_count = $4, hartree_diff = $5, energy = $6,
		    error = $7, started_at = $8, finished_at = $9, max_iter = $10, epsilon = $11
		WHERE jobid = $1 AND status <> 'deleted'
	`
	result, err := r.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		nullString(string(job.Outcome)),
		job.LoopCount,
		job.HartreeDiff,
		job.Energy,
		nullString(job.Error),
		job.StartedAt,
		job.FinishedAt,
		job.MaxIter,
		job.Epsilon,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if result.RowsAffected() == 0 {
		deleted, err := r.IsDeleted(ctx, job.ID)
		if err != nil {
			return err
		}
		if deleted {
			return fmt.Errorf("%w: %w", ErrInvalidState, domain.ErrJobDeleted)
		}
		return ErrNotFound
	}
	return nil
}

// MarkDeleted помечает job удалённым. Повторный вызов — no-op.
func (r *JobRepo) MarkDeleted(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT true FROM jobs WHERE jobid = $1 FOR UPDATE`, id).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO deleted_jobs (jobid, deleted_at) VALUES ($1, now()) ON CONFLICT (jobid) DO NOTHING`,
		id,
	); err != nil {
		return fmt.Errorf("insert deleted job: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET status = 'deleted', finished_at = COALESCE(finished_at, now()) WHERE jobid = $1`,
		id,
	); err != nil {
		return fmt.Errorf("mark job deleted: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// IsDeleted проверяет наличие job в deleted_jobs.
func (r *JobRepo) IsDeleted(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM deleted_jobs WHERE jobid = $1)`, id,
	).Scan(&deleted)
	if err != nil {
		return false, fmt.Errorf("check deleted: %w", err)
	}
	return deleted, nil
}

// --- Helpers ---

// JobFilter — параметры фильтрации job.
type JobFilter struct {
	Status domain.JobStatus
	Limit  int
	Offset int
}

// scanJob сканирует одну строку в Job.
// pgx.Row и pgx.Rows оба удовлетворяют Scan.
func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var inputJSON []byte
	var outcome, jobError *string
	var deletedAt *time.Time

	err := row.Scan(
		&job.ID,
		&job.Status,
		&inputJSON,
		&job.MaxIter,
		&job.Epsilon,
		&outcome,
		&job.LoopCount,
		&job.HartreeDiff,
		&job.Energy,
		&jobError,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
		return nil, fmt.Errorf("unmarshal input: %w", err)
	}
	if outcome != nil {
		job.Outcome = domain.Outcome(*outcome)
	}
	if jobError != nil {
		job.Error = *jobError
	}
	job.DeletedAt = deletedAt

	return &job, nil
}

// collectJobs читает все строки rows.
func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
