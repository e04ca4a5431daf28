package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shaiso/Hartree/internal/domain"
)

// setupLedger поднимает postgres в контейнере и создаёт схему.
func setupLedger(t *testing.T) (*JobRepo, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test: skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("hartree"),
		postgres.WithUsername("hartree"),
		postgres.WithPassword("hartree"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := NewPool(ctx, PoolConfig{DSN: connStr, MaxConns: 4, AppName: "hartree-test"}, true)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewJobRepo(pool), ctx
}

func newTestJob() *domain.Job {
	return domain.NewJob(uuid.NewString(), domain.JobInput{
		Commands:       []string{"info", "--xyz", "h2o.xyz", "--basis_set", "6-31g"},
		OutputPath:     "s3://integrals-bucket",
		BatchExecution: true,
		NumSlices:      4,
		MaxIter:        20,
		Epsilon:        1e-6,
	})
}

func TestJobRepo(t *testing.T) {
	repo, ctx := setupLedger(t)

	t.Run("Put and Get", func(t *testing.T) {
		job := newTestJob()
		require.NoError(t, repo.Put(ctx, job))

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, domain.JobStatusPending, got.Status)
		assert.Equal(t, job.Input.Commands, got.Input.Commands)
		assert.True(t, bool(got.Input.BatchExecution))
		assert.Equal(t, 20, got.MaxIter)
		assert.Nil(t, got.DeletedAt)

		assert.ErrorIs(t, repo.Put(ctx, job), ErrAlreadyExists)
	})

	t.Run("Get missing", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Claim and finish", func(t *testing.T) {
		job := newTestJob()
		require.NoError(t, repo.Put(ctx, job))

		claimed, err := repo.ClaimPending(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, claimed.Status)
		assert.NotNil(t, claimed.StartedAt)

		// Повторный claim невозможен
		_, err = repo.ClaimPending(ctx, job.ID)
		assert.ErrorIs(t, err, ErrInvalidState)

		claimed.MarkSucceeded(domain.LoopState{LoopCount: 4, HartreeDiff: 0.0005})
		require.NoError(t, repo.Update(ctx, claimed))

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusSucceeded, got.Status)
		assert.Equal(t, domain.OutcomeNonConvergence, got.Outcome) // epsilon 1e-6
		assert.Equal(t, 4, got.LoopCount)
		require.NotNil(t, got.HartreeDiff)
		assert.InDelta(t, 0.0005, *got.HartreeDiff, 1e-12)
	})

	t.Run("Delete is terminal", func(t *testing.T) {
		job := newTestJob()
		require.NoError(t, repo.Put(ctx, job))

		require.NoError(t, repo.MarkDeleted(ctx, job.ID))
		// Идемпотентно
		require.NoError(t, repo.MarkDeleted(ctx, job.ID))

		deleted, err := repo.IsDeleted(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, deleted)

		got, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDeleted, got.Status)
		assert.NotNil(t, got.DeletedAt)

		// Поздняя запись результата не меняет статус
		got.MarkFailed("late failure")
		err = repo.Update(ctx, got)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.True(t, errors.Is(err, domain.ErrJobDeleted))

		again, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDeleted, again.Status)

		assert.ErrorIs(t, repo.MarkDeleted(ctx, "missing"), ErrNotFound)
	})

	t.Run("List by status", func(t *testing.T) {
		job := newTestJob()
		require.NoError(t, repo.Put(ctx, job))

		pending, err := repo.ListByStatus(ctx, domain.JobStatusPending, 100)
		require.NoError(t, err)

		found := false
		for _, j := range pending {
			assert.Equal(t, domain.JobStatusPending, j.Status)
			if j.ID == job.ID {
				found = true
			}
		}
		assert.True(t, found, "pending job should be listed")

		all, err := repo.List(ctx, JobFilter{Limit: 100})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(all), 4)
	})
}
