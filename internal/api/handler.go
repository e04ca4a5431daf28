package api

import (
	"context"
	"log/slog"

	"github.com/shaiso/Hartree/internal/domain"
	"github.com/shaiso/Hartree/internal/repo"
)

// JobStore — операции ledger, нужные API. Реализуется *repo.JobRepo.
type JobStore interface {
	Put(ctx context.Context, job *domain.Job) error
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	List(ctx context.Context, filter repo.JobFilter) ([]domain.Job, error)
	MarkDeleted(ctx context.Context, id string) error
}

// JobPublisher публикует job.pending. Реализуется *mq.Publisher.
type JobPublisher interface {
	PublishJobPending(ctx context.Context, jobID string) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	jobs      JobStore
	publisher JobPublisher
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Jobs JobStore

	// Publisher (опционально): без него job подберёт polling оркестратора.
	Publisher JobPublisher

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		jobs:      cfg.Jobs,
		publisher: cfg.Publisher,
		logger:    logger,
	}
}
