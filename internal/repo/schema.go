package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaSQL — таблицы ledger:
//   - jobs: jobid → status + метаданные (живые и завершённые job)
//   - deleted_jobs: jobid → deleted_at
const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	jobid        TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	input        JSONB NOT NULL,
	max_iter     INTEGER NOT NULL,
	epsilon      DOUBLE PRECISION NOT NULL,
	outcome      TEXT,
	loop_count   INTEGER NOT NULL DEFAULT 0,
	hartree_diff DOUBLE PRECISION,
	energy       DOUBLE PRECISION,
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at);

CREATE TABLE IF NOT EXISTS deleted_jobs (
	jobid      TEXT PRIMARY KEY,
	deleted_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema создаёт таблицы ledger, если их нет.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
