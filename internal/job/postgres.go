package job

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/inference-gateway/internal/model"
)

// Pool is the pgxpool surface the store uses. Satisfied by
// *pgxpool.Pool and by pgxmock in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL,
	process_id   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	request      JSONB NOT NULL,
	result_ref   TEXT,
	error        TEXT,
	created_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, j model.Job) error {
	reqJSON, err := json.Marshal(j.Request)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job request")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, request_id, process_id, status, request, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		j.ID, j.RequestID, j.ProcessID, string(model.JobQueued), reqJSON, j.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert job %s", j.ID)
}

func (s *PostgresStore) Claim(ctx context.Context) (*model.Job, error) {
	// SKIP LOCKED lets concurrent workers claim without blocking on
	// each other.
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'running'
		 WHERE id = (
			SELECT id FROM jobs WHERE status = 'queued'
			ORDER BY created_at LIMIT 1
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, request_id, process_id, request, created_at`,
	)

	var j model.Job
	var reqJSON []byte
	err := row.Scan(&j.ID, &j.RequestID, &j.ProcessID, &reqJSON, &j.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	if err := json.Unmarshal(reqJSON, &j.Request); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job request")
	}
	j.Status = model.JobRunning
	return &j, nil
}

func (s *PostgresStore) Complete(ctx context.Context, jobID string, status model.JobStatus, resultRef, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, result_ref = $2, error = $3, completed_at = $4
		 WHERE id = $5 AND status = 'running'`,
		string(status), resultRef, errMsg, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not running: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, request_id, process_id, status, request, result_ref, error, created_at, completed_at
		 FROM jobs WHERE id = $1`,
		jobID,
	)

	var j model.Job
	var reqJSON []byte
	var resultRef, errMsg *string
	var completedAt *time.Time
	err := row.Scan(&j.ID, &j.RequestID, &j.ProcessID, &j.Status, &reqJSON,
		&resultRef, &errMsg, &j.CreatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	if err := json.Unmarshal(reqJSON, &j.Request); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job request")
	}
	if resultRef != nil {
		j.ResultRef = *resultRef
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	if completedAt != nil {
		j.CompletedAt = *completedAt
	}
	return &j, nil
}

func (s *PostgresStore) Requeue(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'queued' WHERE status = 'running'`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue running jobs")
	}
	return int(tag.RowsAffected()), nil
}
