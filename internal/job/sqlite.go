package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/inference-gateway/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	request_id   TEXT NOT NULL,
	process_id   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'queued',
	request      TEXT NOT NULL,
	result_ref   TEXT,
	error        TEXT,
	created_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, j model.Job) error {
	reqJSON, err := json.Marshal(j.Request)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job request")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, request_id, process_id, status, request, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		j.ID, j.RequestID, j.ProcessID, string(model.JobQueued), string(reqJSON), j.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", j.ID)
}

func (s *SQLiteStore) Claim(ctx context.Context) (*model.Job, error) {
	// Claims run inside a transaction so concurrent workers never pick
	// up the same job.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT id, request_id, process_id, request, created_at FROM jobs
		 WHERE status = 'queued' ORDER BY created_at LIMIT 1`,
	)

	var j model.Job
	var reqJSON string
	err = row.Scan(&j.ID, &j.RequestID, &j.ProcessID, &reqJSON, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan claimed job")
	}
	if err := json.Unmarshal([]byte(reqJSON), &j.Request); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job request")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'running' WHERE id = ?`, j.ID,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: mark job running %s", j.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}

	j.Status = model.JobRunning
	return &j, nil
}

func (s *SQLiteStore) Complete(ctx context.Context, jobID string, status model.JobStatus, resultRef, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result_ref = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), resultRef, errMsg, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("job not running: %s", jobID)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request_id, process_id, status, request, result_ref, error, created_at, completed_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)

	var j model.Job
	var reqJSON string
	var resultRef, errMsg sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.RequestID, &j.ProcessID, &j.Status, &reqJSON,
		&resultRef, &errMsg, &j.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	if err := json.Unmarshal([]byte(reqJSON), &j.Request); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job request")
	}
	j.ResultRef = resultRef.String
	j.Error = errMsg.String
	if completedAt.Valid {
		j.CompletedAt = completedAt.Time
	}
	return &j, nil
}

func (s *SQLiteStore) Requeue(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued' WHERE status = 'running'`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue running jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}
