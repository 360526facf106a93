package usage

import (
	"context"
	"database/sql"
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
CREATE TABLE IF NOT EXISTS usage_log (
	request_id        TEXT PRIMARY KEY,
	process_id        TEXT NOT NULL,
	mode              TEXT NOT NULL DEFAULT 'interactive',
	selected_model_id TEXT,
	provider_id       TEXT,
	queue_wait_ms     INTEGER NOT NULL DEFAULT 0,
	ttft_ms           INTEGER NOT NULL DEFAULT 0,
	total_latency_ms  INTEGER NOT NULL DEFAULT 0,
	input_tokens      INTEGER NOT NULL DEFAULT 0,
	output_tokens     INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd          REAL NOT NULL DEFAULT 0,
	status            TEXT,
	admitted_at       DATETIME NOT NULL,
	finalized_at      DATETIME
);

CREATE INDEX IF NOT EXISTS idx_usage_log_process ON usage_log(process_id);
CREATE INDEX IF NOT EXISTS idx_usage_log_model ON usage_log(selected_model_id);
CREATE INDEX IF NOT EXISTS idx_usage_log_admitted ON usage_log(admitted_at);
CREATE INDEX IF NOT EXISTS idx_usage_log_status ON usage_log(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InsertDraft(ctx context.Context, entry model.LogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_log (request_id, process_id, mode, selected_model_id, admitted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		entry.RequestID, entry.ProcessID, string(entry.Mode), entry.SelectedModelID, entry.AdmittedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert draft %s", entry.RequestID)
}

func (s *SQLiteStore) Finalize(ctx context.Context, requestID string, fin Finalization) (bool, error) {
	finalizedAt := fin.FinalizedAt
	if finalizedAt.IsZero() {
		finalizedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE usage_log SET
			selected_model_id = ?,
			provider_id = ?,
			queue_wait_ms = ?,
			ttft_ms = ?,
			total_latency_ms = ?,
			input_tokens = ?,
			output_tokens = ?,
			cache_write_tokens = ?,
			cache_read_tokens = ?,
			cost_usd = ?,
			status = ?,
			finalized_at = ?
		 WHERE request_id = ? AND finalized_at IS NULL`,
		fin.SelectedModelID, fin.ProviderID,
		fin.QueueWaitMs, fin.TTFTMs, fin.TotalLatencyMs,
		fin.Tokens.Input, fin.Tokens.Output, fin.Tokens.CacheWrite, fin.Tokens.CacheRead,
		fin.CostUSD, string(fin.Status), finalizedAt.UTC(),
		requestID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: finalize %s", requestID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n > 0, nil
}

const sqliteEntryColumns = `request_id, process_id, mode, selected_model_id, provider_id,
	queue_wait_ms, ttft_ms, total_latency_ms,
	input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
	cost_usd, status, admitted_at, finalized_at`

func (s *SQLiteStore) Get(ctx context.Context, requestID string) (*model.LogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM usage_log WHERE request_id = ?`,
		requestID,
	)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get entry %s", requestID)
	}
	return entry, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]model.LogEntry, error) {
	query := `SELECT ` + sqliteEntryColumns + ` FROM usage_log WHERE 1=1`
	var args []any

	if filter.ProcessID != "" {
		query += ` AND process_id = ?`
		args = append(args, filter.ProcessID)
	}
	if filter.ModelID != "" {
		query += ` AND selected_model_id = ?`
		args = append(args, filter.ModelID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND admitted_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += ` AND admitted_at < ?`
		args = append(args, filter.Until.UTC())
	}
	query += ` ORDER BY admitted_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entries")
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entry")
		}
		entries = append(entries, *entry)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list entries iterate")
}

func (s *SQLiteStore) Summarize(ctx context.Context, filter Filter) ([]Summary, error) {
	query := `SELECT process_id, COALESCE(selected_model_id, ''),
		COUNT(*),
		SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END),
		SUM(input_tokens), SUM(output_tokens),
		SUM(cache_write_tokens), SUM(cache_read_tokens),
		SUM(cost_usd)
	 FROM usage_log WHERE finalized_at IS NOT NULL`
	var args []any

	if filter.ProcessID != "" {
		query += ` AND process_id = ?`
		args = append(args, filter.ProcessID)
	}
	if filter.ModelID != "" {
		query += ` AND selected_model_id = ?`
		args = append(args, filter.ModelID)
	}
	if !filter.Since.IsZero() {
		query += ` AND admitted_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += ` AND admitted_at < ?`
		args = append(args, filter.Until.UTC())
	}
	query += ` GROUP BY process_id, selected_model_id ORDER BY process_id, selected_model_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: summarize")
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ProcessID, &sum.ModelID,
			&sum.Requests, &sum.Succeeded, &sum.Failed,
			&sum.Tokens.Input, &sum.Tokens.Output,
			&sum.Tokens.CacheWrite, &sum.Tokens.CacheRead,
			&sum.CostUSD); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan summary")
		}
		summaries = append(summaries, sum)
	}
	return summaries, eris.Wrap(rows.Err(), "sqlite: summarize iterate")
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*model.LogEntry, error) {
	var e model.LogEntry
	var mode string
	var modelID, providerID, status sql.NullString
	var finalizedAt sql.NullTime

	err := row.Scan(&e.RequestID, &e.ProcessID, &mode, &modelID, &providerID,
		&e.QueueWaitMs, &e.TTFTMs, &e.TotalLatencyMs,
		&e.Tokens.Input, &e.Tokens.Output, &e.Tokens.CacheWrite, &e.Tokens.CacheRead,
		&e.CostUSD, &status, &e.AdmittedAt, &finalizedAt)
	if err != nil {
		return nil, err
	}

	e.Mode = model.Mode(mode)
	e.SelectedModelID = modelID.String
	e.ProviderID = providerID.String
	e.Status = model.TerminalStatus(status.String)
	if finalizedAt.Valid {
		e.FinalizedAt = finalizedAt.Time
	}
	return &e, nil
}
