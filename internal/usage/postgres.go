package usage

import (
	"context"
	"errors"
	"fmt"
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

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
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
CREATE TABLE IF NOT EXISTS usage_log (
	request_id         TEXT PRIMARY KEY,
	process_id         TEXT NOT NULL,
	mode               TEXT NOT NULL DEFAULT 'interactive',
	selected_model_id  TEXT,
	provider_id        TEXT,
	queue_wait_ms      BIGINT NOT NULL DEFAULT 0,
	ttft_ms            BIGINT NOT NULL DEFAULT 0,
	total_latency_ms   BIGINT NOT NULL DEFAULT 0,
	input_tokens       BIGINT NOT NULL DEFAULT 0,
	output_tokens      BIGINT NOT NULL DEFAULT 0,
	cache_write_tokens BIGINT NOT NULL DEFAULT 0,
	cache_read_tokens  BIGINT NOT NULL DEFAULT 0,
	cost_usd           DOUBLE PRECISION NOT NULL DEFAULT 0,
	status             TEXT,
	admitted_at        TIMESTAMPTZ NOT NULL,
	finalized_at       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_usage_log_process ON usage_log(process_id);
CREATE INDEX IF NOT EXISTS idx_usage_log_model ON usage_log(selected_model_id);
CREATE INDEX IF NOT EXISTS idx_usage_log_admitted ON usage_log(admitted_at);
CREATE INDEX IF NOT EXISTS idx_usage_log_status ON usage_log(status);
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

func (s *PostgresStore) InsertDraft(ctx context.Context, entry model.LogEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_log (request_id, process_id, mode, selected_model_id, admitted_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.RequestID, entry.ProcessID, string(entry.Mode), entry.SelectedModelID, entry.AdmittedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert draft %s", entry.RequestID)
}

func (s *PostgresStore) Finalize(ctx context.Context, requestID string, fin Finalization) (bool, error) {
	finalizedAt := fin.FinalizedAt
	if finalizedAt.IsZero() {
		finalizedAt = time.Now()
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE usage_log SET
			selected_model_id = $1,
			provider_id = $2,
			queue_wait_ms = $3,
			ttft_ms = $4,
			total_latency_ms = $5,
			input_tokens = $6,
			output_tokens = $7,
			cache_write_tokens = $8,
			cache_read_tokens = $9,
			cost_usd = $10,
			status = $11,
			finalized_at = $12
		 WHERE request_id = $13 AND finalized_at IS NULL`,
		fin.SelectedModelID, fin.ProviderID,
		fin.QueueWaitMs, fin.TTFTMs, fin.TotalLatencyMs,
		fin.Tokens.Input, fin.Tokens.Output, fin.Tokens.CacheWrite, fin.Tokens.CacheRead,
		fin.CostUSD, string(fin.Status), finalizedAt.UTC(),
		requestID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finalize %s", requestID)
	}
	return tag.RowsAffected() > 0, nil
}

const pgEntryColumns = `request_id, process_id, mode, selected_model_id, provider_id,
	queue_wait_ms, ttft_ms, total_latency_ms,
	input_tokens, output_tokens, cache_write_tokens, cache_read_tokens,
	cost_usd, status, admitted_at, finalized_at`

func (s *PostgresStore) Get(ctx context.Context, requestID string) (*model.LogEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgEntryColumns+` FROM usage_log WHERE request_id = $1`,
		requestID,
	)
	entry, err := scanPgEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get entry %s", requestID)
	}
	return entry, nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]model.LogEntry, error) {
	query := `SELECT ` + pgEntryColumns + ` FROM usage_log WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ProcessID != "" {
		query += fmt.Sprintf(` AND process_id = $%d`, argIdx)
		args = append(args, filter.ProcessID)
		argIdx++
	}
	if filter.ModelID != "" {
		query += fmt.Sprintf(` AND selected_model_id = $%d`, argIdx)
		args = append(args, filter.ModelID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND admitted_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	if !filter.Until.IsZero() {
		query += fmt.Sprintf(` AND admitted_at < $%d`, argIdx)
		args = append(args, filter.Until.UTC())
		argIdx++
	}
	query += ` ORDER BY admitted_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entries")
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		entry, err := scanPgEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan entry")
		}
		entries = append(entries, *entry)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list entries iterate")
}

func (s *PostgresStore) Summarize(ctx context.Context, filter Filter) ([]Summary, error) {
	query := `SELECT process_id, COALESCE(selected_model_id, ''),
		COUNT(*),
		COUNT(*) FILTER (WHERE status = 'succeeded'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(cache_write_tokens), 0), COALESCE(SUM(cache_read_tokens), 0),
		COALESCE(SUM(cost_usd), 0)
	 FROM usage_log WHERE finalized_at IS NOT NULL`
	args := []any{}
	argIdx := 1

	if filter.ProcessID != "" {
		query += fmt.Sprintf(` AND process_id = $%d`, argIdx)
		args = append(args, filter.ProcessID)
		argIdx++
	}
	if filter.ModelID != "" {
		query += fmt.Sprintf(` AND selected_model_id = $%d`, argIdx)
		args = append(args, filter.ModelID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND admitted_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	if !filter.Until.IsZero() {
		query += fmt.Sprintf(` AND admitted_at < $%d`, argIdx)
		args = append(args, filter.Until.UTC())
		argIdx++
	}
	query += ` GROUP BY process_id, selected_model_id ORDER BY process_id, selected_model_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: summarize")
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
			return nil, eris.Wrap(err, "postgres: scan summary")
		}
		summaries = append(summaries, sum)
	}
	return summaries, eris.Wrap(rows.Err(), "postgres: summarize iterate")
}

func scanPgEntry(row pgx.Row) (*model.LogEntry, error) {
	var e model.LogEntry
	var mode string
	var modelID, providerID, status *string
	var finalizedAt *time.Time

	err := row.Scan(&e.RequestID, &e.ProcessID, &mode, &modelID, &providerID,
		&e.QueueWaitMs, &e.TTFTMs, &e.TotalLatencyMs,
		&e.Tokens.Input, &e.Tokens.Output, &e.Tokens.CacheWrite, &e.Tokens.CacheRead,
		&e.CostUSD, &status, &e.AdmittedAt, &finalizedAt)
	if err != nil {
		return nil, err
	}

	e.Mode = model.Mode(mode)
	if modelID != nil {
		e.SelectedModelID = *modelID
	}
	if providerID != nil {
		e.ProviderID = *providerID
	}
	if status != nil {
		e.Status = model.TerminalStatus(*status)
	}
	if finalizedAt != nil {
		e.FinalizedAt = *finalizedAt
	}
	return &e, nil
}
