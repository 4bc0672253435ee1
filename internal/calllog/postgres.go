package calllog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the call_records table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_records (
    stream_id   TEXT PRIMARY KEY,
    sample_rate INTEGER NOT NULL,
    pstn_rate   INTEGER NOT NULL DEFAULT 0,
    chunk_ms    INTEGER NOT NULL DEFAULT 0,
    started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    disposition TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_call_records_started ON call_records(started_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// call_records table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("calllog: migrate: %w", err)
	}
	return nil
}

// Begin inserts the record for a newly registered call. A duplicate stream id
// is reported as a distinct error since it indicates a provider replay.
func (s *PostgresStore) Begin(ctx context.Context, rec CallRecord) error {
	const query = `
		INSERT INTO call_records (stream_id, sample_rate, pstn_rate, chunk_ms, started_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.Exec(ctx, query,
		rec.StreamID, rec.SampleRate, rec.PSTNRate, rec.ChunkMs, rec.StartedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("calllog: record for stream %q already exists", rec.StreamID)
		}
		return fmt.Errorf("calllog: begin: %w", err)
	}
	return nil
}

// Finish stamps the end time and disposition on the stream's record. A
// missing record is not an error; the call may have failed before Begin ran.
func (s *PostgresStore) Finish(ctx context.Context, streamID string, disposition Disposition) error {
	const query = `
		UPDATE call_records
		SET ended_at = now(), disposition = $2
		WHERE stream_id = $1`

	_, err := s.db.Exec(ctx, query, streamID, string(disposition))
	if err != nil {
		return fmt.Errorf("calllog: finish %q: %w", streamID, err)
	}
	return nil
}

// Get retrieves a call record by stream id. It returns (nil, nil) if no
// record exists.
func (s *PostgresStore) Get(ctx context.Context, streamID string) (*CallRecord, error) {
	const query = `
		SELECT stream_id, sample_rate, pstn_rate, chunk_ms, started_at,
		       COALESCE(ended_at, 'epoch'::timestamptz), disposition
		FROM call_records
		WHERE stream_id = $1`

	var rec CallRecord
	var disp string
	err := s.db.QueryRow(ctx, query, streamID).Scan(
		&rec.StreamID, &rec.SampleRate, &rec.PSTNRate, &rec.ChunkMs,
		&rec.StartedAt, &rec.EndedAt, &disp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("calllog: get %q: %w", streamID, err)
	}
	rec.Disposition = Disposition(disp)
	return &rec, nil
}

// List returns the most recent call records, newest first. A limit of zero or
// less defaults to 100.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	const query = `
		SELECT stream_id, sample_rate, pstn_rate, chunk_ms, started_at,
		       COALESCE(ended_at, 'epoch'::timestamptz), disposition
		FROM call_records
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("calllog: list: %w", err)
	}
	defer rows.Close()

	var recs []CallRecord
	for rows.Next() {
		var rec CallRecord
		var disp string
		if err := rows.Scan(
			&rec.StreamID, &rec.SampleRate, &rec.PSTNRate, &rec.ChunkMs,
			&rec.StartedAt, &rec.EndedAt, &disp,
		); err != nil {
			return nil, fmt.Errorf("calllog: list scan: %w", err)
		}
		rec.Disposition = Disposition(disp)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("calllog: list: %w", err)
	}
	return recs, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
