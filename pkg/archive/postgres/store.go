package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/pkg/archive"
	"github.com/MrWong99/parley/pkg/transcript"
)

var _ archive.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [archive.Store]. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// SaveSession implements [archive.Store]. The session row and its entries
// are replaced in one transaction.
func (s *Store) SaveSession(ctx context.Context, rec archive.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres archive: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO parley_sessions
		    (session_id, persona, status, started_at, ended_at, elapsed_seconds, recording_mime, recording_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET
		    persona         = EXCLUDED.persona,
		    status          = EXCLUDED.status,
		    started_at      = EXCLUDED.started_at,
		    ended_at        = EXCLUDED.ended_at,
		    elapsed_seconds = EXCLUDED.elapsed_seconds,
		    recording_mime  = EXCLUDED.recording_mime,
		    recording_bytes = EXCLUDED.recording_bytes`

	if _, err := tx.Exec(ctx, upsert,
		rec.SessionID,
		rec.Persona,
		rec.Status,
		rec.StartedAt,
		rec.EndedAt,
		rec.ElapsedSeconds,
		rec.RecordingMime,
		int64(rec.RecordingBytes),
	); err != nil {
		return fmt.Errorf("postgres archive: upsert session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM parley_transcript_entries WHERE session_id = $1`, rec.SessionID); err != nil {
		return fmt.Errorf("postgres archive: clear entries: %w", err)
	}

	if len(rec.Transcript) > 0 {
		rows := make([][]any, len(rec.Transcript))
		for i, e := range rec.Transcript {
			rows[i] = []any{rec.SessionID, i, string(e.Speaker), e.Text, e.At}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"parley_transcript_entries"},
			[]string{"session_id", "seq", "speaker", "text", "at"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("postgres archive: copy entries: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres archive: commit: %w", err)
	}
	return nil
}

// Transcript implements [archive.Store].
func (s *Store) Transcript(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM parley_sessions WHERE session_id = $1)`, sessionID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres archive: lookup session: %w", err)
	}
	if !exists {
		return nil, archive.ErrNotFound
	}

	const q = `
		SELECT speaker, text, at
		FROM   parley_transcript_entries
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: query entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e       transcript.Entry
			speaker string
		)
		if err := row.Scan(&speaker, &e.Text, &e.At); err != nil {
			return e, err
		}
		e.Speaker = transcript.Speaker(speaker)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres archive: scan entries: %w", err)
	}
	return entries, nil
}
