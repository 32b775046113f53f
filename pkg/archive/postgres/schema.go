// Package postgres is the PostgreSQL implementation of [archive.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.SaveSession(ctx, rec)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS parley_sessions (
    session_id       TEXT         PRIMARY KEY,
    persona          TEXT         NOT NULL DEFAULT '',
    status           TEXT         NOT NULL,
    started_at       TIMESTAMPTZ  NOT NULL,
    ended_at         TIMESTAMPTZ  NOT NULL,
    elapsed_seconds  INTEGER      NOT NULL DEFAULT 0,
    recording_mime   TEXT         NOT NULL DEFAULT '',
    recording_bytes  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_parley_sessions_started_at
    ON parley_sessions (started_at);
`

const ddlEntries = `
CREATE TABLE IF NOT EXISTS parley_transcript_entries (
    session_id  TEXT         NOT NULL REFERENCES parley_sessions (session_id) ON DELETE CASCADE,
    seq         INTEGER      NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    at          TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// Migrate creates the archive tables if they do not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlEntries} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres archive: migrate: %w", err)
		}
	}
	return nil
}
