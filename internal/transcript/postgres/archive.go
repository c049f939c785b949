// Package postgres implements a transcript archive on PostgreSQL.
//
// Session metadata lives in archived_sessions, transcript events in
// archived_events keyed by (session_id, seq). [Migrate] creates both tables
// and is safe to run on every start.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/agentline/internal/transcript"
)

const ddl = `
CREATE TABLE IF NOT EXISTS archived_sessions (
    session_id  TEXT        PRIMARY KEY,
    channel     TEXT        NOT NULL,
    local_uid   BIGINT      NOT NULL,
    state       TEXT        NOT NULL,
    last_error  TEXT        NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS archived_events (
    session_id  TEXT        NOT NULL REFERENCES archived_sessions (session_id) ON DELETE CASCADE,
    seq         BIGINT      NOT NULL,
    origin_seq  BIGINT      NOT NULL DEFAULT 0,
    speaker     TEXT        NOT NULL,
    text        TEXT        NOT NULL,
    timestamp   TIMESTAMPTZ NOT NULL,
    source      TEXT        NOT NULL,
    delivery    TEXT        NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_archived_sessions_channel
    ON archived_sessions (channel);
`

// Migrate creates the archive tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres archive: migrate: %w", err)
	}
	return nil
}

// Archive is a PostgreSQL-backed [transcript.Archive]. All methods are safe
// for concurrent use.
type Archive struct {
	pool *pgxpool.Pool
}

var _ transcript.Archive = (*Archive)(nil)

// New opens a pool for dsn, pings it and runs [Migrate].
func New(ctx context.Context, dsn string) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
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
	return &Archive{pool: pool}, nil
}

// Save implements [transcript.Archive]. The session row and all events are
// replaced in one transaction.
func (a *Archive) Save(ctx context.Context, rec transcript.Record) error {
	return pgx.BeginFunc(ctx, a.pool, func(tx pgx.Tx) error {
		const upsert = `
			INSERT INTO archived_sessions
			    (session_id, channel, local_uid, state, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (session_id) DO UPDATE SET
			    state      = EXCLUDED.state,
			    last_error = EXCLUDED.last_error,
			    updated_at = EXCLUDED.updated_at`
		if _, err := tx.Exec(ctx, upsert,
			rec.SessionID, rec.Channel, int64(rec.LocalUID), rec.State,
			rec.LastError, rec.CreatedAt, rec.UpdatedAt,
		); err != nil {
			return fmt.Errorf("postgres archive: save session %s: %w", rec.SessionID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM archived_events WHERE session_id = $1`, rec.SessionID); err != nil {
			return fmt.Errorf("postgres archive: clear events %s: %w", rec.SessionID, err)
		}

		rows := make([][]any, 0, len(rec.Events))
		for _, e := range rec.Events {
			rows = append(rows, []any{
				rec.SessionID, e.Seq, e.OriginSeq, string(e.Speaker), e.Text,
				e.Timestamp, string(e.Source), string(e.Delivery),
			})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"archived_events"},
			[]string{"session_id", "seq", "origin_seq", "speaker", "text", "timestamp", "source", "delivery"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("postgres archive: copy events %s: %w", rec.SessionID, err)
		}
		return nil
	})
}

// Load implements [transcript.Archive].
func (a *Archive) Load(ctx context.Context, sessionID string) (transcript.Record, error) {
	rec := transcript.Record{SessionID: sessionID}
	var uid int64
	err := a.pool.QueryRow(ctx, `
		SELECT channel, local_uid, state, last_error, created_at, updated_at
		FROM   archived_sessions
		WHERE  session_id = $1`, sessionID,
	).Scan(&rec.Channel, &uid, &rec.State, &rec.LastError, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return transcript.Record{}, transcript.ErrNotArchived(sessionID)
	}
	if err != nil {
		return transcript.Record{}, fmt.Errorf("postgres archive: load %s: %w", sessionID, err)
	}
	rec.LocalUID = uint32(uid)

	rows, err := a.pool.Query(ctx, `
		SELECT seq, origin_seq, speaker, text, timestamp, source, delivery
		FROM   archived_events
		WHERE  session_id = $1
		ORDER  BY seq`, sessionID)
	if err != nil {
		return transcript.Record{}, fmt.Errorf("postgres archive: load events %s: %w", sessionID, err)
	}
	rec.Events, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Event, error) {
		var e transcript.Event
		err := row.Scan(&e.Seq, &e.OriginSeq, &e.Speaker, &e.Text, &e.Timestamp, &e.Source, &e.Delivery)
		e.Timestamp = e.Timestamp.UTC()
		return e, err
	})
	if err != nil {
		return transcript.Record{}, fmt.Errorf("postgres archive: scan events %s: %w", sessionID, err)
	}
	if rec.Events == nil {
		rec.Events = []transcript.Event{}
	}
	rec.CreatedAt, rec.UpdatedAt = rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()
	return rec, nil
}

// Ping implements [transcript.Archive].
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close implements [transcript.Archive].
func (a *Archive) Close() error {
	a.pool.Close()
	return nil
}
