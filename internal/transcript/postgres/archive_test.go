package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/transcript"
	"github.com/MrWong99/agentline/internal/transcript/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if AGENTLINE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("AGENTLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTLINE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestArchive(t *testing.T) *postgres.Archive {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS archived_events CASCADE",
		"DROP TABLE IF EXISTS archived_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop: %v", err)
		}
	}
	pool.Close()

	a, err := postgres.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArchive_SaveLoad(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := transcript.Record{
		SessionID: "s1",
		Channel:   "demo",
		LocalUID:  42,
		State:     "error",
		LastError: "agent start failed",
		CreatedAt: now.Add(-time.Minute),
		UpdatedAt: now,
		Events: []transcript.Event{
			{Seq: 1, Speaker: transcript.SpeakerUser, Text: "hi", Timestamp: now, Source: transcript.SourceLocal},
			{Seq: 2, OriginSeq: 9, Speaker: transcript.SpeakerAgent, Text: "hello", Timestamp: now, Source: transcript.SourceWebhook},
		},
	}
	if err := a.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := a.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.State != "error" || got.LastError != "agent start failed" || got.LocalUID != 42 {
		t.Errorf("Load = %+v", got)
	}
	if len(got.Events) != 2 || got.Events[1].OriginSeq != 9 || got.Events[1].Source != transcript.SourceWebhook {
		t.Errorf("events = %+v", got.Events)
	}

	// Saving again replaces the events.
	rec.State = "stopped"
	rec.Events = rec.Events[:1]
	if err := a.Save(ctx, rec); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	got, err = a.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.State != "stopped" || len(got.Events) != 1 {
		t.Errorf("after resave: state %q, %d events", got.State, len(got.Events))
	}
}

func TestArchive_LoadMissing(t *testing.T) {
	a := newTestArchive(t)
	if _, err := a.Load(context.Background(), "nope"); !fault.Is(err, fault.KindNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestArchive_Ping(t *testing.T) {
	a := newTestArchive(t)
	if err := a.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
