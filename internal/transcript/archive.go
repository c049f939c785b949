package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/agentline/internal/fault"
)

// Record is an archived session: its final metadata and full transcript.
type Record struct {
	SessionID string    `json:"session_id"`
	Channel   string    `json:"channel"`
	LocalUID  uint32    `json:"local_uid"`
	State     string    `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Events    []Event   `json:"events"`
}

// Archive stores transcripts of sessions that were evicted from memory.
//
// Implementations must be safe for concurrent use.
type Archive interface {
	// Save stores rec, replacing any previous record for the same session.
	Save(ctx context.Context, rec Record) error

	// Load returns the record for sessionID or a not_found error.
	Load(ctx context.Context, sessionID string) (Record, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// ErrNotArchived builds the error returned by [Archive.Load] for an unknown
// session.
func ErrNotArchived(sessionID string) error {
	return fault.NotFound("transcript.archive", "session %q is not archived", sessionID)
}

// MemoryArchive is an in-process [Archive]. Records live as long as the
// process.
type MemoryArchive struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Archive = (*MemoryArchive)(nil)

// NewMemoryArchive creates an empty MemoryArchive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[string]Record)}
}

// Save implements [Archive].
func (a *MemoryArchive) Save(_ context.Context, rec Record) error {
	rec.Events = append([]Event(nil), rec.Events...)
	a.mu.Lock()
	a.records[rec.SessionID] = rec
	a.mu.Unlock()
	return nil
}

// Load implements [Archive].
func (a *MemoryArchive) Load(_ context.Context, sessionID string) (Record, error) {
	a.mu.RLock()
	rec, ok := a.records[sessionID]
	a.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotArchived(sessionID)
	}
	rec.Events = append([]Event(nil), rec.Events...)
	return rec, nil
}

// Ping implements [Archive].
func (a *MemoryArchive) Ping(context.Context) error { return nil }

// Close implements [Archive].
func (a *MemoryArchive) Close() error { return nil }
