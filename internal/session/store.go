package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/observe"
	"github.com/MrWong99/agentline/internal/transcript"
)

// Default store settings.
const (
	DefaultRetention       = 10 * time.Minute
	DefaultJanitorInterval = 5 * time.Second
)

// StoreConfig configures a [Store].
type StoreConfig struct {
	// Retention is how long a terminal session stays in memory before it is
	// evicted. Zero means [DefaultRetention].
	Retention time.Duration

	// Now replaces time.Now.
	Now func() time.Time

	// Metrics, when set, records transitions and the active session and
	// agent gauges.
	Metrics *observe.Metrics

	// LogOptions are applied to every session's transcript log.
	LogOptions []transcript.LogOption

	// OnEvict runs before a terminal session is dropped from memory,
	// typically to archive it. A failing hook keeps the session in memory
	// until the next sweep.
	OnEvict func(ctx context.Context, s *Session) error

	// OnTransition is an additional transition observer.
	OnTransition Observer
}

// Store is the in-memory registry of sessions. It is the only state shared
// across sessions and is safe for concurrent use.
type Store struct {
	cfg StoreConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty Store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{cfg: cfg, sessions: make(map[string]*Session)}
}

// Create registers a new idle session with a random id.
func (st *Store) Create(channel string, localUID uint32) *Session {
	id := uuid.NewString()
	s := New(id, channel, localUID,
		WithClock(st.cfg.Now),
		WithObserver(st.observe),
		WithLog(transcript.NewLog(id, st.cfg.LogOptions...)),
	)
	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()
	if st.cfg.Metrics != nil {
		st.cfg.Metrics.ActiveSessions.Add(context.Background(), 1)
	}
	return s
}

func (st *Store) observe(s *Session, from, to State) {
	if m := st.cfg.Metrics; m != nil {
		ctx := context.Background()
		m.RecordTransition(ctx, string(from), string(to))
		if to.Terminal() {
			m.ActiveSessions.Add(ctx, -1)
		}
		if !from.HasAgent() && to.HasAgent() {
			m.ActiveAgents.Add(ctx, 1)
		}
		if from.HasAgent() && !to.HasAgent() {
			m.ActiveAgents.Add(ctx, -1)
		}
	}
	slog.Debug("session transition",
		"session_id", s.ID(), "channel", s.Channel(), "from", from, "to", to)
	if st.cfg.OnTransition != nil {
		st.cfg.OnTransition(s, from, to)
	}
}

// Get returns the session with id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, fault.NotFound("session.get", "session %q not found", id)
	}
	return s, nil
}

// List returns all sessions in no particular order.
func (st *Store) List() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of sessions in memory.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// FindByAgent returns the session bound to agentID, including a session
// that is still stopping that agent.
func (st *Store) FindByAgent(agentID string) (*Session, bool) {
	if agentID == "" {
		return nil, false
	}
	for _, s := range st.List() {
		if s.BoundTo(agentID) {
			return s, true
		}
	}
	return nil, false
}

// FindByChannel returns the agent-owning session on channel. When several
// sessions share the channel, the most recently updated one wins.
func (st *Store) FindByChannel(channel string) (*Session, bool) {
	var best *Session
	for _, s := range st.List() {
		if s.Channel() != channel || !s.State().HasAgent() {
			continue
		}
		if best == nil || s.UpdatedAt().After(best.UpdatedAt()) {
			best = s
		}
	}
	return best, best != nil
}

// Sweep expires sessions whose credential lapsed and evicts terminal
// sessions older than the retention period.
func (st *Store) Sweep(ctx context.Context) (expired, evicted int) {
	now := st.cfg.Now()
	for _, s := range st.List() {
		if s.ExpireIfDue(now) {
			expired++
			slog.Info("session expired", "session_id", s.ID(), "channel", s.Channel())
		}
		if !s.State().Terminal() || now.Sub(s.UpdatedAt()) < st.cfg.Retention {
			continue
		}
		if st.cfg.OnEvict != nil {
			if err := st.cfg.OnEvict(ctx, s); err != nil {
				slog.Warn("session eviction hook failed, keeping session",
					"session_id", s.ID(), "err", err)
				continue
			}
		}
		st.mu.Lock()
		delete(st.sessions, s.ID())
		st.mu.Unlock()
		evicted++
	}
	return expired, evicted
}

// RunJanitor sweeps every interval until ctx is done. A non-positive
// interval means [DefaultJanitorInterval].
func (st *Store) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			st.Sweep(ctx)
		}
	}
}
