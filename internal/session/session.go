// Package session holds the per-session state of the voice-agent
// orchestrator: the lifecycle state machine, the current credential, the
// remote agent binding and the transcript log.
//
// All field mutations go through [Session] methods, each of which is atomic
// with respect to the others. Multi-step operations that suspend on provider
// calls (agent start and stop) additionally hold the session's lifecycle lock
// ([Session.LockLifecycle]) so they never interleave with each other. The
// agent id is set exactly when the state is [StateAgentActive] or
// [StateSpeaking]; every method preserves that.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/token"
	"github.com/MrWong99/agentline/internal/transcript"
	"github.com/MrWong99/agentline/pkg/provider/agent"
	"github.com/MrWong99/agentline/pkg/transport"
)

// Observer is notified after every state transition, outside the session
// lock.
type Observer func(s *Session, from, to State)

// Session is one logical voice-agent conversation bound to one channel.
type Session struct {
	id       string
	channel  string
	localUID uint32
	log      *transcript.Log
	now      func() time.Time
	observer Observer

	lifecycle chan struct{}

	mu         sync.Mutex
	state      State
	cred       token.Credential
	agentID    string
	agentUID   uint32
	agentCfg   agent.Config
	agentSince time.Time
	departing  string
	lastErr    error
	createdAt  time.Time
	updatedAt  time.Time
	conn       transport.Connection

	speaking     int
	speechIdle   chan struct{}
	speechCtx    context.Context
	speechCancel context.CancelFunc
}

// Option configures a [Session].
type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithObserver installs a transition observer.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithLog replaces the session's empty transcript log.
func WithLog(l *transcript.Log) Option {
	return func(s *Session) { s.log = l }
}

// New creates a session in [StateIdle].
func New(id, channel string, localUID uint32, opts ...Option) *Session {
	s := &Session{
		id:        id,
		channel:   channel,
		localUID:  localUID,
		now:       time.Now,
		lifecycle: make(chan struct{}, 1),
		state:     StateIdle,
	}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = transcript.NewLog(id)
	}
	s.createdAt = s.now().UTC()
	s.updatedAt = s.createdAt
	closed := make(chan struct{})
	close(closed)
	s.speechIdle = closed
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Channel returns the channel the session is bound to.
func (s *Session) Channel() string { return s.channel }

// LocalUID returns the human participant's uid.
func (s *Session) LocalUID() uint32 { return s.localUID }

// Log returns the session's transcript.
func (s *Session) Log() *transcript.Log { return s.log }

// LockLifecycle acquires the lifecycle lock, waiting until it is free or ctx
// is done.
func (s *Session) LockLifecycle(ctx context.Context) error {
	select {
	case s.lifecycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnlockLifecycle releases the lifecycle lock.
func (s *Session) UnlockLifecycle() { <-s.lifecycle }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AgentID returns the remote agent id, or "" when no agent is active.
func (s *Session) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// BoundTo reports whether deliveries from agentID belong to this session:
// the agent is active, or it is the one being stopped. A stopping agent can
// still report its last utterances until the session ends.
func (s *Session) BoundTo(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if agentID == "" {
		return false
	}
	return s.agentID == agentID || (s.state == StateStopping && s.departing == agentID)
}

// Agent returns the active agent's id, uid, configuration and start time.
// ok is false when no agent is active.
func (s *Session) Agent() (id string, uid uint32, cfg agent.Config, since time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.HasAgent() {
		return "", 0, agent.Config{}, time.Time{}, false
	}
	return s.agentID, s.agentUID, s.agentCfg, s.agentSince, true
}

// Credential returns the current credential.
func (s *Session) Credential() token.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// LastError returns the error that moved the session to [StateError].
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// UpdatedAt returns the time of the last state change.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// transitionLocked moves to `to` and returns a function that notifies the
// observer; call it after unlocking.
func (s *Session) transitionLocked(op string, to State) (func(), error) {
	from := s.state
	if !CanTransition(from, to) {
		return nil, fault.InvalidState(op, "session %s cannot move from %s to %s", s.id, from, to)
	}
	s.state = to
	s.updatedAt = s.now().UTC()
	if !to.HasAgent() {
		s.agentID = ""
	}
	if to != StateStopping {
		s.departing = ""
	}
	if to.Terminal() {
		s.cancelSpeechLocked()
		s.log.Close()
	}
	return func() {
		if s.observer != nil {
			s.observer(s, from, to)
		}
	}, nil
}

// Transition applies a transition that needs no payload. Moving into the
// agent-active states requires [Session.Activate].
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	if to == StateAgentActive && s.state == StateStarting {
		s.mu.Unlock()
		return fault.InvalidState("session.transition", "activating an agent requires an agent id")
	}
	notify, err := s.transitionLocked("session.transition", to)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	notify()
	return nil
}

// IssueCredential stores the first credential and moves idle → token_issued.
func (s *Session) IssueCredential(cred token.Credential) error {
	s.mu.Lock()
	notify, err := s.transitionLocked("session.issue_credential", StateTokenIssued)
	if err == nil {
		s.cred = cred
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	notify()
	return nil
}

// RenewCredential replaces the credential of a live session without
// changing its state.
func (s *Session) RenewCredential(cred token.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.state.Terminal() {
		return fault.InvalidState("session.renew", "session %s is %s", s.id, s.state)
	}
	s.cred = cred
	s.updatedAt = s.now().UTC()
	return nil
}

// BeginStart moves joined → starting and records the agent configuration.
// It fails when the session is not joined or already owns an agent.
func (s *Session) BeginStart(cfg agent.Config, agentUID uint32) error {
	s.mu.Lock()
	if s.state != StateJoined {
		state := s.state
		s.mu.Unlock()
		if state.HasAgent() || state == StateStarting {
			return fault.InvalidState("session.start_agent", "session %s already has an agent (%s)", s.id, state)
		}
		return fault.InvalidState("session.start_agent", "session %s is %s, want %s", s.id, state, StateJoined)
	}
	notify, err := s.transitionLocked("session.start_agent", StateStarting)
	if err == nil {
		s.agentCfg = cfg
		s.agentUID = agentUID
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	notify()
	return nil
}

// Activate binds agentID and moves starting → agent_active.
func (s *Session) Activate(agentID string) error {
	const op = "session.activate"
	if agentID == "" {
		return fault.Validation(op, "empty agent id")
	}
	s.mu.Lock()
	if s.state != StateStarting {
		state := s.state
		s.mu.Unlock()
		return fault.InvalidState(op, "session %s is %s, want %s", s.id, state, StateStarting)
	}
	notify, err := s.transitionLocked(op, StateAgentActive)
	if err == nil {
		s.agentID = agentID
		s.agentSince = s.updatedAt
		s.speechCtx, s.speechCancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	notify()
	return nil
}

// Fail moves a live session to [StateError] and records err. It reports
// false when the session was already terminal.
func (s *Session) Fail(err error) bool {
	s.mu.Lock()
	notify, terr := s.transitionLocked("session.fail", StateError)
	if terr == nil {
		s.lastErr = err
	}
	s.mu.Unlock()
	if terr != nil {
		return false
	}
	notify()
	return true
}

// BeginStop moves an agent-owning session to stopping, clearing and
// returning the agent id. ok is false, with no error, when no agent is
// active.
func (s *Session) BeginStop() (agentID string, ok bool) {
	s.mu.Lock()
	if !s.state.HasAgent() {
		s.mu.Unlock()
		return "", false
	}
	id := s.agentID
	notify, err := s.transitionLocked("session.stop_agent", StateStopping)
	if err == nil {
		s.departing = id
	}
	s.mu.Unlock()
	if err != nil {
		return "", false
	}
	notify()
	return id, true
}

// BeginSpeech registers an in-flight speak call. The returned context is
// cancelled by [Session.DrainSpeech] or a failure; done must be called
// exactly once when the call finishes.
func (s *Session) BeginSpeech() (ctx context.Context, done func(), err error) {
	s.mu.Lock()
	if !s.state.HasAgent() {
		state := s.state
		s.mu.Unlock()
		return nil, nil, fault.InvalidState("session.speak", "session %s is %s", s.id, state)
	}
	s.speaking++
	if s.speaking == 1 {
		s.speechIdle = make(chan struct{})
	}
	var notify func()
	if s.state == StateAgentActive {
		notify, _ = s.transitionLocked("session.speak", StateSpeaking)
	}
	ctx = s.speechCtx
	s.mu.Unlock()
	if notify != nil {
		notify()
	}

	var once sync.Once
	return ctx, func() { once.Do(s.endSpeech) }, nil
}

func (s *Session) endSpeech() {
	s.mu.Lock()
	s.speaking--
	var notify func()
	if s.speaking == 0 {
		close(s.speechIdle)
		if s.state == StateSpeaking {
			notify, _ = s.transitionLocked("session.speak", StateAgentActive)
		}
	}
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// InFlightSpeech returns the number of outstanding speak calls.
func (s *Session) InFlightSpeech() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// DrainSpeech waits up to timeout for in-flight speak calls to finish, then
// cancels the rest and waits for them to return. It reports whether every
// call finished within the timeout.
func (s *Session) DrainSpeech(ctx context.Context, timeout time.Duration) bool {
	s.mu.Lock()
	idle := s.speechIdle
	s.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-idle:
		return true
	case <-ctx.Done():
	case <-t.C:
	}

	s.mu.Lock()
	s.cancelSpeechLocked()
	s.mu.Unlock()
	select {
	case <-idle:
	case <-ctx.Done():
	}
	return false
}

func (s *Session) cancelSpeechLocked() {
	if s.speechCancel != nil {
		s.speechCancel()
	}
}

// ExpireIfDue moves a session whose credential lapsed at now from
// token_issued or joined to expired. It reports whether it did.
func (s *Session) ExpireIfDue(now time.Time) bool {
	s.mu.Lock()
	if !s.state.Expirable() || s.cred.ExpiresAt.IsZero() || now.Before(s.cred.ExpiresAt) {
		s.mu.Unlock()
		return false
	}
	notify, err := s.transitionLocked("session.expire", StateExpired)
	s.mu.Unlock()
	if err != nil {
		return false
	}
	notify()
	return true
}

// SetConnection records a server-side transport connection. It returns the
// previous one, if any.
func (s *Session) SetConnection(c transport.Connection) transport.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.conn
	s.conn = c
	return prev
}

// TakeConnection removes and returns the server-side connection, if any.
func (s *Session) TakeConnection() transport.Connection {
	return s.SetConnection(nil)
}

// Snapshot is a point-in-time, client-safe view of a session. It never
// includes the token or the agent's system prompt.
type Snapshot struct {
	ID             string    `json:"session_id"`
	Channel        string    `json:"channel"`
	LocalUID       uint32    `json:"local_uid"`
	State          State     `json:"state"`
	AgentID        string    `json:"agent_id,omitempty"`
	TokenExpiry    time.Time `json:"token_expiry,omitzero"`
	InFlightSpeech int       `json:"in_flight_speech"`
	Events         int       `json:"events"`
	LastError      string    `json:"last_error,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Snapshot returns the current view of s.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:             s.id,
		Channel:        s.channel,
		LocalUID:       s.localUID,
		State:          s.state,
		AgentID:        s.agentID,
		TokenExpiry:    s.cred.ExpiresAt,
		InFlightSpeech: s.speaking,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
		snap.ErrorKind = string(fault.KindOf(s.lastErr))
	}
	s.mu.Unlock()
	snap.Events = s.log.Len()
	return snap
}

// Record returns the archive form of s.
func (s *Session) Record() transcript.Record {
	snap := s.Snapshot()
	return transcript.Record{
		SessionID: snap.ID,
		Channel:   snap.Channel,
		LocalUID:  snap.LocalUID,
		State:     string(snap.State),
		LastError: snap.LastError,
		CreatedAt: snap.CreatedAt,
		UpdatedAt: snap.UpdatedAt,
		Events:    s.log.Since(0),
	}
}
