// Package orchestrator is the session orchestrator: the public operations of
// agentline, each one a single request against one session.
//
// The [Orchestrator] owns the session store and ties the token service, the
// agent lifecycle manager, the text bridge and the transcript aggregator
// together. Operations on one session are serialized by the session itself;
// operations on different sessions never wait for each other.
//
// Every operation that looks a session up first applies credential expiry,
// so a session whose token lapsed reports expired even between janitor
// sweeps.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agentline/internal/bridge"
	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/lifecycle"
	"github.com/MrWong99/agentline/internal/observe"
	"github.com/MrWong99/agentline/internal/session"
	"github.com/MrWong99/agentline/internal/token"
	"github.com/MrWong99/agentline/internal/transcript"
	"github.com/MrWong99/agentline/pkg/provider/agent"
	"github.com/MrWong99/agentline/pkg/transport"
)

// Defaults applied by [New].
const (
	DefaultProfile = "default"
	DefaultMaxWait = 30 * time.Second

	shutdownConcurrency = 8
)

// Config holds the [Orchestrator] collaborators and settings.
type Config struct {
	// Tokens issues channel credentials. Required.
	Tokens *token.Service

	// Lifecycle starts and stops remote agents. Required.
	Lifecycle *lifecycle.Manager

	// Bridge handles text submissions. Required.
	Bridge *bridge.Bridge

	// Verifier checks webhook signatures. Nil rejects every webhook with a
	// configuration error.
	Verifier *transcript.Verifier

	// Archive keeps transcripts of evicted sessions. May be nil.
	Archive transcript.Archive

	// Transport performs server-side channel joins. Nil disables
	// [Orchestrator.JoinChannel].
	Transport transport.Transport

	// Profiles are the named agent configurations a start request may pick.
	Profiles map[string]agent.Config

	// DefaultProfile is used when a start request names no profile.
	// Defaults to [DefaultProfile].
	DefaultProfile string

	// Retention is how long terminal sessions stay in memory.
	Retention time.Duration

	// MaxWait caps how long a transcript request may long-poll. Defaults to
	// [DefaultMaxWait].
	MaxWait time.Duration

	// Now replaces time.Now.
	Now func() time.Time

	// Metrics may be nil.
	Metrics *observe.Metrics
}

// AgentRequest asks for an agent on a session. Empty fields keep the
// profile's values.
type AgentRequest struct {
	Profile      string `json:"profile,omitempty"`
	LLMModel     string `json:"llm_model,omitempty"`
	TTSVoice     string `json:"tts_voice,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	Speech       *bool  `json:"speech,omitempty"`
}

// WebhookResult reports what one webhook delivery changed.
type WebhookResult struct {
	SessionID  string `json:"session_id"`
	Stored     int    `json:"stored"`
	Duplicates int    `json:"duplicates"`
}

// Orchestrator implements the session operations. It is safe for concurrent
// use.
type Orchestrator struct {
	cfg   Config
	store *session.Store

	closeOnce sync.Once

	// mu guards closed. starting counts admitted StartSession, JoinChannel
	// and StartAgent calls; Shutdown waits for them before ending sessions.
	mu       sync.Mutex
	closed   bool
	starting sync.WaitGroup
}

// admit registers a call that may create a session or a remote resource.
// It fails once Shutdown has begun; otherwise the caller must call done.
func (o *Orchestrator) admit(op string) (done func(), err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, fault.InvalidState(op, "orchestrator is shutting down")
	}
	o.starting.Add(1)
	return o.starting.Done, nil
}

// New creates an Orchestrator with an empty session store.
func New(cfg Config) *Orchestrator {
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = DefaultProfile
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &Orchestrator{cfg: cfg}
	var logOpts []transcript.LogOption
	logOpts = append(logOpts, transcript.WithClock(cfg.Now))
	if cfg.Metrics != nil {
		logOpts = append(logOpts, transcript.WithMetrics(cfg.Metrics))
	}
	o.store = session.NewStore(session.StoreConfig{
		Retention:    cfg.Retention,
		Now:          cfg.Now,
		Metrics:      cfg.Metrics,
		LogOptions:   logOpts,
		OnEvict:      o.archive,
		OnTransition: o.onTransition,
	})
	return o
}

// Store returns the session store.
func (o *Orchestrator) Store() *session.Store { return o.store }

// get looks a session up and applies lazy expiry.
func (o *Orchestrator) get(id string) (*session.Session, error) {
	s, err := o.store.Get(id)
	if err != nil {
		return nil, err
	}
	if s.ExpireIfDue(o.cfg.Now()) {
		slog.Info("session expired", "session_id", id, "channel", s.Channel())
	}
	return s, nil
}

// IssueToken issues a standalone credential. It touches no session. A zero
// ttl means the configured default.
func (o *Orchestrator) IssueToken(channel string, uid int64, role token.Role, ttl time.Duration) (token.Credential, error) {
	if ttl == 0 {
		return o.cfg.Tokens.Issue(channel, uid, role)
	}
	return o.cfg.Tokens.IssueTTL(channel, uid, role, ttl)
}

// StartSession creates a session for the human participant uid on channel
// and issues its publisher credential. Nothing is created when issuance
// fails.
func (o *Orchestrator) StartSession(ctx context.Context, channel string, uid int64, ttl time.Duration) (session.Snapshot, token.Credential, error) {
	done, err := o.admit("orchestrator.start_session")
	if err != nil {
		return session.Snapshot{}, token.Credential{}, err
	}
	defer done()
	cred, err := o.IssueToken(channel, uid, token.RolePublisher, ttl)
	if err != nil {
		return session.Snapshot{}, token.Credential{}, err
	}
	s := o.store.Create(channel, cred.UID)
	if err := s.IssueCredential(cred); err != nil {
		return session.Snapshot{}, token.Credential{}, err
	}
	observe.SessionLogger(ctx, s.ID()).Info("session started",
		"channel", channel, "uid", cred.UID, "token_expiry", cred.ExpiresAt)
	return s.Snapshot(), cred, nil
}

// Session returns a snapshot of session id.
func (o *Orchestrator) Session(id string) (session.Snapshot, error) {
	s, err := o.get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// ReportConnection applies a transport connection event for the human
// participant. connected confirms the join, disconnected takes it back and
// failed ends a session that has no agent yet. Other events, and events that
// do not apply to the current state, are accepted without effect.
func (o *Orchestrator) ReportConnection(ctx context.Context, id string, st transport.ConnectionState, reason string) (session.Snapshot, error) {
	s, err := o.get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	log := observe.SessionLogger(ctx, id)
	cur := s.State()

	var next session.State
	switch {
	case st == transport.StateConnected && cur == session.StateTokenIssued:
		next = session.StateJoined
	case st == transport.StateDisconnected && cur == session.StateJoined:
		next = session.StateTokenIssued
	case st == transport.StateFailed && cur.Expirable():
		cause := fault.New(fault.KindProvider, "transport.connection", "channel connection failed: %s", reason)
		if s.Fail(cause) {
			log.Warn("channel connection failed", "channel", s.Channel(), "reason", reason)
		}
		return s.Snapshot(), nil
	default:
		log.Debug("connection event ignored", "event", st, "state", cur, "reason", reason)
		return s.Snapshot(), nil
	}
	if err := s.Transition(next); err != nil {
		// The state moved between the check and the transition; the event
		// no longer applies.
		log.Debug("connection event raced a transition", "event", st, "err", err)
	}
	return s.Snapshot(), nil
}

// JoinChannel joins the session's channel from the server with the
// session's credential. The connection's state changes are fed to
// [Orchestrator.ReportConnection]; it is left when the session ends.
func (o *Orchestrator) JoinChannel(ctx context.Context, id string) (session.Snapshot, error) {
	const op = "transport.join"
	if o.cfg.Transport == nil {
		return session.Snapshot{}, fault.Configuration(op, "no transport is configured")
	}
	done, err := o.admit(op)
	if err != nil {
		return session.Snapshot{}, err
	}
	defer done()
	s, err := o.get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	if st := s.State(); st != session.StateTokenIssued {
		return session.Snapshot{}, fault.InvalidState(op, "session %s is %s, want %s", id, st, session.StateTokenIssued)
	}
	cred := s.Credential()
	conn, err := o.cfg.Transport.Join(ctx, s.Channel(), cred.Token, s.LocalUID())
	if err != nil {
		return session.Snapshot{}, fault.Classify(op, err)
	}
	if prev := s.SetConnection(conn); prev != nil {
		go leaveConnection(id, prev)
	}
	if s.State().Terminal() {
		// Ended while joining.
		if c := s.TakeConnection(); c != nil {
			go leaveConnection(id, c)
		}
		return s.Snapshot(), nil
	}
	conn.OnStateChange(func(ch transport.StateChange) {
		if _, err := o.ReportConnection(context.Background(), id, ch.State, ch.Reason); err != nil {
			slog.Debug("connection event for unknown session", "session_id", id, "err", err)
		}
	})
	return s.Snapshot(), nil
}

// RenewToken replaces the session's credential with a fresh one. The old
// credential is not modified and stays valid until it expires.
func (o *Orchestrator) RenewToken(ctx context.Context, id string, ttl time.Duration) (token.Credential, error) {
	s, err := o.get(id)
	if err != nil {
		return token.Credential{}, err
	}
	cred, err := o.IssueToken(s.Channel(), int64(s.LocalUID()), token.RolePublisher, ttl)
	if err != nil {
		return token.Credential{}, err
	}
	if err := s.RenewCredential(cred); err != nil {
		return token.Credential{}, err
	}
	observe.SessionLogger(ctx, id).Debug("token renewed", "token_expiry", cred.ExpiresAt)
	return cred, nil
}

// resolveAgent builds the agent configuration for req.
func (o *Orchestrator) resolveAgent(req AgentRequest) (agent.Config, error) {
	name := req.Profile
	if name == "" {
		name = o.cfg.DefaultProfile
	}
	cfg, ok := o.cfg.Profiles[name]
	if !ok && (req.Profile != "" || len(o.cfg.Profiles) > 0) {
		return agent.Config{}, fault.Validation("orchestrator.start_agent", "unknown agent profile %q", name)
	}
	cfg.Profile = name
	if req.LLMModel != "" {
		cfg.LLMModel = req.LLMModel
	}
	if req.TTSVoice != "" {
		cfg.TTSVoice = req.TTSVoice
	}
	if req.SystemPrompt != "" {
		cfg.SystemPrompt = req.SystemPrompt
	}
	if req.Greeting != "" {
		cfg.Greeting = req.Greeting
	}
	if req.Speech != nil {
		cfg.SpeechEnabled = *req.Speech
	}
	return cfg, nil
}

// StartAgent starts a remote agent for a joined session.
func (o *Orchestrator) StartAgent(ctx context.Context, id string, req AgentRequest) (session.Snapshot, error) {
	done, err := o.admit("agent.start")
	if err != nil {
		return session.Snapshot{}, err
	}
	defer done()
	s, err := o.get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	cfg, err := o.resolveAgent(req)
	if err != nil {
		return session.Snapshot{}, err
	}
	if _, err := o.cfg.Lifecycle.StartAgent(ctx, s, cfg); err != nil {
		return s.Snapshot(), err
	}
	return s.Snapshot(), nil
}

// SubmitText sends a user message to the session's agent.
func (o *Orchestrator) SubmitText(ctx context.Context, id, text string) (bridge.Exchange, error) {
	s, err := o.get(id)
	if err != nil {
		return bridge.Exchange{}, err
	}
	return o.cfg.Bridge.SubmitText(ctx, s, text)
}

// Transcript returns the events of session id with Seq > since, in Seq
// order. With wait > 0 it long-polls for up to wait (capped at the
// configured maximum) when nothing newer exists yet. Sessions already
// evicted from memory are served from the archive.
func (o *Orchestrator) Transcript(ctx context.Context, id string, since int64, wait time.Duration) ([]transcript.Event, error) {
	const op = "orchestrator.transcript"
	if since < 0 {
		return nil, fault.Validation(op, "since must not be negative, got %d", since)
	}
	log, err := o.transcriptLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if wait <= 0 {
		return log.Since(since), nil
	}
	wait = min(wait, o.cfg.MaxWait)
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return log.Wait(wctx, since), nil
}

// Follow calls fn for every event of session id with Seq > since, in Seq
// order, as events arrive. It returns nil once the session has ended and
// every event was delivered, ctx.Err() when ctx is done, or the first error
// fn returns.
func (o *Orchestrator) Follow(ctx context.Context, id string, since int64, fn func(transcript.Event) error) error {
	if since < 0 {
		return fault.Validation("orchestrator.follow", "since must not be negative, got %d", since)
	}
	log, err := o.transcriptLog(ctx, id)
	if err != nil {
		return err
	}
	cursor := since
	for {
		events := log.Wait(ctx, cursor)
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(events) == 0 {
			// Closed and drained.
			return nil
		}
		for _, e := range events {
			if err := fn(e); err != nil {
				return err
			}
			cursor = e.Seq
		}
	}
}

// transcriptLog returns the live log of id, or one restored from the
// archive.
func (o *Orchestrator) transcriptLog(ctx context.Context, id string) (*transcript.Log, error) {
	s, err := o.get(id)
	if err == nil {
		return s.Log(), nil
	}
	if o.cfg.Archive == nil || !fault.Is(err, fault.KindNotFound) {
		return nil, err
	}
	rec, aerr := o.cfg.Archive.Load(ctx, id)
	if aerr != nil {
		if fault.Is(aerr, fault.KindNotFound) {
			return nil, err
		}
		return nil, aerr
	}
	return transcript.Restore(rec.SessionID, rec.Events), nil
}

// StopAgent removes the session's agent. It is a no-op for a session
// without one.
func (o *Orchestrator) StopAgent(ctx context.Context, id string) (session.Snapshot, error) {
	s, err := o.get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := o.cfg.Lifecycle.StopAgent(ctx, s); err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// StopSession ends session id: its agent is stopped and a live session
// moves to stopped. Stopping an ended session is a no-op.
func (o *Orchestrator) StopSession(ctx context.Context, id string) (session.Snapshot, error) {
	s, err := o.get(id)
	if err != nil {
		return session.Snapshot{}, err
	}
	if err := o.cfg.Lifecycle.EndSession(ctx, s); err != nil {
		return session.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// IngestWebhook verifies and stores one webhook delivery. The delivery is
// routed by agent id, falling back to the agent-owning session on the
// payload's channel. Nothing is stored unless verification and parsing
// succeed.
func (o *Orchestrator) IngestWebhook(ctx context.Context, h http.Header, body []byte) (WebhookResult, error) {
	const op = "orchestrator.webhook"
	reject := func(reason string, err error) (WebhookResult, error) {
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.RecordWebhookRejection(ctx, reason)
		}
		observe.Logger(ctx).Debug("webhook rejected", "reason", reason, "err", err)
		return WebhookResult{}, err
	}
	if o.cfg.Verifier == nil {
		return reject("unconfigured", fault.Configuration(op, "webhook secret is not configured"))
	}
	if err := o.cfg.Verifier.Verify(h, body); err != nil {
		return reject(transcript.RejectReason(err), err)
	}
	payload, remotes, err := transcript.ParsePayload(body)
	if err != nil {
		return reject("malformed", err)
	}
	s, ok := o.store.FindByAgent(payload.AgentID)
	if !ok {
		s, ok = o.store.FindByChannel(payload.Channel)
	}
	if !ok {
		return reject("unknown_agent", fault.NotFound(op, "no active session for agent %q on channel %q", payload.AgentID, payload.Channel))
	}
	stored := s.Log().Ingest(transcript.SourceWebhook, remotes)
	res := WebhookResult{
		SessionID:  s.ID(),
		Stored:     len(stored),
		Duplicates: len(remotes) - len(stored),
	}
	observe.SessionLogger(ctx, s.ID()).Debug("webhook ingested",
		"agent_id", payload.AgentID, "stored", res.Stored, "duplicates", res.Duplicates)
	return res, nil
}

// Targets lists the agent-owning sessions for the transcript poller.
func (o *Orchestrator) Targets() []transcript.Target {
	var out []transcript.Target
	for _, s := range o.store.List() {
		agentID, _, _, since, ok := s.Agent()
		if !ok {
			continue
		}
		out = append(out, transcript.Target{
			SessionID:   s.ID(),
			AgentID:     agentID,
			Channel:     s.Channel(),
			Log:         s.Log(),
			ActiveSince: since,
		})
	}
	return out
}

// RunJanitor expires and evicts sessions every interval until ctx is done.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval time.Duration) error {
	return o.store.RunJanitor(ctx, interval)
}

// Shutdown ends every live session, stopping agents best-effort, waits for
// outstanding speech tasks and archives every session. From its start,
// StartSession, JoinChannel and StartAgent fail with an invalid_state fault;
// calls already running are waited for (bounded by ctx) so their sessions
// are ended too. It runs once; later calls return nil.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var errs []error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		started := make(chan struct{})
		go func() {
			o.starting.Wait()
			close(started)
		}()
		select {
		case <-started:
		case <-ctx.Done():
			slog.Warn("shutdown did not wait for in-flight session starts", "err", ctx.Err())
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(shutdownConcurrency)
		for _, s := range o.store.List() {
			g.Go(func() error {
				if !s.State().Terminal() {
					if err := o.cfg.Lifecycle.EndSession(gctx, s); err != nil {
						slog.Warn("session did not stop cleanly", "session_id", s.ID(), "err", err)
					}
				}
				if err := o.archive(gctx, s); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		o.cfg.Bridge.Wait()
	})
	return errors.Join(errs...)
}

// archive saves s to the archive, when one is configured.
func (o *Orchestrator) archive(ctx context.Context, s *session.Session) error {
	if o.cfg.Archive == nil {
		return nil
	}
	if err := o.cfg.Archive.Save(ctx, s.Record()); err != nil {
		return fmt.Errorf("orchestrator: archive session %s: %w", s.ID(), err)
	}
	return nil
}

// onTransition leaves the server-side channel connection once a session
// ends.
func (o *Orchestrator) onTransition(s *session.Session, _, to session.State) {
	if !to.Terminal() {
		return
	}
	if c := s.TakeConnection(); c != nil {
		go leaveConnection(s.ID(), c)
	}
}

// leaveConnection runs on its own goroutine: a connection may report the
// event that ended the session from inside its state callback.
func leaveConnection(sessionID string, c transport.Connection) {
	if err := c.Leave(); err != nil {
		slog.Warn("leaving channel failed", "session_id", sessionID, "err", err)
	}
}
