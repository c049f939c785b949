// Package lifecycle starts and stops the remote conversational agent of a
// session.
//
// The [Manager] owns the agent binding: it is the only code that moves a
// session through starting, agent_active, stopping and stopped. Both
// operations hold the session's lifecycle lock, so a stop issued while a
// start is in flight waits for the start to resolve and then stops the agent
// it produced.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/observe"
	"github.com/MrWong99/agentline/internal/resilience"
	"github.com/MrWong99/agentline/internal/session"
	"github.com/MrWong99/agentline/internal/token"
	"github.com/MrWong99/agentline/pkg/provider/agent"
)

// Defaults applied by [New].
const (
	DefaultAgentUID     uint32 = 1_000_000
	DefaultDrainTimeout        = 5 * time.Second
)

// Config holds the [Manager] collaborators.
type Config struct {
	// Provider hosts the remote agents.
	Provider agent.Provider

	// ProviderName labels provider metrics. Defaults to "agent".
	ProviderName string

	// Tokens issues the agent's channel credential.
	Tokens *token.Service

	// Controller wraps every provider call. Required.
	Controller *resilience.Controller

	// AgentUID is the uid the agent joins with. Defaults to
	// [DefaultAgentUID]; when it equals the human's uid, the next uid is used.
	AgentUID uint32

	// DrainTimeout bounds how long a stop waits for in-flight speech before
	// cancelling it. Defaults to [DefaultDrainTimeout].
	DrainTimeout time.Duration

	// Metrics records provider calls. May be nil.
	Metrics *observe.Metrics
}

// Manager implements agent start and stop. It is safe for concurrent use.
type Manager struct {
	cfg Config
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "agent"
	}
	if cfg.AgentUID == 0 {
		cfg.AgentUID = DefaultAgentUID
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	return &Manager{cfg: cfg}
}

func (m *Manager) agentUID(s *session.Session) uint32 {
	if s.LocalUID() == m.cfg.AgentUID {
		return m.cfg.AgentUID + 1
	}
	return m.cfg.AgentUID
}

// StartAgent joins a remote agent to the session's channel and binds it to
// the session.
//
// The session must be joined and must not own an agent; otherwise an
// invalid_state error is returned and the session is untouched. Any failure
// after the session entered starting moves it to error and is returned
// verbatim, upstream status and body included.
func (m *Manager) StartAgent(ctx context.Context, s *session.Session, cfg agent.Config) (string, error) {
	if err := s.LockLifecycle(ctx); err != nil {
		return "", err
	}
	defer s.UnlockLifecycle()

	log := observe.SessionLogger(ctx, s.ID())
	uid := m.agentUID(s)
	if err := s.BeginStart(cfg, uid); err != nil {
		return "", err
	}

	fail := func(err error) (string, error) {
		s.Fail(err)
		log.Warn("agent start failed", "channel", s.Channel(), "kind", fault.KindOf(err), "err", err)
		return "", err
	}

	cred, err := m.cfg.Tokens.Issue(s.Channel(), int64(uid), token.RolePublisher)
	if err != nil {
		return fail(err)
	}
	req := agent.JoinRequest{
		Name:       "agentline-" + s.ID(),
		Channel:    s.Channel(),
		Token:      cred.Token,
		AgentUID:   uid,
		RemoteUIDs: []uint32{s.LocalUID()},
		Config:     cfg,
	}

	// Once the provider has been asked to create an agent the outcome must be
	// recorded on the session, even if the caller goes away.
	callCtx := context.WithoutCancel(ctx)
	agentID, err := resilience.Call(callCtx, m.cfg.Controller, "join:"+s.ID(), func(ctx context.Context) (string, error) {
		var id string
		err := m.instrument(ctx, "join", func(ctx context.Context) error {
			var jerr error
			id, jerr = m.cfg.Provider.JoinAgent(ctx, req)
			return jerr
		})
		return id, err
	})
	if err == nil && agentID == "" {
		err = fault.New(fault.KindProvider, "agent.join", "provider returned an empty agent id")
	}
	if err != nil {
		return fail(err)
	}

	if err := s.Activate(agentID); err != nil {
		// The session failed while the join was in flight; the new agent has
		// no owner.
		m.leave(callCtx, log, agentID)
		return "", err
	}
	log.Info("agent started", "channel", s.Channel(), "agent_id", agentID, "agent_uid", uid, "profile", cfg.Profile)
	return agentID, nil
}

// StopAgent detaches and removes the session's agent. It is idempotent: a
// session without an agent is left alone and nil is returned.
//
// In-flight speech gets the drain timeout to finish and is cancelled after.
// The remote leave is best-effort; its failure is logged as a reconciliation
// warning and the session still ends in stopped.
func (m *Manager) StopAgent(ctx context.Context, s *session.Session) error {
	if err := s.LockLifecycle(ctx); err != nil {
		return err
	}
	defer s.UnlockLifecycle()

	m.stopLocked(ctx, s)
	return nil
}

// EndSession stops the session's agent, if any, and then moves a session
// that is still live to stopped. Terminal sessions are left as they are.
// No agent can be started between the two steps.
func (m *Manager) EndSession(ctx context.Context, s *session.Session) error {
	if err := s.LockLifecycle(ctx); err != nil {
		return err
	}
	defer s.UnlockLifecycle()

	m.stopLocked(ctx, s)
	if s.State().Terminal() {
		return nil
	}
	if err := s.Transition(session.StateStopped); err != nil && !s.State().Terminal() {
		return err
	}
	observe.SessionLogger(ctx, s.ID()).Info("session stopped", "channel", s.Channel())
	return nil
}

// stopLocked is the body of StopAgent. The caller holds the lifecycle lock.
func (m *Manager) stopLocked(ctx context.Context, s *session.Session) {
	agentID, ok := s.BeginStop()
	if !ok {
		return
	}
	log := observe.SessionLogger(ctx, s.ID())
	callCtx := context.WithoutCancel(ctx)

	if !s.DrainSpeech(callCtx, m.cfg.DrainTimeout) {
		log.Info("cancelled in-flight speech", "agent_id", agentID)
	}
	m.leave(callCtx, log, agentID)

	if err := s.Transition(session.StateStopped); err != nil {
		log.Debug("session left stopping concurrently", "state", s.State(), "err", err)
	}
	log.Info("agent stopped", "channel", s.Channel(), "agent_id", agentID)
}

// leave removes a remote agent, logging failure as a reconciliation warning.
func (m *Manager) leave(ctx context.Context, log *slog.Logger, agentID string) {
	err := m.cfg.Controller.Do(ctx, "leave:"+agentID, func(ctx context.Context) error {
		return m.instrument(ctx, "leave", func(ctx context.Context) error {
			return m.cfg.Provider.LeaveAgent(ctx, agentID)
		})
	})
	if err == nil {
		return
	}
	warn := fault.Wrap(fault.KindReconciliation, "agent.leave", err)
	log.Warn("remote agent leave failed, local session cleaned up anyway",
		"agent_id", agentID, "kind", fault.KindReconciliation, "err", warn)
}

// instrument records one provider attempt.
func (m *Manager) instrument(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, "agent."+op)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	if m.cfg.Metrics != nil {
		kind := ""
		if err != nil {
			kind = string(fault.KindOf(err))
			if kind == "" && !errors.Is(err, context.Canceled) {
				kind = string(fault.KindProvider)
			}
		}
		m.cfg.Metrics.RecordProviderCall(ctx, m.cfg.ProviderName, op, time.Since(start), kind)
	}
	observe.RecordError(span, err)
	return err
}
