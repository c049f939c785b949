package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/token"
	"github.com/MrWong99/agentline/pkg/provider/agent"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func credential(expires time.Time) token.Credential {
	return token.Credential{Token: "tok", Channel: "demo", UID: 42, Role: token.RolePublisher, ExpiresAt: expires}
}

// joined returns a session in StateJoined.
func joined(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s := New("s1", "demo", 42, append([]Option{WithClock(func() time.Time { return t0 })}, opts...)...)
	if err := s.IssueCredential(credential(t0.Add(time.Hour))); err != nil {
		t.Fatalf("IssueCredential: %v", err)
	}
	if err := s.Transition(StateJoined); err != nil {
		t.Fatalf("Transition(joined): %v", err)
	}
	return s
}

// active returns a session in StateAgentActive bound to agent-1.
func active(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s := joined(t, opts...)
	if err := s.BeginStart(agent.Config{Profile: "default"}, 1000); err != nil {
		t.Fatalf("BeginStart: %v", err)
	}
	if err := s.Activate("agent-1"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return s
}

func TestSession_HappyPath(t *testing.T) {
	t.Parallel()
	var seen []State
	s := active(t, WithObserver(func(_ *Session, _, to State) { seen = append(seen, to) }))

	if s.AgentID() != "agent-1" {
		t.Errorf("AgentID = %q, want agent-1", s.AgentID())
	}
	id, uid, cfg, since, ok := s.Agent()
	if !ok || id != "agent-1" || uid != 1000 || cfg.Profile != "default" || !since.Equal(t0) {
		t.Errorf("Agent() = %q %d %+v %v %v", id, uid, cfg, since, ok)
	}

	got, stopped := s.BeginStop()
	if !stopped || got != "agent-1" {
		t.Fatalf("BeginStop = (%q, %v)", got, stopped)
	}
	if s.AgentID() != "" {
		t.Error("agent id not cleared on stopping")
	}
	if err := s.Transition(StateStopped); err != nil {
		t.Fatalf("Transition(stopped): %v", err)
	}

	want := []State{StateTokenIssued, StateJoined, StateStarting, StateAgentActive, StateStopping, StateStopped}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestSession_BeginStartRejectsSecondAgent(t *testing.T) {
	t.Parallel()
	s := active(t)
	err := s.BeginStart(agent.Config{}, 1001)
	if !fault.Is(err, fault.KindInvalidState) {
		t.Fatalf("err = %v, want invalid_state", err)
	}
	if s.State() != StateAgentActive || s.AgentID() != "agent-1" {
		t.Errorf("first agent disturbed: %s %q", s.State(), s.AgentID())
	}
}

func TestSession_BeginStartRequiresJoined(t *testing.T) {
	t.Parallel()
	s := New("s1", "demo", 42)
	if err := s.BeginStart(agent.Config{}, 1); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("err = %v, want invalid_state", err)
	}
}

func TestSession_TransitionCannotActivateWithoutID(t *testing.T) {
	t.Parallel()
	s := joined(t)
	_ = s.BeginStart(agent.Config{}, 1)
	if err := s.Transition(StateAgentActive); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("err = %v, want invalid_state", err)
	}
	if err := s.Activate(""); !fault.Is(err, fault.KindValidation) {
		t.Errorf("Activate(\"\") err = %v, want validation", err)
	}
}

func TestSession_Fail(t *testing.T) {
	t.Parallel()
	s := joined(t)
	_ = s.BeginStart(agent.Config{}, 1)
	cause := fault.FromStatus("agent.join", 401, "bad key")
	if !s.Fail(cause) {
		t.Fatal("Fail returned false for a live session")
	}
	if s.State() != StateError || !errors.Is(s.LastError(), cause) {
		t.Errorf("state %s, last error %v", s.State(), s.LastError())
	}
	snap := s.Snapshot()
	if snap.ErrorKind != string(fault.KindAuthentication) || snap.LastError == "" {
		t.Errorf("snapshot error = %q/%q", snap.ErrorKind, snap.LastError)
	}
	if s.Fail(errors.New("again")) {
		t.Error("Fail on a terminal session returned true")
	}
}

func TestSession_BeginStopWithoutAgent(t *testing.T) {
	t.Parallel()
	s := joined(t)
	if id, ok := s.BeginStop(); ok || id != "" {
		t.Errorf("BeginStop = (%q, %v), want no-op", id, ok)
	}
	if s.State() != StateJoined {
		t.Errorf("state = %s, want joined", s.State())
	}
}

func TestSession_Speech(t *testing.T) {
	t.Parallel()
	s := active(t)

	_, done1, err := s.BeginSpeech()
	if err != nil {
		t.Fatalf("BeginSpeech: %v", err)
	}
	_, done2, _ := s.BeginSpeech()
	if s.State() != StateSpeaking || s.InFlightSpeech() != 2 {
		t.Fatalf("state %s, in flight %d", s.State(), s.InFlightSpeech())
	}
	done1()
	done1()
	if s.State() != StateSpeaking {
		t.Errorf("state = %s after one of two finished", s.State())
	}
	done2()
	if s.State() != StateAgentActive || s.InFlightSpeech() != 0 {
		t.Errorf("state %s, in flight %d after all finished", s.State(), s.InFlightSpeech())
	}
	if s.AgentID() != "agent-1" {
		t.Error("agent id lost across speech")
	}
}

func TestSession_BeginSpeechRequiresAgent(t *testing.T) {
	t.Parallel()
	s := joined(t)
	if _, _, err := s.BeginSpeech(); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("err = %v, want invalid_state", err)
	}
}

func TestSession_DrainSpeechWaits(t *testing.T) {
	t.Parallel()
	s := active(t)
	_, done, _ := s.BeginSpeech()
	go func() {
		time.Sleep(10 * time.Millisecond)
		done()
	}()
	if !s.DrainSpeech(context.Background(), time.Second) {
		t.Error("DrainSpeech timed out on speech that finished")
	}
}

func TestSession_DrainSpeechCancelsAfterTimeout(t *testing.T) {
	t.Parallel()
	s := active(t)
	ctx, done, _ := s.BeginSpeech()
	go func() {
		<-ctx.Done()
		done()
	}()
	if s.DrainSpeech(context.Background(), 10*time.Millisecond) {
		t.Error("DrainSpeech reported a clean drain for a cancelled call")
	}
	if s.InFlightSpeech() != 0 {
		t.Errorf("in flight = %d after drain", s.InFlightSpeech())
	}
}

func TestSession_SpeechEndingAfterStopKeepsStopping(t *testing.T) {
	t.Parallel()
	s := active(t)
	_, done, _ := s.BeginSpeech()
	if _, ok := s.BeginStop(); !ok {
		t.Fatal("BeginStop failed")
	}
	done()
	if s.State() != StateStopping {
		t.Errorf("state = %s, want stopping", s.State())
	}
}

func TestSession_ExpireIfDue(t *testing.T) {
	t.Parallel()
	s := joined(t)
	if s.ExpireIfDue(t0.Add(59 * time.Minute)) {
		t.Error("expired before the credential lapsed")
	}
	if !s.ExpireIfDue(t0.Add(time.Hour)) {
		t.Fatal("not expired at ExpiresAt")
	}
	if s.State() != StateExpired {
		t.Errorf("state = %s, want expired", s.State())
	}

	a := active(t)
	if a.ExpireIfDue(t0.Add(2 * time.Hour)) {
		t.Error("agent-active session expired")
	}
}

func TestSession_RenewCredential(t *testing.T) {
	t.Parallel()
	s := joined(t)
	renewed := credential(t0.Add(2 * time.Hour))
	if err := s.RenewCredential(renewed); err != nil {
		t.Fatalf("RenewCredential: %v", err)
	}
	if !s.Credential().ExpiresAt.Equal(renewed.ExpiresAt) || s.State() != StateJoined {
		t.Errorf("credential %v, state %s", s.Credential().ExpiresAt, s.State())
	}
	if err := New("x", "demo", 1).RenewCredential(renewed); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("renew on idle err = %v, want invalid_state", err)
	}
}

func TestSession_LifecycleLock(t *testing.T) {
	t.Parallel()
	s := New("s1", "demo", 42)
	if err := s.LockLifecycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.LockLifecycle(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("second lock err = %v, want deadline", err)
	}
	s.UnlockLifecycle()
	if err := s.LockLifecycle(context.Background()); err != nil {
		t.Errorf("lock after unlock: %v", err)
	}
}

func TestSession_TerminalClosesLog(t *testing.T) {
	t.Parallel()
	s := joined(t)
	_ = s.Transition(StateStopped)
	done := make(chan struct{})
	go func() {
		s.Log().Wait(context.Background(), 0)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait blocked on a stopped session's log")
	}
}

func TestSession_Record(t *testing.T) {
	t.Parallel()
	s := active(t)
	s.Log().AppendLocal("user", "hello", "")
	rec := s.Record()
	if rec.SessionID != "s1" || rec.State != string(StateAgentActive) || len(rec.Events) != 1 {
		t.Errorf("Record = %+v", rec)
	}
}

// The agent id is set exactly when the state owns an agent, whatever
// sequence of operations is applied.
func TestSession_AgentIDInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		now := t0
		s := New("s", "demo", 1, WithClock(func() time.Time { return now }))
		var pending []func()

		ops := []string{
			"issue", "join", "disconnect", "start", "activate", "fail", "stop",
			"stopped", "speak", "speech_done", "expire", "renew",
		}
		steps := rapid.IntRange(1, 40).Draw(t, "steps")
		for range steps {
			switch op := rapid.SampledFrom(ops).Draw(t, "op"); op {
			case "issue":
				_ = s.IssueCredential(credential(now.Add(time.Minute)))
			case "join":
				_ = s.Transition(StateJoined)
			case "disconnect":
				_ = s.Transition(StateTokenIssued)
			case "start":
				_ = s.BeginStart(agent.Config{}, 2)
			case "activate":
				_ = s.Activate(rapid.SampledFrom([]string{"a1", "a2"}).Draw(t, "agent"))
			case "fail":
				s.Fail(errors.New("boom"))
			case "stop":
				s.BeginStop()
			case "stopped":
				_ = s.Transition(StateStopped)
			case "speak":
				if _, done, err := s.BeginSpeech(); err == nil {
					pending = append(pending, done)
				}
			case "speech_done":
				if len(pending) > 0 {
					pending[0]()
					pending = pending[1:]
				}
			case "expire":
				now = now.Add(time.Duration(rapid.IntRange(0, 120).Draw(t, "advance")) * time.Second)
				s.ExpireIfDue(now)
			case "renew":
				_ = s.RenewCredential(credential(now.Add(time.Minute)))
			}

			state, id := s.State(), s.AgentID()
			if (id != "") != state.HasAgent() {
				t.Fatalf("state %s with agent id %q", state, id)
			}
			if state == StateSpeaking && s.InFlightSpeech() == 0 {
				t.Fatalf("speaking with no speech in flight")
			}
		}
	})
}
