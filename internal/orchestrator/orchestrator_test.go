package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/agentline/internal/bridge"
	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/lifecycle"
	"github.com/MrWong99/agentline/internal/resilience"
	"github.com/MrWong99/agentline/internal/session"
	"github.com/MrWong99/agentline/internal/token"
	"github.com/MrWong99/agentline/internal/transcript"
	"github.com/MrWong99/agentline/pkg/provider/agent"
	agentmock "github.com/MrWong99/agentline/pkg/provider/agent/mock"
	"github.com/MrWong99/agentline/pkg/provider/llm"
	llmmock "github.com/MrWong99/agentline/pkg/provider/llm/mock"
	"github.com/MrWong99/agentline/pkg/transport"
	transportmock "github.com/MrWong99/agentline/pkg/transport/mock"
)

const (
	webhookSecret = "whsec"
	joke          = "Why don't skeletons fight? They don't have the guts."
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	o         *Orchestrator
	clk       *clock
	agents    *agentmock.Provider
	reasoner  *llmmock.Provider
	transport *transportmock.Transport
	archive   *transcript.MemoryArchive
	tokens    *token.Service
}

func newFixture(t *testing.T, mods ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		clk:       &clock{now: t0},
		agents:    &agentmock.Provider{JoinID: "agent-1"},
		reasoner:  &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: joke}},
		transport: &transportmock.Transport{},
		archive:   transcript.NewMemoryArchive(),
	}
	f.tokens = token.New(token.Config{AppID: "app", Secret: "secret"}, token.WithClock(f.clk.Now))
	ctrl := func(name string) *resilience.Controller {
		return resilience.NewController(resilience.RetryConfig{
			Name: name, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond,
		})
	}
	cfg := Config{
		Tokens: f.tokens,
		Lifecycle: lifecycle.New(lifecycle.Config{
			Provider:     f.agents,
			Tokens:       f.tokens,
			Controller:   ctrl("agent"),
			DrainTimeout: 50 * time.Millisecond,
		}),
		Bridge: bridge.New(bridge.Config{
			Reasoner:         f.reasoner,
			ReasonController: ctrl("llm"),
			Speaker:          f.agents,
			SpeakController:  ctrl("agent"),
		}),
		Verifier:  transcript.NewVerifier(webhookSecret, 0, f.clk.Now),
		Archive:   f.archive,
		Transport: f.transport,
		Profiles: map[string]agent.Config{
			"default": {LLMModel: "gpt-4o-mini", SystemPrompt: "Be brief."},
			"narrator": {LLMModel: "gpt-4o", TTSVoice: "onyx", SpeechEnabled: true},
		},
		Now: f.clk.Now,
	}
	for _, m := range mods {
		m(&cfg)
	}
	f.o = New(cfg)
	return f
}

// joined starts a session for uid 42 on demo and confirms the join.
func (f *fixture) joined(t *testing.T) string {
	t.Helper()
	snap, _, err := f.o.StartSession(context.Background(), "demo", 42, 0)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := f.o.ReportConnection(context.Background(), snap.ID, transport.StateConnected, ""); err != nil {
		t.Fatalf("ReportConnection: %v", err)
	}
	return snap.ID
}

// active returns a session with a running agent.
func (f *fixture) active(t *testing.T, req AgentRequest) string {
	t.Helper()
	id := f.joined(t)
	if _, err := f.o.StartAgent(context.Background(), id, req); err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	return id
}

func (f *fixture) webhook(t *testing.T, body string) (WebhookResult, error) {
	t.Helper()
	h := http.Header{}
	h.Set(transcript.HeaderTimestamp, fmt.Sprint(f.clk.Now().Unix()))
	h.Set(transcript.HeaderSignature, transcript.Sign(webhookSecret, f.clk.Now(), []byte(body)))
	return f.o.IngestWebhook(context.Background(), h, []byte(body))
}

func TestStartSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	snap, cred, err := f.o.StartSession(context.Background(), "demo", 42, time.Hour)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if snap.State != session.StateTokenIssued || snap.Channel != "demo" || snap.LocalUID != 42 {
		t.Errorf("snapshot = %+v", snap)
	}
	if want := t0.Add(time.Hour); !cred.ExpiresAt.Equal(want) || !snap.TokenExpiry.Equal(want) {
		t.Errorf("expiry = %v / %v, want %v", cred.ExpiresAt, snap.TokenExpiry, want)
	}
	if cred.Role != token.RolePublisher {
		t.Errorf("role = %q, want publisher", cred.Role)
	}
}

func TestStartSession_InvalidInputCreatesNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	for _, tc := range []struct {
		channel string
		uid     int64
	}{{"", 42}, {"demo", 0}, {"demo", 1 << 33}} {
		if _, _, err := f.o.StartSession(context.Background(), tc.channel, tc.uid, 0); !fault.Is(err, fault.KindValidation) {
			t.Errorf("StartSession(%q, %d) err = %v, want validation", tc.channel, tc.uid, err)
		}
	}
	if n := f.o.Store().Len(); n != 0 {
		t.Errorf("store has %d sessions, want 0", n)
	}
}

func TestStartSession_MissingSecret(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) {
		c.Tokens = token.New(token.Config{AppID: "app"})
	})
	if _, _, err := f.o.StartSession(context.Background(), "demo", 42, 0); !fault.Is(err, fault.KindConfiguration) {
		t.Errorf("err = %v, want configuration", err)
	}
}

func TestIssueToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cred, err := f.o.IssueToken("demo", 42, token.RoleSubscriber, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !cred.ExpiresAt.Equal(t0.Add(token.DefaultTTL)) || cred.Role != token.RoleSubscriber {
		t.Errorf("credential = %+v", cred)
	}
	if _, err := f.o.IssueToken("demo", 42, token.RolePublisher, 10*time.Second); !fault.Is(err, fault.KindValidation) {
		t.Errorf("short ttl err = %v, want validation", err)
	}
	if f.o.Store().Len() != 0 {
		t.Error("IssueToken created a session")
	}
}

func TestReportConnection(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		events []transport.ConnectionState
		want   session.State
	}{
		{"connected", []transport.ConnectionState{transport.StateConnected}, session.StateJoined},
		{"connecting is informational", []transport.ConnectionState{transport.StateConnecting}, session.StateTokenIssued},
		{"duplicate connected", []transport.ConnectionState{transport.StateConnected, transport.StateConnected}, session.StateJoined},
		{"disconnected", []transport.ConnectionState{transport.StateConnected, transport.StateDisconnected}, session.StateTokenIssued},
		{"reconnect", []transport.ConnectionState{transport.StateConnected, transport.StateDisconnected, transport.StateConnected}, session.StateJoined},
		{"failed", []transport.ConnectionState{transport.StateConnected, transport.StateFailed}, session.StateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			snap, _, err := f.o.StartSession(context.Background(), "demo", 42, 0)
			if err != nil {
				t.Fatal(err)
			}
			for _, ev := range tt.events {
				if snap, err = f.o.ReportConnection(context.Background(), snap.ID, ev, "test"); err != nil {
					t.Fatalf("ReportConnection(%s): %v", ev, err)
				}
			}
			if snap.State != tt.want {
				t.Errorf("state = %s, want %s", snap.State, tt.want)
			}
		})
	}
}

func TestReportConnection_FailedRecordsError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.joined(t)
	snap, err := f.o.ReportConnection(context.Background(), id, transport.StateFailed, "ice timeout")
	if err != nil {
		t.Fatal(err)
	}
	if snap.ErrorKind != string(fault.KindProvider) || snap.LastError == "" {
		t.Errorf("snapshot error = %q (%s)", snap.LastError, snap.ErrorKind)
	}
}

func TestReportConnection_DisconnectDoesNotStopAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	snap, err := f.o.ReportConnection(context.Background(), id, transport.StateDisconnected, "")
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != session.StateAgentActive || snap.AgentID != "agent-1" {
		t.Errorf("snapshot = %s/%q", snap.State, snap.AgentID)
	}
}

func TestReportConnection_UnknownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.o.ReportConnection(context.Background(), "nope", transport.StateConnected, ""); !fault.Is(err, fault.KindNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestStartAgent_ProfileResolution(t *testing.T) {
	t.Parallel()
	speech := false
	tests := []struct {
		name string
		req  AgentRequest
		want agent.Config
	}{
		{
			name: "default profile",
			want: agent.Config{Profile: "default", LLMModel: "gpt-4o-mini", SystemPrompt: "Be brief."},
		},
		{
			name: "named profile",
			req:  AgentRequest{Profile: "narrator"},
			want: agent.Config{Profile: "narrator", LLMModel: "gpt-4o", TTSVoice: "onyx", SpeechEnabled: true},
		},
		{
			name: "overrides",
			req:  AgentRequest{Profile: "narrator", TTSVoice: "nova", Greeting: "Hi!", Speech: &speech},
			want: agent.Config{Profile: "narrator", LLMModel: "gpt-4o", TTSVoice: "nova", Greeting: "Hi!"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.active(t, tt.req)
			joins, _, _ := f.agents.Snapshot()
			if len(joins) != 1 {
				t.Fatalf("join calls = %d, want 1", len(joins))
			}
			if got := joins[0].Config; got != tt.want {
				t.Errorf("config = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStartAgent_UnknownProfile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.joined(t)
	_, err := f.o.StartAgent(context.Background(), id, AgentRequest{Profile: "pirate"})
	if !fault.Is(err, fault.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
	if snap, _ := f.o.Session(id); snap.State != session.StateJoined {
		t.Errorf("state = %s, want joined", snap.State)
	}
}

func TestStartAgent_Twice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	_, err := f.o.StartAgent(context.Background(), id, AgentRequest{})
	if !fault.Is(err, fault.KindInvalidState) {
		t.Fatalf("second StartAgent err = %v, want invalid_state", err)
	}
	snap, _ := f.o.Session(id)
	if snap.State != session.StateAgentActive || snap.AgentID != "agent-1" {
		t.Errorf("first start disturbed: %s/%q", snap.State, snap.AgentID)
	}
}

func TestStartAgent_TerminalFailureSurfacesUpstream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.agents.JoinErr = fault.FromStatus("agent.join", http.StatusForbidden, `{"reason":"extension disabled"}`)
	id := f.joined(t)
	snap, err := f.o.StartAgent(context.Background(), id, AgentRequest{})
	if !fault.Is(err, fault.KindAuthentication) {
		t.Fatalf("err = %v, want authentication", err)
	}
	if status, body := fault.Upstream(err); status != http.StatusForbidden || body != `{"reason":"extension disabled"}` {
		t.Errorf("upstream = %d %q", status, body)
	}
	if snap.State != session.StateError || snap.ErrorKind != string(fault.KindAuthentication) {
		t.Errorf("snapshot = %s (%s)", snap.State, snap.ErrorKind)
	}
}

func TestSubmitText_Joke(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})

	ex, err := f.o.SubmitText(context.Background(), id, "Tell me a joke")
	if err != nil {
		t.Fatalf("SubmitText: %v", err)
	}
	if ex.User.Speaker != transcript.SpeakerUser || ex.Agent.Speaker != transcript.SpeakerAgent {
		t.Errorf("speakers = %s, %s", ex.User.Speaker, ex.Agent.Speaker)
	}
	if ex.Agent.Seq != ex.User.Seq+1 {
		t.Errorf("seqs = %d, %d, want consecutive", ex.User.Seq, ex.Agent.Seq)
	}
	if ex.Agent.Text != joke {
		t.Errorf("reply = %q", ex.Agent.Text)
	}

	events, err := f.o.Transcript(context.Background(), id, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("transcript has %d events, want 2", len(events))
	}
	for _, e := range events {
		if e.Text == "Be brief." {
			t.Error("system prompt leaked into the transcript")
		}
	}
}

func TestSubmitText_BeforeAgent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.joined(t)
	if _, err := f.o.SubmitText(context.Background(), id, "hello"); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("err = %v, want invalid_state", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.joined(t)
	f.clk.Advance(token.DefaultTTL + time.Second)

	snap, err := f.o.Session(id)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != session.StateExpired {
		t.Fatalf("state = %s, want expired", snap.State)
	}
	if _, err := f.o.StartAgent(context.Background(), id, AgentRequest{}); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("StartAgent on expired session err = %v, want invalid_state", err)
	}
	if _, err := f.o.RenewToken(context.Background(), id, 0); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("RenewToken on expired session err = %v, want invalid_state", err)
	}
}

func TestRenewToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	snap, old, err := f.o.StartSession(context.Background(), "demo", 42, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(30 * time.Minute)
	cred, err := f.o.RenewToken(context.Background(), snap.ID, 0)
	if err != nil {
		t.Fatalf("RenewToken: %v", err)
	}
	if !cred.ExpiresAt.Equal(t0.Add(30*time.Minute + token.DefaultTTL)) {
		t.Errorf("new expiry = %v", cred.ExpiresAt)
	}
	if cred.Token == old.Token || !old.ExpiresAt.Equal(t0.Add(token.DefaultTTL)) {
		t.Error("renewal mutated or reused the old credential")
	}
	f.clk.Advance(45 * time.Minute)
	if got, _ := f.o.Session(snap.ID); got.State != session.StateTokenIssued {
		t.Errorf("state = %s after renewal, want token_issued", got.State)
	}
}

func TestJoinChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	snap, cred, err := f.o.StartSession(context.Background(), "demo", 42, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.o.JoinChannel(context.Background(), snap.ID); err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	calls := f.transport.JoinCalls
	if len(calls) != 1 || calls[0].Channel != "demo" || calls[0].UID != 42 || calls[0].Token != cred.Token {
		t.Fatalf("join calls = %+v", calls)
	}

	conn := f.transport.Last()
	conn.Emit(transport.StateConnected, "")
	if got, _ := f.o.Session(snap.ID); got.State != session.StateJoined {
		t.Fatalf("state = %s after connected event, want joined", got.State)
	}

	if _, err := f.o.StopSession(context.Background(), snap.ID); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for conn.LeaveCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if conn.LeaveCount() != 1 {
		t.Errorf("leave count = %d, want 1", conn.LeaveCount())
	}
}

func TestJoinChannel_FailedConnectionEndsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	snap, _, _ := f.o.StartSession(context.Background(), "demo", 42, 0)
	if _, err := f.o.JoinChannel(context.Background(), snap.ID); err != nil {
		t.Fatal(err)
	}
	f.transport.Last().Emit(transport.StateFailed, "gateway gave up")
	if got, _ := f.o.Session(snap.ID); got.State != session.StateError {
		t.Errorf("state = %s, want error", got.State)
	}
}

func TestJoinChannel_Errors(t *testing.T) {
	t.Parallel()

	t.Run("no transport", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *Config) { c.Transport = nil })
		snap, _, _ := f.o.StartSession(context.Background(), "demo", 42, 0)
		if _, err := f.o.JoinChannel(context.Background(), snap.ID); !fault.Is(err, fault.KindConfiguration) {
			t.Errorf("err = %v, want configuration", err)
		}
	})
	t.Run("already joined", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		id := f.joined(t)
		if _, err := f.o.JoinChannel(context.Background(), id); !fault.Is(err, fault.KindInvalidState) {
			t.Errorf("err = %v, want invalid_state", err)
		}
	})
	t.Run("transport error", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.transport.JoinErr = errors.New("dial refused")
		snap, _, _ := f.o.StartSession(context.Background(), "demo", 42, 0)
		if _, err := f.o.JoinChannel(context.Background(), snap.ID); !fault.Is(err, fault.KindProvider) {
			t.Errorf("err = %v, want provider", err)
		}
	})
}

func TestStopAgent_Twice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	for i := range 2 {
		snap, err := f.o.StopAgent(context.Background(), id)
		if err != nil {
			t.Fatalf("StopAgent #%d: %v", i+1, err)
		}
		if snap.State != session.StateStopped || snap.AgentID != "" {
			t.Errorf("StopAgent #%d: %s/%q", i+1, snap.State, snap.AgentID)
		}
	}
	if _, leaves, _ := f.agents.Snapshot(); len(leaves) != 1 {
		t.Errorf("leave calls = %d, want 1", len(leaves))
	}
}

func TestStopSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	snap, _, _ := f.o.StartSession(context.Background(), "demo", 42, 0)
	for range 2 {
		got, err := f.o.StopSession(context.Background(), snap.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State != session.StateStopped {
			t.Errorf("state = %s, want stopped", got.State)
		}
	}
}

func TestIngestWebhook_DuplicateOfPolledEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	f.agents.SetHistory(agent.HistoryEntry{Speaker: agent.SpeakerAgent, Text: "Welcome!", Seq: 5})

	poller := transcript.NewPoller(transcript.PollerConfig{
		Provider: f.agents,
		Targets:  f.o.Targets,
		Now:      f.clk.Now,
	})
	f.clk.Advance(transcript.DefaultStalenessWindow)
	if n := poller.PollOnce(context.Background()); n != 1 {
		t.Fatalf("poll stored %d events, want 1", n)
	}
	before, _ := f.o.Transcript(context.Background(), id, 0, 0)

	res, err := f.webhook(t, `{"agent_id":"agent-1","channel":"demo","events":[{"speaker":"agent","text":"Welcome!","seq":5}]}`)
	if err != nil {
		t.Fatalf("IngestWebhook: %v", err)
	}
	if res.SessionID != id || res.Stored != 0 || res.Duplicates != 1 {
		t.Errorf("result = %+v", res)
	}
	after, _ := f.o.Transcript(context.Background(), id, 0, 0)
	if len(after) != len(before) {
		t.Errorf("transcript grew from %d to %d events", len(before), len(after))
	}

	// A fresh push makes the session non-stale again.
	if n := poller.PollOnce(context.Background()); n != 0 {
		t.Errorf("poll after push stored %d events, want 0", n)
	}
}

func TestIngestWebhook_DuringAgentStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	s, err := f.o.Store().Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.BeginStop(); !ok {
		t.Fatal("BeginStop found no agent")
	}

	res, err := f.webhook(t, `{"agent_id":"agent-1","events":[{"speaker":"agent","text":"Goodbye!","seq":9}]}`)
	if err != nil {
		t.Fatalf("webhook while stopping: %v", err)
	}
	if res.SessionID != id || res.Stored != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestIngestWebhook_RoutesByChannel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	res, err := f.webhook(t, `{"channel":"demo","events":[{"speaker":"user","text":"hi","seq":1}]}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != id || res.Stored != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestIngestWebhook_Rejections(t *testing.T) {
	t.Parallel()
	const body = `{"agent_id":"agent-1","events":[{"speaker":"user","text":"hi","seq":1}]}`

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		id := f.active(t, AgentRequest{})
		h := http.Header{}
		h.Set(transcript.HeaderTimestamp, fmt.Sprint(f.clk.Now().Unix()))
		h.Set(transcript.HeaderSignature, transcript.Sign("wrong", f.clk.Now(), []byte(body)))
		if _, err := f.o.IngestWebhook(context.Background(), h, []byte(body)); !fault.Is(err, fault.KindAuthentication) {
			t.Errorf("err = %v, want authentication", err)
		}
		if events, _ := f.o.Transcript(context.Background(), id, 0, 0); len(events) != 0 {
			t.Errorf("rejected delivery stored %d events", len(events))
		}
	})
	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.active(t, AgentRequest{})
		if _, err := f.webhook(t, `{"agent_id":"agent-1","events":[{"speaker":"bot","seq":1}]}`); !fault.Is(err, fault.KindValidation) {
			t.Errorf("err = %v, want validation", err)
		}
	})
	t.Run("unknown agent", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		if _, err := f.webhook(t, body); !fault.Is(err, fault.KindNotFound) {
			t.Errorf("err = %v, want not_found", err)
		}
	})
	t.Run("unconfigured", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *Config) { c.Verifier = nil })
		if _, err := f.webhook(t, body); !fault.Is(err, fault.KindConfiguration) {
			t.Errorf("err = %v, want configuration", err)
		}
	})
}

func TestTranscript_Since(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	for range 2 {
		if _, err := f.o.SubmitText(context.Background(), id, "again"); err != nil {
			t.Fatal(err)
		}
	}
	events, err := f.o.Transcript(context.Background(), id, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].Seq != 3 || events[1].Seq != 4 {
		t.Errorf("events = %+v", events)
	}
	if _, err := f.o.Transcript(context.Background(), id, -1, 0); !fault.Is(err, fault.KindValidation) {
		t.Errorf("negative since err = %v, want validation", err)
	}
}

func TestTranscript_LongPoll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})

	got := make(chan []transcript.Event, 1)
	go func() {
		events, _ := f.o.Transcript(context.Background(), id, 0, 5*time.Second)
		got <- events
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := f.webhook(t, `{"agent_id":"agent-1","events":[{"speaker":"user","text":"hi","seq":1}]}`); err != nil {
		t.Fatal(err)
	}
	select {
	case events := <-got:
		if len(events) != 1 || events[0].Text != "hi" {
			t.Errorf("events = %+v", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long poll did not return after a new event")
	}
}

func TestTranscript_LongPollTimesOut(t *testing.T) {
	t.Parallel()
	f := newFixture(t, func(c *Config) { c.MaxWait = 20 * time.Millisecond })
	id := f.active(t, AgentRequest{})
	events, err := f.o.Transcript(context.Background(), id, 0, time.Hour)
	if err != nil || len(events) != 0 {
		t.Errorf("Transcript = %v, %v; want empty", events, err)
	}
}

func TestFollow_DeliversUntilSessionEnds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	if _, err := f.o.SubmitText(context.Background(), id, "Tell me a joke"); err != nil {
		t.Fatal(err)
	}

	var (
		mu   sync.Mutex
		seqs []int64
	)
	done := make(chan error, 1)
	go func() {
		done <- f.o.Follow(context.Background(), id, 1, func(e transcript.Event) error {
			mu.Lock()
			seqs = append(seqs, e.Seq)
			mu.Unlock()
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := f.webhook(t, `{"agent_id":"agent-1","events":[{"speaker":"user","text":"later","seq":9}]}`); err != nil {
		t.Fatal(err)
	}
	if _, err := f.o.StopSession(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Follow err = %v, want nil after the session ended", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after the session ended")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Errorf("delivered seqs = %v, want [2 3]", seqs)
	}
}

func TestFollow_CallbackErrorStops(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	if _, err := f.o.SubmitText(context.Background(), id, "hi"); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("client gone")
	err := f.o.Follow(context.Background(), id, 0, func(transcript.Event) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want callback error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.o.Follow(ctx, id, 2, func(transcript.Event) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled err = %v, want context.Canceled", err)
	}
}

func TestTranscript_ArchiveFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	if _, err := f.o.SubmitText(context.Background(), id, "Tell me a joke"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.o.StopSession(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(session.DefaultRetention)
	if _, evicted := f.o.Store().Sweep(context.Background()); evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if _, err := f.o.Session(id); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("Session after eviction err = %v, want not_found", err)
	}

	events, err := f.o.Transcript(context.Background(), id, 1, time.Second)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if len(events) != 1 || events[0].Text != joke {
		t.Errorf("archived events = %+v", events)
	}
	if _, err := f.o.Transcript(context.Background(), "never-existed", 0, 0); !fault.Is(err, fault.KindNotFound) {
		t.Errorf("unknown session err = %v, want not_found", err)
	}
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	active := f.active(t, AgentRequest{})
	pending, _, _ := f.o.StartSession(context.Background(), "lobby", 7, 0)

	if err := f.o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.o.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	for _, id := range []string{active, pending.ID} {
		snap, _ := f.o.Session(id)
		if snap.State != session.StateStopped {
			t.Errorf("session %s state = %s, want stopped", id, snap.State)
		}
		rec, err := f.archive.Load(context.Background(), id)
		if err != nil {
			t.Errorf("session %s not archived: %v", id, err)
			continue
		}
		if rec.State != string(session.StateStopped) {
			t.Errorf("archived state = %q", rec.State)
		}
	}
	if _, leaves, _ := f.agents.Snapshot(); len(leaves) != 1 || leaves[0] != "agent-1" {
		t.Errorf("leaves = %v", leaves)
	}
}

func TestShutdown_RejectsNewWork(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.joined(t)
	if err := f.o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, _, err := f.o.StartSession(context.Background(), "demo", 43, 0); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("StartSession after Shutdown: err = %v, want invalid_state", err)
	}
	if _, err := f.o.StartAgent(context.Background(), id, AgentRequest{}); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("StartAgent after Shutdown: err = %v, want invalid_state", err)
	}
	if _, err := f.o.JoinChannel(context.Background(), id); !fault.Is(err, fault.KindInvalidState) {
		t.Errorf("JoinChannel after Shutdown: err = %v, want invalid_state", err)
	}
	if joins, _, _ := f.agents.Snapshot(); len(joins) != 0 {
		t.Errorf("joins = %d after Shutdown, want 0", len(joins))
	}
	if n := f.o.Store().Len(); n != 1 {
		t.Errorf("store holds %d sessions, want only the one from before Shutdown", n)
	}
}

func TestShutdown_WaitsForInflightStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	entered, release := make(chan struct{}), make(chan struct{})
	f.agents.JoinFunc = func(context.Context, agent.JoinRequest) (string, error) {
		close(entered)
		<-release
		return "agent-late", nil
	}
	id := f.joined(t)

	started := make(chan error, 1)
	go func() {
		_, err := f.o.StartAgent(context.Background(), id, AgentRequest{})
		started <- err
	}()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- f.o.Shutdown(context.Background()) }()
	select {
	case err := <-stopped:
		t.Fatalf("Shutdown returned %v before the in-flight start finished", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	if err := <-started; err != nil {
		t.Fatalf("in-flight StartAgent: %v", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if snap, _ := f.o.Session(id); snap.State != session.StateStopped {
		t.Errorf("state = %s, want stopped", snap.State)
	}
	if _, leaves, _ := f.agents.Snapshot(); len(leaves) != 1 || leaves[0] != "agent-late" {
		t.Errorf("leaves = %v, want the late agent stopped", leaves)
	}
}

func TestTargets(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	id := f.active(t, AgentRequest{})
	f.joined(t)
	targets := f.o.Targets()
	if len(targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(targets))
	}
	if tg := targets[0]; tg.SessionID != id || tg.AgentID != "agent-1" || tg.Channel != "demo" || !tg.ActiveSince.Equal(t0) {
		t.Errorf("target = %+v", tg)
	}
}
