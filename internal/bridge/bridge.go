// Package bridge turns a user's typed message into a reasoned agent reply
// and, when the agent speaks, routes the reply into the live channel.
//
// Reasoning is synchronous: [Bridge.SubmitText] returns once the reply text
// exists. Speech is not: the speak call runs as a background task tied to the
// session, and its outcome is written back onto the stored reply as a
// delivery status. A failed or cancelled speak degrades the reply to text;
// it never fails the submission.
package bridge

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/observe"
	"github.com/MrWong99/agentline/internal/resilience"
	"github.com/MrWong99/agentline/internal/session"
	"github.com/MrWong99/agentline/internal/transcript"
	"github.com/MrWong99/agentline/pkg/provider/agent"
	"github.com/MrWong99/agentline/pkg/provider/llm"
)

// Defaults applied by [New].
const (
	DefaultMaxTextLength = 4000
	DefaultHistoryTurns  = 6
)

// Config holds the [Bridge] collaborators.
type Config struct {
	// Reasoner produces replies.
	Reasoner llm.Provider

	// ReasonerName labels reasoning metrics. Defaults to "llm".
	ReasonerName string

	// ReasonController wraps every reasoning call. Required.
	ReasonController *resilience.Controller

	// Speaker makes the agent speak replies.
	Speaker agent.Provider

	// SpeakController wraps every speak call. Required.
	SpeakController *resilience.Controller

	// MaxTextLength caps a submission, in runes.
	MaxTextLength int

	// HistoryTurns is how many earlier transcript events are sent along as
	// conversation context.
	HistoryTurns int

	// Metrics may be nil.
	Metrics *observe.Metrics
}

// Exchange is the result of one submission.
type Exchange struct {
	User  transcript.Event `json:"user"`
	Agent transcript.Event `json:"agent"`
}

// Bridge implements text submission. It is safe for concurrent use;
// concurrent submissions on one session are allowed and reason in parallel.
type Bridge struct {
	cfg   Config
	tasks sync.WaitGroup
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	if cfg.ReasonerName == "" {
		cfg.ReasonerName = "llm"
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	} else if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	return &Bridge{cfg: cfg}
}

// ValidateText normalizes and checks a submission.
func (b *Bridge) ValidateText(text string) (string, error) {
	const op = "bridge.submit_text"
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fault.Validation(op, "text must not be empty")
	}
	if !utf8.ValidString(text) {
		return "", fault.Validation(op, "text must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(text); n > b.cfg.MaxTextLength {
		return "", fault.Validation(op, "text is %d characters, limit is %d", n, b.cfg.MaxTextLength)
	}
	return text, nil
}

// SubmitText stores text as a user utterance, reasons a reply, stores the
// reply and, when the agent speaks, starts speaking it.
//
// The session must own an agent. When reasoning fails the user event stays
// stored and is returned alongside the error.
func (b *Bridge) SubmitText(ctx context.Context, s *session.Session, text string) (Exchange, error) {
	text, err := b.ValidateText(text)
	if err != nil {
		return Exchange{}, err
	}
	agentID, _, cfg, _, ok := s.Agent()
	if !ok {
		return Exchange{}, fault.InvalidState("bridge.submit_text",
			"session %s is %s, want %s or %s", s.ID(), s.State(), session.StateAgentActive, session.StateSpeaking)
	}
	log := observe.SessionLogger(ctx, s.ID())

	history := s.Log().Recent(b.cfg.HistoryTurns)
	user := s.Log().AppendLocal(transcript.SpeakerUser, text, "")
	ex := Exchange{User: user}

	reply, err := b.reason(ctx, cfg, history, text)
	if err != nil {
		log.Warn("reasoning failed", "agent_id", agentID, "kind", fault.KindOf(err), "err", err)
		return ex, err
	}

	if !cfg.SpeechEnabled {
		ex.Agent = s.Log().AppendLocal(transcript.SpeakerAgent, reply, transcript.DeliveryTextOnly)
		return ex, nil
	}
	speechCtx, done, err := s.BeginSpeech()
	if err != nil {
		// The agent went away while reasoning; the reply is still worth
		// showing.
		ex.Agent = s.Log().AppendLocal(transcript.SpeakerAgent, reply, transcript.DeliveryTextOnly)
		return ex, nil
	}
	ex.Agent = s.Log().AppendLocal(transcript.SpeakerAgent, reply, transcript.DeliveryPending)

	b.tasks.Add(1)
	go func() {
		defer b.tasks.Done()
		defer done()
		b.speak(speechCtx, s, agentID, ex.Agent)
	}()
	return ex, nil
}

func (b *Bridge) reason(ctx context.Context, cfg agent.Config, history []transcript.Event, text string) (string, error) {
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, e := range history {
		role := llm.RoleUser
		if e.Speaker == transcript.SpeakerAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: e.Text})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	req := llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: cfg.SystemPrompt,
		Model:        cfg.LLMModel,
	}

	ctx, span := observe.StartSpan(ctx, "bridge.reason")
	defer span.End()
	start := time.Now()
	resp, err := resilience.Call(ctx, b.cfg.ReasonController, "", func(ctx context.Context) (*llm.CompletionResponse, error) {
		t := time.Now()
		resp, err := b.cfg.Reasoner.Complete(ctx, req)
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.RecordProviderCall(ctx, b.cfg.ReasonerName, "complete", time.Since(t), string(fault.KindOf(err)))
		}
		return resp, err
	})
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.ReasoningDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		observe.RecordError(span, err)
		return "", err
	}
	reply := ""
	if resp != nil {
		reply = strings.TrimSpace(resp.Content)
	}
	if reply == "" {
		return "", fault.New(fault.KindProvider, "bridge.reason", "reasoning returned an empty reply")
	}
	return reply, nil
}

// SpeakKey is the coalescing key of a speak call. It names one stored reply,
// so a retried speak of that reply is one request while two replies with the
// same text are spoken separately.
func SpeakKey(sessionID string, seq int64) string {
	return "speak:" + sessionID + ":" + strconv.FormatInt(seq, 10)
}

func (b *Bridge) speak(ctx context.Context, s *session.Session, agentID string, reply transcript.Event) {
	log := observe.SessionLogger(ctx, s.ID())
	err := b.cfg.SpeakController.Do(ctx, SpeakKey(s.ID(), reply.Seq), func(ctx context.Context) error {
		t := time.Now()
		err := b.cfg.Speaker.Speak(ctx, agentID, reply.Text)
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.RecordProviderCall(ctx, "agent", "speak", time.Since(t), string(fault.KindOf(err)))
		}
		return err
	})
	status := transcript.DeliverySpoken
	if err != nil {
		status = transcript.DeliveryFailed
		log.Warn("speech failed, reply delivered as text",
			"agent_id", agentID, "seq", reply.Seq, "kind", fault.KindOf(err), "err", err)
	}
	if serr := s.Log().SetDelivery(reply.Seq, status); serr != nil {
		log.Error("update delivery status", "seq", reply.Seq, "err", serr)
	}
}

// Wait blocks until every background speak task has finished.
func (b *Bridge) Wait() { b.tasks.Wait() }
