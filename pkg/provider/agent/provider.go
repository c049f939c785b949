// Package agent defines the Provider interface for conversational-agent
// backends: services that host a server-side participant which joins an audio
// channel, listens, reasons through an LLM and speaks replies back.
//
// The orchestrator only ever sees this contract. It starts an agent bound to
// a channel, asks it to speak text, pulls its transcript history when push
// delivery goes quiet, and finally removes it from the channel.
//
// Implementations must be safe for concurrent use and must classify errors
// with the fault package so the retry controller can tell transient failures
// from terminal ones.
package agent

import (
	"context"
	"time"
)

// Speaker values used in [HistoryEntry].
const (
	SpeakerUser  = "user"
	SpeakerAgent = "agent"
)

// Config is the immutable configuration attached to an agent-start request.
// The zero value is not useful; at least the reasoning model should be set.
type Config struct {
	// Profile names the configured agent profile this config was built from.
	Profile string

	// LLMProvider and LLMModel select the reasoning backend.
	LLMProvider string
	LLMModel    string

	// TTSProvider, TTSModel and TTSVoice select speech synthesis.
	TTSProvider string
	TTSModel    string
	TTSVoice    string

	// SystemPrompt is sent to the reasoning backend. It is never echoed into
	// client-visible transcripts.
	SystemPrompt string

	// Greeting, when non-empty, is spoken by the agent right after joining.
	Greeting string

	// SpeechEnabled makes replies from the text bridge spoken into the channel.
	SpeechEnabled bool

	// IdleTimeout lets the provider remove an agent that has heard nothing
	// for this long. Zero means the provider default.
	IdleTimeout time.Duration
}

// JoinRequest carries everything needed to place an agent in a channel.
type JoinRequest struct {
	// Name is a caller-chosen unique name for the agent instance.
	Name string

	// Channel is the audio channel the agent joins.
	Channel string

	// Token is the agent's channel credential.
	Token string

	// AgentUID is the numeric identity the agent publishes as.
	AgentUID uint32

	// RemoteUIDs lists the participants the agent subscribes to.
	RemoteUIDs []uint32

	// Config is the agent configuration.
	Config Config
}

// HistoryQuery selects transcript history for an agent.
type HistoryQuery struct {
	AgentID string
	Channel string

	// SinceSeq excludes entries whose Seq is less than or equal to it.
	SinceSeq int64
}

// HistoryEntry is one utterance as reported by the provider.
type HistoryEntry struct {
	// Speaker is [SpeakerUser] or [SpeakerAgent].
	Speaker string

	// Text is the utterance content.
	Text string

	// Seq is the provider's sequence number for the utterance.
	Seq int64

	// Timestamp is the provider's time for the utterance. Zero when unknown.
	Timestamp time.Time
}

// Provider is the abstraction over a conversational-agent backend.
type Provider interface {
	// JoinAgent starts an agent in req.Channel and returns its identifier.
	JoinAgent(ctx context.Context, req JoinRequest) (string, error)

	// LeaveAgent removes the agent from its channel.
	LeaveAgent(ctx context.Context, agentID string) error

	// Speak makes the agent vocalize text into the channel.
	Speak(ctx context.Context, agentID, text string) error

	// FetchHistory returns the agent's transcript entries after q.SinceSeq,
	// ordered by Seq.
	FetchHistory(ctx context.Context, q HistoryQuery) ([]HistoryEntry, error)
}
