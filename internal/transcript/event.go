// Package transcript aggregates the utterances of a voice-agent session into
// one ordered, deduplicated log.
//
// Events reach a [Log] from three places: signed webhook deliveries pushed by
// the agent provider ([Verifier], [ParsePayload]), the history endpoint
// polled by a [Poller] when pushes go quiet, and the local text bridge.
// Remote events are deduplicated on (speaker, provider sequence); every
// stored event is assigned a fresh, strictly increasing session sequence.
// Whichever path delivers an event first wins; readers never need to know
// which one it was.
//
// A [Log] is safe for concurrent use.
package transcript

import (
	"time"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/pkg/provider/agent"
)

// Speaker identifies who produced an utterance.
type Speaker string

const (
	SpeakerUser  Speaker = agent.SpeakerUser
	SpeakerAgent Speaker = agent.SpeakerAgent
)

// ParseSpeaker validates a speaker name.
func ParseSpeaker(s string) (Speaker, error) {
	switch Speaker(s) {
	case SpeakerUser, SpeakerAgent:
		return Speaker(s), nil
	}
	return "", fault.Validation("transcript.speaker", "unknown speaker %q", s)
}

// Source records how an event reached the log.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceLocal   Source = "local"
)

// Delivery is the speech delivery status of an agent reply produced by the
// text bridge. Events from other sources leave it empty.
type Delivery string

const (
	DeliveryTextOnly Delivery = "text_only"
	DeliveryPending  Delivery = "pending"
	DeliverySpoken   Delivery = "spoken"
	DeliveryFailed   Delivery = "failed"
)

// Event is one stored utterance.
type Event struct {
	// Seq is the session sequence assigned at ingestion, starting at 1.
	Seq int64 `json:"seq"`

	// OriginSeq is the provider-reported sequence. It is zero for events
	// produced locally.
	OriginSeq int64 `json:"origin_seq,omitempty"`

	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Delivery  Delivery  `json:"delivery,omitempty"`
}

// Remote is an event as reported by the agent provider, before ingestion.
type Remote struct {
	Speaker   Speaker
	Text      string
	OriginSeq int64

	// Timestamp is the origin time. Zero means ingestion time.
	Timestamp time.Time
}

// FromHistory converts provider history entries to remote events, skipping
// entries with an unknown speaker or no sequence.
func FromHistory(entries []agent.HistoryEntry) []Remote {
	out := make([]Remote, 0, len(entries))
	for _, e := range entries {
		sp, err := ParseSpeaker(e.Speaker)
		if err != nil || e.Seq <= 0 {
			continue
		}
		out = append(out, Remote{Speaker: sp, Text: e.Text, OriginSeq: e.Seq, Timestamp: e.Timestamp})
	}
	return out
}
