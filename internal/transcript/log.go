package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/agentline/internal/fault"
	"github.com/MrWong99/agentline/internal/observe"
)

type originKey struct {
	speaker Speaker
	seq     int64
}

// Log is the ordered transcript of one session. Seq values are dense: the
// event with Seq n is the n-th stored event.
type Log struct {
	sessionID string
	now       func() time.Time
	metrics   *observe.Metrics

	mu        sync.Mutex
	events    []Event
	seen      map[originKey]struct{}
	highWater map[Speaker]int64
	lastPush  time.Time
	closed    bool

	// changed is closed and replaced whenever the log changes.
	changed chan struct{}
}

// LogOption configures a [Log].
type LogOption func(*Log)

// WithClock replaces time.Now for ingestion timestamps.
func WithClock(now func() time.Time) LogOption {
	return func(l *Log) { l.now = now }
}

// WithMetrics counts stored and duplicate events on m.
func WithMetrics(m *observe.Metrics) LogOption {
	return func(l *Log) { l.metrics = m }
}

// NewLog creates an empty log for sessionID.
func NewLog(sessionID string, opts ...LogOption) *Log {
	l := &Log{
		sessionID: sessionID,
		now:       time.Now,
		seen:      make(map[originKey]struct{}),
		highWater: make(map[Speaker]int64),
		changed:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SessionID returns the owning session's id.
func (l *Log) SessionID() string { return l.sessionID }

// AppendLocal stores an event produced by this process and returns it with
// its assigned Seq. Local events are never deduplicated.
func (l *Log) AppendLocal(speaker Speaker, text string, delivery Delivery) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.appendLocked(Event{
		Speaker:   speaker,
		Text:      text,
		Timestamp: l.now().UTC(),
		Source:    SourceLocal,
		Delivery:  delivery,
	})
	l.notifyLocked()
	l.record(SourceLocal, true)
	return e
}

// Ingest stores remote events that have not been seen before and returns
// the stored ones in ingestion order. A webhook ingest, even one made only of
// duplicates, refreshes [Log.LastPush].
func (l *Log) Ingest(source Source, remotes []Remote) []Event {
	l.mu.Lock()
	now := l.now().UTC()
	if source == SourceWebhook {
		l.lastPush = now
	}
	var stored []Event
	dups := 0
	for _, r := range remotes {
		k := originKey{speaker: r.Speaker, seq: r.OriginSeq}
		if _, ok := l.seen[k]; ok {
			dups++
			continue
		}
		l.seen[k] = struct{}{}
		if r.OriginSeq > l.highWater[r.Speaker] {
			l.highWater[r.Speaker] = r.OriginSeq
		}
		ts := r.Timestamp
		if ts.IsZero() {
			ts = now
		}
		stored = append(stored, l.appendLocked(Event{
			OriginSeq: r.OriginSeq,
			Speaker:   r.Speaker,
			Text:      r.Text,
			Timestamp: ts.UTC(),
			Source:    source,
		}))
	}
	if len(stored) > 0 {
		l.notifyLocked()
	}
	l.mu.Unlock()

	for range stored {
		l.record(source, true)
	}
	for range dups {
		l.record(source, false)
	}
	return stored
}

func (l *Log) appendLocked(e Event) Event {
	e.Seq = int64(len(l.events)) + 1
	l.events = append(l.events, e)
	return e
}

func (l *Log) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Log) record(source Source, stored bool) {
	if l.metrics != nil {
		l.metrics.RecordTranscriptEvent(context.Background(), string(source), stored)
	}
}

// Since returns a copy of the events with Seq > seq, in Seq order.
func (l *Log) Since(seq int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinceLocked(seq)
}

func (l *Log) sinceLocked(seq int64) []Event {
	if seq < 0 {
		seq = 0
	}
	if seq >= int64(len(l.events)) {
		return []Event{}
	}
	out := make([]Event, int64(len(l.events))-seq)
	copy(out, l.events[seq:])
	return out
}

// Wait is [Log.Since] that blocks until at least one matching event exists,
// the log is closed, or ctx is done. A closed log or a done ctx returns
// whatever is available, possibly nothing, with no error.
func (l *Log) Wait(ctx context.Context, seq int64) []Event {
	for {
		l.mu.Lock()
		events := l.sinceLocked(seq)
		if len(events) > 0 || l.closed {
			l.mu.Unlock()
			return events
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return []Event{}
		}
	}
}

// Recent returns the last n events, oldest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		return []Event{}
	}
	start := len(l.events) - n
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])
	return out
}

// Event returns the event with the given Seq.
func (l *Log) Event(seq int64) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < 1 || seq > int64(len(l.events)) {
		return Event{}, false
	}
	return l.events[seq-1], true
}

// SetDelivery updates the delivery status of a stored event in place.
func (l *Log) SetDelivery(seq int64, d Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq < 1 || seq > int64(len(l.events)) {
		return fault.NotFound("transcript.set_delivery", "no event with seq %d", seq)
	}
	l.events[seq-1].Delivery = d
	return nil
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// LastPush returns when the last webhook delivery was ingested, or the zero
// time if none was.
func (l *Log) LastPush() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastPush
}

// RemoteCursor returns the provider sequence to resume history fetches
// from: the lower of the highest user and highest agent sequence seen. A
// speaker with no remote events counts as zero, so nothing either speaker
// may still be missing is skipped. Re-sent entries are absorbed by dedup.
func (l *Log) RemoteCursor() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return min(l.highWater[SpeakerUser], l.highWater[SpeakerAgent])
}

// Close wakes every waiter. The log stays readable.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.notifyLocked()
}

// Restore builds a closed log from archived events.
func Restore(sessionID string, events []Event) *Log {
	l := NewLog(sessionID)
	l.events = append([]Event(nil), events...)
	for _, e := range events {
		if e.Source != SourceLocal {
			l.seen[originKey{speaker: e.Speaker, seq: e.OriginSeq}] = struct{}{}
		}
	}
	l.closed = true
	return l
}
