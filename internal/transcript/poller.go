package transcript

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/agentline/internal/resilience"
	"github.com/MrWong99/agentline/pkg/provider/agent"
)

// Default polling parameters.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultStalenessWindow = 10 * time.Second
	defaultPollConcurrency = 8
)

// Target is a session the poller may fetch history for.
type Target struct {
	SessionID string
	AgentID   string
	Channel   string
	Log       *Log

	// ActiveSince is when the agent started. Until the first webhook push it
	// stands in for the last push time.
	ActiveSince time.Time
}

// PollerConfig configures a [Poller].
type PollerConfig struct {
	// Provider serves the history endpoint.
	Provider agent.Provider

	// Controller wraps every fetch. Nil means fetches are not retried.
	Controller *resilience.Controller

	// Targets lists the sessions that currently own an agent.
	Targets func() []Target

	// Interval between polling rounds. Zero means [DefaultPollInterval].
	Interval time.Duration

	// Staleness is how long a target may go without a webhook push before it
	// is polled. Zero means [DefaultStalenessWindow].
	Staleness time.Duration

	// Now replaces time.Now.
	Now func() time.Time
}

// Poller is the pull fallback for webhook deliveries.
type Poller struct {
	cfg PollerConfig
}

// NewPoller creates a Poller.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStalenessWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Poller{cfg: cfg}
}

// Run polls every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce fetches history for every stale target and returns the number of
// newly stored events. Fetch failures are logged; they never stop the round.
func (p *Poller) PollOnce(ctx context.Context) int {
	now := p.cfg.Now()
	targets := p.cfg.Targets()

	stored := make([]int, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultPollConcurrency)
	for i, t := range targets {
		last := t.Log.LastPush()
		if t.ActiveSince.After(last) {
			last = t.ActiveSince
		}
		if now.Sub(last) < p.cfg.Staleness {
			continue
		}
		g.Go(func() error {
			stored[i] = p.poll(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range stored {
		total += n
	}
	return total
}

func (p *Poller) poll(ctx context.Context, t Target) int {
	q := agent.HistoryQuery{AgentID: t.AgentID, Channel: t.Channel, SinceSeq: t.Log.RemoteCursor()}
	fetch := func(ctx context.Context) ([]agent.HistoryEntry, error) {
		return p.cfg.Provider.FetchHistory(ctx, q)
	}

	var (
		entries []agent.HistoryEntry
		err     error
	)
	if p.cfg.Controller != nil {
		entries, err = resilience.Call(ctx, p.cfg.Controller, "history:"+t.AgentID, fetch)
	} else {
		entries, err = fetch(ctx)
	}
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("transcript poll failed",
				"session_id", t.SessionID, "agent_id", t.AgentID, "err", err)
		}
		return 0
	}
	n := len(t.Log.Ingest(SourcePoll, FromHistory(entries)))
	if n > 0 {
		slog.Debug("transcript poll stored events",
			"session_id", t.SessionID, "agent_id", t.AgentID, "stored", n)
	}
	return n
}
