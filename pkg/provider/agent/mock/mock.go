// Package mock provides a test double for the agent.Provider interface.
//
// Set result fields (or the Func hooks for dynamic behaviour) before use and
// inspect the recorded calls afterwards. Provider is safe for concurrent use.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/agentline/pkg/provider/agent"
)

// SpeakCall records a single invocation of Speak.
type SpeakCall struct {
	AgentID string
	Text    string
}

// Provider is a mock implementation of agent.Provider.
//
// When JoinID is empty, JoinAgent returns a generated "agent-<n>" id.
type Provider struct {
	mu sync.Mutex

	// JoinID is returned by JoinAgent when non-empty.
	JoinID string
	// JoinErr, if non-nil, is returned by JoinAgent.
	JoinErr error
	// JoinFunc, if set, replaces the canned JoinAgent behaviour.
	JoinFunc func(ctx context.Context, req agent.JoinRequest) (string, error)

	// LeaveErr, if non-nil, is returned by LeaveAgent.
	LeaveErr error

	// SpeakErr, if non-nil, is returned by Speak.
	SpeakErr error
	// SpeakFunc, if set, replaces the canned Speak behaviour.
	SpeakFunc func(ctx context.Context, agentID, text string) error

	// History is filtered by SinceSeq and returned by FetchHistory.
	History []agent.HistoryEntry
	// HistoryErr, if non-nil, is returned by FetchHistory.
	HistoryErr error

	// Call records.
	JoinCalls    []agent.JoinRequest
	LeaveCalls   []string
	SpeakCalls   []SpeakCall
	HistoryCalls []agent.HistoryQuery

	joined int
}

// JoinAgent records the call and returns JoinID (or a generated id), JoinErr.
func (p *Provider) JoinAgent(ctx context.Context, req agent.JoinRequest) (string, error) {
	p.mu.Lock()
	p.JoinCalls = append(p.JoinCalls, req)
	fn := p.JoinFunc
	if fn == nil {
		defer p.mu.Unlock()
		if p.JoinErr != nil {
			return "", p.JoinErr
		}
		p.joined++
		if p.JoinID != "" {
			return p.JoinID, nil
		}
		return fmt.Sprintf("agent-%d", p.joined), nil
	}
	p.mu.Unlock()
	return fn(ctx, req)
}

// LeaveAgent records the call and returns LeaveErr.
func (p *Provider) LeaveAgent(_ context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LeaveCalls = append(p.LeaveCalls, agentID)
	return p.LeaveErr
}

// Speak records the call and returns SpeakErr.
func (p *Provider) Speak(ctx context.Context, agentID, text string) error {
	p.mu.Lock()
	p.SpeakCalls = append(p.SpeakCalls, SpeakCall{AgentID: agentID, Text: text})
	fn, err := p.SpeakFunc, p.SpeakErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, agentID, text)
	}
	return err
}

// FetchHistory records the call and returns the History entries after
// q.SinceSeq.
func (p *Provider) FetchHistory(_ context.Context, q agent.HistoryQuery) ([]agent.HistoryEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.HistoryCalls = append(p.HistoryCalls, q)
	if p.HistoryErr != nil {
		return nil, p.HistoryErr
	}
	var out []agent.HistoryEntry
	for _, e := range p.History {
		if e.Seq > q.SinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// SetHistory replaces the canned history. Thread-safe.
func (p *Provider) SetHistory(entries ...agent.HistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.History = entries
}

// Snapshot returns copies of the call records. Thread-safe.
func (p *Provider) Snapshot() (joins []agent.JoinRequest, leaves []string, speaks []SpeakCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.JoinRequest(nil), p.JoinCalls...),
		append([]string(nil), p.LeaveCalls...),
		append([]SpeakCall(nil), p.SpeakCalls...)
}

// HistoryCallCount returns the number of FetchHistory calls. Thread-safe.
func (p *Provider) HistoryCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.HistoryCalls)
}

// Ensure Provider implements agent.Provider at compile time.
var _ agent.Provider = (*Provider)(nil)
