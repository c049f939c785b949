// Package mock provides test doubles for the transport.Transport and
// transport.Connection interfaces.
//
// Connections never change state on their own; tests drive them with
// [Connection.Emit].
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/agentline/pkg/transport"
)

// JoinCall records a single invocation of Join.
type JoinCall struct {
	Channel string
	Token   string
	UID     uint32
}

// Transport is a mock implementation of transport.Transport.
type Transport struct {
	mu sync.Mutex

	// JoinErr, if non-nil, is returned by Join.
	JoinErr error

	// JoinCalls records every invocation of Join in order.
	JoinCalls []JoinCall

	// Conns holds every connection handed out, in order.
	Conns []*Connection
}

// Join records the call and returns a new [Connection] in StateConnecting.
func (t *Transport) Join(_ context.Context, channel, token string, uid uint32) (transport.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.JoinCalls = append(t.JoinCalls, JoinCall{Channel: channel, Token: token, UID: uid})
	if t.JoinErr != nil {
		return nil, t.JoinErr
	}
	c := &Connection{channel: channel, uid: uid, state: transport.StateConnecting}
	t.Conns = append(t.Conns, c)
	return c, nil
}

// Last returns the most recently created connection, or nil.
func (t *Transport) Last() *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Conns) == 0 {
		return nil
	}
	return t.Conns[len(t.Conns)-1]
}

// Connection is a mock implementation of transport.Connection.
type Connection struct {
	mu      sync.Mutex
	channel string
	uid     uint32
	state   transport.ConnectionState
	cb      func(transport.StateChange)
	left    int

	// LeaveErr, if non-nil, is returned by Leave.
	LeaveErr error
}

// OnStateChange implements transport.Connection.
func (c *Connection) OnStateChange(cb func(transport.StateChange)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// State implements transport.Connection.
func (c *Connection) State() transport.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Leave implements transport.Connection.
func (c *Connection) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left++
	c.state = transport.StateDisconnected
	return c.LeaveErr
}

// LeaveCount returns how many times Leave was called.
func (c *Connection) LeaveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

// Emit sets the state and synchronously invokes the registered callback.
func (c *Connection) Emit(state transport.ConnectionState, reason string) {
	c.mu.Lock()
	c.state = state
	cb := c.cb
	ev := transport.StateChange{Channel: c.channel, UID: c.uid, State: state, Reason: reason}
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Compile-time interface assertions.
var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Connection = (*Connection)(nil)
)
