// Package transport defines the interfaces for real-time audio channel
// connectivity.
//
// The two abstractions are:
//
//   - [Transport] joins an audio channel with a credential and returns a
//     [Connection].
//   - [Connection] represents the local participant's presence in that
//     channel and reports connection state changes.
//
// The orchestrator never touches audio itself: it only needs to know when the
// local participant is publishing ([StateConnected]) and when that stops.
// Implementations live in adapter packages (transport/gateway) and must be
// safe for concurrent use.
package transport

import (
	"context"
	"fmt"
)

// ConnectionState is the local participant's channel connection state.
type ConnectionState int

const (
	// StateDisconnected means the participant is not in the channel.
	StateDisconnected ConnectionState = iota

	// StateConnecting means a join is in progress.
	StateConnecting

	// StateConnected means the participant is in the channel and publishing.
	StateConnected

	// StateReconnecting means the connection dropped and the transport is
	// retrying on its own.
	StateReconnecting

	// StateFailed means the transport gave up. The connection is unusable.
	StateFailed
)

// String returns the lowercase wire name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseState parses a wire name produced by [ConnectionState.String].
func ParseState(s string) (ConnectionState, error) {
	for st := StateDisconnected; st <= StateFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("transport: unknown connection state %q", s)
}

// StateChange describes one connection state transition.
type StateChange struct {
	// Channel is the channel the connection belongs to.
	Channel string

	// UID is the local participant's numeric identity.
	UID uint32

	// State is the new state.
	State ConnectionState

	// Reason is an optional provider-supplied explanation.
	Reason string
}

// Connection is the local participant's presence in one channel.
type Connection interface {
	// OnStateChange registers cb for state changes. Only one callback is kept;
	// later calls replace earlier ones. cb runs on an internal goroutine and
	// must not block.
	OnStateChange(cb func(StateChange))

	// State returns the most recently observed state.
	State() ConnectionState

	// Leave exits the channel. It is safe to call more than once; later calls
	// are no-ops and return nil.
	Leave() error
}

// Transport joins audio channels.
type Transport interface {
	// Join starts joining channel as uid using token. ctx bounds the join
	// attempt only; the returned Connection lives until Leave.
	Join(ctx context.Context, channel, token string, uid uint32) (Connection, error)
}
