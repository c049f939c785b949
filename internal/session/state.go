package session

// State is a session lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateTokenIssued State = "token_issued"
	StateJoined      State = "joined"
	StateStarting    State = "starting"
	StateAgentActive State = "agent_active"
	StateSpeaking    State = "speaking"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
	StateError       State = "error"
	StateExpired     State = "expired"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateIdle, StateTokenIssued, StateJoined, StateStarting, StateAgentActive,
	StateSpeaking, StateStopping, StateStopped, StateError, StateExpired,
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateError || s == StateExpired
}

// HasAgent reports whether a session in s owns a remote agent.
func (s State) HasAgent() bool {
	return s == StateAgentActive || s == StateSpeaking
}

// Expirable reports whether a lapsed credential expires a session in s.
func (s State) Expirable() bool {
	return s == StateTokenIssued || s == StateJoined
}

// transitions lists the legal targets of every non-terminal state. Every
// non-terminal state may also move to StateError.
var transitions = map[State][]State{
	StateIdle:        {StateTokenIssued, StateStopped},
	StateTokenIssued: {StateJoined, StateExpired, StateStopped},
	StateJoined:      {StateTokenIssued, StateStarting, StateExpired, StateStopped},
	StateStarting:    {StateAgentActive},
	StateAgentActive: {StateSpeaking, StateStopping},
	StateSpeaking:    {StateAgentActive, StateStopping},
	StateStopping:    {StateStopped},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateError {
		return true
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
