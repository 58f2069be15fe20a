// Package session owns the lifecycle of one VPN engine: credentials,
// control-plane access, the active tunnel and its statistics.
package session

// State is the lifecycle state of a Session.
type State string

const (
	// StateUninitialized means initialize has never succeeded.
	StateUninitialized State = "uninitialized"
	// StateInitializing means credentials are being verified.
	StateInitializing State = "initializing"
	// StateReady means the session is authenticated and idle.
	StateReady State = "ready"
	// StateConnecting means a tunnel is being attached.
	StateConnecting State = "connecting"
	// StateConnected means the tunnel is carrying traffic.
	StateConnected State = "connected"
	// StateStopping means the tunnel is being torn down.
	StateStopping State = "stopping"
	// StateError means the last initialize or start failed, or the tunnel died.
	// Only initialize leaves it.
	StateError State = "error"
)

// IsRunning reports whether traffic is flowing.
func (s State) IsRunning() bool {
	return s == StateConnected
}

// IsActive reports whether a tunnel is attached or being attached.
func (s State) IsActive() bool {
	return s == StateConnecting || s == StateConnected || s == StateStopping
}

// CanInitialize reports whether initialize may run from this state.
func (s State) CanInitialize() bool {
	return s == StateUninitialized || s == StateReady || s == StateError
}

var validTransitions = map[State][]State{
	StateUninitialized: {StateInitializing},
	StateInitializing:  {StateReady, StateError},
	StateReady:         {StateInitializing, StateConnecting},
	StateConnecting:    {StateConnected, StateStopping, StateError},
	StateConnected:     {StateStopping, StateError},
	StateStopping:      {StateReady},
	StateError:         {StateInitializing},
}

// IsValidTransition checks if moving from one state to another is allowed.
func IsValidTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates returns every state.
func AllStates() []State {
	return []State{
		StateUninitialized,
		StateInitializing,
		StateReady,
		StateConnecting,
		StateConnected,
		StateStopping,
		StateError,
	}
}
