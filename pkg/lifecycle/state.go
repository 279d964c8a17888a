// Package lifecycle tracks the service's readiness and runs its
// long-lived components.
//
// The service moves through a small state machine:
//
//	Starting -> Ready -> Draining -> Stopped
//
// Any non-terminal state may move to Failed. Only Ready accepts traffic;
// readiness probes report everything else as unavailable so load
// balancers stop routing before the listener closes.
package lifecycle

// State is the service's lifecycle position.
type State string

const (
	// StateStarting is the initial state, while dependencies connect and
	// caches warm.
	StateStarting State = "starting"

	// StateReady accepts traffic.
	StateReady State = "ready"

	// StateDraining finishes in-flight requests before shutdown.
	StateDraining State = "draining"

	// StateStopped is terminal after a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed is terminal after a component error.
	StateFailed State = "failed"
)

func (s State) String() string {
	return string(s)
}

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateStarting, StateReady, StateDraining, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions:
//
//	Starting -> Ready, Draining, Failed
//	Ready    -> Draining, Failed
//	Draining -> Stopped, Failed
var validTransitions = map[State][]State{
	StateStarting: {StateReady, StateDraining, StateFailed},
	StateReady:    {StateDraining, StateFailed},
	StateDraining: {StateStopped, StateFailed},
}

// ValidTransition reports whether from may move to to. Same-state
// transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
