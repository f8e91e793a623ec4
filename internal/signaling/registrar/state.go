package registrar

import "fmt"

// State is the registration lifecycle state.
type State int

const (
	// StateUnregistered means no registration exists yet
	StateUnregistered State = iota
	// StateChallenged means the platform replied 401/407 and we are
	// re-sending with credentials
	StateChallenged
	// StateRegistered means the platform accepted our registration
	StateRegistered
	// StateExpiring means the renewal window is open and no 200 OK has
	// arrived yet
	StateExpiring
	// StateFailed means three consecutive attempts failed; backoff applies
	StateFailed
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "Unregistered"
	case StateChallenged:
		return "Challenged"
	case StateRegistered:
		return "Registered"
	case StateExpiring:
		return "Expiring"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[State][]State{
	StateUnregistered: {StateChallenged, StateRegistered, StateFailed},
	StateChallenged:   {StateRegistered, StateUnregistered, StateFailed},
	StateRegistered:   {StateExpiring, StateUnregistered, StateFailed},
	StateExpiring:     {StateRegistered, StateUnregistered, StateFailed},
	StateFailed:       {StateUnregistered, StateChallenged, StateRegistered},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
