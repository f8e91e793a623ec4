package media

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// SessionState is the lifecycle state of a media session.
type SessionState int

const (
	SessionStarting SessionState = iota
	SessionPlaying
	SessionError
	SessionStopping
	SessionStopped
)

// String returns the string representation of the state
func (s SessionState) String() string {
	switch s {
	case SessionStarting:
		return "starting"
	case SessionPlaying:
		return "playing"
	case SessionError:
		return "error"
	case SessionStopping:
		return "stopping"
	case SessionStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// validSessionTransitions defines which state transitions are allowed.
var validSessionTransitions = map[SessionState][]SessionState{
	SessionStarting: {SessionPlaying, SessionError, SessionStopping, SessionStopped},
	SessionPlaying:  {SessionError, SessionStopping, SessionStopped},
	SessionError:    {SessionStarting, SessionStopping, SessionStopped},
	SessionStopping: {SessionStopped},
	SessionStopped:  {},
}

// CanTransitionTo checks whether the transition is allowed.
func (s SessionState) CanTransitionTo(next SessionState) bool {
	for _, allowed := range validSessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Session is one dialog-bound media session.
type Session struct {
	mu sync.RWMutex

	ID        string
	ChannelID string
	CallID    string

	RemoteIP   string
	RemotePort int
	// SSRC is the negotiated 10-digit decimal string; SSRCValue the
	// numeric form on the wire.
	SSRC      string
	SSRCValue uint32

	PayloadType uint8
	LocalPort   int

	state        SessionState
	StartedAt    time.Time
	ErrorCount   int
	RestartCount int

	pipeline Pipeline
	stopCh   chan struct{}
	stopWg   sync.WaitGroup
}

// EndpointKey identifies the (channel, remote endpoint) pair a session
// is bound to. At most one session per key is ever playing.
func EndpointKey(channelID, remoteIP string, remotePort int) string {
	return channelID + "|" + net.JoinHostPort(remoteIP, fmt.Sprint(remotePort))
}

// Key returns the session's endpoint key.
func (s *Session) Key() string {
	return EndpointKey(s.ChannelID, s.RemoteIP, s.RemotePort)
}

// State returns the current state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// transitionTo attempts a state transition.
func (s *Session) transitionTo(next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.CanTransitionTo(next) {
		return fmt.Errorf("invalid session transition: %s -> %s", s.state, next)
	}
	s.state = next
	return nil
}
