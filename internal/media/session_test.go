package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionStateTransitions(t *testing.T) {
	require.True(t, SessionStarting.CanTransitionTo(SessionPlaying))
	require.True(t, SessionPlaying.CanTransitionTo(SessionError))
	require.True(t, SessionError.CanTransitionTo(SessionStarting))
	require.True(t, SessionStopping.CanTransitionTo(SessionStopped))

	// Stopped is terminal; playing cannot jump back to starting.
	require.False(t, SessionStopped.CanTransitionTo(SessionStarting))
	require.False(t, SessionPlaying.CanTransitionTo(SessionStarting))
	require.False(t, SessionStopping.CanTransitionTo(SessionPlaying))
}

func TestSessionTransitionTo(t *testing.T) {
	s := &Session{state: SessionStarting}

	require.NoError(t, s.transitionTo(SessionPlaying))
	require.Equal(t, SessionPlaying, s.State())

	err := s.transitionTo(SessionStarting)
	require.Error(t, err)
	require.Equal(t, SessionPlaying, s.State())
}

func TestEndpointKey(t *testing.T) {
	s := &Session{
		ChannelID:  "34020000001310000001",
		RemoteIP:   "10.0.0.5",
		RemotePort: 30000,
	}

	require.Equal(t, "34020000001310000001|10.0.0.5:30000", s.Key())
	require.Equal(t, s.Key(), EndpointKey("34020000001310000001", "10.0.0.5", 30000))
	require.NotEqual(t, s.Key(), EndpointKey("34020000001310000001", "10.0.0.5", 30002))
}

func TestSessionStateString(t *testing.T) {
	require.Equal(t, "starting", SessionStarting.String())
	require.Equal(t, "playing", SessionPlaying.String())
	require.Equal(t, "stopped", SessionStopped.String())
}
