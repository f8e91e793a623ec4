package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPortPoolAllocatesEvenPorts(t *testing.T) {
	p := NewPortPool(20000, 20010)
	require.Equal(t, 5, p.Available())

	seen := map[int]bool{}
	for range 5 {
		port, err := p.Allocate()
		require.NoError(t, err)
		require.Zero(t, port%2, "RTP ports are even, RTCP takes the odd neighbour")
		require.GreaterOrEqual(t, port, 20000)
		require.Less(t, port, 20010)
		require.False(t, seen[port])
		seen[port] = true
	}
}

func TestPortPoolExhaustion(t *testing.T) {
	p := NewPortPool(20000, 20004)

	_, err := p.Allocate()
	require.NoError(t, err)
	_, err = p.Allocate()
	require.NoError(t, err)

	_, err = p.Allocate()
	require.ErrorIs(t, err, ErrNoPorts)
}

func TestPortPoolRelease(t *testing.T) {
	p := NewPortPool(20000, 20002)

	port, err := p.Allocate()
	require.NoError(t, err)
	require.Zero(t, p.Available())

	p.Release(port)
	require.Equal(t, 1, p.Available())

	again, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, port, again)
}

func TestPortPoolReleaseUnknownPortIgnored(t *testing.T) {
	p := NewPortPool(20000, 20004)
	p.Release(30000)
	p.Release(20001)
	require.Equal(t, 2, p.Available())
}

func TestPortPoolOddMinRoundsUp(t *testing.T) {
	p := NewPortPool(20001, 20004)

	port, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, 20002, port)
}
