package media

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoPorts is returned when the pool is exhausted. The dispatcher
// maps it to 503 Service Unavailable with Retry-After.
var ErrNoPorts = errors.New("media: no ports available")

// PortPool hands out local RTP ports for media sessions. Ports are
// allocated in even/odd pairs so an RTCP port stays reserved next to
// each RTP port.
type PortPool struct {
	mu        sync.Mutex
	minPort   int
	maxPort   int
	available map[int]bool
	allocated map[int]bool
}

// NewPortPool creates a pool over [minPort, maxPort).
func NewPortPool(minPort, maxPort int) *PortPool {
	if minPort%2 != 0 {
		minPort++
	}

	available := make(map[int]bool)
	for port := minPort; port < maxPort; port += 2 {
		available[port] = true
	}

	return &PortPool{
		minPort:   minPort,
		maxPort:   maxPort,
		available: available,
		allocated: make(map[int]bool),
	}
}

// Allocate returns an RTP port, or ErrNoPorts when exhausted.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := range p.available {
		delete(p.available, port)
		p.allocated[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("%w (range %d-%d)", ErrNoPorts, p.minPort, p.maxPort)
}

// Release returns a port to the pool.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated[port] {
		delete(p.allocated, port)
		p.available[port] = true
	}
}

// Available returns the number of free ports.
func (p *PortPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}
