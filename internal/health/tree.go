// Package health hosts the supervision tree the long-running services
// live under, and the graceful shutdown sequence.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay in seconds.
	FailureDecay float64
	// FailureBackoff is the duration to wait when threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's production defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the two-layer supervision tree: the signaling layer
// (SIP server, registrar, keepaliver) and the support layer (catalog
// scanner, metrics listener). A crash in one layer restarts only that
// layer's service.
type Tree struct {
	root      *suture.Supervisor
	signaling *suture.Supervisor
	support   *suture.Supervisor
	config    TreeConfig
}

// NewTree creates the supervision tree.
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logger}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("gbnvr", rootSpec)
	signaling := suture.New("signaling", childSpec)
	support := suture.New("support", childSpec)
	root.Add(signaling)
	root.Add(support)

	return &Tree{
		root:      root,
		signaling: signaling,
		support:   support,
		config:    config,
	}
}

// AddSignalingService adds a service to the signaling layer.
func (t *Tree) AddSignalingService(svc suture.Service) suture.ServiceToken {
	return t.signaling.Add(svc)
}

// AddSupportService adds a service to the support layer.
func (t *Tree) AddSupportService(svc suture.Service) suture.ServiceToken {
	return t.support.Add(svc)
}

// Serve starts the tree and blocks until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree in a background goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// ShutdownTimeout returns the configured shutdown bound.
func (t *Tree) ShutdownTimeout() time.Duration {
	return t.config.ShutdownTimeout
}
