package media

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sebas/gbnvr/internal/catalog"
	"github.com/sebas/gbnvr/internal/metrics"
)

// restartBackoff is the supervised restart schedule. After the table is
// exhausted the last entry repeats until maxRestarts gives up.
var restartBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// steadyPlayInterval is how long a session must play before its
// restart counter resets.
const steadyPlayInterval = 60 * time.Second

// EndReason tells the session-end callback why a session went away.
type EndReason int

const (
	EndReasonEOS EndReason = iota
	EndReasonGiveUp
	EndReasonReplaced
	EndReasonStopped
)

// String returns the string representation of the reason
func (r EndReason) String() string {
	switch r {
	case EndReasonEOS:
		return "eos"
	case EndReasonGiveUp:
		return "give-up"
	case EndReasonReplaced:
		return "replaced"
	case EndReasonStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StartRequest carries everything needed to spawn a session for an
// accepted INVITE.
type StartRequest struct {
	CallID  string
	Channel catalog.Channel
	Offer   *Offer
	Encode  EncodeParams
}

// Manager owns all media sessions. It enforces the one-playing-session
// invariant per (channel, remote endpoint), spawns pipelines and
// supervises them.
type Manager struct {
	runner      Runner
	ports       *PortPool
	maxRestarts int

	mu       sync.Mutex
	sessions map[string]*Session // endpoint key -> session
	byCall   map[string]*Session // Call-ID -> session

	// onEnd is invoked outside the lock when the manager terminates a
	// session on its own (EOS, supervision give-up). The signaling
	// layer sends BYE and the failure NOTIFY from it.
	onEnd func(s *Session, reason EndReason)

	ssrcSerial atomic.Uint32
	closed     atomic.Bool
}

// NewManager creates a session manager.
func NewManager(runner Runner, ports *PortPool, maxRestarts int) *Manager {
	return &Manager{
		runner:      runner,
		ports:       ports,
		maxRestarts: maxRestarts,
		sessions:    make(map[string]*Session),
		byCall:      make(map[string]*Session),
	}
}

// SetOnEnd sets the session-end callback.
func (m *Manager) SetOnEnd(fn func(s *Session, reason EndReason)) {
	m.onEnd = fn
}

// Start spawns a session for an accepted INVITE and returns it once
// the pipeline has initialised. A prior session for the same
// (channel, remote endpoint) is stopped in an orderly fashion first.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("media: manager shutting down")
	}

	ssrcText := req.Offer.SSRC
	if ssrcText == "" {
		ssrcText = DeriveSSRC(req.Channel.ID, m.ssrcSerial.Add(1))
		slog.Debug("[Media] Offer carried no y= line, derived SSRC", "ssrc", ssrcText)
	}
	ssrc, err := ParseSSRC(ssrcText)
	if err != nil {
		return nil, err
	}

	key := EndpointKey(req.Channel.ID, req.Offer.RemoteIP, req.Offer.Port)
	m.mu.Lock()
	prior := m.sessions[key]
	m.mu.Unlock()
	if prior != nil {
		slog.Info("[Media] Replacing session for endpoint",
			"session_id", prior.ID, "channel", req.Channel.ID)
		m.stop(prior, EndReasonReplaced)
	}

	localPort, err := m.ports.Allocate()
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:          uuid.NewString(),
		ChannelID:   req.Channel.ID,
		CallID:      req.CallID,
		RemoteIP:    req.Offer.RemoteIP,
		RemotePort:  req.Offer.Port,
		SSRC:        ssrcText,
		SSRCValue:   ssrc,
		PayloadType: req.Offer.PayloadType,
		LocalPort:   localPort,
		state:       SessionStarting,
		StartedAt:   time.Now(),
		stopCh:      make(chan struct{}),
	}

	spec := GraphSpec{
		Channel:     req.Channel,
		Encode:      req.Encode,
		PayloadType: req.Offer.PayloadType,
		SSRC:        ssrc,
		LocalPort:   localPort,
		Remote: &net.UDPAddr{
			IP:   net.ParseIP(req.Offer.RemoteIP),
			Port: req.Offer.Port,
		},
		Loop: req.Channel.Loop,
	}

	pipeline, err := m.runner.Build(spec)
	if err != nil {
		m.ports.Release(localPort)
		return nil, fmt.Errorf("media: build pipeline: %w", err)
	}
	if err := pipeline.Start(context.WithoutCancel(ctx)); err != nil {
		m.ports.Release(localPort)
		return nil, fmt.Errorf("media: start pipeline: %w", err)
	}
	sess.pipeline = pipeline

	m.mu.Lock()
	if cur := m.sessions[key]; cur != nil {
		// A concurrent INVITE for the same endpoint won the race while
		// we were building; keep the standing session.
		m.mu.Unlock()
		pipeline.Stop()
		m.ports.Release(localPort)
		return nil, fmt.Errorf("media: concurrent session start for %s", key)
	}
	m.sessions[key] = sess
	m.byCall[req.CallID] = sess
	m.mu.Unlock()

	sess.stopWg.Add(1)
	go m.watch(sess, spec)

	slog.Info("[Media] Session started",
		"session_id", sess.ID,
		"channel", sess.ChannelID,
		"remote", fmt.Sprintf("%s:%d", sess.RemoteIP, sess.RemotePort),
		"ssrc", sess.SSRC,
		"local_port", sess.LocalPort,
	)
	return sess, nil
}

// StopByCallID stops the session bound to a dialog (inbound BYE path).
func (m *Manager) StopByCallID(callID string) bool {
	m.mu.Lock()
	sess := m.byCall[callID]
	m.mu.Unlock()
	if sess == nil {
		return false
	}
	m.stop(sess, EndReasonStopped)
	return true
}

// StopAll stops every session. Used at shutdown, after BYEs are out.
func (m *Manager) StopAll() {
	m.closed.Store(true)

	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.stop(s, EndReasonStopped)
	}
}

// Sessions returns a snapshot of active sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// stop tears a session down and removes it from the maps. The end
// callback fires for manager-initiated reasons only; BYE-initiated and
// shutdown stops already have signalling in flight.
func (m *Manager) stop(sess *Session, reason EndReason) {
	if err := sess.transitionTo(SessionStopping); err != nil {
		// Already stopping or stopped.
		return
	}
	close(sess.stopCh)

	sess.mu.Lock()
	pipeline := sess.pipeline
	sess.mu.Unlock()
	pipeline.Stop()
	sess.stopWg.Wait()
	_ = sess.transitionTo(SessionStopped)

	m.remove(sess)
	slog.Info("[Media] Session stopped", "session_id", sess.ID, "reason", reason.String())
}

func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	key := sess.Key()
	if m.sessions[key] == sess {
		delete(m.sessions, key)
	}
	if m.byCall[sess.CallID] == sess {
		delete(m.byCall, sess.CallID)
	}
	m.mu.Unlock()

	m.ports.Release(sess.LocalPort)
}

// watch is the per-session watchdog: it consumes pipeline events,
// restarts on error with backoff, resets the counter after a steady
// playing interval, and gives up past maxRestarts.
func (m *Manager) watch(sess *Session, spec GraphSpec) {
	defer sess.stopWg.Done()

	pipeline := sess.pipeline
	var playingSince time.Time
	counted := false
	defer func() {
		if counted {
			metrics.ActiveSessions.Dec()
		}
	}()

	for {
		ev, ok := <-pipeline.Events()
		if !ok {
			return
		}

		switch ev.State {
		case PipelinePlaying:
			playingSince = time.Now()
			if err := sess.transitionTo(SessionPlaying); err == nil && !counted {
				counted = true
				metrics.ActiveSessions.Inc()
			}

		case PipelineEOS:
			if sess.State() == SessionStopping || sess.State() == SessionStopped {
				return
			}
			slog.Info("[Media] End of stream", "session_id", sess.ID)
			m.endFromWatchdog(sess, EndReasonEOS)
			return

		case PipelineStopped:
			return

		case PipelineError:
			if sess.State() == SessionStopping || sess.State() == SessionStopped {
				return
			}
			if !playingSince.IsZero() && time.Since(playingSince) >= steadyPlayInterval {
				sess.mu.Lock()
				sess.RestartCount = 0
				sess.mu.Unlock()
			}
			playingSince = time.Time{}

			sess.mu.Lock()
			sess.ErrorCount++
			sess.RestartCount++
			restarts := sess.RestartCount
			sess.mu.Unlock()
			_ = sess.transitionTo(SessionError)

			slog.Error("[Media] Pipeline error",
				"session_id", sess.ID, "error", ev.Err, "restarts", restarts)

			if restarts > m.maxRestarts {
				slog.Error("[Media] Giving up after max restarts",
					"session_id", sess.ID, "max_restarts", m.maxRestarts)
				m.endFromWatchdog(sess, EndReasonGiveUp)
				return
			}

			delay := restartBackoff[min(restarts-1, len(restartBackoff)-1)]
			select {
			case <-sess.stopCh:
				return
			case <-time.After(delay):
			}
			if sess.State() != SessionError {
				return
			}

			metrics.SessionRestarts.Inc()
			next, err := m.runner.Build(spec)
			if err == nil {
				err = next.Start(context.Background())
			}
			if err != nil {
				slog.Error("[Media] Restart failed", "session_id", sess.ID, "error", err)
				m.endFromWatchdog(sess, EndReasonGiveUp)
				return
			}
			if terr := sess.transitionTo(SessionStarting); terr != nil {
				next.Stop()
				return
			}

			old := pipeline
			pipeline = next
			sess.mu.Lock()
			sess.pipeline = next
			sess.mu.Unlock()
			old.Stop()
		}
	}
}

// endFromWatchdog finalises a session the manager terminated itself
// and notifies the signaling layer so it can send BYE (and a NOTIFY
// when a subscription exists).
func (m *Manager) endFromWatchdog(sess *Session, reason EndReason) {
	sess.mu.Lock()
	pipeline := sess.pipeline
	sess.mu.Unlock()
	pipeline.Stop()
	if err := sess.transitionTo(SessionStopping); err == nil {
		_ = sess.transitionTo(SessionStopped)
	}
	m.remove(sess)

	if m.onEnd != nil {
		m.onEnd(sess, reason)
	}
}
