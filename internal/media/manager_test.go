package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/gbnvr/internal/catalog"
)

type fakePipeline struct {
	events   chan Event
	startErr error
	stopOnce sync.Once
}

func (p *fakePipeline) Start(ctx context.Context) error { return p.startErr }

func (p *fakePipeline) Stop() {
	p.stopOnce.Do(func() { close(p.events) })
}

func (p *fakePipeline) Events() <-chan Event { return p.events }

type fakeRunner struct {
	mu       sync.Mutex
	built    []*fakePipeline
	buildErr error
	startErr error

	// onBuild, when set, runs at the top of Build. Lets tests park a
	// Start call mid-flight.
	onBuild func(spec GraphSpec)
}

func (r *fakeRunner) Build(spec GraphSpec) (Pipeline, error) {
	if r.onBuild != nil {
		r.onBuild(spec)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buildErr != nil {
		return nil, r.buildErr
	}
	p := &fakePipeline{events: make(chan Event, 8), startErr: r.startErr}
	r.built = append(r.built, p)
	return p, nil
}

func (r *fakeRunner) last() *fakePipeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.built[len(r.built)-1]
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.built)
}

func testChannel() catalog.Channel {
	return catalog.Channel{
		ID:     "34020000001310000001",
		Name:   "Cam1",
		Handle: "/streams/cam1.mp4",
		Kind:   catalog.SourceFile,
		Status: catalog.StatusOn,
		Loop:   true,
	}
}

func testStartRequest(callID string) StartRequest {
	return StartRequest{
		CallID:  callID,
		Channel: testChannel(),
		Offer: &Offer{
			RemoteIP:    "10.0.0.5",
			Port:        30000,
			PayloadType: 96,
			CodecName:   "PS",
			SSRC:        "0100000001",
		},
	}
}

func TestManagerStart(t *testing.T) {
	runner := &fakeRunner{}
	ports := NewPortPool(20000, 20010)
	m := NewManager(runner, ports, 3)

	sess, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.NoError(t, err)
	require.Equal(t, "0100000001", sess.SSRC)
	require.Equal(t, uint32(100000001), sess.SSRCValue)
	require.Equal(t, uint8(96), sess.PayloadType)
	require.NotZero(t, sess.LocalPort)
	require.Equal(t, 4, ports.Available())
	require.Len(t, m.Sessions(), 1)

	m.StopAll()
	require.Empty(t, m.Sessions())
	require.Equal(t, 5, ports.Available())
}

func TestManagerDerivesSSRCWhenOfferHasNone(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(runner, NewPortPool(20000, 20010), 3)

	req := testStartRequest("call-1")
	req.Offer.SSRC = ""
	sess, err := m.Start(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, sess.SSRC, 10)
	require.NotZero(t, sess.SSRCValue)

	m.StopAll()
}

func TestManagerStartBadSSRC(t *testing.T) {
	m := NewManager(&fakeRunner{}, NewPortPool(20000, 20010), 3)

	req := testStartRequest("call-1")
	req.Offer.SSRC = "not-an-ssrc"
	_, err := m.Start(context.Background(), req)
	require.Error(t, err)
}

func TestManagerStartPortExhaustion(t *testing.T) {
	runner := &fakeRunner{}
	ports := NewPortPool(20000, 20002)
	m := NewManager(runner, ports, 3)

	_, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.NoError(t, err)

	req := testStartRequest("call-2")
	req.Offer.Port = 30002 // different endpoint, no replacement
	_, err = m.Start(context.Background(), req)
	require.ErrorIs(t, err, ErrNoPorts)

	m.StopAll()
}

func TestManagerStartBuildFailureReleasesPort(t *testing.T) {
	runner := &fakeRunner{buildErr: errors.New("no such file")}
	ports := NewPortPool(20000, 20002)
	m := NewManager(runner, ports, 3)

	_, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.Error(t, err)
	require.Equal(t, 1, ports.Available())
}

func TestManagerStartPipelineFailureReleasesPort(t *testing.T) {
	runner := &fakeRunner{startErr: errors.New("bind failed")}
	ports := NewPortPool(20000, 20002)
	m := NewManager(runner, ports, 3)

	_, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.Error(t, err)
	require.Equal(t, 1, ports.Available())
}

func TestManagerReplacesSessionForSameEndpoint(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(runner, NewPortPool(20000, 20010), 3)

	var ended []EndReason
	var endedMu sync.Mutex
	m.SetOnEnd(func(s *Session, reason EndReason) {
		endedMu.Lock()
		ended = append(ended, reason)
		endedMu.Unlock()
	})

	first, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.NoError(t, err)

	// Same channel and remote endpoint: the prior session is replaced.
	second, err := m.Start(context.Background(), testStartRequest("call-2"))
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Len(t, m.Sessions(), 1)
	require.Equal(t, SessionStopped, first.State())

	// Replacement is caller-initiated; the end callback stays quiet.
	endedMu.Lock()
	require.Empty(t, ended)
	endedMu.Unlock()

	require.False(t, m.StopByCallID("call-1"))
	require.True(t, m.StopByCallID("call-2"))
}

func TestManagerConcurrentStartSameEndpoint(t *testing.T) {
	runner := &fakeRunner{}
	ports := NewPortPool(20000, 20010)
	m := NewManager(runner, ports, 3)
	total := ports.Available()

	// Park the first Start inside Build, past its replacement check.
	gate := make(chan struct{})
	var builds atomic.Int32
	runner.onBuild = func(GraphSpec) {
		if builds.Add(1) == 1 {
			<-gate
		}
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Start(context.Background(), testStartRequest("call-1"))
		errCh <- err
	}()
	require.Eventually(t, func() bool { return builds.Load() == 1 },
		2*time.Second, 5*time.Millisecond)

	// The second INVITE for the same endpoint completes first.
	winner, err := m.Start(context.Background(), testStartRequest("call-2"))
	require.NoError(t, err)

	// The parked Start must lose rather than shadow the winner.
	close(gate)
	require.Error(t, <-errCh)

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	require.Same(t, winner, sessions[0])

	m.StopAll()
	require.Equal(t, total, ports.Available())
}

func TestManagerStopByCallID(t *testing.T) {
	runner := &fakeRunner{}
	ports := NewPortPool(20000, 20010)
	m := NewManager(runner, ports, 3)

	_, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.NoError(t, err)

	require.True(t, m.StopByCallID("call-1"))
	require.False(t, m.StopByCallID("call-1"))
	require.Empty(t, m.Sessions())
	require.Equal(t, 5, ports.Available())
}

func TestManagerEndOfStream(t *testing.T) {
	runner := &fakeRunner{}
	ports := NewPortPool(20000, 20010)
	m := NewManager(runner, ports, 3)

	endCh := make(chan EndReason, 1)
	m.SetOnEnd(func(s *Session, reason EndReason) { endCh <- reason })

	sess, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.NoError(t, err)

	p := runner.last()
	p.events <- Event{State: PipelinePlaying}
	p.events <- Event{State: PipelineEOS}

	select {
	case reason := <-endCh:
		require.Equal(t, EndReasonEOS, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session end callback never fired")
	}

	require.Equal(t, SessionStopped, sess.State())
	require.Empty(t, m.Sessions())
	require.Equal(t, 5, ports.Available())
}

func TestManagerGivesUpAfterMaxRestarts(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(runner, NewPortPool(20000, 20010), 0)

	endCh := make(chan EndReason, 1)
	m.SetOnEnd(func(s *Session, reason EndReason) { endCh <- reason })

	_, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.NoError(t, err)

	p := runner.last()
	p.events <- Event{State: PipelinePlaying}
	p.events <- Event{State: PipelineError, Err: errors.New("decode failed")}

	select {
	case reason := <-endCh:
		require.Equal(t, EndReasonGiveUp, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session end callback never fired")
	}
	require.Empty(t, m.Sessions())
}

func TestManagerRestartsAfterError(t *testing.T) {
	runner := &fakeRunner{}
	m := NewManager(runner, NewPortPool(20000, 20010), 3)

	sess, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.NoError(t, err)

	runner.last().events <- Event{State: PipelineError, Err: errors.New("transient")}

	// The watchdog rebuilds the pipeline after the first backoff step.
	require.Eventually(t, func() bool { return runner.count() == 2 },
		5*time.Second, 50*time.Millisecond)

	runner.last().events <- Event{State: PipelinePlaying}
	require.Eventually(t, func() bool { return sess.State() == SessionPlaying },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, sess.RestartCount)

	m.StopAll()
}

func TestManagerRejectsStartAfterShutdown(t *testing.T) {
	m := NewManager(&fakeRunner{}, NewPortPool(20000, 20010), 3)
	m.StopAll()

	_, err := m.Start(context.Background(), testStartRequest("call-1"))
	require.Error(t, err)
}
