package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/gbnvr/internal/manscdp"
)

// fakeSender records keepalive sends and replies from a scripted error
// sequence; the last entry repeats once the script runs out.
type fakeSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	last  []byte
}

func (f *fakeSender) SendMessage(ctx context.Context, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = append([]byte(nil), body...)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	if len(f.errs) > 1 {
		f.errs = f.errs[1:]
	}
	return err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSender) lastBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeRegistration struct {
	registered atomic.Bool
	forced     atomic.Int32
}

func (f *fakeRegistration) IsRegistered() bool { return f.registered.Load() }
func (f *fakeRegistration) ForceRegister()     { f.forced.Add(1) }

func startKeepaliver(t *testing.T, sender *fakeSender, reg *fakeRegistration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	k := NewKeepaliver(sender, reg, "34020000001110000001", 5*time.Millisecond)
	go k.Serve(ctx)
}

func TestKeepaliverSendsNotify(t *testing.T) {
	sender := &fakeSender{}
	reg := &fakeRegistration{}
	reg.registered.Store(true)

	startKeepaliver(t, sender, reg)

	require.Eventually(t, func() bool { return sender.count() >= 1 },
		2*time.Second, 5*time.Millisecond)

	q, err := manscdp.ParseQuery(sender.lastBody())
	require.NoError(t, err)
	require.Equal(t, manscdp.RootNotify, q.Root)
	require.Equal(t, manscdp.CmdKeepalive, q.CmdType)
	require.Equal(t, "34020000001110000001", q.DeviceID)
	require.Positive(t, q.SN)
}

func TestKeepaliverIdleWhenUnregistered(t *testing.T) {
	sender := &fakeSender{}
	reg := &fakeRegistration{}

	startKeepaliver(t, sender, reg)

	time.Sleep(60 * time.Millisecond)
	require.Zero(t, sender.count())
	require.Zero(t, reg.forced.Load())
}

func TestKeepaliverForcesReregisterAfterThirdFailure(t *testing.T) {
	sender := &fakeSender{errs: []error{errors.New("timeout")}}
	reg := &fakeRegistration{}
	reg.registered.Store(true)

	startKeepaliver(t, sender, reg)

	require.Eventually(t, func() bool { return reg.forced.Load() >= 1 },
		2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, sender.count(), 3)

	// The failure counter resets after forcing; three more failures
	// trigger the next round.
	require.Eventually(t, func() bool { return reg.forced.Load() >= 2 },
		2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, sender.count(), 6)
}

func TestKeepaliverRecoveryResetsFailures(t *testing.T) {
	// Two failures, then steady success: never enough in a row to force.
	sender := &fakeSender{errs: []error{
		errors.New("timeout"), errors.New("timeout"), nil,
	}}
	reg := &fakeRegistration{}
	reg.registered.Store(true)

	startKeepaliver(t, sender, reg)

	require.Eventually(t, func() bool { return sender.count() >= 6 },
		2*time.Second, 5*time.Millisecond)
	require.Zero(t, reg.forced.Load())
}
