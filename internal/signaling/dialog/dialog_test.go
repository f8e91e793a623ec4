package dialog

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

// newTestInvite builds the INVITE a platform would send, optionally
// with Record-Route headers from proxies on the path.
func newTestInvite(recordRoutes ...string) *sip.Request {
	target := sip.Uri{Scheme: "sip", User: "34020000001310000001", Host: "192.168.1.50", Port: 5061}
	req := sip.NewRequest(sip.INVITE, target)

	fromParams := sip.NewParams()
	fromParams.Add("tag", "platform-tag")
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "34020000002000000001", Host: "3402000000"},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "34020000001310000001", Host: "3402000000"},
		Params:  sip.NewParams(),
	})

	callID := sip.CallIDHeader("invite-call-1@platform")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 20, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "34020000002000000001", Host: "10.0.0.5", Port: 5070},
	})

	for _, rr := range recordRoutes {
		req.AppendHeader(sip.NewHeader("Record-Route", rr))
	}
	return req
}

// okFor builds our 200 OK for the INVITE with a local To tag.
func okFor(req *sip.Request) *sip.Response {
	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	resp.To().Params.Add("tag", "device-tag")
	return resp
}

func TestNewDialogCapturesIdentifiers(t *testing.T) {
	req := newTestInvite()
	d := NewDialog(req, nil)

	require.Equal(t, "invite-call-1@platform", d.CallID)
	require.Equal(t, "platform-tag", d.RemoteTag)
	require.Equal(t, StateInitial, d.GetState())
	require.Empty(t, d.RouteSet())
}

func TestNewDialogCapturesRouteSet(t *testing.T) {
	req := newTestInvite(
		"<sip:proxy1.example.com;lr>",
		"<sip:proxy2.example.com;lr>",
	)
	d := NewDialog(req, nil)

	require.Equal(t, []string{
		"<sip:proxy1.example.com;lr>",
		"<sip:proxy2.example.com;lr>",
	}, d.RouteSet())
}

func TestSetInviteResponseCapturesLocalTag(t *testing.T) {
	req := newTestInvite()
	d := NewDialog(req, nil)

	d.SetInviteResponse(okFor(req))
	require.Equal(t, "device-tag", d.LocalTag)
}

func TestBuildBYE(t *testing.T) {
	req := newTestInvite()
	d := NewDialog(req, nil)
	d.SetInviteResponse(okFor(req))

	contact := sip.Uri{Scheme: "sip", User: "34020000001110000001", Host: "192.168.1.50", Port: 5061}
	bye, err := d.BuildBYE(contact)
	require.NoError(t, err)
	require.Equal(t, sip.BYE, bye.Method)

	// Request-URI is the remote target from the INVITE's Contact.
	require.Equal(t, "10.0.0.5", bye.Recipient.Host)
	require.Equal(t, 5070, bye.Recipient.Port)
	require.Equal(t, "34020000002000000001", bye.Recipient.User)

	// From carries our identity and tag, To theirs: swapped relative to
	// the INVITE.
	fromTag, _ := bye.From().Params.Get("tag")
	require.Equal(t, "device-tag", fromTag)
	toTag, _ := bye.To().Params.Get("tag")
	require.Equal(t, "platform-tag", toTag)
	require.Equal(t, "34020000002000000001", bye.To().Address.User)

	require.Equal(t, "invite-call-1@platform", bye.CallID().Value())

	// CSeq continues past the INVITE's.
	require.Equal(t, uint32(21), bye.CSeq().SeqNo)
	require.Equal(t, sip.BYE, bye.CSeq().MethodName)

	require.NotNil(t, bye.Contact())
	require.Empty(t, bye.GetHeaders("Route"))
}

func TestBuildBYEReplaysRouteSet(t *testing.T) {
	routes := []string{
		"<sip:proxy1.example.com;lr>",
		"<sip:proxy2.example.com;lr>",
	}
	req := newTestInvite(routes...)
	d := NewDialog(req, nil)
	d.SetInviteResponse(okFor(req))

	bye, err := d.BuildBYE(sip.Uri{Scheme: "sip", User: "dev", Host: "192.168.1.50"})
	require.NoError(t, err)

	hdrs := bye.GetHeaders("Route")
	require.Len(t, hdrs, 2)
	for i, hdr := range hdrs {
		require.Equal(t, routes[i], hdr.Value())
	}
}

func TestBuildBYECSeqMonotonic(t *testing.T) {
	req := newTestInvite()
	d := NewDialog(req, nil)
	d.SetInviteResponse(okFor(req))

	first, err := d.BuildBYE(sip.Uri{Scheme: "sip", Host: "h"})
	require.NoError(t, err)
	second, err := d.BuildBYE(sip.Uri{Scheme: "sip", Host: "h"})
	require.NoError(t, err)
	require.Equal(t, first.CSeq().SeqNo+1, second.CSeq().SeqNo)
}

func TestDialogStateMachine(t *testing.T) {
	d := NewDialog(newTestInvite(), nil)

	require.NoError(t, d.TransitionTo(StateEarly))
	require.NoError(t, d.TransitionTo(StateWaitingACK))
	require.NoError(t, d.TransitionTo(StateConfirmed))
	require.NoError(t, d.TransitionTo(StateTerminating))
	require.NoError(t, d.TransitionTo(StateTerminated))
	require.True(t, d.IsTerminated())

	// Terminal state refuses everything.
	require.Error(t, d.TransitionTo(StateEarly))
}

func TestDialogInvalidTransitions(t *testing.T) {
	// Cannot confirm before 200 OK went out.
	require.False(t, StateEarly.CanTransitionTo(StateConfirmed))
	// Cannot go back.
	require.False(t, StateConfirmed.CanTransitionTo(StateEarly))
	// Any state can abort to Terminated.
	for _, s := range []CallState{StateInitial, StateEarly, StateWaitingACK, StateConfirmed, StateTerminating} {
		require.True(t, s.CanTransitionTo(StateTerminated), s.String())
	}
}

func TestManagerCreateFromInvite(t *testing.T) {
	m := NewManager(nil, sip.Uri{Scheme: "sip", Host: "192.168.1.50"})
	defer m.Close()

	req := newTestInvite()
	d, err := m.CreateFromInvite(req, nil)
	require.NoError(t, err)
	require.Equal(t, 1, m.Count())

	// The retransmitted INVITE maps to the same dialog.
	again, err := m.CreateFromInvite(req, nil)
	require.NoError(t, err)
	require.Same(t, d, again)
	require.Equal(t, 1, m.Count())

	got, ok := m.Get(d.CallID)
	require.True(t, ok)
	require.Same(t, d, got)
}

func TestManagerCreateFromInviteMissingCallID(t *testing.T) {
	m := NewManager(nil, sip.Uri{Scheme: "sip", Host: "h"})
	defer m.Close()

	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", Host: "h"})
	_, err := m.CreateFromInvite(req, nil)
	require.Error(t, err)
}

func TestManagerTerminatedDialogAgesOut(t *testing.T) {
	m := NewManager(nil, sip.Uri{Scheme: "sip", Host: "192.168.1.50"})
	defer m.Close()
	m.terminatedTTL = 30 * time.Millisecond

	d, err := m.CreateFromInvite(newTestInvite(), nil)
	require.NoError(t, err)
	require.NoError(t, m.Terminate(d.CallID, ReasonCancel))

	// Still visible for retransmissions right after termination.
	got, ok := m.Get(d.CallID)
	require.True(t, ok)
	require.True(t, got.IsTerminated())

	// Then it ages out of the store.
	require.Eventually(t, func() bool {
		_, ok := m.Get(d.CallID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	require.Zero(t, m.Count())
}
