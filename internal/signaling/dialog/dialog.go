package dialog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
)

// Dialog represents one INVITE dialog the platform established with us
// (UAS role). It tracks the identifiers and route set needed to build
// in-dialog requests, and the media session bound to it.
type Dialog struct {
	mu sync.RWMutex

	// Identification per RFC 3261 Section 12
	CallID    string
	LocalTag  string
	RemoteTag string

	// State machine
	State          CallState
	CreatedAt      time.Time
	StateChangedAt time.Time

	// Original request/response for BYE construction
	InviteRequest  *sip.Request
	InviteResponse *sip.Response
	Transaction    sip.ServerTransaction

	// routeSet holds the Record-Route values from the INVITE, in the
	// order received. In-dialog requests replay them as Route headers.
	routeSet []string

	// Media session bound to this dialog
	SessionID string
	ChannelID string
	SSRC      string

	// CSeq for requests we initiate, continuing from the INVITE's
	localCSeq atomic.Uint32

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	TerminateReason TerminateReason
}

// NewDialog creates a dialog from an incoming INVITE request.
func NewDialog(req *sip.Request, tx sip.ServerTransaction) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())

	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}

	remoteTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			remoteTag = tag
		}
	}

	var initialCSeq uint32
	if cseq := req.CSeq(); cseq != nil {
		initialCSeq = cseq.SeqNo
	}

	// Route set per RFC 3261 Section 12.1.1: Record-Route values in the
	// order received.
	var routeSet []string
	for _, hdr := range req.GetHeaders("Record-Route") {
		routeSet = append(routeSet, hdr.Value())
	}

	now := time.Now()
	d := &Dialog{
		CallID:         callID,
		RemoteTag:      remoteTag,
		State:          StateInitial,
		CreatedAt:      now,
		StateChangedAt: now,
		InviteRequest:  req,
		Transaction:    tx,
		routeSet:       routeSet,
		ctx:            ctx,
		cancel:         cancel,
	}
	d.localCSeq.Store(initialCSeq)
	return d
}

// SetInviteResponse stores our 200 OK for later BYE construction and
// captures the local tag from its To header.
func (d *Dialog) SetInviteResponse(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InviteResponse = resp

	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.LocalTag = tag
		}
	}
}

// BindSession records the media session playing inside this dialog.
func (d *Dialog) BindSession(sessionID, channelID, ssrc string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SessionID = sessionID
	d.ChannelID = channelID
	d.SSRC = ssrc
}

// GetSessionID returns the bound media session ID.
func (d *Dialog) GetSessionID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.SessionID
}

// RouteSet returns the captured Record-Route values in received order.
func (d *Dialog) RouteSet() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.routeSet))
	copy(out, d.routeSet)
	return out
}

// GetState returns the current dialog state
func (d *Dialog) GetState() CallState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State
}

// TransitionTo attempts to transition to a new state
func (d *Dialog) TransitionTo(newState CallState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.State.CanTransitionTo(newState) {
		return fmt.Errorf("invalid state transition: %s -> %s", d.State, newState)
	}

	d.State = newState
	d.StateChangedAt = time.Now()
	return nil
}

// Context returns the dialog's context for lifetime management
func (d *Dialog) Context() context.Context {
	return d.ctx
}

// Cancel cancels the dialog's context
func (d *Dialog) Cancel() {
	d.cancel()
}

// IsTerminated returns true if dialog is in terminal state
func (d *Dialog) IsTerminated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State == StateTerminated
}

// BuildBYE constructs a BYE request for this dialog. Per RFC 3261
// Section 12.2.1.1 the Request-URI is the remote target (Contact from
// the INVITE), From/To are our 200 OK identities swapped, and the
// captured route set is replayed as Route headers.
func (d *Dialog) BuildBYE(localContact sip.Uri) (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.InviteRequest == nil {
		return nil, fmt.Errorf("cannot build BYE: missing INVITE request")
	}

	var recipient sip.Uri
	if contact := d.InviteRequest.Contact(); contact != nil {
		recipient = contact.Address
		recipient.UriParams = sip.NewParams()
	} else {
		recipient = d.InviteRequest.From().Address
	}

	byeReq := sip.NewRequest(sip.BYE, recipient)

	for _, route := range d.routeSet {
		byeReq.AppendHeader(sip.NewHeader("Route", route))
	}

	// From = our identity (To from our 200 OK, with our tag)
	// To = their identity (From from INVITE, with their tag)
	if d.InviteResponse != nil {
		if to := d.InviteResponse.To(); to != nil {
			fromHdr := &sip.FromHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      to.Params.Clone(),
			}
			byeReq.AppendHeader(fromHdr)
		}
	}

	if from := d.InviteRequest.From(); from != nil {
		toHdr := &sip.ToHeader{
			DisplayName: from.DisplayName,
			Address:     from.Address,
			Params:      from.Params.Clone(),
		}
		byeReq.AppendHeader(toHdr)
	}

	if callIDHdr := d.InviteRequest.CallID(); callIDHdr != nil {
		byeReq.AppendHeader(callIDHdr)
	}

	newSeqNo := d.localCSeq.Add(1)
	byeReq.AppendHeader(&sip.CSeqHeader{
		SeqNo:      newSeqNo,
		MethodName: sip.BYE,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	byeReq.AppendHeader(&maxFwd)

	contact := &sip.ContactHeader{
		Address: localContact,
	}
	byeReq.AppendHeader(contact)

	return byeReq, nil
}
