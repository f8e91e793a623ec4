package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"golang.org/x/sync/errgroup"

	"github.com/sebas/gbnvr/internal/store"
)

// Dialog TTL constants
const (
	// ActiveDialogTTL bounds dialogs that never see a BYE (4 hours)
	ActiveDialogTTL = 4 * time.Hour
	// TerminatedDialogTTL keeps terminated dialogs visible for
	// retransmissions (RFC 3261 Timer B)
	TerminatedDialogTTL = 32 * time.Second
	// DialogCleanupInterval is how often the cleanup loop runs
	DialogCleanupInterval = 10 * time.Second
)

// Manager is the central registry for all active dialogs
type Manager struct {
	mu sync.RWMutex

	// Dialog storage by Call-ID using TTLStore for automatic cleanup
	dialogs *store.TTLStore[string, *Dialog]

	sipClient    *sipgo.Client
	localContact sip.Uri

	ackTimeout    time.Duration
	byeTimeout    time.Duration
	activeTTL     time.Duration
	terminatedTTL time.Duration

	onTerminated func(d *Dialog)
}

// NewManager creates a new dialog manager
func NewManager(client *sipgo.Client, localContact sip.Uri) *Manager {
	m := &Manager{
		dialogs:       store.NewTTLStore[string, *Dialog](DialogCleanupInterval),
		sipClient:     client,
		localContact:  localContact,
		ackTimeout:    32 * time.Second, // RFC 3261 Timer B
		byeTimeout:    5 * time.Second,
		activeTTL:     ActiveDialogTTL,
		terminatedTTL: TerminatedDialogTTL,
	}
	m.dialogs.SetOnEvict(func(callID string, d *Dialog) {
		slog.Debug("[Dialog] Evicted from cache", "call_id", callID, "state", d.GetState())
	})
	return m
}

// SetOnTerminated sets the callback called when a dialog terminates
func (m *Manager) SetOnTerminated(fn func(d *Dialog)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminated = fn
}

// CreateFromInvite creates a new dialog from an incoming INVITE request
func (m *Manager) CreateFromInvite(req *sip.Request, tx sip.ServerTransaction) (*Dialog, error) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}
	if callID == "" {
		return nil, fmt.Errorf("INVITE missing Call-ID")
	}

	if existing, exists := m.dialogs.Get(callID); exists {
		// Could be a retransmission
		if existing.GetState() != StateTerminated {
			slog.Warn("[Dialog] Duplicate INVITE received", "call_id", callID, "state", existing.GetState())
			return existing, nil
		}
		// Previous dialog terminated, allow new one
	}

	dlg := NewDialog(req, tx)
	m.dialogs.Set(callID, dlg, m.activeTTL)

	slog.Info("[Dialog] Created", "call_id", callID)
	return dlg, nil
}

// SendTrying sends 100 Trying and transitions to Early state
func (m *Manager) SendTrying(d *Dialog) error {
	trying := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusTrying, "Trying", nil)
	if err := d.Transaction.Respond(trying); err != nil {
		return fmt.Errorf("failed to send 100 Trying: %w", err)
	}

	if err := d.TransitionTo(StateEarly); err != nil {
		slog.Warn("[Dialog] State transition failed", "call_id", d.CallID, "error", err)
	}

	slog.Debug("[Dialog] Sent 100 Trying", "call_id", d.CallID)
	return nil
}

// SendOK answers the INVITE with 200 OK carrying the SDP answer and
// starts the ACK timeout watcher.
func (m *Manager) SendOK(d *Dialog, sdpBody []byte) error {
	ok := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusOK, "OK", sdpBody)

	if to := ok.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", sip.GenerateTagN(16))
		}
	}

	contact := &sip.ContactHeader{Address: m.localContact}
	ok.AppendHeader(contact)
	ct := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&ct)

	if err := d.Transaction.Respond(ok); err != nil {
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}
	d.SetInviteResponse(ok)

	if err := d.TransitionTo(StateWaitingACK); err != nil {
		slog.Warn("[Dialog] State transition failed", "call_id", d.CallID, "error", err)
	}

	slog.Info("[Dialog] Sent 200 OK", "call_id", d.CallID)

	go m.watchACKTimeout(d)
	return nil
}

// ConfirmWithACK confirms the dialog when ACK is received
func (m *Manager) ConfirmWithACK(req *sip.Request) error {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}

	d, exists := m.Get(callID)
	if !exists {
		slog.Warn("[Dialog] ACK for unknown dialog", "call_id", callID)
		return fmt.Errorf("dialog not found for ACK: %s", callID)
	}

	state := d.GetState()
	if state != StateWaitingACK {
		if state == StateConfirmed {
			// ACK retransmission, ignore
			slog.Debug("[Dialog] ACK retransmission ignored", "call_id", callID)
			return nil
		}
		slog.Warn("[Dialog] ACK in unexpected state", "call_id", callID, "state", state)
		return fmt.Errorf("unexpected state for ACK: %s", state)
	}

	if err := d.TransitionTo(StateConfirmed); err != nil {
		return fmt.Errorf("failed to transition to Confirmed: %w", err)
	}

	slog.Info("[Dialog] Confirmed (ACK received)", "call_id", callID)
	return nil
}

// HandleIncomingBYE processes a BYE request from the platform
func (m *Manager) HandleIncomingBYE(req *sip.Request, tx sip.ServerTransaction) (*Dialog, error) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}

	d, exists := m.Get(callID)
	if !exists {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		tx.Respond(resp)
		return nil, fmt.Errorf("dialog not found for BYE: %s", callID)
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Dialog] Failed to respond to BYE", "call_id", callID, "error", err)
	}

	d.Cancel()
	m.terminate(d, ReasonRemoteBYE)

	slog.Info("[Dialog] BYE received, dialog terminated", "call_id", callID)
	return d, nil
}

// HandleIncomingCANCEL processes a CANCEL request
func (m *Manager) HandleIncomingCANCEL(req *sip.Request, tx sip.ServerTransaction) (*Dialog, error) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}

	d, exists := m.Get(callID)
	if !exists {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		tx.Respond(resp)
		return nil, fmt.Errorf("dialog not found for CANCEL: %s", callID)
	}

	state := d.GetState()
	if state != StateEarly && state != StateWaitingACK {
		// CANCEL only valid before dialog confirmed
		slog.Warn("[Dialog] CANCEL in unexpected state", "call_id", callID, "state", state)
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		tx.Respond(resp)
		return nil, nil
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Dialog] Failed to respond to CANCEL", "call_id", callID, "error", err)
	}

	// 487 Request Terminated for the original INVITE
	if d.Transaction != nil {
		terminated := sip.NewResponseFromRequest(d.InviteRequest, 487, "Request Terminated", nil)
		d.Transaction.Respond(terminated)
	}

	d.Cancel()
	m.terminate(d, ReasonCancel)

	slog.Info("[Dialog] CANCEL received, dialog terminated", "call_id", callID)
	return d, nil
}

// Terminate terminates a dialog, sending BYE when the dialog is
// confirmed and the termination is locally initiated.
func (m *Manager) Terminate(callID string, reason TerminateReason) error {
	d, exists := m.Get(callID)
	if !exists {
		return fmt.Errorf("dialog not found: %s", callID)
	}

	state := d.GetState()
	if state == StateTerminated {
		return nil // Already terminated
	}

	if state == StateConfirmed &&
		(reason == ReasonLocalBYE || reason == ReasonShutdown || reason == ReasonError) {
		if err := m.sendBYE(d); err != nil {
			slog.Error("[Dialog] Failed to send BYE", "call_id", callID, "error", err)
		}
	}

	d.Cancel()
	m.terminate(d, reason)
	return nil
}

// TerminateAll terminates every active dialog in parallel. Used at
// shutdown, where serial BYE timeouts would blow the shutdown budget.
func (m *Manager) TerminateAll(reason TerminateReason) {
	var g errgroup.Group
	g.SetLimit(8)
	for _, d := range m.List() {
		g.Go(func() error {
			if err := m.Terminate(d.CallID, reason); err != nil {
				slog.Warn("[Dialog] Terminate failed", "call_id", d.CallID, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

// sendBYE sends a BYE request and waits for the final response.
func (m *Manager) sendBYE(d *Dialog) error {
	byeReq, err := d.BuildBYE(m.localContact)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.byeTimeout)
	defer cancel()

	tx, err := m.sipClient.TransactionRequest(ctx, byeReq)
	if err != nil {
		return fmt.Errorf("failed to send BYE: %w", err)
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[Dialog] BYE response", "call_id", d.CallID, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
	}

	slog.Info("[Dialog] BYE sent", "call_id", d.CallID)
	return nil
}

// terminate marks dialog as terminated and schedules cleanup
func (m *Manager) terminate(d *Dialog, reason TerminateReason) {
	d.mu.Lock()
	d.TerminateReason = reason
	d.mu.Unlock()

	if err := d.TransitionTo(StateTerminated); err != nil {
		slog.Warn("[Dialog] Failed to transition to terminated", "call_id", d.CallID, "error", err)
	}

	m.mu.RLock()
	callback := m.onTerminated
	m.mu.RUnlock()

	if callback != nil {
		go callback(d)
	}

	// Re-arm with the short TTL; the cleanup loop removes it once the
	// retransmission window has passed.
	m.dialogs.Set(d.CallID, d, m.terminatedTTL)
	slog.Debug("[Dialog] Scheduled for cleanup", "call_id", d.CallID, "ttl", m.terminatedTTL)
}

// watchACKTimeout watches for ACK timeout
func (m *Manager) watchACKTimeout(d *Dialog) {
	select {
	case <-d.Context().Done():
		return
	case <-time.After(m.ackTimeout):
		state := d.GetState()
		if state == StateWaitingACK {
			slog.Warn("[Dialog] ACK timeout", "call_id", d.CallID)
			d.Cancel()
			m.terminate(d, ReasonTimeout)
		}
	}
}

// Get retrieves a dialog by Call-ID
func (m *Manager) Get(callID string) (*Dialog, bool) {
	return m.dialogs.Get(callID)
}

// List returns all dialogs, including terminated ones pending cleanup
func (m *Manager) List() []*Dialog {
	return m.dialogs.Values()
}

// Count returns the number of dialogs
func (m *Manager) Count() int {
	return m.dialogs.Len()
}

// Close stops the TTL store's cleanup goroutine
func (m *Manager) Close() {
	m.dialogs.Close()
}
