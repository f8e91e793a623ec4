package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/gbnvr/internal/signaling/registrar"
	"github.com/sebas/gbnvr/internal/store"
)

const defaultSubscribeExpires = 3600 * time.Second

// Subscription is one catalog subscription dialog opened by a
// SUBSCRIBE. NOTIFYs replay its identifiers and route set.
type Subscription struct {
	CallID     string
	EventValue string

	LocalTag  string
	RemoteTag string

	// localURI is our identity (To of the SUBSCRIBE), remoteURI theirs
	// (From of the SUBSCRIBE).
	localURI  sip.Uri
	remoteURI sip.Uri
	// remoteTarget is the Contact of the SUBSCRIBE, used as the NOTIFY
	// Request-URI.
	remoteTarget sip.Uri
	routeSet     []string

	Expires   time.Duration
	CreatedAt time.Time

	cseq atomic.Uint32
}

// SubscriptionManager tracks catalog subscriptions with their expiry
// and sends in-dialog NOTIFYs.
type SubscriptionManager struct {
	client *sipgo.Client
	reg    *registrar.Registrar

	subs *store.TTLStore[string, *Subscription]

	contact sip.Uri
}

// NewSubscriptionManager creates a subscription manager. Expired
// subscriptions get a terminal NOTIFY as they are evicted.
func NewSubscriptionManager(client *sipgo.Client, contact sip.Uri, reg *registrar.Registrar) *SubscriptionManager {
	m := &SubscriptionManager{
		client:  client,
		reg:     reg,
		contact: contact,
		subs:    store.NewTTLStore[string, *Subscription](30 * time.Second),
	}
	m.subs.SetOnEvict(func(callID string, sub *Subscription) {
		slog.Info("[Subscription] Expired", "call_id", callID, "event", sub.EventValue)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
			defer cancel()
			if err := m.notify(ctx, sub, nil, "terminated;reason=timeout"); err != nil {
				slog.Warn("[Subscription] Terminal NOTIFY failed", "call_id", callID, "error", err)
			}
		}()
	})
	return m
}

// Close stops the expiry loop.
func (m *SubscriptionManager) Close() {
	m.subs.Close()
}

// Count returns the number of live subscriptions.
func (m *SubscriptionManager) Count() int {
	return m.subs.Len()
}

// HandleSubscribe accepts or renews a subscription and answers the
// SUBSCRIBE. It returns the subscription when the caller should push
// an immediate NOTIFY, or nil for an unsubscribe.
func (m *SubscriptionManager) HandleSubscribe(req *sip.Request, tx sip.ServerTransaction) (*Subscription, error) {
	callID := ""
	if req.CallID() != nil {
		callID = req.CallID().Value()
	}
	if callID == "" {
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Missing Call-ID", nil)
		tx.Respond(resp)
		return nil, fmt.Errorf("SUBSCRIBE missing Call-ID")
	}

	expires := defaultSubscribeExpires
	if hdr := req.GetHeader("Expires"); hdr != nil {
		if n, err := strconv.Atoi(hdr.Value()); err == nil {
			expires = time.Duration(n) * time.Second
		}
	}

	eventValue := "Catalog"
	if hdr := req.GetHeader("Event"); hdr != nil {
		eventValue = hdr.Value()
	}

	// Unsubscribe: answer, notify terminated, drop.
	if expires == 0 {
		m.respondAccepted(req, tx, 0, "")
		if sub, ok := m.subs.Get(callID); ok {
			m.subs.Delete(callID)
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), messageTimeout)
				defer cancel()
				m.notify(ctx, sub, nil, "terminated;reason=deactivated")
			}()
		}
		return nil, nil
	}

	sub, renewal := m.subs.Get(callID)
	if !renewal {
		sub = newSubscription(req, callID, eventValue)
	}
	sub.Expires = expires

	m.respondAccepted(req, tx, int(expires.Seconds()), sub.LocalTag)
	m.subs.Set(callID, sub, expires)

	if renewal {
		slog.Info("[Subscription] Renewed", "call_id", callID, "expires", expires)
	} else {
		slog.Info("[Subscription] Created", "call_id", callID, "event", eventValue, "expires", expires)
	}
	return sub, nil
}

// newSubscription captures the dialog identifiers from a SUBSCRIBE.
func newSubscription(req *sip.Request, callID, eventValue string) *Subscription {
	sub := &Subscription{
		CallID:     callID,
		EventValue: eventValue,
		LocalTag:   sip.GenerateTagN(16),
		CreatedAt:  time.Now(),
	}

	if from := req.From(); from != nil {
		sub.remoteURI = from.Address
		if tag, ok := from.Params.Get("tag"); ok {
			sub.RemoteTag = tag
		}
	}
	if to := req.To(); to != nil {
		sub.localURI = to.Address
	}
	if contact := req.Contact(); contact != nil {
		sub.remoteTarget = contact.Address
		sub.remoteTarget.UriParams = sip.NewParams()
	} else {
		sub.remoteTarget = sub.remoteURI
	}
	for _, hdr := range req.GetHeaders("Record-Route") {
		sub.routeSet = append(sub.routeSet, hdr.Value())
	}

	if cseq := req.CSeq(); cseq != nil {
		sub.cseq.Store(cseq.SeqNo)
	}
	return sub
}

// respondAccepted answers a SUBSCRIBE with 200 OK carrying Expires and
// our dialog tag.
func (m *SubscriptionManager) respondAccepted(req *sip.Request, tx sip.ServerTransaction, expires int, localTag string) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if localTag != "" {
		if to := resp.To(); to != nil {
			if _, has := to.Params.Get("tag"); !has {
				to.Params.Add("tag", localTag)
			}
		}
	}
	resp.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	resp.AppendHeader(&sip.ContactHeader{Address: m.contact})

	if err := tx.Respond(resp); err != nil {
		slog.Error("[Subscription] Failed to respond to SUBSCRIBE", "error", err)
	}
}

// NotifyPages pushes a paginated catalog to the subscriber, one NOTIFY
// per page.
func (m *SubscriptionManager) NotifyPages(ctx context.Context, sub *Subscription, pages [][]byte) error {
	state := fmt.Sprintf("active;expires=%d", int(sub.Expires.Seconds()))
	for i, page := range pages {
		if err := m.notify(ctx, sub, page, state); err != nil {
			return fmt.Errorf("notify page %d/%d: %w", i+1, len(pages), err)
		}
	}
	return nil
}

// notify sends one in-dialog NOTIFY. A nil body sends a bodyless
// NOTIFY (used for termination).
func (m *SubscriptionManager) notify(ctx context.Context, sub *Subscription, body []byte, subState string) error {
	req := m.buildNotify(sub, body, subState, "")

	resp, err := m.sendAndWait(ctx, req)
	if err != nil {
		return err
	}

	if resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired {
		authValue, aerr := m.reg.Authorize(sip.NOTIFY.String(), req.Recipient.String())
		if aerr != nil {
			return fmt.Errorf("notify auth: %w", aerr)
		}
		resp, err = m.sendAndWait(ctx, m.buildNotify(sub, body, subState, authValue))
		if err != nil {
			return err
		}
	}

	if resp.StatusCode != sip.StatusOK {
		return fmt.Errorf("notify rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

func (m *SubscriptionManager) buildNotify(sub *Subscription, body []byte, subState, authValue string) *sip.Request {
	req := sip.NewRequest(sip.NOTIFY, sub.remoteTarget)

	for _, route := range sub.routeSet {
		req.AppendHeader(sip.NewHeader("Route", route))
	}

	fromParams := sip.NewParams()
	fromParams.Add("tag", sub.LocalTag)
	req.AppendHeader(&sip.FromHeader{Address: sub.localURI, Params: fromParams})

	toParams := sip.NewParams()
	if sub.RemoteTag != "" {
		toParams.Add("tag", sub.RemoteTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: sub.remoteURI, Params: toParams})

	callID := sip.CallIDHeader(sub.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: sub.cseq.Add(1), MethodName: sip.NOTIFY})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: m.contact})

	req.AppendHeader(sip.NewHeader("Event", sub.EventValue))
	req.AppendHeader(sip.NewHeader("Subscription-State", subState))

	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentTypeMANSCDP)
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	if authValue != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authValue))
	}
	return req
}

// sendAndWait sends the request and waits for the final response.
func (m *SubscriptionManager) sendAndWait(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := m.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("%s transaction terminated without final response", req.Method)
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("no response to %s", req.Method)
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		}
	}
}
