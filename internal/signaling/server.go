// Package signaling implements the SIP side of the device: request
// dispatch, registration upkeep, keepalives, INVITE dialogs and
// catalog subscriptions.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/gbnvr/internal/catalog"
	"github.com/sebas/gbnvr/internal/config"
	"github.com/sebas/gbnvr/internal/manscdp"
	"github.com/sebas/gbnvr/internal/media"
	"github.com/sebas/gbnvr/internal/signaling/dialog"
	"github.com/sebas/gbnvr/internal/signaling/registrar"
)

// Server dispatches inbound SIP requests and owns the dialog,
// subscription and originator machinery.
type Server struct {
	cfg *config.Config
	srv *sipgo.Server

	Dialogs       *dialog.Manager
	Subscriptions *SubscriptionManager
	Originator    *Originator

	catalog *catalog.Store
	media   *media.Manager

	startedAt time.Time
	accepting atomic.Bool
	notifySN  atomic.Int64
}

// NewServer creates the SIP dispatcher and registers its handlers on
// srv. The media manager's end-of-session callback is wired here so
// stream termination sends BYE on the owning dialog.
func NewServer(cfg *config.Config, srv *sipgo.Server, client *sipgo.Client,
	cat *catalog.Store, mediaMgr *media.Manager, reg *registrar.Registrar) *Server {

	contact := sip.Uri{
		Scheme: "sip",
		User:   cfg.Device.ID,
		Host:   cfg.SIP.ContactAddr(),
		Port:   cfg.SIP.LocalPort,
	}

	s := &Server{
		cfg:           cfg,
		srv:           srv,
		Dialogs:       dialog.NewManager(client, contact),
		Subscriptions: NewSubscriptionManager(client, contact, reg),
		Originator:    NewOriginator(client, cfg.SIP, reg),
		catalog:       cat,
		media:         mediaMgr,
		startedAt:     time.Now(),
	}
	s.accepting.Store(true)

	mediaMgr.SetOnEnd(s.onSessionEnd)

	srv.OnRequest(sip.MESSAGE, s.onMessage)
	srv.OnRequest(sip.INVITE, s.onInvite)
	srv.OnRequest(sip.ACK, s.onAck)
	srv.OnRequest(sip.BYE, s.onBye)
	srv.OnRequest(sip.CANCEL, s.onCancel)
	srv.OnRequest(sip.SUBSCRIBE, s.onSubscribe)
	srv.OnRequest(sip.OPTIONS, s.onOptions)
	srv.OnRequest(sip.REGISTER, s.onRegister)
	srv.OnNoRoute(s.onUnhandled)

	return s
}

// Serve binds the SIP listener and blocks until ctx is cancelled. It
// implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SIP.LocalIP, s.cfg.SIP.LocalPort)
	slog.Info("[Signaling] Listening", "addr", addr, "transport", s.cfg.SIP.Transport)
	return s.srv.ListenAndServe(ctx, strings.ToLower(s.cfg.SIP.Transport), addr)
}

// StopAccepting rejects new INVITEs; part of graceful shutdown.
func (s *Server) StopAccepting() {
	s.accepting.Store(false)
}

// onSessionEnd runs when the media layer terminates a session on its
// own (end of stream, supervision give-up). The owning dialog gets a
// BYE.
func (s *Server) onSessionEnd(sess *media.Session, reason media.EndReason) {
	slog.Info("[Signaling] Media session ended", "call_id", sess.CallID, "reason", reason.String())

	termReason := dialog.ReasonLocalBYE
	if reason == media.EndReasonGiveUp {
		termReason = dialog.ReasonError
	}
	if err := s.Dialogs.Terminate(sess.CallID, termReason); err != nil {
		slog.Warn("[Signaling] Failed to terminate dialog", "call_id", sess.CallID, "error", err)
	}
}

// --- MESSAGE dispatch ---

func (s *Server) onMessage(req *sip.Request, tx sip.ServerTransaction) {
	ct := req.ContentType()
	if ct == nil || !strings.Contains(strings.ToLower(ct.Value()), "manscdp") {
		// Not a MANSCDP payload; acknowledge and ignore.
		s.respond(req, tx, sip.StatusOK, "OK", nil)
		return
	}

	query, err := manscdp.ParseQuery(req.Body())
	if err != nil {
		slog.Warn("[Signaling] Bad MANSCDP payload", "error", err)
		s.respond(req, tx, sip.StatusBadRequest, "Bad Request", nil)
		return
	}

	slog.Debug("[Signaling] MANSCDP received",
		"root", query.Root, "cmd", query.CmdType, "sn", query.SN)

	switch query.Root {
	case manscdp.RootQuery:
		s.dispatchQuery(req, tx, query)
	case manscdp.RootControl:
		s.handleControl(req, tx, query)
	case manscdp.RootNotify:
		// Platform-originated notify (e.g. its own Keepalive probe).
		s.respond(req, tx, sip.StatusOK, "OK", nil)
	default:
		s.respond(req, tx, sip.StatusOK, "OK", nil)
	}
}

func (s *Server) dispatchQuery(req *sip.Request, tx sip.ServerTransaction, q *manscdp.Query) {
	switch q.CmdType {
	case manscdp.CmdCatalog:
		s.handleCatalogQuery(req, tx, q)
	case manscdp.CmdDeviceInfo:
		body := manscdp.EncodeDeviceInfoResponse(s.cfg.Device.ID, q.SN, s.deviceInfo())
		s.respondMANSCDP(req, tx, body)
	case manscdp.CmdDeviceStatus:
		body := manscdp.EncodeDeviceStatusResponse(s.cfg.Device.ID, q.SN, s.deviceStatus())
		s.respondMANSCDP(req, tx, body)
	case manscdp.CmdRecordInfo:
		s.handleRecordInfoQuery(req, tx, q)
	default:
		slog.Warn("[Signaling] Unknown query CmdType", "cmd", q.CmdType, "sn", q.SN)
		s.respond(req, tx, sip.StatusOK, "OK", nil)
	}
}

// handleCatalogQuery answers a catalog query. A catalog within the UDP
// budget rides in the 200 OK body; larger catalogs are paginated over
// device-originated MESSAGEs while the query gets an empty 200 OK.
func (s *Server) handleCatalogQuery(req *sip.Request, tx sip.ServerTransaction, q *manscdp.Query) {
	items := s.catalogItems()
	pages := manscdp.EncodeCatalogPages(s.cfg.Device.ID, q.SN, items, s.cfg.Media.UDPBudget)

	slog.Info("[Signaling] Catalog query", "sn", q.SN, "items", len(items), "pages", len(pages))

	if len(pages) == 1 {
		s.respondMANSCDP(req, tx, pages[0])
		return
	}

	s.respond(req, tx, sip.StatusOK, "OK", nil)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Originator.SendPages(ctx, pages); err != nil {
			slog.Error("[Signaling] Catalog page push failed", "sn", q.SN, "error", err)
		}
	}()
}

// handleRecordInfoQuery answers a record index query with the
// recordings intersecting the requested window.
func (s *Server) handleRecordInfoQuery(req *sip.Request, tx sip.ServerTransaction, q *manscdp.Query) {
	var startP, endP *time.Time
	if q.StartTime != "" {
		t, err := catalog.ParseGBTime(q.StartTime)
		if err != nil {
			slog.Warn("[Signaling] Bad RecordInfo StartTime", "value", q.StartTime, "error", err)
			s.respond(req, tx, sip.StatusBadRequest, "Bad Request", nil)
			return
		}
		startP = &t
	}
	if q.EndTime != "" {
		t, err := catalog.ParseGBTime(q.EndTime)
		if err != nil {
			slog.Warn("[Signaling] Bad RecordInfo EndTime", "value", q.EndTime, "error", err)
			s.respond(req, tx, sip.StatusBadRequest, "Bad Request", nil)
			return
		}
		endP = &t
	}

	recordings := s.catalog.QueryRecordings(q.DeviceID, startP, endP)
	items := make([]manscdp.RecordItem, 0, len(recordings))
	for _, r := range recordings {
		items = append(items, manscdp.RecordItem{
			DeviceID:  r.ChannelID,
			Name:      r.Name,
			FilePath:  r.Path,
			StartTime: catalog.FormatGBTime(r.Start),
			EndTime:   catalog.FormatGBTime(r.End),
			Type:      r.Type,
			FileSize:  r.FileSize,
		})
	}

	name := q.DeviceID
	if ch, ok := s.catalog.Lookup(q.DeviceID); ok {
		name = ch.Name
	}

	pages := manscdp.EncodeRecordInfoPages(q.DeviceID, q.SN, name, items, s.cfg.Media.UDPBudget)
	slog.Info("[Signaling] RecordInfo query",
		"sn", q.SN, "channel", q.DeviceID, "records", len(items), "pages", len(pages))

	if len(pages) == 1 {
		s.respondMANSCDP(req, tx, pages[0])
		return
	}

	s.respond(req, tx, sip.StatusOK, "OK", nil)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Originator.SendPages(ctx, pages); err != nil {
			slog.Error("[Signaling] RecordInfo page push failed", "sn", q.SN, "error", err)
		}
	}()
}

// handleControl acknowledges a device control. PTZ and reboot are not
// applicable to a playback device; the ack keeps platforms happy.
func (s *Server) handleControl(req *sip.Request, tx sip.ServerTransaction, q *manscdp.Query) {
	slog.Info("[Signaling] Control received", "cmd", q.CmdType, "sn", q.SN)
	body := manscdp.EncodeControlResponse(s.cfg.Device.ID, q.SN, q.CmdType)
	s.respondMANSCDP(req, tx, body)
}

// --- INVITE / dialog handling ---

func (s *Server) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	if !s.accepting.Load() {
		s.respond(req, tx, 503, "Shutting Down", nil)
		return
	}

	channelID := inviteTargetID(req)
	ch, ok := s.catalog.Lookup(channelID)
	if !ok {
		slog.Warn("[Signaling] INVITE for unknown channel", "channel", channelID)
		s.respond(req, tx, 404, "Channel Not Found", nil)
		return
	}

	offer, err := media.ParseOffer(req.Body())
	if err != nil {
		slog.Warn("[Signaling] INVITE with bad SDP", "channel", channelID, "error", err)
		s.respond(req, tx, 488, "Not Acceptable Here", nil)
		return
	}

	d, err := s.Dialogs.CreateFromInvite(req, tx)
	if err != nil {
		s.respond(req, tx, sip.StatusBadRequest, "Bad Request", nil)
		return
	}
	if err := s.Dialogs.SendTrying(d); err != nil {
		slog.Warn("[Signaling] Failed to send Trying", "call_id", d.CallID, "error", err)
	}

	sess, err := s.media.Start(context.Background(), media.StartRequest{
		CallID:  d.CallID,
		Channel: ch,
		Offer:   offer,
		Encode:  s.encodeParams(offer),
	})
	if err != nil {
		if errors.Is(err, media.ErrNoPorts) {
			slog.Error("[Signaling] Port pool exhausted", "channel", channelID)
			resp := sip.NewResponseFromRequest(req, 503, "No Media Ports", nil)
			resp.AppendHeader(sip.NewHeader("Retry-After", "30"))
			tx.Respond(resp)
		} else {
			slog.Error("[Signaling] Pipeline start failed", "channel", channelID, "error", err)
			s.respond(req, tx, 488, "Not Acceptable Here", nil)
		}
		s.Dialogs.Terminate(d.CallID, dialog.ReasonError)
		return
	}

	answer, err := media.BuildAnswer(offer, s.cfg.SIP.ContactAddr(), sess.LocalPort, sess.SSRC)
	if err != nil {
		slog.Error("[Signaling] Failed to build SDP answer", "channel", channelID, "error", err)
		s.media.StopByCallID(d.CallID)
		s.respond(req, tx, 500, "Server Internal Error", nil)
		s.Dialogs.Terminate(d.CallID, dialog.ReasonError)
		return
	}

	d.BindSession(sess.ID, ch.ID, sess.SSRC)
	if err := s.Dialogs.SendOK(d, answer); err != nil {
		slog.Error("[Signaling] Failed to answer INVITE", "call_id", d.CallID, "error", err)
		s.media.StopByCallID(d.CallID)
		s.Dialogs.Terminate(d.CallID, dialog.ReasonError)
	}
}

// inviteTargetID extracts the requested channel ID, preferring the
// Request-URI user part over the To header.
func inviteTargetID(req *sip.Request) string {
	if req.Recipient.User != "" {
		return req.Recipient.User
	}
	if to := req.To(); to != nil {
		return to.Address.User
	}
	return ""
}

// encodeParams resolves the encoder parameters for an offer from the
// configured presets, letting the f= resolution index override.
func (s *Server) encodeParams(offer *media.Offer) media.EncodeParams {
	preset, ok := s.cfg.Media.Presets["default"]
	if !ok {
		preset = config.StreamingPreset{Profile: "baseline", BitrateKbps: 1024, KeyInterval: 50, Resolution: 3}
	}

	resolution := preset.Resolution
	// f=v/encoder/resolution/framerate/... per the GB28181 media format
	// extension. Only the resolution index matters to us.
	if offer.Format != "" {
		parts := strings.Split(offer.Format, "/")
		if len(parts) >= 3 && parts[2] != "" {
			var idx int
			if _, err := fmt.Sscanf(parts[2], "%d", &idx); err == nil && idx >= 1 && idx <= 4 {
				resolution = idx
			}
		}
	}

	w, h := media.ResolutionFor(resolution)
	return media.EncodeParams{
		Profile:     preset.Profile,
		BitrateKbps: preset.BitrateKbps,
		KeyInterval: preset.KeyInterval,
		Width:       w,
		Height:      h,
	}
}

func (s *Server) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if err := s.Dialogs.ConfirmWithACK(req); err != nil {
		slog.Debug("[Signaling] ACK handling", "error", err)
	}
}

func (s *Server) onBye(req *sip.Request, tx sip.ServerTransaction) {
	d, err := s.Dialogs.HandleIncomingBYE(req, tx)
	if err != nil {
		slog.Warn("[Signaling] BYE handling", "error", err)
		return
	}
	if d != nil {
		s.media.StopByCallID(d.CallID)
	}
}

func (s *Server) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	d, err := s.Dialogs.HandleIncomingCANCEL(req, tx)
	if err != nil {
		slog.Warn("[Signaling] CANCEL handling", "error", err)
		return
	}
	if d != nil {
		s.media.StopByCallID(d.CallID)
	}
}

// --- SUBSCRIBE / NOTIFY ---

func (s *Server) onSubscribe(req *sip.Request, tx sip.ServerTransaction) {
	sub, err := s.Subscriptions.HandleSubscribe(req, tx)
	if err != nil {
		slog.Warn("[Signaling] SUBSCRIBE handling", "error", err)
		return
	}
	if sub == nil {
		return // unsubscribe
	}

	// Immediate NOTIFY with the current catalog.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sn := int(s.notifySN.Add(1))
		pages := manscdp.EncodeCatalogNotifyPages(s.cfg.Device.ID, sn, s.catalogItems(), s.cfg.Media.UDPBudget)
		if err := s.Subscriptions.NotifyPages(ctx, sub, pages); err != nil {
			slog.Error("[Signaling] Catalog NOTIFY failed", "call_id", sub.CallID, "error", err)
		}
	}()
}

// --- Misc methods ---

func (s *Server) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.respond(req, tx, sip.StatusOK, "OK", nil)
}

func (s *Server) onRegister(req *sip.Request, tx sip.ServerTransaction) {
	// We register with the platform, never the other way around.
	s.respond(req, tx, 405, "Method Not Allowed", nil)
}

func (s *Server) onUnhandled(req *sip.Request, tx sip.ServerTransaction) {
	slog.Debug("[Signaling] Unhandled method", "method", req.Method)
	s.respond(req, tx, 501, "Not Implemented", nil)
}

// --- Helpers ---

func (s *Server) respond(req *sip.Request, tx sip.ServerTransaction, code sip.StatusCode, reason string, body []byte) {
	resp := sip.NewResponseFromRequest(req, code, reason, body)
	if to := resp.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", sip.GenerateTagN(16))
		}
	}
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Signaling] Failed to respond", "method", req.Method, "status", code, "error", err)
	}
}

// respondMANSCDP sends a 200 OK whose body is a MANSCDP document.
func (s *Server) respondMANSCDP(req *sip.Request, tx sip.ServerTransaction, body []byte) {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	if to := resp.To(); to != nil {
		if _, has := to.Params.Get("tag"); !has {
			to.Params.Add("tag", sip.GenerateTagN(16))
		}
	}
	ct := sip.ContentTypeHeader(contentTypeMANSCDP)
	resp.AppendHeader(&ct)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Signaling] Failed to respond", "method", req.Method, "error", err)
	}
}

// catalogItems renders the catalog: the device itself first, then its
// channels in stable order.
func (s *Server) catalogItems() []manscdp.Item {
	dev := s.cfg.Device

	// The device's own entry hangs off the civil-code domain carried
	// in the first ten digits of its ID.
	domain := dev.ID
	if len(domain) > 10 {
		domain = domain[:10]
	}

	items := []manscdp.Item{{
		DeviceID:     dev.ID,
		Name:         dev.Name,
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		Owner:        dev.Owner,
		CivilCode:    dev.CivilCode,
		Block:        dev.Block,
		Address:      dev.Address,
		Parental:     1,
		ParentID:     domain,
		RegisterWay:  1,
		Status:       string(catalog.StatusOn),
	}}

	for _, ch := range s.catalog.Channels() {
		items = append(items, manscdp.Item{
			DeviceID:     ch.ID,
			Name:         ch.Name,
			Manufacturer: dev.Manufacturer,
			Model:        dev.Model,
			Owner:        dev.Owner,
			CivilCode:    dev.CivilCode,
			Block:        dev.Block,
			Address:      dev.Address,
			Parental:     0,
			ParentID:     dev.ID,
			RegisterWay:  1,
			Status:       string(ch.Status),
		})
	}
	return items
}

func (s *Server) deviceInfo() manscdp.DeviceInfo {
	return manscdp.DeviceInfo{
		DeviceName:   s.cfg.Device.Name,
		Manufacturer: s.cfg.Device.Manufacturer,
		Model:        s.cfg.Device.Model,
		Firmware:     s.cfg.Device.Firmware,
		Channel:      len(s.catalog.Channels()),
	}
}

func (s *Server) deviceStatus() manscdp.DeviceStatus {
	encode := "OFF"
	if len(s.media.Sessions()) > 0 {
		encode = "ON"
	}
	return manscdp.DeviceStatus{
		Online: "ONLINE",
		Status: "OK",
		Encode: encode,
		Record: "OFF",
	}
}
