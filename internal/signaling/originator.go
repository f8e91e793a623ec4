package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/gbnvr/internal/config"
	"github.com/sebas/gbnvr/internal/signaling/registrar"
)

// contentTypeMANSCDP is the Content-Type GB28181 uses for MANSCDP
// bodies. The mixed case is what platforms send and expect back.
const contentTypeMANSCDP = "Application/MANSCDP+xml"

const messageTimeout = 5 * time.Second

// Originator sends device-initiated requests to the platform: catalog
// pages, record pages, keepalives. It answers one digest challenge per
// request using the registrar's credentials.
type Originator struct {
	client *sipgo.Client
	cfg    config.SIPConfig
	reg    *registrar.Registrar
}

// NewOriginator creates an originator.
func NewOriginator(client *sipgo.Client, cfg config.SIPConfig, reg *registrar.Registrar) *Originator {
	return &Originator{client: client, cfg: cfg, reg: reg}
}

// SendMessage sends one MESSAGE with a MANSCDP body to the platform
// and waits for the final response.
func (o *Originator) SendMessage(ctx context.Context, body []byte) error {
	req := o.buildMessage(body, "")

	resp, err := o.sendAndWait(ctx, req)
	if err != nil {
		return err
	}

	if resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired {
		authValue, aerr := o.reg.Authorize(sip.MESSAGE.String(), req.Recipient.String())
		if aerr != nil {
			return fmt.Errorf("message auth: %w", aerr)
		}
		authReq := o.buildMessage(body, authValue)
		resp, err = o.sendAndWait(ctx, authReq)
		if err != nil {
			return err
		}
	}

	if resp.StatusCode != sip.StatusOK {
		return fmt.Errorf("message rejected: %d %s", resp.StatusCode, resp.Reason)
	}
	return nil
}

// SendPages sends a multi-page MANSCDP response as consecutive
// MESSAGEs. Later pages are not sent after a page fails.
func (o *Originator) SendPages(ctx context.Context, pages [][]byte) error {
	for i, page := range pages {
		if err := o.SendMessage(ctx, page); err != nil {
			return fmt.Errorf("page %d/%d: %w", i+1, len(pages), err)
		}
	}
	return nil
}

// buildMessage constructs a MESSAGE request bound for the platform.
func (o *Originator) buildMessage(body []byte, authValue string) *sip.Request {
	target := sip.Uri{
		Scheme: "sip",
		User:   o.cfg.Realm,
		Host:   o.cfg.Server,
		Port:   o.cfg.Port,
	}
	req := sip.NewRequest(sip.MESSAGE, target)

	identity := sip.Uri{
		Scheme: "sip",
		User:   o.cfg.Username,
		Host:   o.cfg.Realm,
	}
	platform := sip.Uri{
		Scheme: "sip",
		User:   o.cfg.Realm,
		Host:   o.cfg.Realm,
	}

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(&sip.FromHeader{Address: identity, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: platform, Params: sip.NewParams()})

	callID := sip.CallIDHeader(sip.GenerateTagN(24))
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.MESSAGE})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	ct := sip.ContentTypeHeader(contentTypeMANSCDP)
	req.AppendHeader(&ct)
	req.SetBody(body)

	if authValue != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authValue))
	}
	return req
}

// sendAndWait sends the request and waits for the final response.
func (o *Originator) sendAndWait(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()

	tx, err := o.client.TransactionRequest(reqCtx, req)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-reqCtx.Done():
			return nil, reqCtx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("%s transaction terminated without final response", req.Method)
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("no response to %s", req.Method)
			}
			if resp.StatusCode < 200 {
				slog.Debug("[Signaling] Provisional response", "status", resp.StatusCode)
				continue
			}
			return resp, nil
		}
	}
}
