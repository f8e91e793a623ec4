package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/sebas/gbnvr/internal/config"
	"github.com/sebas/gbnvr/internal/metrics"
)

// registerBackoff applies after the registrar enters Failed. The last
// entry repeats.
var registerBackoff = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
}

const (
	// renewFraction of the granted expiry at which renewal starts.
	renewFraction = 0.75
	// deadlineFraction of the granted expiry by which a renewal must
	// have completed before we force a fresh registration.
	deadlineFraction = 0.97

	// maxFailures before entering Failed.
	maxFailures = 3

	requestTimeout = 8 * time.Second
)

// Registrar maintains the device's registration with the platform:
// initial digest-authenticated REGISTER, proactive renewal, forced
// re-registration and deregistration at shutdown.
type Registrar struct {
	client   *sipgo.Client
	cfg      config.SIPConfig
	username string

	mu             sync.RWMutex
	state          State
	grantedExpires time.Duration
	registeredAt   time.Time
	// challenge from the last 401/407, reused for subsequent requests
	// until the platform rejects it
	challenge *digest.Challenge

	callID  string
	cseq    uint32
	cseqMu  sync.Mutex
	forceCh chan struct{}
}

// New creates a registrar. username defaults to the device ID upstream
// in config loading.
func New(client *sipgo.Client, cfg config.SIPConfig) *Registrar {
	return &Registrar{
		client:   client,
		cfg:      cfg,
		username: cfg.Username,
		state:    StateUnregistered,
		callID:   sip.GenerateTagN(24),
		forceCh:  make(chan struct{}, 1),
	}
}

// State returns the current registration state.
func (r *Registrar) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// IsRegistered reports whether the platform currently holds an active
// registration for us.
func (r *Registrar) IsRegistered() bool {
	s := r.State()
	return s == StateRegistered || s == StateExpiring
}

// Challenge returns the most recent digest challenge, for reuse on
// other authenticated requests in the same registration.
func (r *Registrar) Challenge() *digest.Challenge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.challenge
}

// ForceRegister schedules an immediate re-registration attempt. Safe
// from any goroutine; coalesces concurrent triggers.
func (r *Registrar) ForceRegister() {
	select {
	case r.forceCh <- struct{}{}:
	default:
	}
}

// Serve runs the registration loop until ctx is cancelled. It
// implements suture.Service.
func (r *Registrar) Serve(ctx context.Context) error {
	failures := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := r.register(ctx, r.cfg.RegisterExpires)
		if err != nil {
			failures++
			slog.Error("[Registrar] Registration failed",
				"error", err, "failures", failures, "server", r.cfg.ServerAddr())
			if failures >= maxFailures {
				r.setState(StateFailed)
			} else {
				r.setState(StateUnregistered)
			}

			delay := registerBackoff[min(failures-1, len(registerBackoff)-1)]
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.forceCh:
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		granted := r.GrantedExpires()
		slog.Info("[Registrar] Registered", "server", r.cfg.ServerAddr(), "expires", granted)

		renewIn := time.Duration(float64(granted) * renewFraction)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.forceCh:
			slog.Info("[Registrar] Forced re-registration")
			r.setState(StateUnregistered)
			continue
		case <-time.After(renewIn):
		}

		// Renewal window: the refresh must land before the hard
		// deadline or we abandon the binding and start over.
		r.setState(StateExpiring)
		deadline := r.registeredAtUnlocked().Add(time.Duration(float64(granted) * deadlineFraction))
		renewCtx, cancel := context.WithDeadline(ctx, deadline)
		err = r.register(renewCtx, r.cfg.RegisterExpires)
		cancel()
		if err != nil {
			slog.Error("[Registrar] Renewal missed deadline, forcing re-registration", "error", err)
			r.setState(StateUnregistered)
			continue
		}
	}
}

// GrantedExpires returns the expiry the platform granted.
func (r *Registrar) GrantedExpires() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.grantedExpires <= 0 {
		return time.Duration(r.cfg.RegisterExpires) * time.Second
	}
	return r.grantedExpires
}

func (r *Registrar) registeredAtUnlocked() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registeredAt
}

// Unregister sends a REGISTER with Expires: 0 so the platform drops
// the binding. Called during graceful shutdown.
func (r *Registrar) Unregister(ctx context.Context) error {
	if !r.IsRegistered() {
		return nil
	}
	if err := r.doRegister(ctx, 0); err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	r.setState(StateUnregistered)
	slog.Info("[Registrar] Deregistered")
	return nil
}

// register performs one full registration attempt: unauthenticated
// REGISTER, digest challenge, authenticated retry.
func (r *Registrar) register(ctx context.Context, expires int) error {
	metrics.RegistrationAttempts.Inc()

	if err := r.doRegister(ctx, expires); err != nil {
		return err
	}

	r.mu.Lock()
	r.registeredAt = time.Now()
	r.mu.Unlock()
	r.setState(StateRegistered)
	return nil
}

// doRegister sends REGISTER, answering one digest challenge.
func (r *Registrar) doRegister(ctx context.Context, expires int) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req := r.buildRegister(expires, "")
	resp, err := r.sendAndWait(reqCtx, req)
	if err != nil {
		return err
	}

	if resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired {
		r.setState(StateChallenged)

		chal, err := parseChallenge(resp)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.challenge = chal
		r.mu.Unlock()

		authValue, err := r.Authorize(sip.REGISTER.String(), req.Recipient.String())
		if err != nil {
			return err
		}

		authReq := r.buildRegister(expires, authValue)
		resp, err = r.sendAndWait(reqCtx, authReq)
		if err != nil {
			return err
		}
	}

	if resp.StatusCode != sip.StatusOK {
		return fmt.Errorf("registration rejected: %d %s", resp.StatusCode, resp.Reason)
	}

	if granted := grantedExpires(resp); granted > 0 {
		r.mu.Lock()
		r.grantedExpires = granted
		r.mu.Unlock()
	}
	return nil
}

// Authorize computes the digest Authorization value for a request sent
// within the current registration. Errors when no challenge has been
// received yet.
func (r *Registrar) Authorize(method, uri string) (string, error) {
	chal := r.Challenge()
	if chal == nil {
		return "", fmt.Errorf("no digest challenge available")
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: r.username,
		Password: r.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("compute digest: %w", err)
	}
	return cred.String(), nil
}

// buildRegister constructs a REGISTER request. The Request-URI user
// part is the platform ID (the realm); From and To carry our device
// identity. Registrations share one Call-ID with increasing CSeq.
func (r *Registrar) buildRegister(expires int, authValue string) *sip.Request {
	target := sip.Uri{
		Scheme: "sip",
		User:   r.cfg.Realm,
		Host:   r.cfg.Server,
		Port:   r.cfg.Port,
	}
	req := sip.NewRequest(sip.REGISTER, target)

	identity := sip.Uri{
		Scheme: "sip",
		User:   r.username,
		Host:   r.cfg.Realm,
	}

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(&sip.FromHeader{Address: identity, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: identity, Params: sip.NewParams()})

	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)

	r.cseqMu.Lock()
	r.cseq++
	seq := r.cseq
	r.cseqMu.Unlock()
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	contactURI := sip.Uri{
		Scheme: "sip",
		User:   r.username,
		Host:   r.cfg.ContactAddr(),
		Port:   r.cfg.LocalPort,
	}
	req.AppendHeader(&sip.ContactHeader{Address: contactURI})

	exp := sip.ExpiresHeader(expires)
	req.AppendHeader(&exp)

	if authValue != "" {
		req.AppendHeader(sip.NewHeader("Authorization", authValue))
	}
	return req
}

// sendAndWait sends the request and waits for the final response.
func (r *Registrar) sendAndWait(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := r.client.TransactionRequest(ctx, req)
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
				continue // provisional
			}
			return resp, nil
		}
	}
}

// setState updates the state if the transition is valid.
func (r *Registrar) setState(next State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == next {
		return
	}
	if !r.state.CanTransitionTo(next) {
		slog.Warn("[Registrar] Invalid state transition", "from", r.state, "to", next)
		return
	}
	slog.Debug("[Registrar] State change", "from", r.state, "to", next)
	r.state = next
	if next == StateRegistered {
		metrics.RegistrationState.Set(1)
	} else {
		metrics.RegistrationState.Set(0)
	}
}

// parseChallenge extracts the digest challenge from a 401/407.
func parseChallenge(resp *sip.Response) (*digest.Challenge, error) {
	hdr := resp.GetHeader("WWW-Authenticate")
	if hdr == nil {
		hdr = resp.GetHeader("Proxy-Authenticate")
	}
	if hdr == nil {
		return nil, fmt.Errorf("%d without authenticate header", resp.StatusCode)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	return chal, nil
}

// grantedExpires reads the expiry the platform granted, preferring the
// Contact expires parameter over the Expires header.
func grantedExpires(resp *sip.Response) time.Duration {
	if contact := resp.Contact(); contact != nil {
		if v, ok := contact.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	if hdr := resp.GetHeader("Expires"); hdr != nil {
		if n, err := strconv.Atoi(hdr.Value()); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}
