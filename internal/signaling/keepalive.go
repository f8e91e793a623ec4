package signaling

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sebas/gbnvr/internal/manscdp"
	"github.com/sebas/gbnvr/internal/metrics"
)

// keepaliveFailureLimit is how many consecutive send failures trigger
// an immediate re-registration.
const keepaliveFailureLimit = 3

// messageSender is the originator surface the keepaliver needs.
type messageSender interface {
	SendMessage(ctx context.Context, body []byte) error
}

// registration is the registrar surface the keepaliver needs.
type registration interface {
	IsRegistered() bool
	ForceRegister()
}

// Keepaliver sends the periodic Keepalive MANSCDP notify that keeps
// the platform from marking the device offline.
type Keepaliver struct {
	sender   messageSender
	reg      registration
	deviceID string
	interval time.Duration

	sn       atomic.Int64
	failures int
}

// NewKeepaliver creates a keepaliver.
func NewKeepaliver(sender messageSender, reg registration, deviceID string, interval time.Duration) *Keepaliver {
	return &Keepaliver{
		sender:   sender,
		reg:      reg,
		deviceID: deviceID,
		interval: interval,
	}
}

// Serve sends keepalives until ctx is cancelled. It implements
// suture.Service.
func (k *Keepaliver) Serve(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !k.reg.IsRegistered() {
			// Nothing to keep alive; the registrar is on it.
			continue
		}

		body := manscdp.EncodeKeepaliveNotify(k.deviceID, int(k.sn.Add(1)))
		if err := k.sender.SendMessage(ctx, body); err != nil {
			k.failures++
			metrics.KeepaliveFailures.Inc()
			slog.Warn("[Keepalive] Send failed", "error", err, "failures", k.failures)

			if k.failures >= keepaliveFailureLimit {
				slog.Error("[Keepalive] Consecutive failures, forcing re-registration",
					"failures", k.failures)
				k.reg.ForceRegister()
				k.failures = 0
			}
			continue
		}

		if k.failures > 0 {
			slog.Info("[Keepalive] Recovered", "after_failures", k.failures)
		}
		k.failures = 0
		slog.Debug("[Keepalive] Sent", "sn", k.sn.Load())
	}
}
