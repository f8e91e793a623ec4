// Package metrics exposes the device's Prometheus instrumentation.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RegistrationState is 1 when registered, 0 otherwise.
	RegistrationState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gbnvr",
		Name:      "registration_state",
		Help:      "1 when the device holds a confirmed registration.",
	})

	RegistrationAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gbnvr",
		Name:      "registration_attempts_total",
		Help:      "REGISTER transactions started.",
	})

	KeepaliveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gbnvr",
		Name:      "keepalive_failures_total",
		Help:      "Keepalive MESSAGEs that timed out or were rejected.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gbnvr",
		Name:      "media_sessions_active",
		Help:      "Media sessions currently in the playing state.",
	})

	SessionRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gbnvr",
		Name:      "media_session_restarts_total",
		Help:      "Supervised pipeline restarts.",
	})

	RTPPackets = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gbnvr",
		Name:      "rtp_packets_sent_total",
		Help:      "RTP packets written to the network.",
	})

	RTPBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gbnvr",
		Name:      "rtp_bytes_sent_total",
		Help:      "RTP payload bytes written to the network.",
	})

	CatalogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gbnvr",
		Name:      "catalog_channels",
		Help:      "Channels in the current catalog snapshot.",
	})
)

// Server serves /metrics when a listen address is configured.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server bound to addr.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{srv: &http.Server{Addr: addr, Handler: mux}}
}

// Serve runs the listener until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutCtx); err != nil {
			slog.Warn("[Metrics] Shutdown", "error", err)
		}
		return ctx.Err()
	}
}
