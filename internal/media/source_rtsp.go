package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v5"
	"github.com/bluenviron/gortsplib/v5/pkg/base"
	"github.com/bluenviron/gortsplib/v5/pkg/format"
	"github.com/bluenviron/gortsplib/v5/pkg/format/rtph264"
	"github.com/pion/rtp"
)

// RTSPSource pulls an H.264 stream from an upstream RTSP server and
// forwards its access units. The upstream drives the pacing.
type RTSPSource struct {
	url string

	mu     sync.Mutex
	client *gortsplib.Client
}

// NewRTSPSource creates a source for url.
func NewRTSPSource(url string) *RTSPSource {
	return &RTSPSource{url: url}
}

// Run implements Source. It connects, sets up the first H.264 media
// and forwards decoded access units until the upstream fails or ctx is
// cancelled.
func (s *RTSPSource) Run(ctx context.Context, emit func(au [][]byte, dur time.Duration) error) error {
	u, err := base.ParseURL(s.url)
	if err != nil {
		return fmt.Errorf("media: rtsp url %s: %w", s.url, err)
	}

	client := &gortsplib.Client{
		Scheme: u.Scheme,
		Host:   u.Host,
	}
	if err := client.Start(); err != nil {
		return fmt.Errorf("media: rtsp connect %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
		client.Close()
	}()

	desc, _, err := client.Describe(u)
	if err != nil {
		return fmt.Errorf("media: rtsp describe: %w", err)
	}

	var forma *format.H264
	medi := desc.FindFormat(&forma)
	if medi == nil {
		return fmt.Errorf("media: %s has no H264 stream", s.url)
	}

	rtpDec, err := forma.CreateDecoder()
	if err != nil {
		return fmt.Errorf("media: rtp decoder: %w", err)
	}

	if _, err := client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return fmt.Errorf("media: rtsp setup: %w", err)
	}

	var emitErr error
	var lastTS uint32
	haveTS := false

	client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		au, derr := rtpDec.Decode(pkt)
		if derr != nil {
			if !errors.Is(derr, rtph264.ErrNonStartingPacketAndNoPrevious) &&
				!errors.Is(derr, rtph264.ErrMorePacketsNeeded) {
				emitErr = derr
				client.Close()
			}
			return
		}

		// Inter-unit duration from the 90 kHz RTP clock; fall back to
		// the nominal frame interval on jumps.
		dur := fileFrameInterval
		if haveTS {
			delta := pkt.Timestamp - lastTS
			if delta > 0 && delta < h264ClockRate {
				dur = time.Duration(delta) * time.Second / h264ClockRate
			}
		}
		lastTS = pkt.Timestamp
		haveTS = true

		if err := emit(au, dur); err != nil {
			emitErr = err
			client.Close()
		}
	})

	if _, err := client.Play(nil); err != nil {
		return fmt.Errorf("media: rtsp play: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-done:
		}
	}()

	waitErr := client.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if emitErr != nil {
		return emitErr
	}
	return waitErr
}

// Close implements Source.
func (s *RTSPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
