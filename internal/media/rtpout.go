package media

import (
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"

	"github.com/sebas/gbnvr/internal/metrics"
)

const (
	// h264ClockRate is the fixed RTP clock for H.264 per RFC 6184.
	h264ClockRate = 90000
	// rtpMTU bounds a single RTP payload; payloads above it are
	// fragmented into FU-A units by the payloader.
	rtpMTU = 1400
)

// RTPSender packetises H.264 access units and writes them over UDP
// with the session's mandated SSRC. Timing is driven by the caller
// (the source delivers access units at presentation pace); the sender
// only advances the 90 kHz timestamp by the duration it is handed.
type RTPSender struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr

	ssrc      uint32
	pt        uint8
	seq       uint16
	timestamp uint32

	payloader *codecs.H264Payloader

	mu     sync.Mutex
	closed bool
}

// NewRTPSender binds localPort and targets remote. The SSRC is the
// value negotiated in SDP; every packet of the session carries it.
func NewRTPSender(localPort int, remote *net.UDPAddr, ssrc uint32, pt uint8) (*RTPSender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: localPort})
	if err != nil {
		return nil, err
	}

	return &RTPSender{
		conn:       conn,
		remoteAddr: remote,
		ssrc:       ssrc,
		pt:         pt,
		seq:        randomSequenceStart(),
		timestamp:  randomTimestampStart(),
		payloader:  &codecs.H264Payloader{},
	}, nil
}

// WriteAccessUnit payloads one access unit (a slice of NALUs) and
// sends the resulting packets. The marker bit is set on the last
// packet of the unit. dur advances the RTP clock.
func (s *RTPSender) WriteAccessUnit(au [][]byte, dur time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return net.ErrClosed
	}

	var payloads [][]byte
	for _, nalu := range au {
		payloads = append(payloads, s.payloader.Payload(rtpMTU, nalu)...)
	}

	for i, payload := range payloads {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    s.pt,
				SequenceNumber: s.seq,
				Timestamp:      s.timestamp,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}

		data, err := pkt.Marshal()
		if err != nil {
			return err
		}
		if _, err := s.conn.WriteToUDP(data, s.remoteAddr); err != nil {
			return err
		}

		s.seq++
		metrics.RTPPackets.Inc()
		metrics.RTPBytes.Add(float64(len(payload)))
	}

	s.timestamp += uint32(dur.Seconds() * h264ClockRate)
	return nil
}

// SSRC returns the sender's SSRC.
func (s *RTPSender) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrc
}

// LocalPort returns the bound RTP port.
func (s *RTPSender) LocalPort() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Close closes the socket. No packets are emitted afterwards.
func (s *RTPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
