// Package media maps SIP dialogs to media pipelines: per-session
// sources, transcode graphs and RTP senders carrying the GB28181
// mandated SSRC.
package media

import (
	"fmt"
	"hash/fnv"
	"strconv"
)

// ParseSSRC parses the 10-digit decimal SSRC from the SDP y= line.
// The platform demultiplexes streams by this value, so it must survive
// the round trip exactly; callers keep the decimal string for the
// answer and use the numeric value on the wire.
func ParseSSRC(s string) (uint32, error) {
	if len(s) != 10 {
		return 0, fmt.Errorf("ssrc must be 10 decimal digits, got %q", s)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ssrc %q: %w", s, err)
	}
	if v > 0xFFFFFFFF {
		return 0, fmt.Errorf("ssrc %q exceeds 32 bits", s)
	}
	return uint32(v), nil
}

// DeriveSSRC produces a 10-digit decimal SSRC for offers that carry no
// y= line: leading 0 for a live stream, four digits from the channel
// ID, five digits of serial.
func DeriveSSRC(channelID string, serial uint32) string {
	prefix := "0000"
	if len(channelID) >= 20 {
		prefix = channelID[3:7]
	} else if channelID != "" {
		h := fnv.New32a()
		h.Write([]byte(channelID))
		prefix = fmt.Sprintf("%04d", h.Sum32()%10000)
	}
	return fmt.Sprintf("0%s%05d", prefix, serial%100000)
}
