package media

import (
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// Offer is the subset of a GB28181 SDP offer the session manager needs:
// the first m=video line, the connection address, the first rtpmap and
// the y=/f= extension lines.
type Offer struct {
	SessionID      uint64
	SessionVersion uint64
	SessionName    string

	RemoteIP    string
	Port        int
	TCP         bool
	PayloadType uint8
	CodecName   string // e.g. H264, PS

	// SSRC is the y= value, kept as the original decimal string.
	SSRC string
	// Format is the f= value; parsed but not required.
	Format string

	Recvonly bool
}

// ParseOffer extracts the fields above from an SDP offer. The parse is
// line-based and tolerant: the GB28181 y= and f= lines are not valid
// RFC 4566 types and strict SDP unmarshalers reject them.
func ParseOffer(body []byte) (*Offer, error) {
	o := &Offer{SessionVersion: 1}

	var inVideo bool
	haveVideo := false
	sessionIP := ""
	videoIP := ""

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		value := line[2:]

		switch line[0] {
		case 'o':
			fields := strings.Fields(value)
			if len(fields) >= 3 {
				if id, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					o.SessionID = id
				}
				if ver, err := strconv.ParseUint(fields[2], 10, 64); err == nil {
					o.SessionVersion = ver
				}
			}
		case 's':
			o.SessionName = value
		case 'c':
			// c=IN IP4 10.0.0.5
			fields := strings.Fields(value)
			if len(fields) == 3 {
				if inVideo {
					videoIP = fields[2]
				} else {
					sessionIP = fields[2]
				}
			}
		case 'm':
			fields := strings.Fields(value)
			if len(fields) < 4 {
				continue
			}
			if fields[0] != "video" || haveVideo {
				inVideo = false
				continue
			}
			inVideo = true
			haveVideo = true
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("sdp: bad media port %q", fields[1])
			}
			o.Port = port
			o.TCP = strings.HasPrefix(fields[2], "TCP/")
			if pt, err := strconv.Atoi(fields[3]); err == nil && pt >= 0 && pt <= 127 {
				o.PayloadType = uint8(pt)
			}
		case 'a':
			if !inVideo {
				continue
			}
			switch {
			case strings.HasPrefix(value, "rtpmap:"):
				// a=rtpmap:96 H264/90000 - first one wins
				if o.CodecName != "" {
					continue
				}
				rest := strings.TrimPrefix(value, "rtpmap:")
				fields := strings.Fields(rest)
				if len(fields) == 2 {
					if pt, err := strconv.Atoi(fields[0]); err == nil && pt >= 0 && pt <= 127 {
						o.PayloadType = uint8(pt)
					}
					o.CodecName = strings.SplitN(fields[1], "/", 2)[0]
				}
			case value == "recvonly":
				o.Recvonly = true
			}
		case 'y':
			o.SSRC = strings.TrimSpace(value)
		case 'f':
			o.Format = strings.TrimSpace(value)
		}
	}

	if !haveVideo {
		return nil, fmt.Errorf("sdp: offer has no m=video section")
	}
	if videoIP != "" {
		o.RemoteIP = videoIP
	} else {
		o.RemoteIP = sessionIP
	}
	if o.RemoteIP == "" {
		return nil, fmt.Errorf("sdp: offer has no c= connection address")
	}
	if o.CodecName == "" {
		o.CodecName = "H264"
	}
	return o, nil
}

// BuildAnswer generates the answer SDP: session-id echoed with the
// version incremented, payload type and codec mirrored, c= set to the
// advertised contact IP, a=sendonly, and the y= SSRC repeated verbatim.
func BuildAnswer(offer *Offer, contactIP string, localPort int, ssrc string) ([]byte, error) {
	proto := []string{"RTP", "AVP"}
	if offer.TCP {
		proto = []string{"TCP", "RTP", "AVP"}
	}
	pt := strconv.Itoa(int(offer.PayloadType))

	sessionName := offer.SessionName
	if sessionName == "" {
		sessionName = "Play"
	}

	desc := &psdp.SessionDescription{
		Origin: psdp.Origin{
			Username:       "-",
			SessionID:      offer.SessionID,
			SessionVersion: offer.SessionVersion + 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: contactIP,
		},
		SessionName: psdp.SessionName(sessionName),
		ConnectionInformation: &psdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &psdp.Address{Address: contactIP},
		},
		TimeDescriptions: []psdp.TimeDescription{
			{Timing: psdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*psdp.MediaDescription{
			{
				MediaName: psdp.MediaName{
					Media:   "video",
					Port:    psdp.RangedPort{Value: localPort},
					Protos:  proto,
					Formats: []string{pt},
				},
				Attributes: []psdp.Attribute{
					{Key: "rtpmap", Value: pt + " " + offer.CodecName + "/90000"},
					{Key: "sendonly"},
				},
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("sdp: marshal answer: %w", err)
	}

	// The y= line is a GB28181 extension; pion's marshaller cannot emit
	// unknown line types, so it is appended after the media section.
	body = append(body, []byte("y="+ssrc+"\r\n")...)
	return body, nil
}
