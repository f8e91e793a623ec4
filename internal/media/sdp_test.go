package media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const udpOffer = "v=0\r\n" +
	"o=34020000002000000001 0 0 IN IP4 10.0.0.5\r\n" +
	"s=Play\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=video 30000 RTP/AVP 96\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 PS/90000\r\n" +
	"y=0100000001\r\n" +
	"f=v/2/4///a///\r\n"

func TestParseOffer(t *testing.T) {
	o, err := ParseOffer([]byte(udpOffer))
	require.NoError(t, err)

	require.Equal(t, "10.0.0.5", o.RemoteIP)
	require.Equal(t, 30000, o.Port)
	require.False(t, o.TCP)
	require.Equal(t, uint8(96), o.PayloadType)
	require.Equal(t, "PS", o.CodecName)
	require.Equal(t, "0100000001", o.SSRC)
	require.Equal(t, "v/2/4///a///", o.Format)
	require.True(t, o.Recvonly)
	require.Equal(t, "Play", o.SessionName)
}

func TestParseOfferTCP(t *testing.T) {
	body := strings.Replace(udpOffer, "m=video 30000 RTP/AVP 96",
		"m=video 30000 TCP/RTP/AVP 96", 1)

	o, err := ParseOffer([]byte(body))
	require.NoError(t, err)
	require.True(t, o.TCP)
}

func TestParseOfferVideoConnectionWins(t *testing.T) {
	body := "v=0\r\n" +
		"o=- 1 1 IN IP4 10.0.0.5\r\n" +
		"s=Play\r\n" +
		"c=IN IP4 10.0.0.5\r\n" +
		"t=0 0\r\n" +
		"m=video 30000 RTP/AVP 96\r\n" +
		"c=IN IP4 192.168.1.20\r\n" +
		"a=rtpmap:96 H264/90000\r\n"

	o, err := ParseOffer([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "192.168.1.20", o.RemoteIP)
}

func TestParseOfferNoSSRC(t *testing.T) {
	body := strings.Replace(udpOffer, "y=0100000001\r\n", "", 1)

	o, err := ParseOffer([]byte(body))
	require.NoError(t, err)
	require.Empty(t, o.SSRC)
}

func TestParseOfferErrors(t *testing.T) {
	// No m=video section.
	_, err := ParseOffer([]byte("v=0\r\nc=IN IP4 10.0.0.5\r\nm=audio 4000 RTP/AVP 0\r\n"))
	require.Error(t, err)

	// No connection address anywhere.
	_, err = ParseOffer([]byte("v=0\r\nm=video 30000 RTP/AVP 96\r\n"))
	require.Error(t, err)

	// Unparseable media port.
	_, err = ParseOffer([]byte("v=0\r\nc=IN IP4 10.0.0.5\r\nm=video abc RTP/AVP 96\r\n"))
	require.Error(t, err)
}

func TestBuildAnswer(t *testing.T) {
	o, err := ParseOffer([]byte(udpOffer))
	require.NoError(t, err)

	body, err := BuildAnswer(o, "192.168.1.10", 20002, o.SSRC)
	require.NoError(t, err)
	answer := string(body)

	require.Contains(t, answer, "c=IN IP4 192.168.1.10")
	require.Contains(t, answer, "m=video 20002 RTP/AVP 96")
	require.Contains(t, answer, "a=rtpmap:96 PS/90000")
	require.Contains(t, answer, "a=sendonly")
	require.NotContains(t, answer, "recvonly")

	// The SSRC rides back verbatim on its own y= line at the end.
	require.True(t, strings.HasSuffix(answer, "y=0100000001\r\n"))
}

func TestBuildAnswerTCP(t *testing.T) {
	o := &Offer{
		RemoteIP:    "10.0.0.5",
		Port:        30000,
		TCP:         true,
		PayloadType: 96,
		CodecName:   "PS",
	}

	body, err := BuildAnswer(o, "192.168.1.10", 20002, "0100000001")
	require.NoError(t, err)
	require.Contains(t, string(body), "m=video 20002 TCP/RTP/AVP 96")
}

func TestBuildAnswerIncrementsVersion(t *testing.T) {
	o, err := ParseOffer([]byte(udpOffer))
	require.NoError(t, err)
	require.Equal(t, uint64(0), o.SessionVersion)

	body, err := BuildAnswer(o, "192.168.1.10", 20002, o.SSRC)
	require.NoError(t, err)
	require.Contains(t, string(body), "o=- 0 1 IN IP4 192.168.1.10")
}
