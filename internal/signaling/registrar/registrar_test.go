package registrar

import (
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sebas/gbnvr/internal/config"
	"github.com/sebas/gbnvr/internal/metrics"
)

func testSIPConfig() config.SIPConfig {
	return config.SIPConfig{
		Server:            "192.168.1.100",
		Port:              5060,
		Transport:         "udp",
		LocalIP:           "192.168.1.50",
		LocalPort:         5061,
		Username:          "81000000465001000001",
		Password:          "admin123",
		Realm:             "3402000000",
		RegisterExpires:   3600,
		KeepaliveInterval: 60,
	}
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestAuthorizeDigestResponse(t *testing.T) {
	r := New(nil, testSIPConfig())

	chal, err := digest.ParseChallenge(`Digest realm="3402000000", nonce="abc123", algorithm=MD5`)
	require.NoError(t, err)
	r.challenge = chal

	uri := "sip:3402000000@192.168.1.100:5060"
	auth, err := r.Authorize("REGISTER", uri)
	require.NoError(t, err)

	cred, err := digest.ParseCredentials(auth)
	require.NoError(t, err)
	require.Equal(t, "81000000465001000001", cred.Username)
	require.Equal(t, "3402000000", cred.Realm)
	require.Equal(t, "abc123", cred.Nonce)
	require.Equal(t, uri, cred.URI)

	// RFC 2617 without qop: response = MD5(HA1:nonce:HA2).
	ha1 := md5hex("81000000465001000001:3402000000:admin123")
	ha2 := md5hex("REGISTER:" + uri)
	require.Equal(t, md5hex(ha1+":abc123:"+ha2), cred.Response)
}

func TestAuthorizeWithoutChallenge(t *testing.T) {
	r := New(nil, testSIPConfig())

	_, err := r.Authorize("REGISTER", "sip:3402000000@192.168.1.100:5060")
	require.Error(t, err)
}

func TestBuildRegister(t *testing.T) {
	r := New(nil, testSIPConfig())

	req := r.buildRegister(3600, "")
	require.Equal(t, sip.REGISTER, req.Method)

	// The Request-URI addresses the platform by its ID (the realm).
	require.Equal(t, "sip:3402000000@192.168.1.100:5060", req.Recipient.String())

	from := req.From()
	require.NotNil(t, from)
	require.Equal(t, "81000000465001000001", from.Address.User)
	require.Equal(t, "3402000000", from.Address.Host)
	_, hasTag := from.Params.Get("tag")
	require.True(t, hasTag)

	to := req.To()
	require.NotNil(t, to)
	require.Equal(t, "81000000465001000001", to.Address.User)
	require.Equal(t, "3402000000", to.Address.Host)

	contact := req.Contact()
	require.NotNil(t, contact)
	require.Equal(t, "81000000465001000001", contact.Address.User)
	require.Equal(t, "192.168.1.50", contact.Address.Host)
	require.Equal(t, 5061, contact.Address.Port)

	expires := req.GetHeader("Expires")
	require.NotNil(t, expires)
	require.Equal(t, "3600", expires.Value())

	require.Nil(t, req.GetHeader("Authorization"))
}

func TestBuildRegisterSharedCallIDIncreasingCSeq(t *testing.T) {
	r := New(nil, testSIPConfig())

	first := r.buildRegister(3600, "")
	second := r.buildRegister(3600, "")

	require.Equal(t, first.CallID().Value(), second.CallID().Value())
	require.Equal(t, first.CSeq().SeqNo+1, second.CSeq().SeqNo)

	// Every attempt gets a fresh From tag.
	firstTag, _ := first.From().Params.Get("tag")
	secondTag, _ := second.From().Params.Get("tag")
	require.NotEqual(t, firstTag, secondTag)
}

func TestBuildRegisterAuthorization(t *testing.T) {
	r := New(nil, testSIPConfig())

	req := r.buildRegister(0, `Digest username="81000000465001000001"`)
	require.Equal(t, "0", req.GetHeader("Expires").Value())

	auth := req.GetHeader("Authorization")
	require.NotNil(t, auth)
	require.Contains(t, auth.Value(), "81000000465001000001")
}

func TestGrantedExpires(t *testing.T) {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", User: "x", Host: "h"})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "x", Host: "h"},
		Params:  sip.NewParams(),
	})

	resp := sip.NewResponseFromRequest(req, 200, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Expires", "3600"))
	require.Equal(t, time.Hour, grantedExpires(resp))

	// The Contact expires parameter wins over the Expires header.
	withContact := sip.NewResponseFromRequest(req, 200, "OK", nil)
	params := sip.NewParams()
	params.Add("expires", "1800")
	withContact.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "x", Host: "h"},
		Params:  params,
	})
	withContact.AppendHeader(sip.NewHeader("Expires", "3600"))
	require.Equal(t, 30*time.Minute, grantedExpires(withContact))

	bare := sip.NewResponseFromRequest(req, 200, "OK", nil)
	require.Zero(t, grantedExpires(bare))
}

func TestGrantedExpiresFallsBackToConfig(t *testing.T) {
	r := New(nil, testSIPConfig())
	require.Equal(t, time.Hour, r.GrantedExpires())

	r.mu.Lock()
	r.grantedExpires = 30 * time.Minute
	r.mu.Unlock()
	require.Equal(t, 30*time.Minute, r.GrantedExpires())
}

func TestStateTransitions(t *testing.T) {
	require.True(t, StateUnregistered.CanTransitionTo(StateChallenged))
	require.True(t, StateChallenged.CanTransitionTo(StateRegistered))
	require.True(t, StateRegistered.CanTransitionTo(StateExpiring))
	require.True(t, StateExpiring.CanTransitionTo(StateRegistered))
	require.True(t, StateFailed.CanTransitionTo(StateChallenged))

	require.False(t, StateRegistered.CanTransitionTo(StateChallenged))
}

func TestSetStateRejectsInvalid(t *testing.T) {
	r := New(nil, testSIPConfig())
	require.Equal(t, StateUnregistered, r.State())

	r.setState(StateRegistered)
	require.Equal(t, StateRegistered, r.State())
	require.True(t, r.IsRegistered())

	// Registered cannot go back to Challenged directly.
	r.setState(StateChallenged)
	require.Equal(t, StateRegistered, r.State())

	r.setState(StateExpiring)
	require.True(t, r.IsRegistered())
	r.setState(StateUnregistered)
	require.False(t, r.IsRegistered())
}

func TestRegistrationStateGauge(t *testing.T) {
	r := New(nil, testSIPConfig())

	r.setState(StateChallenged)
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.RegistrationState))

	// The gauge is a boolean: 1 only while a registration is held.
	r.setState(StateRegistered)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RegistrationState))

	r.setState(StateExpiring)
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.RegistrationState))
}

func TestParseChallengePrefersWWWAuthenticate(t *testing.T) {
	req := sip.NewRequest(sip.REGISTER, sip.Uri{Scheme: "sip", User: "x", Host: "h"})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "x", Host: "h"},
		Params:  sip.NewParams(),
	})

	resp := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	resp.AppendHeader(sip.NewHeader("WWW-Authenticate",
		`Digest realm="3402000000", nonce="abc123"`))

	chal, err := parseChallenge(resp)
	require.NoError(t, err)
	require.Equal(t, "3402000000", chal.Realm)
	require.Equal(t, "abc123", chal.Nonce)

	missing := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	_, err = parseChallenge(missing)
	require.Error(t, err)
}
