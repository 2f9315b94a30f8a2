package signature

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const telBody = `{"event":"phone.callee_call_log_completed","payload":{"object":{"call_id":"c-1"}}}`

func telRequest(sig, body string) Request {
	h := http.Header{}
	if sig != "" {
		h.Set("X-Zm-Signature", sig)
	}
	return Request{Method: http.MethodPost, RequestURI: "/webhooks/telephony", Header: h, Body: []byte(body)}
}

func TestTelephonyVerify_Legacy(t *testing.T) {
	v := NewTelephonyVerifier(TelephonyOptions{VerificationToken: "vtoken", WebhookSecret: "wsecret"})

	cases := []struct {
		name        string
		secret      string
		prefix      string
		header      func(string) string
		wantSecret  string
		wantVariant string
	}{
		{"token plain body", "vtoken", "", func(s string) string { return s }, "verification_token", "hex:body"},
		{"token v0 body", "vtoken", "v0", func(s string) string { return s }, "verification_token", "hex:v0"},
		{"secret v0: body", "wsecret", "v0:", func(s string) string { return s }, "webhook_secret", "hex:v0:"},
		{"v0= header prefix", "wsecret", "", func(s string) string { return "v0=" + s }, "webhook_secret", "hex:body"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			digest := hex.EncodeToString(sign([]byte(tc.secret), []byte(tc.prefix+telBody)))
			m, err := v.Verify(telRequest(tc.header(digest), telBody))
			require.NoError(t, err)
			assert.Equal(t, tc.wantSecret, m.Secret)
			assert.Equal(t, tc.wantVariant, m.Variant)
		})
	}

	digest := sign([]byte("wsecret"), []byte(telBody))
	digest[3] ^= 0x10
	_, err := v.Verify(telRequest(hex.EncodeToString(digest), telBody))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	good := hex.EncodeToString(sign([]byte("wsecret"), []byte(telBody)))
	_, err = v.Verify(telRequest(good, telBody+" "))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = v.Verify(telRequest("", telBody))
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestTelephonyVerify_Timestamped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewTelephonyVerifier(TelephonyOptions{
		WebhookSecret: "wsecret",
		MaxSkew:       300 * time.Second,
		Now:           func() time.Time { return now },
	})
	header := func(ts int64, msg string) string {
		s := strconv.FormatInt(ts, 10)
		return "v0:" + s + ":" + base64.StdEncoding.EncodeToString(sign([]byte("wsecret"), []byte(msg)))
	}

	ts := now.Unix() - 120
	tsStr := strconv.FormatInt(ts, 10)

	m, err := v.Verify(telRequest(header(ts, tsStr+telBody), telBody))
	require.NoError(t, err)
	assert.Equal(t, "ts:plain", m.Variant)

	m, err = v.Verify(telRequest(header(ts, "v0:"+tsStr+":"+telBody), telBody))
	require.NoError(t, err)
	assert.Equal(t, "ts:v0", m.Variant)

	stale := now.Unix() - 301
	_, err = v.Verify(telRequest(header(stale, strconv.FormatInt(stale, 10)+telBody), telBody))
	assert.ErrorIs(t, err, ErrStaleTimestamp)

	future := now.Unix() + 301
	_, err = v.Verify(telRequest(header(future, strconv.FormatInt(future, 10)+telBody), telBody))
	assert.ErrorIs(t, err, ErrStaleTimestamp)

	_, err = v.Verify(telRequest(header(ts, tsStr+telBody), `{"event":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestTelephonyHandshake(t *testing.T) {
	v := NewTelephonyVerifier(TelephonyOptions{VerificationToken: "vtoken", WebhookSecret: "wsecret"})

	resp, ok := v.Handshake([]byte(`{"event":"endpoint.url_validation","payload":{"plainToken":"abc123"}}`))
	require.True(t, ok)
	assert.Equal(t, "abc123", resp.PlainToken)
	assert.Equal(t, hex.EncodeToString(sign([]byte("wsecret"), []byte("abc123"))), resp.EncryptedToken)

	_, ok = v.Handshake([]byte(telBody))
	assert.False(t, ok)

	_, ok = v.Handshake([]byte("not json"))
	assert.False(t, ok)
}
