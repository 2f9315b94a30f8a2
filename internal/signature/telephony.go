package signature

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TelephonyOptions configures a TelephonyVerifier.
type TelephonyOptions struct {
	VerificationToken string
	WebhookSecret     string
	Header            string
	MaxSkew           time.Duration
	Now               func() time.Time
}

// TelephonyVerifier handles the two header conventions the phone platform
// has used over time:
//
//	legacy:      hex(HMAC(secret, body)), optionally "v0=" prefixed, where the
//	             signed body may itself carry a "v0" or "v0:" prefix
//	timestamped: "v0:{ts}:{base64}", signing "{ts}{body}" or "v0:{ts}:{body}"
//
// The verification token is tried before the webhook secret.
type TelephonyVerifier struct {
	header    string
	secrets   []namedSecret
	handshake []byte
	maxSkew   time.Duration
	now       func() time.Time
}

func NewTelephonyVerifier(opts TelephonyOptions) *TelephonyVerifier {
	v := &TelephonyVerifier{
		header:  opts.Header,
		maxSkew: opts.MaxSkew,
		now:     opts.Now,
	}
	if v.header == "" {
		v.header = "X-Zm-Signature"
	}
	if v.maxSkew <= 0 {
		v.maxSkew = 300 * time.Second
	}
	if v.now == nil {
		v.now = time.Now
	}
	if t := strings.TrimSpace(opts.VerificationToken); t != "" {
		v.secrets = append(v.secrets, namedSecret{name: "verification_token", value: []byte(t)})
	}
	if s := strings.TrimSpace(opts.WebhookSecret); s != "" {
		v.secrets = append(v.secrets, namedSecret{name: "webhook_secret", value: []byte(s)})
		v.handshake = []byte(s)
	} else if len(v.secrets) > 0 {
		v.handshake = v.secrets[0].value
	}
	return v
}

// HandshakeResponse answers the endpoint url-validation challenge.
type HandshakeResponse struct {
	PlainToken     string `json:"plainToken"`
	EncryptedToken string `json:"encryptedToken"`
}

// Handshake reports whether body is a url-validation challenge and, if so,
// the response to send back. Callers must check this before Verify and do
// nothing else with the payload.
func (v *TelephonyVerifier) Handshake(body []byte) (*HandshakeResponse, bool) {
	var probe struct {
		PlainToken string `json:"plainToken"`
		Payload    struct {
			PlainToken string `json:"plainToken"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, false
	}
	token := probe.Payload.PlainToken
	if token == "" {
		token = probe.PlainToken
	}
	if token == "" || len(v.handshake) == 0 {
		return nil, false
	}
	return &HandshakeResponse{
		PlainToken:     token,
		EncryptedToken: hex.EncodeToString(sign(v.handshake, []byte(token))),
	}, true
}

// Verify authenticates req.
func (v *TelephonyVerifier) Verify(req Request) (Match, error) {
	if len(v.secrets) == 0 {
		return Match{}, ErrNotConfigured
	}
	sig := strings.TrimSpace(req.Header.Get(v.header))
	if sig == "" {
		return Match{}, ErrMissingSignature
	}
	if strings.HasPrefix(sig, "v0:") && strings.Count(sig, ":") >= 2 {
		return v.verifyTimestamped(sig, req.Body)
	}
	return v.verifyLegacy(sig, req.Body)
}

func (v *TelephonyVerifier) verifyLegacy(sig string, body []byte) (Match, error) {
	got, err := hex.DecodeString(strings.ToLower(strings.TrimPrefix(sig, "v0=")))
	if err != nil {
		return Match{}, ErrInvalidSignature
	}
	variants := []struct {
		name   string
		prefix string
	}{
		{"hex:body", ""},
		{"hex:v0", "v0"},
		{"hex:v0:", "v0:"},
	}
	return v.firstMatch(got, func(add func(variant string, msg []byte)) {
		for _, vr := range variants {
			add(vr.name, append([]byte(vr.prefix), body...))
		}
	})
}

func (v *TelephonyVerifier) verifyTimestamped(sig string, body []byte) (Match, error) {
	parts := strings.SplitN(sig, ":", 3)
	ts := parts[1]
	sent, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Match{}, ErrInvalidSignature
	}
	sentAt := time.Unix(sent, 0)
	if sent > 1e12 {
		sentAt = time.UnixMilli(sent)
	}
	skew := v.now().Sub(sentAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return Match{}, ErrStaleTimestamp
	}

	got, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		if got, err = base64.RawStdEncoding.DecodeString(parts[2]); err != nil {
			return Match{}, ErrInvalidSignature
		}
	}
	return v.firstMatch(got, func(add func(variant string, msg []byte)) {
		add("ts:plain", append([]byte(ts), body...))
		add("ts:v0", append([]byte("v0:"+ts+":"), body...))
	})
}

// firstMatch compares got against every (secret, message) pair and returns
// the first pair, in secret order, that matched.
func (v *TelephonyVerifier) firstMatch(got []byte, messages func(add func(variant string, msg []byte))) (Match, error) {
	var (
		match   Match
		matched bool
	)
	for _, secret := range v.secrets {
		messages(func(variant string, msg []byte) {
			if hmac.Equal(got, sign(secret.value, msg)) && !matched {
				matched = true
				match = Match{Secret: secret.name, Variant: variant}
			}
		})
	}
	if !matched {
		return Match{}, ErrInvalidSignature
	}
	return match, nil
}
