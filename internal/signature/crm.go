package signature

import (
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	CRMSignatureHeader = "X-HubSpot-Signature-v3"
	CRMTimestampHeader = "X-HubSpot-Request-Timestamp"
)

// CRMVerifier checks v3 signatures: base64(HMAC-SHA256(secret,
// method + url + body + timestamp)). The signed url is whatever the sender
// believed it was calling, so several reconstructions are tried.
type CRMVerifier struct {
	secrets       []namedSecret
	publicBaseURL string
}

// NewCRMVerifier returns a verifier for the given secrets. publicBaseURL may
// be empty.
func NewCRMVerifier(secrets []string, publicBaseURL string) *CRMVerifier {
	v := &CRMVerifier{publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")}
	for i, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			v.secrets = append(v.secrets, namedSecret{name: fmt.Sprintf("secret[%d]", i), value: []byte(s)})
		}
	}
	return v
}

// Verify accepts the request if any (secret, url candidate) pair produces
// the supplied signature. Every pair is compared so the work done does not
// depend on where the match is.
func (v *CRMVerifier) Verify(req Request) (Match, error) {
	if len(v.secrets) == 0 {
		return Match{}, ErrNotConfigured
	}
	sig := strings.TrimSpace(req.Header.Get(CRMSignatureHeader))
	if sig == "" {
		return Match{}, ErrMissingSignature
	}
	got, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return Match{}, ErrInvalidSignature
	}
	ts := strings.TrimSpace(req.Header.Get(CRMTimestampHeader))

	var (
		match   Match
		matched bool
	)
	for _, secret := range v.secrets {
		for _, candidate := range URLCandidates(req, v.publicBaseURL) {
			msg := req.Method + candidate + string(req.Body) + ts
			ok := hmac.Equal(got, sign(secret.value, []byte(msg)))
			if ok && !matched {
				matched = true
				match = Match{Secret: secret.name, Variant: candidate}
			}
		}
	}
	if !matched {
		return Match{}, ErrInvalidSignature
	}
	return match, nil
}

// URLCandidates lists the urls a sender may have signed, in order: the raw
// request uri, the absolute url rebuilt from forwarded headers, and the url
// under the configured public base. Each appears with and without a
// trailing slash on the path. Duplicates are dropped.
func URLCandidates(req Request, publicBaseURL string) []string {
	uri := req.RequestURI
	if uri == "" {
		uri = "/"
	}

	proto := firstHeaderValue(req.Header.Get("X-Forwarded-Proto"))
	if proto == "" {
		proto = "https"
	}
	host := firstHeaderValue(req.Header.Get("X-Forwarded-Host"))
	if host == "" {
		host = req.Host
	}

	bases := []string{uri}
	if host != "" {
		bases = append(bases, proto+"://"+host+uri)
	}
	if publicBaseURL != "" {
		bases = append(bases, publicBaseURL+uri)
	}

	seen := make(map[string]struct{}, len(bases)*2)
	out := make([]string, 0, len(bases)*2)
	for _, b := range bases {
		for _, c := range []string{b, toggleTrailingSlash(b)} {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// toggleTrailingSlash adds or removes a trailing slash on the path portion,
// leaving any query string in place.
func toggleTrailingSlash(u string) string {
	path, query, hasQuery := strings.Cut(u, "?")
	if strings.HasSuffix(path, "/") {
		if strings.HasSuffix(path, "://") || path == "/" {
			return u
		}
		path = strings.TrimSuffix(path, "/")
	} else {
		path += "/"
	}
	if hasQuery {
		return path + "?" + query
	}
	return path
}

func firstHeaderValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
