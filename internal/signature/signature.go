// Package signature authenticates inbound webhook payloads.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"net/http"
)

var (
	ErrMissingSignature = errors.New("signature: missing signature header")
	ErrInvalidSignature = errors.New("signature: no candidate matched")
	ErrStaleTimestamp   = errors.New("signature: timestamp outside allowed skew")
	ErrNotConfigured    = errors.New("signature: no secret configured")
)

// Request is the subset of an HTTP request a verifier needs. Body must be
// the exact bytes received.
type Request struct {
	Method     string
	RequestURI string // path plus raw query, as received
	Host       string
	Header     http.Header
	Body       []byte
}

// FromHTTP captures r with an already-read body.
func FromHTTP(r *http.Request, body []byte) Request {
	return Request{
		Method:     r.Method,
		RequestURI: r.URL.RequestURI(),
		Host:       r.Host,
		Header:     r.Header,
		Body:       body,
	}
}

// Match reports which secret and message variant authenticated a request.
type Match struct {
	Secret  string `json:"secret"`
	Variant string `json:"variant"`
}

type namedSecret struct {
	name  string
	value []byte
}

func sign(secret, msg []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return mac.Sum(nil)
}
