package batch

import (
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrUnauthorized is returned for a missing or unknown bearer token.
var ErrUnauthorized = errors.New("batch: unauthorized")

// Authorize checks an Authorization header against the allow-list. Every
// configured token is compared so timing does not reveal which one matched.
func Authorize(header string, tokens []string) error {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ErrUnauthorized
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrUnauthorized
	}
	matched := 0
	for _, t := range tokens {
		if t == "" {
			continue
		}
		matched |= subtle.ConstantTimeCompare([]byte(token), []byte(t))
	}
	if matched != 1 {
		return ErrUnauthorized
	}
	return nil
}
