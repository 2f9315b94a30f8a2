// Package actor maps raw identity hints to a concrete person.
package actor

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/width"

	"github.com/gyaneshwarpardhi/xpflow/internal/config"
	"github.com/gyaneshwarpardhi/xpflow/internal/event"
)

// Actor is the person a reward is attributed to. Email is empty when no
// strategy could resolve one; such actors are logged but never dispatched.
type Actor struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Resolved reports whether a is addressable on the gamification service.
func (a Actor) Resolved() bool { return a.Email != "" }

// Strategy is one step of the resolution chain.
type Strategy interface {
	Name() string
	Resolve(h event.ActorHints) (Actor, bool)
}

// Resolver tries its strategies in order and returns the first success.
// It never fails: an unmatched actor gets the unresolved label.
type Resolver struct {
	strategies []Strategy
	unresolved string
}

// NewResolver builds the standard chain: explicit email, owner id, spoken
// name.
func NewResolver(conf config.IdentityConf) (*Resolver, error) {
	prefix, err := regexp.Compile(conf.NamePrefixPattern)
	if err != nil {
		return nil, fmt.Errorf("actor: name prefix pattern: %w", err)
	}

	nameByEmail := make(map[string]string)
	owners := make(map[string]Actor, len(conf.Owners))
	for id, m := range conf.Owners {
		a := Actor{Name: strings.TrimSpace(m.Name), Email: normalizeEmail(m.Email)}
		owners[strings.TrimSpace(id)] = a
		if a.Email != "" && a.Name != "" {
			nameByEmail[a.Email] = a.Name
		}
	}
	spoken := &SpokenName{byName: make(map[string]Actor, len(conf.Names)), prefix: prefix}
	for name, email := range conf.Names {
		a := Actor{Name: strings.TrimSpace(name), Email: normalizeEmail(email)}
		spoken.byName[NormalizeName(name)] = a
		if _, ok := nameByEmail[a.Email]; !ok && a.Email != "" {
			nameByEmail[a.Email] = a.Name
		}
	}

	return New(conf.Unresolved,
		&EmailField{names: nameByEmail},
		&OwnerDirectory{owners: owners},
		spoken,
	), nil
}

// New returns a Resolver over an explicit strategy list.
func New(unresolved string, strategies ...Strategy) *Resolver {
	if unresolved == "" {
		unresolved = "unknown"
	}
	return &Resolver{strategies: strategies, unresolved: unresolved}
}

// Resolve returns the actor for h and the name of the strategy that
// produced it ("unresolved" when none did).
func (r *Resolver) Resolve(h event.ActorHints) (Actor, string) {
	for _, s := range r.strategies {
		a, ok := s.Resolve(h)
		if !ok {
			continue
		}
		if a.Name == "" {
			a.Name = LocalPart(a.Email)
		}
		return a, s.Name()
	}
	return Actor{Name: r.unresolved}, "unresolved"
}

// EmailField accepts an email-like hint as is.
type EmailField struct {
	names map[string]string
}

func (*EmailField) Name() string { return "email" }

func (s *EmailField) Resolve(h event.ActorHints) (Actor, bool) {
	email := normalizeEmail(h.Email)
	if !strings.Contains(email, "@") {
		return Actor{}, false
	}
	return Actor{Name: s.names[email], Email: email}, true
}

// OwnerDirectory resolves a numeric or opaque owner id.
type OwnerDirectory struct {
	owners map[string]Actor
}

func (*OwnerDirectory) Name() string { return "owner" }

func (s *OwnerDirectory) Resolve(h event.ActorHints) (Actor, bool) {
	id := strings.TrimSpace(h.OwnerID)
	if id == "" {
		return Actor{}, false
	}
	a, ok := s.owners[id]
	return a, ok
}

// SpokenName resolves a hand-typed name. A "prefix: name" form such as
// "担当: 山田 太郎" is reduced to the name before lookup.
type SpokenName struct {
	byName map[string]Actor
	prefix *regexp.Regexp
}

func (*SpokenName) Name() string { return "spoken_name" }

func (s *SpokenName) Resolve(h event.ActorHints) (Actor, bool) {
	raw := strings.TrimSpace(foldWidth(h.SpokenName))
	if raw == "" {
		return Actor{}, false
	}
	if s.prefix != nil {
		if m := s.prefix.FindStringSubmatch(raw); len(m) > 1 {
			raw = m[1]
		}
	}
	a, ok := s.byName[NormalizeName(raw)]
	return a, ok
}

// NormalizeName folds full-width characters (including the ideographic
// space) to their narrow forms, drops all whitespace and lower-cases, so
// "山田　太郎", "山田 太郎" and "山田太郎" compare equal.
func NormalizeName(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(foldWidth(s)), ""))
}

// LocalPart returns the part of an email address before the '@'.
func LocalPart(email string) string {
	local, _, _ := strings.Cut(email, "@")
	return local
}

func foldWidth(s string) string {
	return width.Fold.String(strings.ReplaceAll(s, "　", " "))
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
