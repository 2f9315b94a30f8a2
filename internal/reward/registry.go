package reward

import (
	"fmt"
	"sync"

	"github.com/gyaneshwarpardhi/xpflow/internal/event"
)

// Rule computes the reward deltas for one event kind. Compute must be a pure
// function of its inputs: no clocks, no queue state.
type Rule interface {
	// Kind returns the event kind this rule is registered under.
	Kind() event.Kind
	// Compute returns zero or more deltas; a nil result is a no-op.
	Compute(ev *event.Event, tbl *Table) []Delta
}

// Registry maps event kinds to their rules.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu    sync.RWMutex
	rules map[event.Kind]Rule
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[event.Kind]Rule)}
}

// DefaultRegistry holds the call, appointment, approval and sales rules.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(CallRule{})
	r.Register(AppointmentRule{})
	r.Register(ApprovalRule{})
	r.Register(SalesRule{})
	return r
}

// Register adds a rule. Panics on duplicate kind to surface misconfiguration early.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[rule.Kind()]; exists {
		panic(fmt.Sprintf("reward registry: duplicate kind %q", rule.Kind()))
	}
	r.rules[rule.Kind()] = rule
}

// Get returns the rule for the given kind.
func (r *Registry) Get(kind event.Kind) (Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[kind]
	if !ok {
		return nil, fmt.Errorf("no reward rule registered for kind %q", kind)
	}
	return rule, nil
}

// Compute looks up the rule for ev.Kind and applies it.
func (r *Registry) Compute(ev *event.Event, tbl *Table) ([]Delta, error) {
	rule, err := r.Get(ev.Kind)
	if err != nil {
		return nil, err
	}
	return rule.Compute(ev, tbl), nil
}
