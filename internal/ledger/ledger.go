// Package ledger converts growing cumulative totals into discrete award
// steps and remembers the last awarded step per key so that recomputation
// never awards twice.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/xpflow/internal/keylock"
)

// Scope of a ledger key.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeCompany Scope = "company"
)

// Key identifies one ledger entry. Email and Category are empty for the
// company scope.
type Key struct {
	Scope    Scope  `json:"scope"`
	Period   string `json:"period"`
	Email    string `json:"email,omitempty"`
	Category string `json:"category,omitempty"`
}

func (k Key) String() string {
	return string(k.Scope) + "|" + k.Period + "|" + k.Email + "|" + k.Category
}

// Entry is the last persisted state of a key.
type Entry struct {
	Key       Key       `json:"key"`
	Total     int64     `json:"total"`
	Steps     int64     `json:"steps"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Policy converts totals into steps and steps into XP.
type Policy struct {
	StepSize  int64
	PerStepXP int64
}

// TotalFunc recomputes the authoritative cumulative total for a key.
type TotalFunc func(ctx context.Context, k Key) (int64, error)

// Award is handed to an AwardFunc when new steps are reached.
type Award struct {
	Key   Key
	Steps int64 // newly reached steps, always > 0
	XP    int64 // Steps * PerStepXP
	Total int64
}

// AwardFunc issues an award. It runs under the key's lock, before the new
// step count is persisted. Returning an error leaves the entry unchanged.
type AwardFunc func(ctx context.Context, a Award) error

// Result reports what one Settle call did.
type Result struct {
	Entry    Entry
	Awarded  int64 // steps awarded by this call
	XP       int64
	Previous int64
}

// Ledger holds the in-memory entries backed by an append-only snapshot
// file. Settle calls on the same key are serialized.
type Ledger struct {
	total TotalFunc
	now   func() time.Time
	locks *keylock.Locks

	mu      sync.RWMutex
	entries map[string]Entry

	fileMu sync.Mutex
	file   *os.File
}

// Open rebuilds state from the snapshot file at path (latest record per
// key wins) and keeps it open for appends.
func Open(path string, total TotalFunc) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create dir: %w", err)
	}
	entries, err := rebuild(path)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	return &Ledger{
		total:   total,
		now:     time.Now,
		locks:   keylock.New(),
		entries: entries,
		file:    f,
	}, nil
}

func rebuild(path string) (map[string]Entry, error) {
	entries := make(map[string]Entry)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries[e.Key.String()] = e
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	return entries, nil
}

// Get returns the entry for k.
func (l *Ledger) Get(k Key) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[k.String()]
	return e, ok
}

// Settle recomputes the total for k, and when it has crossed new step
// boundaries calls award once and persists the new step count. Calling it
// again without new contributions is a no-op.
func (l *Ledger) Settle(ctx context.Context, k Key, p Policy, award AwardFunc) (Result, error) {
	if p.StepSize <= 0 {
		return Result{}, fmt.Errorf("ledger: %s: step size must be positive", k)
	}
	unlock := l.locks.Lock(k.String())
	defer unlock()

	total, err := l.total(ctx, k)
	if err != nil {
		return Result{}, fmt.Errorf("ledger: total for %s: %w", k, err)
	}
	prev, _ := l.Get(k)
	stepsNow := total / p.StepSize
	delta := stepsNow - prev.Steps
	res := Result{Entry: prev, Previous: prev.Steps}
	if delta <= 0 {
		return res, nil
	}

	a := Award{Key: k, Steps: delta, XP: delta * p.PerStepXP, Total: total}
	if award != nil {
		if err := award(ctx, a); err != nil {
			return res, fmt.Errorf("ledger: award %s: %w", k, err)
		}
	}

	next := Entry{Key: k, Total: total, Steps: stepsNow, UpdatedAt: l.now()}
	if err := l.persist(next); err != nil {
		return res, err
	}
	l.mu.Lock()
	l.entries[k.String()] = next
	l.mu.Unlock()

	res.Entry = next
	res.Awarded = delta
	res.XP = a.XP
	return res, nil
}

func (l *Ledger) persist(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger: encode %s: %w", e.Key, err)
	}
	line = append(line, '\n')
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("ledger: append snapshot: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("ledger: sync snapshot: %w", err)
	}
	return nil
}

// Entries returns every entry, optionally restricted to one period, sorted
// by key.
func (l *Ledger) Entries(period string) []Entry {
	l.mu.RLock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if period == "" || e.Key.Period == period {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Close closes the snapshot file.
func (l *Ledger) Close() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	return l.file.Close()
}
