// Package eventlog is the append-only record of every processed event. One
// newline-delimited JSON file is kept per category. The files are the
// source of truth the ledger recomputes totals from.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category names one log file.
type Category string

const (
	Calls        Category = "calls"
	Appointments Category = "appointments"
	Approvals    Category = "approvals"
	Sales        Category = "sales"
	Labels       Category = "labels"
	Trophies     Category = "trophies"
	MakerAwards  Category = "maker_awards"
	DailyBonus   Category = "daily_bonus"
	Adjustments  Category = "adjustments"
)

// Categories lists every category in file order.
var Categories = []Category{Calls, Appointments, Approvals, Sales, Labels, Trophies, MakerAwards, DailyBonus, Adjustments}

// ErrUnknownCategory is returned for a category outside Categories.
var ErrUnknownCategory = errors.New("eventlog: unknown category")

// Record is one log line. At, Day and Period are filled by Append when zero.
type Record struct {
	At       time.Time      `json:"at"`
	Day      string         `json:"day"`    // local calendar date, 2006-01-02
	Period   string         `json:"period"` // local month, 2006-01
	Actor    string         `json:"actor"`
	Email    string         `json:"email,omitempty"`
	EventKey string         `json:"event_key,omitempty"`
	Tenant   string         `json:"tenant,omitempty"`
	XP       int64          `json:"xp,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Label    string         `json:"label,omitempty"`
	Badge    string         `json:"badge,omitempty"`
	Amount   int64          `json:"amount,omitempty"`
	Maker    string         `json:"maker,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Log owns one append handle per category.
type Log struct {
	dir string
	loc *time.Location

	mu    sync.Mutex // guards files and serializes appends with scans
	files map[Category]*os.File
}

// Open creates dir if needed. Files are opened lazily on first append.
func Open(dir string, loc *time.Location) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create %s: %w", dir, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Log{dir: dir, loc: loc, files: make(map[Category]*os.File)}, nil
}

// Location is the zone days and periods are computed in.
func (l *Log) Location() *time.Location { return l.loc }

// Period returns the month key t falls in.
func (l *Log) Period(t time.Time) string { return t.In(l.loc).Format("2006-01") }

// Append writes rec as one line and syncs it.
func (l *Log) Append(cat Category, rec Record) error {
	if !known(cat) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	local := rec.At.In(l.loc)
	if rec.Day == "" {
		rec.Day = local.Format("2006-01-02")
	}
	if rec.Period == "" {
		rec.Period = local.Format("2006-01")
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("eventlog: encode %s record: %w", cat, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.handle(cat)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("eventlog: append %s: %w", cat, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("eventlog: sync %s: %w", cat, err)
	}
	return nil
}

// Scan calls fn for every record of cat in append order. A missing file
// scans as empty. Lines that fail to decode are skipped.
func (l *Log) Scan(cat Category, fn func(Record) error) error {
	if !known(cat) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, cat)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path(cat))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", cat, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("eventlog: read %s: %w", cat, err)
	}
	return nil
}

// SumAmount totals the Amount of every record of cat that match accepts.
func (l *Log) SumAmount(cat Category, match func(Record) bool) (int64, error) {
	var total int64
	err := l.Scan(cat, func(r Record) error {
		if match(r) {
			total += r.Amount
		}
		return nil
	})
	return total, err
}

// Contributor is one (email, maker) pair that appears in a period.
type Contributor struct {
	Name  string
	Email string
	Maker string
}

// Contributors returns the distinct resolved (email, maker) pairs of cat in
// period, in first-seen order.
func (l *Log) Contributors(cat Category, period string) ([]Contributor, error) {
	seen := make(map[[2]string]struct{})
	var out []Contributor
	err := l.Scan(cat, func(r Record) error {
		if r.Period != period || r.Email == "" {
			return nil
		}
		k := [2]string{r.Email, r.Maker}
		if _, ok := seen[k]; ok {
			return nil
		}
		seen[k] = struct{}{}
		out = append(out, Contributor{Name: r.Actor, Email: r.Email, Maker: r.Maker})
		return nil
	})
	return out, err
}

// Close closes every open file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for cat, f := range l.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("eventlog: close %s: %w", cat, err))
		}
		delete(l.files, cat)
	}
	return errors.Join(errs...)
}

func (l *Log) handle(cat Category) (*os.File, error) {
	if f, ok := l.files[cat]; ok {
		return f, nil
	}
	f, err := os.OpenFile(l.path(cat), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", cat, err)
	}
	l.files[cat] = f
	return f, nil
}

func (l *Log) path(cat Category) string {
	return filepath.Join(l.dir, string(cat)+".ndjson")
}

func known(cat Category) bool {
	for _, c := range Categories {
		if c == cat {
			return true
		}
	}
	return false
}
