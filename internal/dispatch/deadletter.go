package dispatch

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

// DeadLetterEntry records a task that never succeeded.
type DeadLetterEntry struct {
	At       time.Time         `json:"at"`
	Seq      uint64            `json:"seq"`
	Label    string            `json:"label"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Attempts int               `json:"attempts"`
	Error    string            `json:"error"`
}

// DeadLetter is an append-only NDJSON file of failed tasks.
type DeadLetter struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// OpenDeadLetter opens (or creates) the file at path.
func OpenDeadLetter(path string) (*DeadLetter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("dispatch: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dispatch: open dead letter file: %w", err)
	}
	return &DeadLetter{path: path, f: f}, nil
}

// Write appends e.
func (d *DeadLetter) Write(e DeadLetterEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("dispatch: write dead letter: %w", err)
	}
	return d.f.Sync()
}

// Close closes the file.
func (d *DeadLetter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// ReadDeadLetters loads every entry in the file at path. A missing file
// yields no entries.
func ReadDeadLetters(path string) ([]DeadLetterEntry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []DeadLetterEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e DeadLetterEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, sc.Err()
}
