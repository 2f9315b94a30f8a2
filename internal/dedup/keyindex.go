package dedup

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KeyIndex is a persistent set of row keys for batch imports. Unlike the
// SeenSet it never expires: a spreadsheet re-uploaded months later must
// still be recognised. Keys are appended one per line to a file that is
// replayed on open.
type KeyIndex struct {
	mu   sync.Mutex
	path string
	f    *os.File
	keys map[string]struct{}
}

// OpenKeyIndex loads the index at path, creating it if needed.
func OpenKeyIndex(path string) (*KeyIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("key index dir: %w", err)
	}
	idx := &KeyIndex{path: path, keys: make(map[string]struct{})}

	rf, err := os.Open(path)
	switch {
	case err == nil:
		sc := bufio.NewScanner(rf)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			if k := strings.TrimSpace(sc.Text()); k != "" {
				idx.keys[k] = struct{}{}
			}
		}
		rf.Close()
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read key index %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("open key index %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open key index %s: %w", path, err)
	}
	idx.f = f
	return idx, nil
}

// Has reports whether key was claimed before.
func (k *KeyIndex) Has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.keys[key]
	return ok
}

// Claim records key and reports whether it was new. The key is on disk
// before Claim returns true.
func (k *KeyIndex) Claim(key string) (bool, error) {
	if strings.ContainsAny(key, "\r\n") {
		return false, fmt.Errorf("key index: key %q contains a line break", key)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[key]; ok {
		return false, nil
	}
	if _, err := k.f.WriteString(key + "\n"); err != nil {
		return false, fmt.Errorf("key index append: %w", err)
	}
	if err := k.f.Sync(); err != nil {
		return false, fmt.Errorf("key index sync: %w", err)
	}
	k.keys[key] = struct{}{}
	return true, nil
}

// Len returns the number of keys.
func (k *KeyIndex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.keys)
}

func (k *KeyIndex) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.f.Close()
}
