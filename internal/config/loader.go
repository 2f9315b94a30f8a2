package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads a YAML config file and watches it for changes.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Config
	onChange []func(*Config)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the current (latest) configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the config reloads.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the config on file changes.
// Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						slog.Warn("config reload failed, keeping previous config", "path", l.path, "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the config file. An invalid file
// leaves the current config in place.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	callbacks := make([]func(*Config), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}
	return cfg, nil
}

// Load reads and parses a config file, expanding ${ENV} references and
// applying defaults. It does not validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a Config with defaults applied.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills zero values with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 10000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 30000
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 8 << 20
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.Timezone == "" {
		cfg.Storage.Timezone = "Asia/Tokyo"
	}

	tel := &cfg.Signatures.Telephony
	if tel.Header == "" {
		tel.Header = "X-Zm-Signature"
	}
	if tel.MaxSkewSeconds == 0 {
		tel.MaxSkewSeconds = 300
	}

	call := &cfg.Rewards.Call
	defaultInt64(&call.PerCallXP, 1)
	if call.UnitMs == 0 {
		call.UnitMs = 300000
	}
	defaultInt64(&call.PerUnitXP, 2)
	if call.MaxDurationMs == 0 {
		call.MaxDurationMs = 3 * 60 * 60 * 1000
	}
	defaultInt64(&call.MissedPenalty, 5)
	if len(call.MissedStatuses) == 0 {
		call.MissedStatuses = []string{"missed", "no answer", "no_answer", "noanswer", "not answered"}
	}
	defaultInt64(&cfg.Rewards.Appointment.DefaultXP, 10)
	defaultInt64(&cfg.Rewards.Approval.XP, 20)
	if cfg.Rewards.Sales.StepSize == 0 {
		cfg.Rewards.Sales.StepSize = 100000
	}
	if cfg.Rewards.Sales.PerStepXP == 0 {
		cfg.Rewards.Sales.PerStepXP = 50
	}
	if len(cfg.Rewards.CRMProperties) == 0 {
		cfg.Rewards.CRMProperties = []string{"hs_call_disposition", "dealstage"}
	}

	if cfg.Ledger.Company.StepSize == 0 {
		cfg.Ledger.Company.StepSize = 1000000
	}
	if cfg.Ledger.Company.PerStepXP == 0 {
		cfg.Ledger.Company.PerStepXP = 20
	}

	if cfg.Dispatch.MinIntervalMs == 0 {
		cfg.Dispatch.MinIntervalMs = 1100
	}
	if cfg.Dispatch.QueueDepth == 0 {
		cfg.Dispatch.QueueDepth = 1024
	}
	if cfg.Dispatch.MaxAttempts == 0 {
		cfg.Dispatch.MaxAttempts = 1
	}
	if cfg.Gamify.TimeoutMs == 0 {
		cfg.Gamify.TimeoutMs = 10000
	}

	if cfg.Identity.Unresolved == "" {
		cfg.Identity.Unresolved = "unknown"
	}
	if cfg.Identity.NamePrefixPattern == "" {
		cfg.Identity.NamePrefixPattern = `^(?:担当者?|営業担当?|担当営業)\s*:?\s*(.+)$`
	}
	if len(cfg.Imports.ApprovedStatuses) == 0 {
		cfg.Imports.ApprovedStatuses = []string{"approved", "承認", "承認済", "承認済み"}
	}

	adj := &cfg.Adjustments
	if adj.Capacity == 0 {
		adj.Capacity = 5
	}
	if adj.RefillSeconds == 0 {
		adj.RefillSeconds = 10
	}
	if adj.IdempotencyTTLSeconds == 0 {
		adj.IdempotencyTTLSeconds = 600
	}

	if cfg.Dedup.SeenTTLSeconds == 0 {
		cfg.Dedup.SeenTTLSeconds = 24 * 60 * 60
	}
	if cfg.Background.Workers == 0 {
		cfg.Background.Workers = 8
	}
	if cfg.Background.QueueDepth == 0 {
		cfg.Background.QueueDepth = 1000
	}
	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 15m"
	}
}

func defaultInt64(p **int64, v int64) {
	if *p == nil {
		*p = Int64(v)
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references only, so regex patterns in the file
// keep their '$' anchors.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}
