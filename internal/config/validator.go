package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Validate checks the config for:
//   - Required fields and positive reward parameters
//   - Duplicate label ids within a tenant
//   - Patterns and time zones that fail to compile
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if _, err := time.LoadLocation(cfg.Storage.Timezone); err != nil {
		add("storage.timezone %q: %v", cfg.Storage.Timezone, err)
	}

	call := cfg.Rewards.Call
	if call.UnitMs <= 0 {
		add("rewards.call.unit_ms must be positive")
	}
	if call.MaxDurationMs <= 0 {
		add("rewards.call.max_duration_ms must be positive")
	}
	if call.MissedPenalty != nil && *call.MissedPenalty < 0 {
		add("rewards.call.missed_penalty is a magnitude and must not be negative")
	}
	if cfg.Rewards.Sales.StepSize <= 0 {
		add("rewards.sales.step_size must be positive")
	}
	if cfg.Ledger.Company.StepSize <= 0 {
		add("ledger.company.step_size must be positive")
	}

	for tenant, tc := range cfg.Rewards.Tenants {
		ids := make(map[string]int)
		for i, l := range tc.Labels {
			loc := fmt.Sprintf("rewards.tenants.%s.labels[%d]", tenant, i)
			if l.ID == "" && l.Title == "" {
				add("%s: one of id/title is required", loc)
				continue
			}
			if l.ID == "" {
				continue
			}
			if prev, ok := ids[l.ID]; ok {
				add("duplicate label id %q in tenant %s (labels[%d] and labels[%d])", l.ID, tenant, prev, i)
			} else {
				ids[l.ID] = i
			}
		}
	}

	for i, m := range cfg.Ledger.Company.Members {
		if !strings.Contains(m.Email, "@") {
			add("ledger.company.members[%d]: email %q is not an address", i, m.Email)
		}
	}

	if cfg.Dispatch.MinIntervalMs < 0 {
		add("dispatch.min_interval_ms must not be negative")
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		add("dispatch.max_attempts must be at least 1")
	}

	if _, err := regexp.Compile(cfg.Identity.NamePrefixPattern); err != nil {
		add("identity.name_prefix_pattern: %v", err)
	}

	if cfg.Adjustments.Capacity <= 0 || cfg.Adjustments.RefillSeconds <= 0 {
		add("adjustments: capacity and refill_seconds must be positive")
	}
	if cfg.Reconcile.Enabled && strings.TrimSpace(cfg.Reconcile.Schedule) == "" {
		add("reconcile.schedule is required when reconcile is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
