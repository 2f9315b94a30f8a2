package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
version: "1"
signatures:
  crm:
    secrets: [${XPFLOW_TEST_SECRET}]
identity:
  name_prefix_pattern: '^担当:(.+)$'
rewards:
  tenants:
    "62515":
      labels:
        - id: f240bbac
          title: Appointment set
          xp: 30
`

func TestParseExpandsBracedEnvOnly(t *testing.T) {
	t.Setenv("XPFLOW_TEST_SECRET", "s3cret")
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, []string{"s3cret"}, cfg.Signatures.CRM.Secrets)
	assert.Equal(t, `^担当:(.+)$`, cfg.Identity.NamePrefixPattern)
	assert.Equal(t, int64(30), cfg.Rewards.Tenants["62515"].Labels[0].XP)
	require.NoError(t, Validate(cfg))
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`version: "1"`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "Asia/Tokyo", cfg.Storage.Timezone)
	assert.Equal(t, int64(100000), cfg.Rewards.Sales.StepSize)
	assert.Equal(t, int64(1000000), cfg.Ledger.Company.StepSize)
	assert.Equal(t, 1100, cfg.Dispatch.MinIntervalMs)
	assert.Equal(t, 1, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, "unknown", cfg.Identity.Unresolved)
	assert.Equal(t, "@every 15m", cfg.Reconcile.Schedule)
}

func TestParseKeepsExplicitZero(t *testing.T) {
	cfg, err := Parse([]byte(`
version: "1"
rewards:
  call:
    missed_penalty: 0
    per_unit_xp: 0
  approval:
    xp: 0
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Rewards.Call.MissedPenalty)
	assert.Zero(t, *cfg.Rewards.Call.MissedPenalty)
	assert.Zero(t, *cfg.Rewards.Call.PerUnitXP)
	assert.Zero(t, *cfg.Rewards.Approval.XP)
	assert.Equal(t, int64(1), *cfg.Rewards.Call.PerCallXP, "unset keeps its default")
	assert.Equal(t, int64(10), *cfg.Rewards.Appointment.DefaultXP)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		tweak   func(*Config)
		wantErr []string
	}{
		{name: "defaults are valid", tweak: func(*Config) {}},
		{
			name:    "missing version",
			tweak:   func(c *Config) { c.Version = "" },
			wantErr: []string{"version is required"},
		},
		{
			name: "collects every problem",
			tweak: func(c *Config) {
				c.Storage.Timezone = "Mars/Olympus"
				c.Identity.NamePrefixPattern = "(["
				c.Ledger.Company.Members = []MemberConf{{Name: "x", Email: "nobody"}}
			},
			wantErr: []string{"storage.timezone", "name_prefix_pattern", "members[0]"},
		},
		{
			name: "duplicate label id",
			tweak: func(c *Config) {
				c.Rewards.Tenants = map[string]TenantConf{"t": {Labels: []LabelConf{
					{ID: "a", XP: 1}, {ID: "a", XP: 2},
				}}}
			},
			wantErr: []string{`duplicate label id "a"`},
		},
		{
			name:    "negative penalty",
			tweak:   func(c *Config) { c.Rewards.Call.MissedPenalty = Int64(-5) },
			wantErr: []string{"missed_penalty"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Version: "1"}
			ApplyDefaults(cfg)
			tt.tweak(cfg)
			err := Validate(cfg)
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestReloadNotifiesAndKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xpflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\n"), 0o644))

	l, err := NewLoader(path)
	require.NoError(t, err)
	var calls atomic.Int32
	l.OnChange(func(*Config) { calls.Add(1) })

	require.NoError(t, os.WriteFile(path, []byte("version: \"2\"\n"), 0o644))
	cfg, err := l.Reload()
	require.NoError(t, err)
	assert.Equal(t, "2", cfg.Version)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, os.WriteFile(path, []byte("version: \"\"\n"), 0o644))
	_, err = l.Reload()
	require.Error(t, err)
	assert.Equal(t, "2", l.Config().Version)
	assert.Equal(t, int32(1), calls.Load())
}
