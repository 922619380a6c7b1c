package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		MaxDailySpendUSDC:   50,
		MaxPerTxUSDC:        10,
		HighConfidence:      0.90,
		MediumConfidence:    0.70,
		MaxAttempts:         3,
		WorkerLease:         30 * time.Second,
		JudgeLease:          60 * time.Second,
		PerceptionThreshold: 0.75,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults pass", func(c *Config) {}, true},
		{"per-tx above daily", func(c *Config) { c.MaxPerTxUSDC = 60 }, false},
		{"zero daily cap", func(c *Config) { c.MaxDailySpendUSDC = 0 }, false},
		{"high below medium", func(c *Config) { c.HighConfidence = 0.5 }, false},
		{"threshold above one", func(c *Config) { c.PerceptionThreshold = 1.5 }, false},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }, false},
		{"zero lease", func(c *Config) { c.WorkerLease = 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MAX_DAILY_SPEND_USDC", "120")
	t.Setenv("WORKER_LEASE_SEC", "45")
	t.Setenv("SENSITIVE_TOPICS", "politics, crypto")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 120.0, cfg.MaxDailySpendUSDC)
	assert.Equal(t, 45*time.Second, cfg.WorkerLease)
	assert.Equal(t, []string{"politics", "crypto"}, cfg.SensitiveTopics)
}

func TestLoadRejectsMalformedValue(t *testing.T) {
	t.Setenv("MAX_PER_TX_USDC", "ten")
	_, err := Load()
	assert.Error(t, err)
}

func TestForTenantOverrides(t *testing.T) {
	cfg := validConfig()
	cfg.WorkersPerTenant = 2
	cfg.PerceptionPoll = 10 * time.Second
	cfg.SensitiveTopics = []string{"politics"}
	cfg.ToolServer = []string{"drover-tools"}

	base := cfg.ForTenant(nil)
	assert.Equal(t, 30*time.Second, base.WorkerLease)
	assert.Equal(t, 2, base.Workers)

	v := cfg.ForTenant(&TenantOverrides{
		WorkerLeaseSec:  90,
		Workers:         5,
		SensitiveTopics: []string{"crypto"},
		ToolServer:      []string{"acme-tools", "--sandbox"},
	})
	assert.Equal(t, 90*time.Second, v.WorkerLease)
	assert.Equal(t, 5, v.Workers)
	assert.Equal(t, []string{"politics", "crypto"}, v.SensitiveTopics)
	assert.Equal(t, []string{"acme-tools", "--sandbox"}, v.ToolServer)
	// Untouched knobs keep the global values.
	assert.Equal(t, 10*time.Second, v.PerceptionPoll)
}
