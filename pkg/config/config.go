package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for every tunable. Each can be overridden through the
// environment variable of the same name.
const (
	DefaultMaxDailySpendUSDC   = 50.0
	DefaultMaxPerTxUSDC        = 10.0
	DefaultHighConfidence      = 0.90
	DefaultMediumConfidence    = 0.70
	DefaultMaxAttempts         = 3
	DefaultWorkerLeaseSec      = 30
	DefaultJudgeLeaseSec       = 60
	DefaultPerceptionPollSec   = 10
	DefaultPerceptionThreshold = 0.75
	DefaultDedupTTLHours       = 24
	DefaultOCCMaxRetries       = 5
	DefaultReviewHighWater     = 1000
	DefaultShutdownGraceSec    = 10
	DefaultWorkersPerTenant    = 2
	DefaultAPIAddr             = ":8080"
	DefaultDataDir             = "/var/lib/drover"
)

// DefaultSensitiveTopics is the baseline policy vocabulary. Tenants can
// extend it through their overrides.
var DefaultSensitiveTopics = []string{"politics", "health", "financial", "legal", "religion"}

// SecretsProviderKind selects the secret backend.
type SecretsProviderKind string

const (
	SecretsProviderEnv        SecretsProviderKind = "env"
	SecretsProviderExternalKV SecretsProviderKind = "external-kv"
)

// Config is the immutable process-wide configuration snapshot. It is built
// once at startup and threaded through components at construction; nothing
// mutates it afterwards.
type Config struct {
	DataDir string
	APIAddr string

	LogLevel string
	LogJSON  bool

	MaxDailySpendUSDC float64
	MaxPerTxUSDC      float64

	HighConfidence   float64
	MediumConfidence float64

	MaxAttempts     int
	WorkerLease     time.Duration
	JudgeLease      time.Duration
	OCCMaxRetries   int
	ReviewHighWater int
	ShutdownGrace   time.Duration

	PerceptionPoll      time.Duration
	PerceptionThreshold float64
	DedupTTL            time.Duration

	WorkersPerTenant int
	SensitiveTopics  []string

	// ToolServer is the command line of an external tool server every
	// tenant spawns unless its overrides name one. Empty means builtins
	// only.
	ToolServer []string

	SecretsProvider  SecretsProviderKind
	SecretsKVPrefix  string
	SecretsEnvPrefix string
}

// Load builds the Config from the environment. An optional .env file in the
// working directory is folded in first (it never overrides real env vars).
// Returns an error for any malformed or inconsistent value; callers treat
// that as fatal (exit code 1).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:          envStr("DROVER_DATA_DIR", DefaultDataDir),
		APIAddr:          envStr("DROVER_API_ADDR", DefaultAPIAddr),
		LogLevel:         envStr("DROVER_LOG_LEVEL", "info"),
		LogJSON:          envBool("DROVER_LOG_JSON", false),
		WorkersPerTenant: DefaultWorkersPerTenant,
		SensitiveTopics:  append([]string(nil), DefaultSensitiveTopics...),
		OCCMaxRetries:    DefaultOCCMaxRetries,
		ReviewHighWater:  DefaultReviewHighWater,
		SecretsEnvPrefix: envStr("SECRETS_ENV_PREFIX", ""),
		SecretsKVPrefix:  envStr("SECRETS_KV_PREFIX", ""),
	}

	var err error
	if cfg.MaxDailySpendUSDC, err = envFloat("MAX_DAILY_SPEND_USDC", DefaultMaxDailySpendUSDC); err != nil {
		return nil, err
	}
	if cfg.MaxPerTxUSDC, err = envFloat("MAX_PER_TX_USDC", DefaultMaxPerTxUSDC); err != nil {
		return nil, err
	}
	if cfg.HighConfidence, err = envFloat("HIGH_CONFIDENCE", DefaultHighConfidence); err != nil {
		return nil, err
	}
	if cfg.MediumConfidence, err = envFloat("MEDIUM_CONFIDENCE", DefaultMediumConfidence); err != nil {
		return nil, err
	}
	if cfg.PerceptionThreshold, err = envFloat("PERCEPTION_THRESHOLD", DefaultPerceptionThreshold); err != nil {
		return nil, err
	}

	maxAttempts, err := envInt("MAX_ATTEMPTS", DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}
	cfg.MaxAttempts = maxAttempts

	workerLease, err := envInt("WORKER_LEASE_SEC", DefaultWorkerLeaseSec)
	if err != nil {
		return nil, err
	}
	cfg.WorkerLease = time.Duration(workerLease) * time.Second

	judgeLease, err := envInt("JUDGE_LEASE_SEC", DefaultJudgeLeaseSec)
	if err != nil {
		return nil, err
	}
	cfg.JudgeLease = time.Duration(judgeLease) * time.Second

	pollSec, err := envInt("PERCEPTION_POLL_SEC", DefaultPerceptionPollSec)
	if err != nil {
		return nil, err
	}
	cfg.PerceptionPoll = time.Duration(pollSec) * time.Second

	dedupHours, err := envInt("PERCEPTION_DEDUP_TTL_HOURS", DefaultDedupTTLHours)
	if err != nil {
		return nil, err
	}
	cfg.DedupTTL = time.Duration(dedupHours) * time.Hour

	graceSec, err := envInt("DROVER_SHUTDOWN_GRACE_SEC", DefaultShutdownGraceSec)
	if err != nil {
		return nil, err
	}
	cfg.ShutdownGrace = time.Duration(graceSec) * time.Second

	workers, err := envInt("DROVER_WORKERS_PER_TENANT", DefaultWorkersPerTenant)
	if err != nil {
		return nil, err
	}
	cfg.WorkersPerTenant = workers

	if topics := os.Getenv("SENSITIVE_TOPICS"); topics != "" {
		cfg.SensitiveTopics = splitCSV(topics)
	}

	if cmd := os.Getenv("TOOL_SERVER_CMD"); cmd != "" {
		cfg.ToolServer = strings.Fields(cmd)
	}

	provider := SecretsProviderKind(envStr("SECRETS_PROVIDER", string(SecretsProviderEnv)))
	switch provider {
	case SecretsProviderEnv, SecretsProviderExternalKV:
		cfg.SecretsProvider = provider
	default:
		return nil, fmt.Errorf("unknown SECRETS_PROVIDER %q (want env or external-kv)", provider)
	}
	if cfg.SecretsProvider == SecretsProviderExternalKV && cfg.SecretsKVPrefix == "" {
		return nil, fmt.Errorf("SECRETS_PROVIDER=external-kv requires SECRETS_KV_PREFIX")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.MaxPerTxUSDC <= 0 || c.MaxDailySpendUSDC <= 0 {
		return fmt.Errorf("budget caps must be positive (per-tx %.2f, daily %.2f)", c.MaxPerTxUSDC, c.MaxDailySpendUSDC)
	}
	if c.MaxPerTxUSDC > c.MaxDailySpendUSDC {
		return fmt.Errorf("MAX_PER_TX_USDC (%.2f) exceeds MAX_DAILY_SPEND_USDC (%.2f)", c.MaxPerTxUSDC, c.MaxDailySpendUSDC)
	}
	if c.HighConfidence < c.MediumConfidence {
		return fmt.Errorf("HIGH_CONFIDENCE (%.2f) below MEDIUM_CONFIDENCE (%.2f)", c.HighConfidence, c.MediumConfidence)
	}
	if c.PerceptionThreshold <= 0 || c.PerceptionThreshold > 1 {
		return fmt.Errorf("PERCEPTION_THRESHOLD must be in (0,1], got %.2f", c.PerceptionThreshold)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.WorkerLease <= 0 || c.JudgeLease <= 0 {
		return fmt.Errorf("lease durations must be positive")
	}
	return nil
}

// TenantView is the effective configuration for one tenant after applying
// its overrides to the global snapshot.
type TenantView struct {
	WorkerLease         time.Duration
	JudgeLease          time.Duration
	PerceptionPoll      time.Duration
	PerceptionThreshold float64
	SensitiveTopics     []string
	Workers             int
	ToolServer          []string
}

// TenantOverrides mirrors types.TenantOverrides without importing it; the
// fleet layer converts between the two.
type TenantOverrides struct {
	WorkerLeaseSec      int
	JudgeLeaseSec       int
	PerceptionPollSec   int
	PerceptionThreshold float64
	SensitiveTopics     []string
	Workers             int
	ToolServer          []string
}

// ForTenant resolves the effective view for a tenant. A nil override set
// yields the global defaults.
func (c *Config) ForTenant(o *TenantOverrides) TenantView {
	v := TenantView{
		WorkerLease:         c.WorkerLease,
		JudgeLease:          c.JudgeLease,
		PerceptionPoll:      c.PerceptionPoll,
		PerceptionThreshold: c.PerceptionThreshold,
		SensitiveTopics:     c.SensitiveTopics,
		Workers:             c.WorkersPerTenant,
		ToolServer:          c.ToolServer,
	}
	if o == nil {
		return v
	}
	if o.WorkerLeaseSec > 0 {
		v.WorkerLease = time.Duration(o.WorkerLeaseSec) * time.Second
	}
	if o.JudgeLeaseSec > 0 {
		v.JudgeLease = time.Duration(o.JudgeLeaseSec) * time.Second
	}
	if o.PerceptionPollSec > 0 {
		v.PerceptionPoll = time.Duration(o.PerceptionPollSec) * time.Second
	}
	if o.PerceptionThreshold > 0 {
		v.PerceptionThreshold = o.PerceptionThreshold
	}
	if len(o.SensitiveTopics) > 0 {
		v.SensitiveTopics = append(append([]string(nil), c.SensitiveTopics...), o.SensitiveTopics...)
	}
	if o.Workers > 0 {
		v.Workers = o.Workers
	}
	if len(o.ToolServer) > 0 {
		v.ToolServer = o.ToolServer
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	return f, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
