package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/droverlabs/drover/pkg/config"
	"github.com/droverlabs/drover/pkg/keyspace"
	"github.com/droverlabs/drover/pkg/store"
)

// ErrNotFound is returned when a secret does not exist in the provider.
var ErrNotFound = errors.New("secrets: not found")

// cacheTTL is how long resolved secrets stay in the per-process cache.
const cacheTTL = 5 * time.Minute

// Provider is the read-only secret lookup interface. The commerce skill
// depends on this interface, never on a concrete backend. Secret values
// must never be logged.
type Provider interface {
	Get(name string) (string, error)
}

// Required resolves a secret or fails with a descriptive error; missing
// required secrets are configuration faults.
func Required(p Provider, name string) (string, error) {
	v, err := p.Get(name)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("missing required secret %q: set it in the environment or the external KV", name)
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// EnvProvider reads secrets from environment variables, optionally under a
// prefix. The default for local and CI use.
type EnvProvider struct {
	Prefix string
}

func (p EnvProvider) Get(name string) (string, error) {
	v, ok := os.LookupEnv(p.Prefix + name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// KVProvider reads secrets from the Store under a tenant-scoped prefix.
// Values are sealed at rest with AES-256-GCM and base64-encoded.
type KVProvider struct {
	store    store.Store
	keyspace keyspace.Keyspace
	prefix   string
	cipher   *Cipher
}

// NewKVProvider creates a provider bound to one tenant's secret namespace.
func NewKVProvider(s store.Store, tenantID, prefix string, cipher *Cipher) *KVProvider {
	return &KVProvider{
		store:    s,
		keyspace: keyspace.For(tenantID),
		prefix:   prefix,
		cipher:   cipher,
	}
}

func (p *KVProvider) Get(name string) (string, error) {
	data, _, err := p.store.Get(p.keyspace.Secret(p.prefix, name))
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return "", err
	}
	sealed, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil {
		return "", fmt.Errorf("corrupt secret %s: %w", name, err)
	}
	plain, err := p.cipher.Open(sealed)
	if err != nil {
		return "", fmt.Errorf("unseal secret %s: %w", name, err)
	}
	return string(plain), nil
}

// Seed writes a sealed secret into the Store. Used by `drover apply` and
// tests; runtime components only ever read.
func Seed(s store.Store, tenantID, prefix, name, value string, cipher *Cipher) error {
	sealed, err := cipher.Seal([]byte(value))
	if err != nil {
		return err
	}
	ks := keyspace.For(tenantID)
	encoded := base64.StdEncoding.EncodeToString(sealed)
	return s.Put(ks.Secret(prefix, name), []byte(encoded), 0)
}

// Cached wraps a provider with a 5-minute in-process TTL cache, so hot
// paths (every commerce dispatch) do not hit the backend.
type Cached struct {
	inner Provider
	cache *gocache.Cache
}

// NewCached wraps inner with the standard cache policy.
func NewCached(inner Provider) *Cached {
	return &Cached{
		inner: inner,
		cache: gocache.New(cacheTTL, 2*cacheTTL),
	}
}

func (c *Cached) Get(name string) (string, error) {
	if v, ok := c.cache.Get(name); ok {
		return v.(string), nil
	}
	v, err := c.inner.Get(name)
	if err != nil {
		return "", err
	}
	c.cache.Set(name, v, gocache.DefaultExpiration)
	return v, nil
}

// NewFromConfig builds the provider selected by SECRETS_PROVIDER for one
// tenant, wrapped in the standard cache.
func NewFromConfig(cfg *config.Config, s store.Store, tenantID string) (Provider, error) {
	switch cfg.SecretsProvider {
	case config.SecretsProviderEnv:
		return NewCached(EnvProvider{Prefix: cfg.SecretsEnvPrefix}), nil
	case config.SecretsProviderExternalKV:
		passphrase := os.Getenv("SECRETS_KV_PASSPHRASE")
		if passphrase == "" {
			return nil, fmt.Errorf("SECRETS_PROVIDER=external-kv requires SECRETS_KV_PASSPHRASE")
		}
		cipher, err := NewCipherFromPassphrase(passphrase)
		if err != nil {
			return nil, err
		}
		return NewCached(NewKVProvider(s, tenantID, cfg.SecretsKVPrefix, cipher)), nil
	default:
		return nil, fmt.Errorf("unknown secrets provider %q", cfg.SecretsProvider)
	}
}
