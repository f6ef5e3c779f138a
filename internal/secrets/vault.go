package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"golang.org/x/sync/singleflight"
)

const (
	defaultVaultTimeout = 5 * time.Second
	defaultVaultField   = "password"
	maxVaultResponse    = 1 << 20
)

// VaultConfig configures the Vault KV v2 provider. Non-empty VAULT_ADDR,
// VAULT_TOKEN and VAULT_NAMESPACE take precedence over the file.
type VaultConfig struct {
	Address       string        `json:"address" yaml:"address"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	Namespace     string        `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	CacheTTL      time.Duration `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`
	TLSSkipVerify bool          `json:"tls_skip_verify,omitempty" yaml:"tls_skip_verify,omitempty"`
}

func (c VaultConfig) fromEnv() VaultConfig {
	for _, o := range []struct {
		env string
		dst *string
	}{
		{"VAULT_ADDR", &c.Address},
		{"VAULT_TOKEN", &c.Token},
		{"VAULT_NAMESPACE", &c.Namespace},
	} {
		if v := goutils.Env(o.env, ""); v != "" {
			*o.dst = v
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultVaultTimeout
	}
	c.Address = strings.TrimRight(c.Address, "/")
	return c
}

// VaultProvider reads "vault://<kv v2 api path>[#field]", for example
// vault://secret/data/network/core#enable_secret. The field defaults to password.
//
// With a CacheTTL, a path is fetched once per TTL, and concurrent lookups of one
// path share a single request. Safe for concurrent use.
type VaultProvider struct {
	cfg    VaultConfig
	client *http.Client
	group  singleflight.Group

	mu    sync.Mutex
	cache map[string]kvSnapshot
	now   func() time.Time
}

type kvSnapshot struct {
	fields map[string]any
	at     time.Time
}

func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	cfg = cfg.fromEnv()
	switch {
	case cfg.Address == "":
		return nil, errors.New("vault: no address (secrets.vault.address or VAULT_ADDR)")
	case cfg.Token == "":
		return nil, errors.New("vault: no token (secrets.vault.token or VAULT_TOKEN)")
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &VaultProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout, Transport: tr},
		cache:  make(map[string]kvSnapshot),
		now:    time.Now,
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	body, err := refBody(ref, "vault")
	if err != nil {
		return nil, err
	}
	path, field, _ := strings.Cut(body, "#")
	if path == "" {
		return nil, fmt.Errorf("%w: vault reference has no path", ErrSecretNotFound)
	}
	if field == "" {
		field = defaultVaultField
	}

	fields, err := p.fields(ctx, path)
	if err != nil {
		return nil, err
	}
	raw, ok := fields[field]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no field %q", ErrSecretNotFound, path, field)
	}
	v, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("vault: field %q of %s is %T, not a string", field, path, raw)
	}
	return &Secret{Value: v, Metadata: map[string]string{"source": "vault", "path": path, "field": field}}, nil
}

func (p *VaultProvider) fields(ctx context.Context, path string) (map[string]any, error) {
	if p.cfg.CacheTTL > 0 {
		p.mu.Lock()
		snap, ok := p.cache[path]
		p.mu.Unlock()
		if ok && p.now().Sub(snap.at) < p.cfg.CacheTTL {
			return snap.fields, nil
		}
	}

	v, err, _ := p.group.Do(path, func() (any, error) {
		fields, err := p.fetch(ctx, path)
		if err == nil && p.cfg.CacheTTL > 0 {
			p.mu.Lock()
			p.cache[path] = kvSnapshot{fields: fields, at: p.now()}
			p.mu.Unlock()
		}
		return fields, err
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// kvResponse is the KV v2 read envelope; only the secret's own fields are kept.
type kvResponse struct {
	Data struct {
		Data map[string]any `json:"data"`
	} `json:"data"`
}

func (p *VaultProvider) fetch(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.cfg.Token)
	if p.cfg.Namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.cfg.Namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault: reading %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault has nothing at %s", ErrSecretNotFound, path)
	case http.StatusForbidden:
		return nil, fmt.Errorf("vault: token may not read %s", path)
	default:
		return nil, fmt.Errorf("vault: reading %s: status %d", path, resp.StatusCode)
	}

	var kv kvResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVaultResponse)).Decode(&kv); err != nil {
		return nil, fmt.Errorf("vault: decoding %s: %w", path, err)
	}
	if kv.Data.Data == nil {
		return nil, fmt.Errorf("%w: %s holds no data", ErrSecretNotFound, path)
	}
	return kv.Data.Data, nil
}
