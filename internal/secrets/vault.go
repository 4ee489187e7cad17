package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/codexec/internal/config"
)

// ErrVaultDenied is returned when the token may not read a path.
var ErrVaultDenied = errors.New("vault access denied")

// VaultProvider resolves references from HashiCorp Vault KV engines.
// Reference format: "vault://secret/data/myapp/db#password"
//   - secret/data/... is the API path below /v1/
//   - #password selects one field; without it the whole data map is
//     returned as JSON
//
// Paths are read once per cache TTL, so several headers pointing at fields
// of the same path cost one request.
type VaultProvider struct {
	address   string
	token     string
	namespace string
	kvVersion int
	ttl       time.Duration
	client    *http.Client
	now       func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPath
}

type cachedPath struct {
	data    map[string]any
	expires time.Time
}

// NewVaultProvider creates a Vault secret provider. VAULT_ADDR, VAULT_TOKEN
// and VAULT_NAMESPACE override the configured values.
func NewVaultProvider(cfg config.VaultConfig) (*VaultProvider, error) {
	address := cfg.Address
	if env := os.Getenv("VAULT_ADDR"); env != "" {
		address = env
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required (set secrets.vault.address or VAULT_ADDR)")
	}

	token := cfg.Token
	if env := os.Getenv("VAULT_TOKEN"); env != "" {
		token = env
	}
	if token == "" {
		return nil, fmt.Errorf("vault token is required (set secrets.vault.token or VAULT_TOKEN)")
	}

	namespace := cfg.Namespace
	if env := os.Getenv("VAULT_NAMESPACE"); env != "" {
		namespace = env
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &VaultProvider{
		address:   strings.TrimRight(address, "/"),
		token:     token,
		namespace: namespace,
		kvVersion: cfg.KV(),
		ttl:       cfg.CacheTTL(),
		client:    &http.Client{Timeout: cfg.Timeout(), Transport: transport},
		now:       time.Now,
		cache:     make(map[string]cachedPath),
	}, nil
}

func (p *VaultProvider) Name() string { return "vault" }

func (p *VaultProvider) Resolve(ctx context.Context, ref string) (*Secret, error) {
	raw, ok := strings.CutPrefix(ref, "vault://")
	if !ok {
		return nil, fmt.Errorf("%w: vault provider only handles vault:// references", ErrSecretNotFound)
	}
	path, field, _ := strings.Cut(raw, "#")
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty vault path", ErrSecretNotFound)
	}

	data, err := p.read(ctx, path)
	if err != nil {
		return nil, err
	}
	metadata := map[string]string{"source": "vault", "path": path}

	if field == "" {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshaling vault data: %w", err)
		}
		return &Secret{Value: string(b), Metadata: metadata}, nil
	}

	metadata["field"] = field
	val, ok := data[field]
	if !ok {
		return nil, fmt.Errorf("%w: field %q not found in vault path %q", ErrSecretNotFound, field, path)
	}
	str, ok := val.(string)
	if !ok {
		return nil, fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return &Secret{Value: str, Metadata: metadata}, nil
}

// read returns the data map of a path, from the cache when fresh.
func (p *VaultProvider) read(ctx context.Context, path string) (map[string]any, error) {
	now := p.now()
	p.mu.Lock()
	if c, ok := p.cache[path]; ok && now.Before(c.expires) {
		p.mu.Unlock()
		return c.data, nil
	}
	p.mu.Unlock()

	data, err := p.fetch(ctx, path)
	if err != nil {
		return nil, err
	}
	if p.ttl > 0 {
		p.mu.Lock()
		p.cache[path] = cachedPath{data: data, expires: now.Add(p.ttl)}
		p.mu.Unlock()
	}
	return data, nil
}

func (p *VaultProvider) fetch(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.address+"/v1/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", p.token)
	if p.namespace != "" {
		req.Header.Set("X-Vault-Namespace", p.namespace)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading vault response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: vault path %q not found", ErrSecretNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: path %q (check token permissions)", ErrVaultDenied, path)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	// KV v1: {"data": {...}}. KV v2 nests once more: {"data": {"data": {...}}}.
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	var data map[string]any
	if p.kvVersion == 1 {
		err = json.Unmarshal(envelope.Data, &data)
	} else {
		var inner struct {
			Data map[string]any `json:"data"`
		}
		err = json.Unmarshal(envelope.Data, &inner)
		data = inner.Data
	}
	if err != nil {
		return nil, fmt.Errorf("parsing vault response: %w", err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: vault path %q returned no data", ErrSecretNotFound, path)
	}
	return data, nil
}
