package registry

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"chatgate/internal/providers"
)

// KeyStore resolves a vendor API key for a provider name and pricing tier.
type KeyStore interface {
	Lookup(provider, tier string) (string, bool)
}

// ClientSpec identifies one vendor client to build or reuse.
type ClientSpec struct {
	TechID       int64
	Protocol     string
	ProviderName string
	BaseURL      string
	PricingTier  string
}

// PoolConfig carries process-wide client construction defaults.
type PoolConfig struct {
	Keys        KeyStore
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
	Disabled    bool
}

// Pool owns the vendor clients, one per tech and pricing tier, with a
// synchronized get-or-create and an explicit teardown path.
type Pool struct {
	cfg PoolConfig

	mu      sync.Mutex
	clients map[string]providers.Adapter
	closed  bool
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	return &Pool{
		cfg:     cfg,
		clients: make(map[string]providers.Adapter),
	}
}

// Get returns the cached client for the key, building it on first use.
// Concurrent first requests for the same tech and tier are de-duplicated by
// the pool lock.
func (p *Pool) Get(spec ClientSpec) (providers.Adapter, error) {
	key := fmt.Sprintf("%d/%s", spec.TechID, spec.PricingTier)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("client pool is closed")
	}
	if a, ok := p.clients[key]; ok {
		return a, nil
	}

	apiKey := ""
	if spec.Protocol != ProtocolMock {
		k, ok := p.cfg.Keys.Lookup(spec.ProviderName, spec.PricingTier)
		if !ok || k == "" {
			return nil, fmt.Errorf("provider %q tier %q: %w", spec.ProviderName, spec.PricingTier, providers.ErrNoAPIKey)
		}
		apiKey = k
	}

	a, err := Build(BuildOptions{
		Protocol:    spec.Protocol,
		BaseURL:     spec.BaseURL,
		APIKey:      apiKey,
		HTTPClient:  p.cfg.HTTPClient,
		MaxRetries:  p.cfg.MaxRetries,
		BackoffBase: p.cfg.BackoffBase,
		Disabled:    p.cfg.Disabled,
	})
	if err != nil {
		return nil, err
	}

	p.clients[key] = a
	return a, nil
}

// Close drops every cached client and refuses further gets. Idle HTTP
// connections are released through the shared transport.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.clients = nil
	p.cfg.HTTPClient.CloseIdleConnections()
}
