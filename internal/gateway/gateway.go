// Package gateway dispatches one chat completion: cache lookup, adapter
// selection through the client pool, the vendor call, and the write-through
// cache save.
package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"chatgate/internal/cache"
	"chatgate/internal/conversation"
	"chatgate/internal/metrics"
	"chatgate/internal/providers"
	"chatgate/internal/providers/registry"
	"chatgate/internal/storage"
)

// ClientPool is what the gateway needs from the shared pool.
type ClientPool interface {
	Get(spec registry.ClientSpec) (providers.Adapter, error)
}

// Result is one completed (or short-circuited) dispatch. Cached results
// carry zero token counts: nothing was spent upstream.
type Result struct {
	Messages     []conversation.Message
	InputTokens  int64
	OutputTokens int64
	Cached       bool
	Unavailable  bool
}

type Gateway struct {
	pool        ClientPool
	cache       *cache.Cache
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	maxTokens   int
	temperature float64
}

type Config struct {
	Pool        ClientPool
	Cache       *cache.Cache
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	MaxTokens   int
	Temperature float64
}

func New(cfg Config) *Gateway {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	return &Gateway{
		pool:        cfg.Pool,
		cache:       cfg.Cache,
		metrics:     m,
		logger:      cfg.Logger,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Complete runs the history through the tech's adapter. The cache is keyed
// on the normalized history, scoped by tech; the persona preamble is an
// adapter concern and stays out of the key.
func (g *Gateway) Complete(ctx context.Context, tech storage.TechWithProvider, history []conversation.Message, persona string) (Result, error) {
	key, hit := g.cache.TryGet(ctx, tech.ID, history)
	if hit != nil {
		g.metrics.CacheHits.Inc()
		return Result{Messages: hit.Messages, Cached: true}, nil
	}
	g.metrics.CacheMisses.Inc()

	adapter, err := g.pool.Get(registry.ClientSpec{
		TechID:       tech.ID,
		Protocol:     tech.Protocol,
		ProviderName: tech.Provider.Name,
		BaseURL:      tech.Provider.BaseURL,
		PricingTier:  tech.PricingTier,
	})
	if err != nil {
		return Result{}, err
	}

	prepared := adapter.Prepare(history, persona)

	g.metrics.ProviderCalls.Inc()
	res, err := adapter.Send(ctx, providers.Request{
		Model:       tech.Model,
		Messages:    prepared,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		g.metrics.ProviderErrors.Inc()
		return Result{}, err
	}
	if res.Unavailable {
		g.logger.Warn().Str("variant", tech.VariantName).Msg("provider calls disabled, returning unavailable")
		return Result{Unavailable: true}, nil
	}

	g.cache.Save(ctx, tech.ID, key, cache.Entry{
		Messages:     res.Messages,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	})

	return Result{
		Messages:     res.Messages,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
	}, nil
}
