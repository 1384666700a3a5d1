package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	TurnsTotal       prometheus.Counter
	RateLimitedTotal prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	ProviderCalls    prometheus.Counter
	ProviderErrors   prometheus.Counter
	SessionsCreated  prometheus.Counter
	CostCentsTotal   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "turns_total",
				Help:      "Total session turns attempted",
			}),
			RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "turns_rate_limited_total",
				Help:      "Total turns refused by the rate limiter",
			}),
			CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "llm_cache_hits_total",
				Help:      "Total completions served from the response cache",
			}),
			CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "llm_cache_misses_total",
				Help:      "Total completions that missed the response cache",
			}),
			ProviderCalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "provider_calls_total",
				Help:      "Total outbound provider dispatches",
			}),
			ProviderErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "provider_errors_total",
				Help:      "Total provider dispatches that failed",
			}),
			SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "sessions_created_total",
				Help:      "Total chat sessions created",
			}),
			CostCentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "cost_cents_total",
				Help:      "Total estimated spend written to the ledger, in cents",
			}),
		}
		prometheus.MustRegister(
			global.TurnsTotal,
			global.RateLimitedTotal,
			global.CacheHits,
			global.CacheMisses,
			global.ProviderCalls,
			global.ProviderErrors,
			global.SessionsCreated,
			global.CostCentsTotal,
		)
	})
	return global
}
