// Package metrics emits per-request, per-provider timings and outcomes,
// both as the JSON snapshot the specification names for GET /metrics and
// as Prometheus counters/histograms for scraping.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns both the in-memory snapshot counters and the Prometheus
// collectors backing them; every recorded outcome updates both.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*providerCounters

	promRegistry *prometheus.Registry
	requestsTotal *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	breakerState  *prometheus.GaugeVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
}

type providerCounters struct {
	Requests   int64
	Successes  int64
	Failures   int64
	LatencySum time.Duration
}

// New builds a Registry and registers its collectors against a fresh,
// dedicated prometheus.Registry (not the global DefaultRegisterer) so
// that tests can construct multiple Registries without collector
// collisions.
func New() *Registry {
	promReg := prometheus.NewRegistry()
	r := &Registry{
		counters:     make(map[string]*providerCounters),
		promRegistry: promReg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_requests_total",
			Help: "Total requests per provider and outcome.",
		}, []string{"provider", "outcome"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_gateway_request_latency_seconds",
			Help:    "Upstream request latency per provider.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llm_gateway_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open).",
		}, []string{"provider"}),
		cacheHits:   prometheus.NewCounter(prometheus.CounterOpts{Name: "llm_gateway_cache_hits_total", Help: "Response cache hits."}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{Name: "llm_gateway_cache_misses_total", Help: "Response cache misses."}),
	}
	promReg.MustRegister(r.requestsTotal, r.requestLatency, r.breakerState, r.cacheHits, r.cacheMisses)
	return r
}

// Registerer exposes the dedicated prometheus.Registry for promhttp.Handler.
func (r *Registry) Registerer() *prometheus.Registry { return r.promRegistry }

// RecordRequest records one completed upstream attempt.
func (r *Registry) RecordRequest(providerName string, success bool, latency time.Duration) {
	r.mu.Lock()
	c, ok := r.counters[providerName]
	if !ok {
		c = &providerCounters{}
		r.counters[providerName] = c
	}
	c.Requests++
	if success {
		c.Successes++
	} else {
		c.Failures++
	}
	c.LatencySum += latency
	r.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.requestsTotal.WithLabelValues(providerName, outcome).Inc()
	r.requestLatency.WithLabelValues(providerName).Observe(latency.Seconds())
}

// RecordBreakerState updates the gauge reflecting a provider's breaker
// state (0 closed, 1 half-open, 2 open).
func (r *Registry) RecordBreakerState(providerName string, state int) {
	r.breakerState.WithLabelValues(providerName).Set(float64(state))
}

// RecordCacheHit and RecordCacheMiss track response-cache effectiveness.
func (r *Registry) RecordCacheHit()  { r.cacheHits.Inc() }
func (r *Registry) RecordCacheMiss() { r.cacheMisses.Inc() }

// ProviderSnapshot is one provider's row in the JSON /metrics snapshot.
type ProviderSnapshot struct {
	Provider         string  `json:"provider"`
	Requests         int64   `json:"requests"`
	Successes        int64   `json:"successes"`
	Failures         int64   `json:"failures"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// Snapshot is the JSON body the specification's GET /metrics route
// returns.
type Snapshot struct {
	Providers []ProviderSnapshot `json:"providers"`
}

// Snapshot builds the current JSON snapshot.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Snapshot{Providers: make([]ProviderSnapshot, 0, len(r.counters))}
	for name, c := range r.counters {
		avg := 0.0
		if c.Requests > 0 {
			avg = float64(c.LatencySum.Milliseconds()) / float64(c.Requests)
		}
		out.Providers = append(out.Providers, ProviderSnapshot{
			Provider:         name,
			Requests:         c.Requests,
			Successes:        c.Successes,
			Failures:         c.Failures,
			AverageLatencyMs: avg,
		})
	}
	return out
}
