// Package health tracks per-provider liveness: passive exponential moving
// averages fed by every adapter call, plus an active ticker that probes
// each provider's health_check endpoint at a configured interval.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelhq/llm-gateway/internal/provider"
)

const (
	latencyAlpha    = 0.3
	successAlpha    = 0.1
	defaultInterval = 30 * time.Second
	defaultThreshold = 0.8
)

// Stats is a snapshot of one provider's passively and actively observed
// health. It is safe to copy.
type Stats struct {
	Provider        string    `json:"provider"`
	LatencyEMAMs    float64   `json:"latency_ema_ms"`
	SuccessEMA      float64   `json:"success_ema"`
	LastObserved    time.Time `json:"last_observed"`
	InFlight        int64     `json:"in_flight"`
	TotalObserved   int64     `json:"total_observed"`
}

type entry struct {
	mu            sync.Mutex
	latencyEMAMs  float64
	successEMA    float64
	lastObserved  time.Time
	inFlight      int64
	totalObserved int64
}

// Monitor owns one entry per provider and an optional background prober.
type Monitor struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	threshold float64
	interval  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithUnhealthyThreshold overrides the default 0.8 success-EMA floor below
// which a provider is reported unhealthy.
func WithUnhealthyThreshold(t float64) Option {
	return func(m *Monitor) { m.threshold = t }
}

// WithCheckInterval overrides the default 30s active health-check interval.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

func New(opts ...Option) *Monitor {
	m := &Monitor{
		entries:   make(map[string]*entry),
		threshold: defaultThreshold,
		interval:  defaultInterval,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) entryFor(providerName string) *entry {
	m.mu.RLock()
	e, ok := m.entries[providerName]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[providerName]; ok {
		return e
	}
	e = &entry{successEMA: 1.0}
	m.entries[providerName] = e
	return e
}

// BeginCall increments the in-flight counter for providerName; callers must
// invoke the returned func exactly once when the call completes.
func (m *Monitor) BeginCall(providerName string) func(success bool, latency time.Duration) {
	e := m.entryFor(providerName)
	e.mu.Lock()
	e.inFlight++
	e.mu.Unlock()

	return func(success bool, latency time.Duration) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.inFlight--
		e.totalObserved++
		e.lastObserved = time.Now()

		latencyMs := float64(latency.Milliseconds())
		if e.totalObserved == 1 {
			e.latencyEMAMs = latencyMs
		} else {
			e.latencyEMAMs = latencyAlpha*latencyMs + (1-latencyAlpha)*e.latencyEMAMs
		}

		outcome := 0.0
		if success {
			outcome = 1.0
		}
		e.successEMA = successAlpha*outcome + (1-successAlpha)*e.successEMA
	}
}

// Observe records a completed call outcome directly, for callers (like the
// active prober) that do not hold an open BeginCall handle.
func (m *Monitor) Observe(providerName string, success bool, latency time.Duration) {
	done := m.BeginCall(providerName)
	done(success, latency)
}

// Snapshot returns a point-in-time copy of providerName's stats. Providers
// never observed report a neutral default (success EMA 1.0).
func (m *Monitor) Snapshot(providerName string) Stats {
	e := m.entryFor(providerName)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Provider:      providerName,
		LatencyEMAMs:  e.latencyEMAMs,
		SuccessEMA:    e.successEMA,
		LastObserved:  e.lastObserved,
		InFlight:      e.inFlight,
		TotalObserved: e.totalObserved,
	}
}

// IsHealthy reports whether providerName's success EMA is at or above the
// configured threshold. Breaker-open status is evaluated by the caller;
// this method only reflects the passive/active score.
func (m *Monitor) IsHealthy(providerName string) bool {
	return m.Snapshot(providerName).SuccessEMA >= m.threshold
}

// StartActiveChecks launches a background ticker that invokes
// p.HealthCheck for every provider in providers at the configured
// interval, feeding results into the same EMAs. It returns immediately;
// call Stop to end the loop.
func (m *Monitor) StartActiveChecks(ctx context.Context, providers []provider.Provider) {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.probeAll(ctx, providers)
			}
		}
	}()
}

func (m *Monitor) probeAll(ctx context.Context, providers []provider.Provider) {
	for _, p := range providers {
		go func(p provider.Provider) {
			start := time.Now()
			err := p.HealthCheck(ctx)
			m.Observe(p.Name(), err == nil, time.Since(start))
		}(p)
	}
}

// Stop ends any running active-check loop. Safe to call multiple times.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
