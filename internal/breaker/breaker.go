// Package breaker wraps sony/gobreaker with the gateway's failure
// classification: only errors gatewayerr.CountsAsBreakerFailure reports as
// true trip the circuit. Caller-fault errors (bad request, auth, unsupported
// model/feature, cancellation) pass through without affecting provider health.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
)

// Config tunes one provider's circuit breaker.
type Config struct {
	FailureThreshold uint32        // consecutive failures before opening
	RecoveryTimeout  time.Duration // time spent Open before probing
	HalfOpenMaxCalls uint32        // calls allowed while HalfOpen

	// RequestTimeout bounds a single call through this breaker,
	// independently of the caller's own context deadline — the driver
	// takes whichever is shorter. Zero means no breaker-imposed bound.
	RequestTimeout time.Duration
}

// DefaultConfig mirrors the gateway's documented defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		RequestTimeout:   30 * time.Second,
	}
}

// Registry holds one circuit breaker per provider, created lazily.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	configs  map[string]Config // per-provider overrides, set via Configure
	breakers map[string]*gobreaker.CircuitBreaker
	onChange func(provider string, from, to gobreaker.State)
}

// New builds a Registry whose default Config backs every provider that
// hasn't had a per-provider override registered via Configure. onChange, if
// non-nil, is invoked whenever any provider's breaker transitions state; the
// gateway wires this to logging and metrics.
func New(cfg Config, onChange func(provider string, from, to gobreaker.State)) *Registry {
	return &Registry{
		cfg:      cfg,
		configs:  make(map[string]Config),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		onChange: onChange,
	}
}

// Configure registers a per-provider Config override, read from the
// provider descriptor's own Breaker section. Must be called before the
// provider's first call for the override to take effect — breakerFor builds
// the underlying gobreaker.CircuitBreaker lazily and caches it.
func (r *Registry) Configure(providerName string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[providerName] = cfg
}

// configFor returns providerName's effective Config: its registered
// override if one exists, else the registry's shared default.
func (r *Registry) configFor(providerName string) Config {
	if cfg, ok := r.configs[providerName]; ok {
		return cfg
	}
	return r.cfg
}

// RequestTimeout returns providerName's effective breaker request timeout,
// for the driver to fold into its per-call effective deadline.
func (r *Registry) RequestTimeout(providerName string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configFor(providerName).RequestTimeout
}

func (r *Registry) breakerFor(providerName string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[providerName]; ok {
		return b
	}
	cfg := r.configFor(providerName)
	settings := gobreaker.Settings{
		Name:        providerName,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !gatewayerr.CountsAsBreakerFailure(gatewayerr.KindOf(err))
		},
	}
	if r.onChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			r.onChange(name, from, to)
		}
	}
	b := gobreaker.NewCircuitBreaker(settings)
	r.breakers[providerName] = b
	return b
}

// State reports the current state of providerName's breaker without
// creating one if it does not yet exist.
func (r *Registry) State(providerName string) (gobreaker.State, bool) {
	r.mu.Lock()
	b, ok := r.breakers[providerName]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed, false
	}
	return b.State(), true
}

// States returns a snapshot of every breaker this registry has created so
// far, keyed by provider name. Providers never attempted are absent rather
// than reported as a fabricated Closed state.
func (r *Registry) States() map[string]gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]gobreaker.State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// Execute runs fn through providerName's breaker, within ctx. If the
// breaker is Open, fn is never called and a *gatewayerr.Error of
// KindBreakerOpen is returned.
func Execute[T any](ctx context.Context, r *Registry, providerName string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := r.breakerFor(providerName)
	result, err := b.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			var zero T
			return zero, gatewayerr.New(gatewayerr.KindBreakerOpen, fmt.Sprintf("%s: %s", providerName, err.Error()))
		}
		var zero T
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}
