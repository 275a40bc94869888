// Package driver executes a canonical request against the candidate list
// produced by internal/router, applying circuit-breaker admission,
// per-call timeouts, and the failure-classification-driven retry/failover
// policy described in the specification's routing section.
package driver

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kestrelhq/llm-gateway/internal/breaker"
	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
	"github.com/kestrelhq/llm-gateway/internal/health"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/router"
)

// Config tunes the driver's retry/backoff behaviour.
type Config struct {
	// DefaultBudget bounds rate-limited same-provider retries when the
	// caller's context carries no deadline.
	DefaultBudget time.Duration

	// BaseBackoff and MaxBackoff bound the exponential-backoff-with-full-
	// jitter delay used before a same-provider retry on a transient error.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// SameProviderRetries caps how many times a single provider is retried
	// in place before the driver advances to the next candidate.
	SameProviderRetries int
}

// DefaultConfig mirrors the gateway's documented retry defaults.
func DefaultConfig() Config {
	return Config{
		DefaultBudget:       30 * time.Second,
		BaseBackoff:         200 * time.Millisecond,
		MaxBackoff:          5 * time.Second,
		SameProviderRetries: 1,
	}
}

// Driver ties a Router to a breaker Registry and health Monitor to execute
// requests with failover.
type Driver struct {
	cfg      Config
	router   *router.Router
	breakers *breaker.Registry
	health   *health.Monitor

	onRequest func(providerName string, success bool, latency time.Duration)
}

func New(cfg Config, r *router.Router, breakers *breaker.Registry, mon *health.Monitor) *Driver {
	return &Driver{cfg: cfg, router: r, breakers: breakers, health: mon}
}

// SetRequestHook registers a callback invoked every time a call against a
// provider completes, success or failure, for per-provider metrics. The
// gateway wires this to metrics.Registry.RecordRequest.
func (d *Driver) SetRequestHook(fn func(providerName string, success bool, latency time.Duration)) {
	d.onRequest = fn
}

// AttemptError records what happened when a single candidate was tried, for
// inclusion in the final KindAllProvidersFailed error.
type AttemptError struct {
	Provider string
	Err      error
}

func (a AttemptError) String() string {
	return fmt.Sprintf("%s: %v", a.Provider, a.Err)
}

// Call is the operation to run against a single admitted provider. It must
// respect ctx's deadline.
type Call[T any] func(ctx context.Context, p provider.Provider) (T, error)

// Execute walks the router's candidate list for cap, trying each provider
// in turn under its circuit breaker, retrying the same provider on
// transient failures per Config, and failing over to the next candidate
// otherwise. Caller-fault errors (auth, bad request, unsupported
// model/feature) are returned immediately without trying another
// provider.
func Execute[T any](ctx context.Context, d *Driver, req *canon.Request, cap provider.Capability, call Call[T]) (T, error) {
	var zero T

	candidates, err := d.router.Candidates(req, cap)
	if err != nil {
		return zero, err
	}

	budget := d.retryBudget(ctx)
	var attempts []AttemptError

	for _, p := range candidates {
		result, err := tryProvider(ctx, d, p, budget, call)
		if err == nil {
			return result, nil
		}

		kind := gatewayerr.KindOf(err)
		if gatewayerr.IsImmediatelySurfaced(kind) {
			return zero, err
		}
		attempts = append(attempts, AttemptError{Provider: p.Name(), Err: err})
	}

	return zero, allFailed(attempts)
}

// withEffectiveDeadline bounds a single attempt against providerName to
// min(caller deadline, breaker request timeout): context.WithTimeout already
// respects a parent deadline that falls earlier than the timeout given, so
// stacking it on ctx is sufficient to make the shorter of the two win. A
// provider's own configured timeout is enforced independently by its
// *http.Client, whichever of the two fires first cancels the call.
func (d *Driver) withEffectiveDeadline(ctx context.Context, providerName string) (context.Context, context.CancelFunc) {
	if d.breakers == nil {
		return context.WithCancel(ctx)
	}
	if rt := d.breakers.RequestTimeout(providerName); rt > 0 {
		return context.WithTimeout(ctx, rt)
	}
	return context.WithCancel(ctx)
}

// tryProvider runs call against p, retrying in place per the classification
// rules, and returns the first success or the last classified error.
func tryProvider[T any](ctx context.Context, d *Driver, p provider.Provider, budget time.Duration, call Call[T]) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= d.cfg.SameProviderRetries; attempt++ {
		callCtx, cancel := d.withEffectiveDeadline(ctx, p.Name())
		start := time.Now()
		result, err := breaker.Execute(callCtx, d.breakers, p.Name(), func(ctx context.Context) (T, error) {
			return call(ctx, p)
		})
		cancel()
		latency := time.Since(start)

		if err == nil {
			d.recordHealth(p.Name(), true, latency)
			return result, nil
		}

		kind := gatewayerr.KindOf(err)
		if kind == gatewayerr.KindBreakerOpen {
			// Already reflects the breaker's own bookkeeping; don't retry
			// in place, and don't distort the health signal.
			return zero, err
		}

		d.recordHealth(p.Name(), false, latency)
		lastErr = err

		if gatewayerr.IsImmediatelySurfaced(kind) {
			return zero, err
		}

		if attempt == d.cfg.SameProviderRetries {
			break
		}

		if !d.shouldRetrySameProvider(err, kind, budget) {
			break
		}

		if waitErr := d.waitBeforeRetry(ctx, err, kind, attempt); waitErr != nil {
			return zero, waitErr
		}
	}
	return zero, lastErr
}

func (d *Driver) recordHealth(providerName string, success bool, latency time.Duration) {
	if d.health != nil {
		d.health.Observe(providerName, success, latency)
	}
	if d.onRequest != nil {
		d.onRequest(providerName, success, latency)
	}
}

// shouldRetrySameProvider decides whether a failed attempt is worth
// repeating against the same provider before failing over: rate limits
// retry only if the provider's requested back-off fits in a quarter of the
// remaining budget, transient/timeout/truncated-stream errors always get
// one in-place retry (bounded by Config.SameProviderRetries).
func (d *Driver) shouldRetrySameProvider(err error, kind gatewayerr.Kind, budget time.Duration) bool {
	switch kind {
	case gatewayerr.KindRateLimited:
		var ge *gatewayerr.Error
		retryAfter := 0 * time.Second
		if asGatewayErr(err, &ge) {
			retryAfter = ge.RetryAfter
		}
		return retryAfter > 0 && retryAfter <= budget/4
	case gatewayerr.KindProviderTransient, gatewayerr.KindTimeout, gatewayerr.KindTruncatedStream:
		return true
	default:
		return false
	}
}

func asGatewayErr(err error, target **gatewayerr.Error) bool {
	ge, ok := err.(*gatewayerr.Error)
	if ok {
		*target = ge
	}
	return ok
}

func (d *Driver) waitBeforeRetry(ctx context.Context, err error, kind gatewayerr.Kind, attempt int) error {
	var delay time.Duration
	if kind == gatewayerr.KindRateLimited {
		var ge *gatewayerr.Error
		if asGatewayErr(err, &ge) {
			delay = ge.RetryAfter
		}
	} else {
		delay = fullJitterBackoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, attempt)
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return gatewayerr.New(gatewayerr.KindCancelled, "context cancelled while waiting to retry")
	}
}

// fullJitterBackoff returns a delay uniformly sampled from [0, cap] where
// cap doubles with each attempt, per the standard full-jitter algorithm.
func fullJitterBackoff(base, max time.Duration, attempt int) time.Duration {
	capped := float64(base) * math.Pow(2, float64(attempt))
	if capped > float64(max) {
		capped = float64(max)
	}
	if capped <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	r := float64(binary.BigEndian.Uint64(b[:])) / float64(math.MaxUint64)
	return time.Duration(r * capped)
}

func (d *Driver) retryBudget(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			return remaining
		}
		return 0
	}
	return d.cfg.DefaultBudget
}

// StreamCall opens a streaming call against a single admitted provider.
type StreamCall func(ctx context.Context, p provider.Provider) (<-chan canon.Chunk, error)

// ExecuteStream walks the candidate list exactly like Execute while no
// chunk has been forwarded yet: a provider that fails to even open a
// stream is classified and failed over in the same way a non-streaming
// call would be. Once the first chunk reaches the caller, the contract
// changes — a mid-stream error is relayed as a final error chunk rather
// than retried, since the caller may have already rendered partial
// output that a second provider's response would not be able to resume.
func ExecuteStream(ctx context.Context, d *Driver, req *canon.Request, cap provider.Capability, call StreamCall) (<-chan canon.Chunk, error) {
	candidates, err := d.router.Candidates(req, cap)
	if err != nil {
		return nil, err
	}

	var attempts []AttemptError
	for _, p := range candidates {
		upstream, err := breaker.Execute(ctx, d.breakers, p.Name(), func(ctx context.Context) (<-chan canon.Chunk, error) {
			return call(ctx, p)
		})
		if err == nil {
			d.recordHealth(p.Name(), true, 0)
			return bridgeStream(ctx, d, p.Name(), upstream), nil
		}

		kind := gatewayerr.KindOf(err)
		if kind != gatewayerr.KindBreakerOpen {
			d.recordHealth(p.Name(), false, 0)
		}
		if gatewayerr.IsImmediatelySurfaced(kind) {
			return nil, err
		}
		attempts = append(attempts, AttemptError{Provider: p.Name(), Err: err})
	}

	return nil, allFailed(attempts)
}

// bridgeStream relays upstream chunks verbatim, recording a breaker/health
// failure the first time a mid-stream error chunk arrives, without
// attempting any further retry or failover.
func bridgeStream(ctx context.Context, d *Driver, providerName string, upstream <-chan canon.Chunk) <-chan canon.Chunk {
	out := make(chan canon.Chunk)
	go func() {
		defer close(out)
		sawError := false
		for chunk := range upstream {
			if chunk.Err != nil && !sawError {
				sawError = true
				d.recordHealth(providerName, false, 0)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func allFailed(attempts []AttemptError) error {
	if len(attempts) == 0 {
		return gatewayerr.New(gatewayerr.KindAllProvidersFailed, "no providers were attempted")
	}
	parts := make([]string, len(attempts))
	for i, a := range attempts {
		parts[i] = a.String()
	}
	return gatewayerr.New(gatewayerr.KindAllProvidersFailed, strings.Join(parts, "; "))
}
