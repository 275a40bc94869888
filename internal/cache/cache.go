// Package cache implements the gateway's response cache: fingerprint-keyed
// storage with LRU+TTL eviction, plus in-process single-flight coalescing
// of concurrent misses so that N identical in-flight requests result in
// exactly one upstream call.
package cache

import (
	"context"
	"encoding/hex"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
)

// Entry is what the cache stores per fingerprint: the response plus enough
// of the original request to detect a hash collision.
type Entry struct {
	Response      *canon.Response
	Discriminator string // canon.CanonicalForm of the request that produced Response
	CreatedAt     time.Time
	HitCount      int64
}

// Backend is the storage contract both the in-memory and Redis
// implementations satisfy; the Cache above it is backend-agnostic.
type Backend interface {
	Get(ctx context.Context, key [32]byte) (*Entry, bool, error)
	Set(ctx context.Context, key [32]byte, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key [32]byte) error
	Len() int
	Close() error
}

// Cache wraps a Backend with fingerprinting, cacheability rules, and
// single-flight coalescing of concurrent misses.
type Cache struct {
	backend Backend
	ttl     time.Duration
	group   singleflight.Group

	onHit  func()
	onMiss func()
}

func New(backend Backend, ttl time.Duration) *Cache {
	return &Cache{backend: backend, ttl: ttl}
}

// SetMetricsHooks registers callbacks invoked on every cache hit and miss.
// Optional: metrics stay inert (nil hooks) in tests that construct a Cache
// directly without a metrics.Registry.
func (c *Cache) SetMetricsHooks(onHit, onMiss func()) {
	c.onHit = onHit
	c.onMiss = onMiss
}

// Cacheable reports whether req is eligible for the response cache, per the
// specification: embeddings are always cacheable; chat/completion only when
// non-streaming, deterministic (temperature unset-or-zero, top_p unset),
// and not a tool call. Image generation and audio transcription are never
// cached.
func Cacheable(req *canon.Request) bool {
	switch req.Kind {
	case canon.KindEmbedding:
		return true
	case canon.KindChat, canon.KindCompletion:
		if req.Streaming {
			return false
		}
		if req.Temperature != nil && *req.Temperature != 0 {
			return false
		}
		if req.TopP != nil {
			return false
		}
		if len(req.Tools) > 0 {
			return false
		}
		return true
	default:
		return false
	}
}

// Leader is the upstream call a cache miss invokes exactly once per
// fingerprint, regardless of how many concurrent callers are waiting on it.
type Leader func(ctx context.Context) (*canon.Response, error)

// Get serves req from cache when possible, and otherwise coalesces
// concurrent misses through singleflight: the first caller for a given
// fingerprint becomes the leader and runs fn; all others become followers
// that wait on the leader's result but can abandon the wait independently
// (ctx cancellation) without disturbing the leader, which keeps running so
// a later caller can still benefit from its result.
func (c *Cache) Get(ctx context.Context, req *canon.Request, fn Leader) (*canon.Response, error) {
	if !Cacheable(req) {
		return fn(ctx)
	}

	key := canon.Fingerprint(req)
	canonical := canon.CanonicalForm(req)

	if entry, ok, err := c.backend.Get(ctx, key); err == nil && ok {
		if entry.Discriminator == canonical {
			if c.onHit != nil {
				c.onHit()
			}
			return entry.Response, nil
		}
		// Hash collision against a different request: treat as a miss
		// rather than serving the wrong payload.
	}
	if c.onMiss != nil {
		c.onMiss()
	}

	groupKey := hex.EncodeToString(key[:])
	resultCh := c.group.DoChan(groupKey, func() (interface{}, error) {
		resp, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		_ = c.backend.Set(context.WithoutCancel(ctx), key, &Entry{
			Response:      resp,
			Discriminator: canonical,
			CreatedAt:     time.Now(),
		}, c.ttl)
		return resp, nil
	})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*canon.Response), nil
	case <-ctx.Done():
		return nil, gatewayerr.New(gatewayerr.KindCancelled, "cache wait cancelled")
	}
}

// Len reports the current backend entry count, for metrics and tests.
func (c *Cache) Len() int { return c.backend.Len() }

// Close releases any backend resources (connection pools, sweep goroutines).
func (c *Cache) Close() error { return c.backend.Close() }
