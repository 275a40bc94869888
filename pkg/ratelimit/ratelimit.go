package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter wraps github.com/vnmchuo/ratelimiter, scoping throughput to a
// per-tenant token budget. Most tenants share one default-TPM store; a
// tenant whose API key carries its own rate_limit quota
// (auth.APIKey.RateLimit) gets its own store, built lazily, so the
// per-key override actually takes effect instead of being parsed and
// ignored.
type Limiter struct {
	rdb          *redis.Client
	defaultTPM   int64
	defaultStore extratelimit.Limiter

	mu        sync.Mutex
	perTenant map[string]extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{
		rdb:          rdb,
		defaultTPM:   defaultTPM,
		defaultStore: store,
		perTenant:    make(map[string]extratelimit.Limiter),
	}
}

func NewTestLimiter(store extratelimit.Limiter) *Limiter {
	return &Limiter{defaultStore: store, perTenant: make(map[string]extratelimit.Limiter)}
}

// storeFor returns tenantID's dedicated store when limitTPM overrides the
// shared default, building and caching one on first use; otherwise it
// falls back to the shared default-TPM store.
func (l *Limiter) storeFor(tenantID string, limitTPM int64) extratelimit.Limiter {
	if limitTPM <= 0 || limitTPM == l.defaultTPM || l.rdb == nil {
		return l.defaultStore
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := fmt.Sprintf("%s:%d", tenantID, limitTPM)
	if s, ok := l.perTenant[key]; ok {
		return s
	}
	s := extratelimit.NewRedisStore(l.rdb,
		extratelimit.WithLimit(int(limitTPM)),
		extratelimit.WithWindow(time.Minute),
	)
	l.perTenant[key] = s
	return s
}

// Allow checks tenantID against the shared default-TPM store.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	return l.AllowWithLimit(ctx, tenantID, tokens, 0)
}

// AllowWithLimit behaves like Allow but, when limitTPM is positive, checks
// the request against a store scoped to that tenant's own quota.
func (l *Limiter) AllowWithLimit(ctx context.Context, tenantID string, tokens int, limitTPM int64) (bool, error) {
	key := fmt.Sprintf("ratelimit:tenant:%s", tenantID)
	res, err := l.storeFor(tenantID, limitTPM).AllowN(ctx, key, tokens)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	key := fmt.Sprintf("ratelimit:tenant:%s", tenantID)
	return l.defaultStore.Status(ctx, key)
}
