package ratelimit

import (
	"context"
	"errors"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
)

type mockStore struct {
	allowed bool
	err     error
}

func (m *mockStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestAllow_PermitsWithinLimit(t *testing.T) {
	l := NewTestLimiter(&mockStore{allowed: true})
	ok, err := l.Allow(context.Background(), "tenant-1", 100)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !ok {
		t.Error("expected request to be allowed")
	}
}

func TestAllow_DeniesOverLimit(t *testing.T) {
	l := NewTestLimiter(&mockStore{allowed: false})
	ok, err := l.Allow(context.Background(), "tenant-1", 100)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("expected request to be denied")
	}
}

func TestAllow_PropagatesStoreError(t *testing.T) {
	wantErr := errors.New("redis unavailable")
	l := NewTestLimiter(&mockStore{err: wantErr})
	_, err := l.Allow(context.Background(), "tenant-1", 100)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected store error to propagate, got %v", err)
	}
}

func TestAllowWithLimit_FallsBackToDefaultStoreWithoutRedis(t *testing.T) {
	l := NewTestLimiter(&mockStore{allowed: true})
	ok, err := l.AllowWithLimit(context.Background(), "tenant-1", 100, 5000)
	if err != nil {
		t.Fatalf("AllowWithLimit: %v", err)
	}
	if !ok {
		t.Error("expected request to be allowed via the default store fallback")
	}
}

func TestStatus_ScopesKeyByTenant(t *testing.T) {
	l := NewTestLimiter(&mockStore{allowed: true})
	res, err := l.Status(context.Background(), "tenant-2")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !res.Allowed {
		t.Error("expected status to reflect the mock store's allowed state")
	}
}
