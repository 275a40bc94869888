package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelhq/llm-gateway/internal/canon"
)

func chatRequest(model, content string) *canon.Request {
	return &canon.Request{
		Kind:     canon.KindChat,
		Model:    model,
		Messages: []canon.Message{{Role: canon.RoleUser, Content: content}},
	}
}

func TestCacheable(t *testing.T) {
	cases := []struct {
		name string
		req  *canon.Request
		want bool
	}{
		{"embedding always cacheable", &canon.Request{Kind: canon.KindEmbedding, Input: []string{"a"}}, true},
		{"deterministic chat cacheable", chatRequest("gpt-4o", "hi"), true},
		{"streaming chat not cacheable", func() *canon.Request {
			r := chatRequest("gpt-4o", "hi")
			r.Streaming = true
			return r
		}(), false},
		{"nonzero temperature not cacheable", func() *canon.Request {
			r := chatRequest("gpt-4o", "hi")
			temp := 0.7
			r.Temperature = &temp
			return r
		}(), false},
		{"image generation never cacheable", &canon.Request{Kind: canon.KindImageGen, ImagePrompt: "a cat"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Cacheable(tc.req); got != tc.want {
				t.Errorf("Cacheable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCache_HitAfterMiss(t *testing.T) {
	backend := NewMemoryBackend(10, time.Hour)
	c := New(backend, time.Hour)
	req := chatRequest("gpt-4o", "hi")

	var calls int64
	leader := func(ctx context.Context) (*canon.Response, error) {
		atomic.AddInt64(&calls, 1)
		return &canon.Response{Model: "gpt-4o", Provider: "openai"}, nil
	}

	if _, err := c.Get(context.Background(), req, leader); err != nil {
		t.Fatalf("first Get: %v", err)
	}
	if _, err := c.Get(context.Background(), req, leader); err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected leader invoked exactly once, got %d", calls)
	}
}

func TestCache_CoalescesConcurrentMisses(t *testing.T) {
	backend := NewMemoryBackend(10, time.Hour)
	c := New(backend, time.Hour)
	req := chatRequest("gpt-4o", "concurrent")

	release := make(chan struct{})
	var calls int64
	leader := func(ctx context.Context) (*canon.Response, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return &canon.Response{Model: "gpt-4o"}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), req, leader); err != nil {
				t.Errorf("Get: %v", err)
			}
		}()
	}
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected exactly one upstream call for %d concurrent misses, got %d", n, calls)
	}
}

func TestCache_FollowerCancelDoesNotAffectLeader(t *testing.T) {
	backend := NewMemoryBackend(10, time.Hour)
	c := New(backend, time.Hour)
	req := chatRequest("gpt-4o", "cancel-me")

	started := make(chan struct{})
	leader := func(ctx context.Context) (*canon.Response, error) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		return &canon.Response{Model: "gpt-4o"}, nil
	}

	go func() { _, _ = c.Get(context.Background(), req, leader) }()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Get(ctx, req, leader); err == nil {
		t.Error("expected follower with cancelled context to return an error")
	}

	time.Sleep(30 * time.Millisecond)
	if backend.Len() != 1 {
		t.Errorf("expected leader's result to still be cached, got %d entries", backend.Len())
	}
}
