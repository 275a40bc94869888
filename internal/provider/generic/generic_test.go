package generic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
	"github.com/kestrelhq/llm-gateway/internal/provider"
)

func TestChat_CustomPathAndAuthHeader(t *testing.T) {
	var gotAuthHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthHeader = r.Header.Get("X-Api-Key")
		if r.URL.Path != "/custom/chat" {
			t.Errorf("expected /custom/chat, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "stop"}},
		})
	}))
	defer server.Close()

	a := New(Config{
		BaseURL:      server.URL,
		APIKey:       "secret",
		Auth:         AuthAPIKeyHeader,
		APIKeyHeader: "X-Api-Key",
		ChatPath:     "/custom/chat",
	})

	_, err := a.Chat(context.Background(), &canon.Request{
		Kind:     canon.KindChat,
		Model:    "local-model",
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotAuthHeader != "secret" {
		t.Errorf("expected auth header to carry the api key, got %q", gotAuthHeader)
	}
}

func TestCapabilities_DefaultWhenUnset(t *testing.T) {
	a := New(Config{BaseURL: "http://local"})
	if !provider.Has(a, provider.CapChat) {
		t.Error("expected default capability set to include chat")
	}
	if provider.Has(a, provider.CapEmbedding) {
		t.Error("did not expect embedding in the default capability set")
	}
}

func TestCapabilities_Override(t *testing.T) {
	a := New(Config{
		BaseURL: "http://local",
		Capabilities: map[provider.Capability]bool{
			provider.CapEmbedding: true,
		},
	})
	if provider.Has(a, provider.CapChat) {
		t.Error("expected chat to be absent once Capabilities is explicitly overridden")
	}
	if !provider.Has(a, provider.CapEmbedding) {
		t.Error("expected embedding to be present from the override")
	}
}

func TestEmbedding_UnsupportedWhenCapabilityMissing(t *testing.T) {
	a := New(Config{BaseURL: "http://local"})
	_, err := a.Embedding(context.Background(), &canon.Request{Kind: canon.KindEmbedding, Input: []string{"x"}})
	if gatewayerr.KindOf(err) != gatewayerr.KindUnsupportedFeature {
		t.Fatalf("expected unsupported_feature, got %v", err)
	}
}
