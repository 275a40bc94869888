package groq

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

func TestChat_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "groq-1",
			"model": "llama-3.3-70b",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "hi from groq"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 4, "completion_tokens": 3, "total_tokens": 7},
		})
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	resp, err := a.Chat(context.Background(), &canon.Request{
		Kind:  canon.KindChat,
		Model: "llama-3.3-70b",
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Choices[0].Message.Content != "hi from groq" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
}

func TestEmbedding_Unsupported(t *testing.T) {
	a := New(Config{APIKey: "key"})
	_, err := a.Embedding(context.Background(), &canon.Request{Kind: canon.KindEmbedding})
	if gatewayerr.KindOf(err) != gatewayerr.KindUnsupportedFeature {
		t.Fatalf("expected unsupported_feature, got %v", err)
	}
}

func TestName_DefaultsWhenEmpty(t *testing.T) {
	a := New(Config{APIKey: "key"})
	if a.Name() != "groq" {
		t.Errorf("expected 'groq', got %s", a.Name())
	}
}

func TestCapabilities(t *testing.T) {
	a := New(Config{APIKey: "key"})
	if !provider.Has(a, provider.CapChat) || !provider.Has(a, provider.CapChatStream) {
		t.Error("expected chat and chat_stream capabilities")
	}
	if provider.Has(a, provider.CapEmbedding) {
		t.Error("did not expect embedding capability")
	}
}

func TestHealthCheck_PropagatesServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Error("expected an error for a 500 health check response")
	}
}
