package perplexity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelhq/llm-gateway/internal/canon"
)

func TestChat_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "pplx-1",
			"model": "sonar",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "it's a search-grounded answer"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16},
		})
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	resp, err := a.Chat(context.Background(), &canon.Request{
		Kind:  canon.KindChat,
		Model: "sonar",
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "what's new"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("expected 16 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestHealthCheck_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
}
