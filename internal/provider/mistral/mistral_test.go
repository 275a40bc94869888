package mistral

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
)

func TestChat_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "mistral-1",
			"model": "mistral-large-latest",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "bonjour"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 2, "completion_tokens": 2, "total_tokens": 4},
		})
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	resp, err := a.Chat(context.Background(), &canon.Request{
		Kind:  canon.KindChat,
		Model: "mistral-large-latest",
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "salut"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Choices[0].Message.Content != "bonjour" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
}

func TestImage_Unsupported(t *testing.T) {
	a := New(Config{APIKey: "key"})
	_, err := a.Image(context.Background(), &canon.Request{Kind: canon.KindImageGen})
	if gatewayerr.KindOf(err) != gatewayerr.KindUnsupportedFeature {
		t.Fatalf("expected unsupported_feature, got %v", err)
	}
}

func TestCostAccessors(t *testing.T) {
	a := New(Config{APIKey: "key", InputCost: 0.002, OutputCost: 0.006})
	if a.CostPerInputToken() != 0.002 || a.CostPerOutputToken() != 0.006 {
		t.Errorf("unexpected costs: in=%v out=%v", a.CostPerInputToken(), a.CostPerOutputToken())
	}
}
