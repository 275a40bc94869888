package vertex

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
			"candidates": []map[string]any{
				{
					"content":      map[string]any{"role": "model", "parts": []map[string]any{{"text": "hello from gemini"}}},
					"finishReason": "STOP",
				},
			},
			"usageMetadata": map[string]any{"promptTokenCount": 3, "candidatesTokenCount": 4, "totalTokenCount": 7},
		})
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	resp, err := a.Chat(context.Background(), &canon.Request{
		Kind:  canon.KindChat,
		Model: "gemini-1.5-pro",
		Messages: []canon.Message{
			{Role: canon.RoleSystem, Content: "be terse"},
			{Role: canon.RoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello from gemini" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 7 {
		t.Errorf("expected 7 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestEmbedding_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"embedding": map[string]any{"values": []float64{0.1, 0.2, 0.3}},
		})
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	resp, err := a.Embedding(context.Background(), &canon.Request{
		Kind:  canon.KindEmbedding,
		Model: "text-embedding-004",
		Input: []string{"hello"},
	})
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if len(resp.Embeddings) != 1 || len(resp.Embeddings[0]) != 3 {
		t.Fatalf("expected 1 vector of length 3, got %v", resp.Embeddings)
	}
}

func TestCapabilities(t *testing.T) {
	a := New(Config{APIKey: "key"})
	caps := a.Capabilities()
	if !caps["chat"] || !caps["embedding"] {
		t.Errorf("unexpected capability set: %v", caps)
	}
}
