package cohere

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
)

func TestChat_SplitsHistoryFromFinalMessage(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"response_id": "co-1",
			"text":        "hello there",
			"meta":        map[string]any{"billed_units": map[string]any{"input_tokens": 3, "output_tokens": 2}},
		})
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	resp, err := a.Chat(context.Background(), &canon.Request{
		Kind:  canon.KindChat,
		Model: "command-r",
		Messages: []canon.Message{
			{Role: canon.RoleUser, Content: "first"},
			{Role: canon.RoleAssistant, Content: "reply"},
			{Role: canon.RoleUser, Content: "second"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello there" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if gotBody["message"] != "second" {
		t.Errorf("expected the final message to be sent as 'message', got %v", gotBody["message"])
	}
	history, ok := gotBody["chat_history"].([]any)
	if !ok || len(history) != 2 {
		t.Fatalf("expected 2 prior turns in chat_history, got %v", gotBody["chat_history"])
	}
}

func TestEmbedding_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float64{{0.1, 0.2}}})
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	resp, err := a.Embedding(context.Background(), &canon.Request{Kind: canon.KindEmbedding, Input: []string{"x"}})
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if len(resp.Embeddings) != 1 {
		t.Fatalf("expected 1 embedding vector, got %d", len(resp.Embeddings))
	}
}

func TestChatStream_Unsupported(t *testing.T) {
	a := New(Config{APIKey: "key"})
	_, err := a.ChatStream(context.Background(), &canon.Request{Kind: canon.KindChat})
	if gatewayerr.KindOf(err) != gatewayerr.KindUnsupportedFeature {
		t.Fatalf("expected unsupported_feature, got %v", err)
	}
}

func TestChat_RequiresAtLeastOneMessage(t *testing.T) {
	a := New(Config{APIKey: "key"})
	_, err := a.Chat(context.Background(), &canon.Request{Kind: canon.KindChat})
	if gatewayerr.KindOf(err) != gatewayerr.KindBadRequest {
		t.Fatalf("expected bad_request, got %v", err)
	}
}
