package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelhq/llm-gateway/internal/canon"
)

func TestChat_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]any{"content": "hi from llama"},
			"done":              true,
			"prompt_eval_count": 5,
			"eval_count":        3,
		})
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL})
	resp, err := a.Chat(context.Background(), &canon.Request{
		Kind:     canon.KindChat,
		Model:    "llama3",
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Choices[0].Message.Content != "hi from llama" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 8 {
		t.Errorf("expected 8 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestChatStream_NDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"hi"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true,"prompt_eval_count":2,"eval_count":2}`)
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL})
	ch, err := a.ChatStream(context.Background(), &canon.Request{
		Kind:     canon.KindChat,
		Model:    "llama3",
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	var sawDone bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		content += chunk.Delta.Content
		if chunk.FinishReason != "" {
			sawDone = true
		}
	}
	if content != "hi there" {
		t.Errorf("expected 'hi there', got %q", content)
	}
	if !sawDone {
		t.Error("expected the final NDJSON line to carry a finish reason")
	}
}

func TestEmbedding_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float64{0.5, 0.25}})
	}))
	defer server.Close()

	a := New(Config{BaseURL: server.URL})
	resp, err := a.Embedding(context.Background(), &canon.Request{Kind: canon.KindEmbedding, Input: []string{"hi"}})
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if len(resp.Embeddings) != 1 || len(resp.Embeddings[0]) != 2 {
		t.Fatalf("expected 1 vector of length 2, got %v", resp.Embeddings)
	}
}

func TestName_DefaultsToOllama(t *testing.T) {
	a := New(Config{})
	if a.Name() != "ollama" {
		t.Errorf("expected 'ollama', got %s", a.Name())
	}
}
