package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelhq/llm-gateway/internal/canon"
)

type chatResp struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	Delta        chatDelta   `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatDelta struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func TestChat_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := chatResp{
			ID: "test-id",
			Choices: []chatChoice{
				{Message: chatMessage{Role: "assistant", Content: "Hello from OpenAI mock!"}, FinishReason: "stop"},
			},
			Usage: chatUsage{PromptTokens: 15, CompletionTokens: 25, TotalTokens: 40},
			Model: "gpt-4o-mini",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	a := New(Config{APIKey: "test-key", BaseURL: server.URL})

	req := &canon.Request{
		Kind:  canon.KindChat,
		Model: "gpt-4o-mini",
		Messages: []canon.Message{
			{Role: canon.RoleUser, Content: "hi"},
		},
	}

	resp, err := a.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(resp.Choices))
	}
	if resp.Choices[0].Message.Content != "Hello from OpenAI mock!" {
		t.Errorf("expected 'Hello from OpenAI mock!', got %s", resp.Choices[0].Message.Content)
	}
	if resp.Usage.PromptTokens != 15 {
		t.Errorf("expected 15 prompt tokens, got %d", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens != 25 {
		t.Errorf("expected 25 completion tokens, got %d", resp.Usage.CompletionTokens)
	}
}

func TestChatStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []string{"Hello", " from", " OpenAI", "!"}
		for _, c := range chunks {
			resp := chatResp{Choices: []chatChoice{{Delta: chatDelta{Content: c}}}}
			data, _ := json.Marshal(resp)
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
		final := chatResp{Choices: []chatChoice{{FinishReason: "stop"}}}
		data, _ := json.Marshal(final)
		fmt.Fprintf(w, "data: %s\n\n", string(data))
		fmt.Fprintf(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	a := New(Config{APIKey: "test-key", BaseURL: server.URL})

	req := &canon.Request{
		Kind:  canon.KindChat,
		Model: "gpt-4o-mini",
		Messages: []canon.Message{
			{Role: canon.RoleUser, Content: "hi"},
		},
	}

	ch, err := a.ChatStream(context.Background(), req)
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}

	var content string
	var sawFinish bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("received error from chunk: %v", chunk.Err)
		}
		if chunk.FinishReason != "" {
			sawFinish = true
			continue
		}
		content += chunk.Delta.Content
	}

	if !sawFinish {
		t.Error("expected stream to carry a finish reason")
	}
	if content != "Hello from OpenAI!" {
		t.Errorf("expected 'Hello from OpenAI!', got %s", content)
	}
}

func TestName(t *testing.T) {
	a := New(Config{APIKey: "key"})
	if a.Name() != "openai" {
		t.Errorf("expected 'openai', got %s", a.Name())
	}
}

func TestCapabilities(t *testing.T) {
	a := New(Config{APIKey: "key"})
	caps := a.Capabilities()
	if !caps["chat"] {
		t.Error("expected chat capability")
	}
	if !caps["embedding"] {
		t.Error("expected embedding capability")
	}
	if caps["image"] {
		t.Error("did not expect image capability")
	}
}
