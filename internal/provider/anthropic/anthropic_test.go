package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
)

func TestChat_Mock(t *testing.T) {
	var gotAPIKey, gotVersion string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"model":       "claude-3-5-sonnet-20241022",
			"content":     []map[string]any{{"type": "text", "text": "hello from claude"}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 5, "output_tokens": 4},
		})
	}))
	defer server.Close()

	a := New(Config{APIKey: "sk-ant-test", BaseURL: server.URL})
	resp, err := a.Chat(context.Background(), &canon.Request{
		Kind:  canon.KindChat,
		Model: "claude-3-5-sonnet-20241022",
		Messages: []canon.Message{
			{Role: canon.RoleSystem, Content: "be terse"},
			{Role: canon.RoleUser, Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello from claude" {
		t.Errorf("unexpected content %q", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 9 {
		t.Errorf("expected 9 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if gotAPIKey != "sk-ant-test" {
		t.Errorf("expected x-api-key to carry the configured key, got %q", gotAPIKey)
	}
	if gotVersion != anthropicVersion {
		t.Errorf("expected anthropic-version %q, got %q", anthropicVersion, gotVersion)
	}
}

func TestChatStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"message\":{\"id\":\"msg_2\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"delta\":{\"type\":\"text_delta\",\"text\":\" there\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {}\n\n")
	}))
	defer server.Close()

	a := New(Config{APIKey: "key", BaseURL: server.URL})
	ch, err := a.ChatStream(context.Background(), &canon.Request{
		Kind:     canon.KindChat,
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content string
	var sawFinish bool
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		if chunk.FinishReason != "" {
			sawFinish = true
			continue
		}
		content += chunk.Delta.Content
	}
	if content != "hi there" {
		t.Errorf("expected 'hi there', got %q", content)
	}
	if !sawFinish {
		t.Error("expected a finish reason from message_delta")
	}
}

func TestCompletion_Unsupported(t *testing.T) {
	a := New(Config{APIKey: "key"})
	_, err := a.Completion(context.Background(), &canon.Request{Kind: canon.KindCompletion})
	if gatewayerr.KindOf(err) != gatewayerr.KindUnsupportedFeature {
		t.Fatalf("expected unsupported_feature, got %v", err)
	}
}

func TestCapabilities(t *testing.T) {
	a := New(Config{APIKey: "key"})
	caps := a.Capabilities()
	if !caps["chat"] || !caps["chat_stream"] || !caps["tool_calls"] {
		t.Errorf("unexpected capability set: %v", caps)
	}
	if caps["completion"] {
		t.Error("did not expect completion capability")
	}
}
