package azure

import (
	"encoding/json"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kestrelhq/llm-gateway/internal/canon"
)

func TestChat_RoutesByDeploymentAndAPIVersion(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		if r.Header.Get("api-key") == "" {
			t.Error("expected api-key header to be set")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "az-1",
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "ok"}, "finish_reason": "stop"}},
		})
	}))
	defer server.Close()

	a := New(Config{
		APIKey:        "key",
		APIVersion:    "2024-06-01",
		DeploymentMap: map[string]string{"gpt-4o": "my-gpt4o-deployment"},
	})
	// ResourceName drives BaseURL at construction time; point it at the
	// test server directly rather than through a fake resource name.
	a.dialect.BaseURL = server.URL

	_, err := a.Chat(context.Background(), &canon.Request{
		Kind:     canon.KindChat,
		Model:    "gpt-4o",
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !strings.Contains(gotPath, "/my-gpt4o-deployment/chat/completions") {
		t.Errorf("expected deployment-scoped path, got %s", gotPath)
	}
	if !strings.Contains(gotPath, "api-version=2024-06-01") {
		t.Errorf("expected api-version query param, got %s", gotPath)
	}
}

func TestName_DefaultsToAzure(t *testing.T) {
	a := New(Config{APIKey: "key", ResourceName: "res"})
	if a.Name() != "azure" {
		t.Errorf("expected 'azure', got %s", a.Name())
	}
}
