package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/kestrelhq/llm-gateway/internal/canon"
)

// chatMessage is the OpenAI-compatible wire shape for one chat message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// chatRequestBody is the OpenAI-compatible body for /v1/chat/completions
// and /v1/completions (Prompt is used when Messages is empty).
type chatRequestBody struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Hints       struct {
		PreferredProvider string `json:"preferred_provider,omitempty"`
	} `json:"hints,omitempty"`
}

func (b *chatRequestBody) toCanon(kind canon.Kind) *canon.Request {
	req := &canon.Request{
		Kind:        kind,
		Model:       b.Model,
		Prompt:      b.Prompt,
		Temperature: b.Temperature,
		TopP:        b.TopP,
		MaxTokens:   b.MaxTokens,
		Stop:        b.Stop,
		Streaming:   b.Stream,
	}
	req.Hints.PreferredProvider = b.Hints.PreferredProvider
	for _, m := range b.Messages {
		req.Messages = append(req.Messages, canon.Message{
			Role:    canon.Role(m.Role),
			Content: m.Content,
			Name:    m.Name,
		})
	}
	return req
}

type embeddingRequestBody struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type imageRequestBody struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, 400, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// chatCompletionResponse is the OpenAI-compatible body returned by
// non-streaming chat/completion requests.
func chatCompletionResponse(resp *canon.Response) map[string]any {
	choices := make([]map[string]any, 0, len(resp.Choices))
	for _, c := range resp.Choices {
		choices = append(choices, map[string]any{
			"index": c.Index,
			"message": map[string]string{
				"role":    string(c.Message.Role),
				"content": c.Message.Content,
			},
			"finish_reason": string(c.FinishReason),
		})
	}
	return map[string]any{
		"id":       resp.ID,
		"object":   "chat.completion",
		"model":    resp.Model,
		"provider": resp.Provider,
		"choices":  choices,
		"usage": map[string]int{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}
}
