// Package cohere adapts Cohere's Chat and Embed APIs to the gateway's
// canonical provider contract. Cohere's wire format splits the final
// message out from chat_history rather than sending a flat messages array.
package cohere

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/provider/openaicompat"
)

const defaultBaseURL = "https://api.cohere.ai/v1"

// Config configures a Cohere adapter instance.
type Config struct {
	Name       string // defaults to "cohere"
	APIKey     string
	BaseURL    string
	ModelMap   map[string]string
	Client     *http.Client
	InputCost  float64
	OutputCost float64
}

// Adapter implements provider.Provider for Cohere.
type Adapter struct {
	apiKey     string
	baseURL    string
	name       string
	modelMap   map[string]string
	client     *http.Client
	inputCost  float64
	outputCost float64
}

func New(cfg Config) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "cohere"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		name:       name,
		modelMap:   cfg.ModelMap,
		client:     client,
		inputCost:  cfg.InputCost,
		outputCost: cfg.OutputCost,
	}
}

func (a *Adapter) resolveModel(logical string) string {
	if native, ok := a.modelMap[logical]; ok {
		return native
	}
	return logical
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() map[provider.Capability]bool {
	return map[provider.Capability]bool{
		provider.CapChat:      true,
		provider.CapEmbedding: true,
	}
}

type historyTurn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type chatReq struct {
	Model       string        `json:"model"`
	Message     string        `json:"message"`
	ChatHistory []historyTurn `json:"chat_history"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

type billedUnits struct {
	InputTokens  float64 `json:"input_tokens"`
	OutputTokens float64 `json:"output_tokens"`
}

type chatResp struct {
	ResponseID string `json:"response_id"`
	Text       string `json:"text"`
	Meta       struct {
		BilledUnits billedUnits `json:"billed_units"`
	} `json:"meta"`
}

func roleToHistory(r canon.Role) string {
	switch r {
	case canon.RoleAssistant:
		return "assistant"
	case canon.RoleSystem:
		return "system"
	default:
		return "user"
	}
}

func (a *Adapter) Chat(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	if len(req.Messages) == 0 {
		return nil, gatewayerr.New(gatewayerr.KindBadRequest, "cohere chat requires at least one message")
	}

	last := req.Messages[len(req.Messages)-1]
	history := make([]historyTurn, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		history = append(history, historyTurn{Role: roleToHistory(m.Role), Message: m.Content})
	}

	temperature := 0.7
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	body, err := json.Marshal(chatReq{
		Model:       a.resolveModel(req.Model),
		Message:     last.Content,
		ChatHistory: history,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	})
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, openaicompat.ClassifyHTTPStatus(a.name, resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}

	var cr chatResp
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
	}

	return &canon.Response{
		ID:       cr.ResponseID,
		Model:    req.Model,
		Provider: a.name,
		Choices: []canon.Choice{{
			Message:      canon.Message{Role: canon.RoleAssistant, Content: cr.Text},
			FinishReason: canon.FinishStop,
		}},
		Usage: canon.Usage{
			PromptTokens:     int(cr.Meta.BilledUnits.InputTokens),
			CompletionTokens: int(cr.Meta.BilledUnits.OutputTokens),
			TotalTokens:      int(cr.Meta.BilledUnits.InputTokens + cr.Meta.BilledUnits.OutputTokens),
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapChatStream)
}

func (a *Adapter) Completion(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapCompletion)
}

func (a *Adapter) CompletionStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapCompletion)
}

func (a *Adapter) Embedding(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	type embedReq struct {
		Model     string   `json:"model"`
		Texts     []string `json:"texts"`
		InputType string   `json:"input_type"`
	}
	type embedResp struct {
		Embeddings [][]float64 `json:"embeddings"`
	}

	body, err := json.Marshal(embedReq{Model: a.resolveModel(req.Model), Texts: req.Input, InputType: "search_document"})
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, openaicompat.ClassifyHTTPStatus(a.name, resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}

	var er embedResp
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
	}

	return &canon.Response{Model: req.Model, Provider: a.name, Embeddings: er.Embeddings}, nil
}

func (a *Adapter) Image(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapImage)
}

func (a *Adapter) Audio(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapAudio)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	req := &canon.Request{Kind: canon.KindChat, Model: "command-r", MaxTokens: 1,
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "ping"}}}
	_, err := a.Chat(ctx, req)
	if err != nil && gatewayerr.KindOf(err) == gatewayerr.KindProviderTransient {
		return err
	}
	return nil
}

func (a *Adapter) CostPerInputToken() float64  { return a.inputCost }
func (a *Adapter) CostPerOutputToken() float64 { return a.outputCost }
