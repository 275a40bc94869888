// Package anthropic adapts the Anthropic Messages API to the gateway's
// canonical provider contract.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/provider/openaicompat"
)

const (
	defaultBaseURL    = "https://api.anthropic.com/v1"
	anthropicVersion  = "2023-06-01"
	defaultMaxTokens  = 4096
)

// Config configures an Anthropic adapter instance.
type Config struct {
	Name       string // defaults to "anthropic"
	APIKey     string
	BaseURL    string
	ModelMap   map[string]string
	Client     *http.Client
	InputCost  float64
	OutputCost float64
}

// Adapter implements provider.Provider for Anthropic's Claude models.
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
		name = "anthropic"
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
		provider.CapChat:       true,
		provider.CapChatStream: true,
		provider.CapToolCalls:  true,
	}
}

type messagesReq struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens"`
	System      string            `json:"system,omitempty"`
	Messages    []anthropicMsg    `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	TopP        *float64          `json:"top_p,omitempty"`
	StopSeqs    []string          `json:"stop_sequences,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Tools       []anthropicTool   `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResp struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

func buildTools(defs []canon.ToolDef) []anthropicTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]anthropicTool, len(defs))
	for i, d := range defs {
		out[i] = anthropicTool{Name: d.Name, Description: d.Description, InputSchema: d.Parameters}
	}
	return out
}

func toolCallsFrom(blocks []contentBlock) []canon.ToolCall {
	var out []canon.ToolCall
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		args, _ := json.Marshal(b.Input)
		out = append(out, canon.ToolCall{ID: b.ID, Name: b.Name, Arguments: string(args)})
	}
	return out
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (a *Adapter) buildRequest(req *canon.Request, stream bool) messagesReq {
	var system string
	var messages []anthropicMsg
	for _, m := range req.Messages {
		if m.Role == canon.RoleSystem {
			if system != "" {
				system += "\n\n" + m.Content
			} else {
				system = m.Content
			}
			continue
		}
		role := "user"
		if m.Role == canon.RoleAssistant {
			role = "assistant"
		}
		messages = append(messages, anthropicMsg{Role: role, Content: m.Content})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return messagesReq{
		Model:       a.resolveModel(req.Model),
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.Stop,
		Stream:      stream,
		Tools:       buildTools(req.Tools),
	}
}

func (a *Adapter) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	return httpReq, nil
}

func mapStopReason(reason string) canon.FinishReason {
	switch reason {
	case "max_tokens":
		return canon.FinishLength
	case "tool_use":
		return canon.FinishToolCalls
	case "":
		return ""
	default:
		return canon.FinishStop
	}
}

func (a *Adapter) Chat(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	body, err := json.Marshal(a.buildRequest(req, false))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}

	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

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

	var mr messagesResp
	if err := json.Unmarshal(raw, &mr); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
	}
	if len(mr.Content) == 0 {
		return nil, gatewayerr.New(gatewayerr.KindProviderTransient, "anthropic returned no content blocks")
	}

	var text strings.Builder
	for _, b := range mr.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}

	return &canon.Response{
		ID:       mr.ID,
		Model:    mr.Model,
		Provider: a.name,
		Choices: []canon.Choice{{
			Message:      canon.Message{Role: canon.RoleAssistant, Content: text.String(), ToolCalls: toolCallsFrom(mr.Content)},
			FinishReason: mapStopReason(mr.StopReason),
		}},
		Usage: canon.Usage{
			PromptTokens:     mr.Usage.InputTokens,
			CompletionTokens: mr.Usage.OutputTokens,
			TotalTokens:      mr.Usage.InputTokens + mr.Usage.OutputTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	body, err := json.Marshal(a.buildRequest(req, true))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}
	httpReq, err := a.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, openaicompat.ClassifyHTTPStatus(a.name, resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}

	ch := make(chan canon.Chunk, 32)
	go a.readEvents(ctx, resp.Body, req, ch)
	return ch, nil
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) readEvents(ctx context.Context, body io.ReadCloser, req *canon.Request, ch chan<- canon.Chunk) {
	defer close(ch)
	defer body.Close()

	reader := bufio.NewReader(body)
	var event string
	id := ""

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				emit(ctx, ch, canon.Chunk{ID: id, Provider: a.name, Err: gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)})
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch event {
		case "message_start":
			id = ev.Message.ID
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				if !emit(ctx, ch, canon.Chunk{ID: id, Model: req.Model, Provider: a.name, Delta: canon.ChunkDelta{Content: ev.Delta.Text}}) {
					return
				}
			}
		case "message_delta":
			finish := mapStopReason(ev.Delta.StopReason)
			if finish != "" {
				emit(ctx, ch, canon.Chunk{
					ID: id, Model: req.Model, Provider: a.name, FinishReason: finish,
					Usage: &canon.Usage{CompletionTokens: ev.Usage.OutputTokens},
				})
			}
		case "message_stop":
			return
		case "error":
			emit(ctx, ch, canon.Chunk{ID: id, Provider: a.name, FinishReason: canon.FinishError,
				Err: gatewayerr.New(gatewayerr.KindProviderTransient, fmt.Sprintf("anthropic stream error: %s", ev.Error.Message))})
			return
		}
	}
}

func emit(ctx context.Context, ch chan<- canon.Chunk, chunk canon.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) Completion(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapCompletion)
}

func (a *Adapter) CompletionStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapCompletion)
}

func (a *Adapter) Embedding(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapEmbedding)
}

func (a *Adapter) Image(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapImage)
}

func (a *Adapter) Audio(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapAudio)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	req := &canon.Request{Kind: canon.KindChat, Model: "claude-3-5-haiku-20241022", MaxTokens: 1,
		Messages: []canon.Message{{Role: canon.RoleUser, Content: "ping"}}}
	_, err := a.Chat(ctx, req)
	if err != nil && gatewayerr.KindOf(err) == gatewayerr.KindProviderTransient {
		return err
	}
	return nil
}

func (a *Adapter) CostPerInputToken() float64  { return a.inputCost }
func (a *Adapter) CostPerOutputToken() float64 { return a.outputCost }
