// Package ollama adapts a local Ollama server's /api/chat endpoint to the
// gateway's canonical provider contract. Ollama streams newline-delimited
// JSON objects rather than SSE "data:" frames.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/provider/openaicompat"
)

const defaultBaseURL = "http://localhost:11434"

// Config configures an Ollama adapter instance.
type Config struct {
	Name       string // defaults to "ollama"
	BaseURL    string
	ModelMap   map[string]string
	Client     *http.Client
	InputCost  float64
	OutputCost float64
}

// Adapter implements provider.Provider for a local Ollama server.
type Adapter struct {
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
		name = "ollama"
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
	}
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatReq struct {
	Model    string        `json:"model"`
	Messages []ollamaMsg   `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type chatResp struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done             bool `json:"done"`
	PromptEvalCount  int  `json:"prompt_eval_count"`
	EvalCount        int  `json:"eval_count"`
}

func mapRole(r canon.Role) string {
	switch r {
	case canon.RoleAssistant:
		return "assistant"
	case canon.RoleSystem:
		return "system"
	default:
		return "user"
	}
}

func (a *Adapter) buildRequest(req *canon.Request, stream bool) chatReq {
	messages := make([]ollamaMsg, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = ollamaMsg{Role: mapRole(m.Role), Content: m.Content}
	}
	temperature := 0.7
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	return chatReq{
		Model:    a.resolveModel(req.Model),
		Messages: messages,
		Stream:   stream,
		Options:  ollamaOptions{Temperature: temperature, NumPredict: req.MaxTokens},
	}
}

func (a *Adapter) Chat(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	body, err := json.Marshal(a.buildRequest(req, false))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}
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
		ID:       uuid.NewString(),
		Model:    req.Model,
		Provider: a.name,
		Choices: []canon.Choice{{
			Message:      canon.Message{Role: canon.RoleAssistant, Content: cr.Message.Content},
			FinishReason: canon.FinishStop,
		}},
		Usage: canon.Usage{
			PromptTokens:     cr.PromptEvalCount,
			CompletionTokens: cr.EvalCount,
			TotalTokens:      cr.PromptEvalCount + cr.EvalCount,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	body, err := json.Marshal(a.buildRequest(req, true))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
	go a.readNDJSON(ctx, resp.Body, req, ch)
	return ch, nil
}

func (a *Adapter) readNDJSON(ctx context.Context, body io.ReadCloser, req *canon.Request, ch chan<- canon.Chunk) {
	defer close(ch)
	defer body.Close()

	id := uuid.NewString()
	reader := bufio.NewReader(body)

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

		var cr chatResp
		if err := json.Unmarshal([]byte(line), &cr); err != nil {
			emit(ctx, ch, canon.Chunk{ID: id, Provider: a.name, Err: gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)})
			return
		}

		finish := canon.FinishReason("")
		if cr.Done {
			finish = canon.FinishStop
		}
		chunk := canon.Chunk{
			ID:           id,
			Model:        req.Model,
			Provider:     a.name,
			Delta:        canon.ChunkDelta{Content: cr.Message.Content},
			FinishReason: finish,
		}
		if cr.Done {
			chunk.Usage = &canon.Usage{PromptTokens: cr.PromptEvalCount, CompletionTokens: cr.EvalCount, TotalTokens: cr.PromptEvalCount + cr.EvalCount}
		}
		if !emit(ctx, ch, chunk) {
			return
		}
		if cr.Done {
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
	type embedReq struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	type embedResp struct {
		Embedding []float64 `json:"embedding"`
	}

	vectors := make([][]float64, 0, len(req.Input))
	for _, text := range req.Input {
		body, err := json.Marshal(embedReq{Model: a.resolveModel(req.Model), Prompt: text})
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, openaicompat.ClassifyHTTPStatus(a.name, resp.StatusCode, resp.Header.Get("Retry-After"), raw)
		}
		var er embedResp
		if err := json.Unmarshal(raw, &er); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
		}
		vectors = append(vectors, er.Embedding)
	}

	return &canon.Response{Model: req.Model, Provider: a.name, Embeddings: vectors}, nil
}

func (a *Adapter) Image(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapImage)
}

func (a *Adapter) Audio(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapAudio)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/tags", nil)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
	}
	defer resp.Body.Close()
	return nil
}

func (a *Adapter) CostPerInputToken() float64  { return a.inputCost }
func (a *Adapter) CostPerOutputToken() float64 { return a.outputCost }
