// Package vertex adapts the Google Gemini generateContent API to the
// gateway's canonical provider contract.
package vertex

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

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Config configures a Vertex/Gemini adapter instance.
type Config struct {
	Name       string // defaults to "vertex"
	APIKey     string
	BaseURL    string
	ModelMap   map[string]string
	Client     *http.Client
	InputCost  float64
	OutputCost float64
}

// Adapter implements provider.Provider for Google's Gemini models.
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
		name = "vertex"
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
		provider.CapEmbedding:  true,
	}
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateReq struct {
	Contents         []content        `json:"contents"`
	SystemInstruction *content        `json:"systemInstruction,omitempty"`
	GenerationConfig generationConfig `json:"generationConfig,omitempty"`
}

type generateResp struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func (a *Adapter) buildRequest(req *canon.Request) generateReq {
	var sysInstr *content
	contents := make([]content, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == canon.RoleSystem {
			sysInstr = &content{Parts: []part{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == canon.RoleAssistant {
			role = "model"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
	}

	return generateReq{
		Contents:          contents,
		SystemInstruction: sysInstr,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		},
	}
}

func mapFinish(reason string) canon.FinishReason {
	switch reason {
	case "MAX_TOKENS":
		return canon.FinishLength
	case "SAFETY", "RECITATION":
		return canon.FinishContentFilter
	case "":
		return ""
	default:
		return canon.FinishStop
	}
}

func (a *Adapter) Chat(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", a.baseURL, a.resolveModel(req.Model), a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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

	var gr generateResp
	if err := json.Unmarshal(raw, &gr); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return nil, gatewayerr.New(gatewayerr.KindProviderTransient, "gemini returned no candidates")
	}

	return &canon.Response{
		Model:    req.Model,
		Provider: a.name,
		Choices: []canon.Choice{{
			Message:      canon.Message{Role: canon.RoleAssistant, Content: gr.Candidates[0].Content.Parts[0].Text},
			FinishReason: mapFinish(gr.Candidates[0].FinishReason),
		}},
		Usage: canon.Usage{
			PromptTokens:     gr.UsageMetadata.PromptTokenCount,
			CompletionTokens: gr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      gr.UsageMetadata.TotalTokenCount,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	body, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?key=%s&alt=sse", a.baseURL, a.resolveModel(req.Model), a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
	go a.readSSE(ctx, resp.Body, req, ch)
	return ch, nil
}

func (a *Adapter) readSSE(ctx context.Context, body io.ReadCloser, req *canon.Request, ch chan<- canon.Chunk) {
	defer close(ch)
	defer body.Close()

	reader := bufio.NewReader(body)
	completionTokens := 0

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				emit(ctx, ch, canon.Chunk{Provider: a.name, Err: gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)})
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var gr generateResp
		if err := json.Unmarshal([]byte(data), &gr); err != nil {
			emit(ctx, ch, canon.Chunk{Provider: a.name, Err: gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)})
			return
		}
		if len(gr.Candidates) == 0 {
			continue
		}
		c := gr.Candidates[0]
		completionTokens++

		finish := mapFinish(c.FinishReason)
		text := ""
		if len(c.Content.Parts) > 0 {
			text = c.Content.Parts[0].Text
		}
		chunk := canon.Chunk{
			Model:        req.Model,
			Provider:     a.name,
			Delta:        canon.ChunkDelta{Content: text},
			FinishReason: finish,
		}
		if finish != "" {
			chunk.Usage = &canon.Usage{CompletionTokens: completionTokens}
		}
		if !emit(ctx, ch, chunk) {
			return
		}
		if finish != "" {
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
		Model   string `json:"model"`
		Content content `json:"content"`
	}
	type embedResp struct {
		Embedding struct {
			Values []float64 `json:"values"`
		} `json:"embedding"`
	}

	vectors := make([][]float64, 0, len(req.Input))
	for _, text := range req.Input {
		model := a.resolveModel(req.Model)
		body, err := json.Marshal(embedReq{Model: "models/" + model, Content: content{Parts: []part{{Text: text}}}})
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
		}
		url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", a.baseURL, model, a.apiKey)
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
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
		vectors = append(vectors, er.Embedding.Values)
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
	url := fmt.Sprintf("%s/models?key=%s", a.baseURL, a.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInternal, a.name, err)
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindProviderTransient, a.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return gatewayerr.New(gatewayerr.KindProviderTransient, fmt.Sprintf("health check status %d", resp.StatusCode))
	}
	return nil
}

func (a *Adapter) CostPerInputToken() float64  { return a.inputCost }
func (a *Adapter) CostPerOutputToken() float64 { return a.outputCost }
