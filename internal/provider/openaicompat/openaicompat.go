// Package openaicompat implements the OpenAI chat-completions wire dialect
// shared by every provider that speaks it natively: OpenAI itself, Azure
// OpenAI, Groq, Mistral, Perplexity, and Together. Each provider package
// wraps a Dialect configured with its own base URL, auth header, and model
// map; this package owns the translation and SSE streaming logic once.
package openaicompat

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
)

// AuthStyle selects how the API key is attached to requests.
type AuthStyle int

const (
	AuthBearer AuthStyle = iota
	AuthAPIKeyHeader
)

// Dialect configures one OpenAI-wire provider endpoint.
type Dialect struct {
	ProviderName string
	BaseURL      string
	APIKey       string
	AuthStyle    AuthStyle
	APIKeyHeader string // used when AuthStyle == AuthAPIKeyHeader
	ModelMap     map[string]string
	ExtraHeaders map[string]string
	Client       *http.Client
}

type chatReq struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolFunc `json:"function"`
}

type chatToolFunc struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Name      string         `json:"name,omitempty"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolCallFunc `json:"function"`
}

type chatToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func buildTools(defs []canon.ToolDef) []chatTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]chatTool, len(defs))
	for i, d := range defs {
		out[i] = chatTool{Type: "function", Function: chatToolFunc{Name: d.Name, Description: d.Description, Parameters: d.Parameters}}
	}
	return out
}

func toolCallsFrom(calls []chatToolCall) []canon.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]canon.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = canon.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments}
	}
	return out
}

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

type chatDelta struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ResolveModel maps a logical model name to the provider's native name.
// Unknown models pass through verbatim.
func (d *Dialect) ResolveModel(logical string) string {
	if native, ok := d.ModelMap[logical]; ok {
		return native
	}
	return logical
}

func (d *Dialect) httpClient() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Dialect) setAuth(h *http.Header) {
	switch d.AuthStyle {
	case AuthAPIKeyHeader:
		name := d.APIKeyHeader
		if name == "" {
			name = "api-key"
		}
		h.Set(name, d.APIKey)
	default:
		h.Set("Authorization", "Bearer "+d.APIKey)
	}
	for k, v := range d.ExtraHeaders {
		h.Set(k, v)
	}
	h.Set("Content-Type", "application/json")
}

func buildMessages(req *canon.Request) []chatMessage {
	if req.Kind == canon.KindCompletion && len(req.Messages) == 0 {
		return []chatMessage{{Role: "user", Content: req.Prompt}}
	}
	out := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		out = append(out, chatMessage{Role: string(m.Role), Content: m.Content, Name: m.Name})
	}
	return out
}

func (d *Dialect) buildRequest(req *canon.Request, stream bool) chatReq {
	return chatReq{
		Model:       d.ResolveModel(req.Model),
		Messages:    buildMessages(req),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.Stop,
		Stream:      stream,
		Tools:       buildTools(req.Tools),
	}
}

func mapFinish(reason string) canon.FinishReason {
	switch reason {
	case "length":
		return canon.FinishLength
	case "content_filter":
		return canon.FinishContentFilter
	case "tool_calls":
		return canon.FinishToolCalls
	case "":
		return ""
	default:
		return canon.FinishStop
	}
}

// Complete performs a non-streaming chat/completion call.
func (d *Dialect) Complete(ctx context.Context, req *canon.Request, path string) (*canon.Response, error) {
	body, err := json.Marshal(d.buildRequest(req, false))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, d.ProviderName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, d.ProviderName, err)
	}
	d.setAuth(&httpReq.Header)

	start := time.Now()
	resp, err := d.httpClient().Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(d.ProviderName, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTPStatus(d.ProviderName, resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}

	var cr chatResp
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, d.ProviderName, err)
	}
	if len(cr.Choices) == 0 {
		return nil, gatewayerr.New(gatewayerr.KindProviderTransient, "provider returned no choices")
	}

	choices := make([]canon.Choice, len(cr.Choices))
	for i, c := range cr.Choices {
		choices[i] = canon.Choice{
			Index: c.Index,
			Message: canon.Message{
				Role:      canon.RoleAssistant,
				Content:   c.Message.Content,
				ToolCalls: toolCallsFrom(c.Message.ToolCalls),
			},
			FinishReason: mapFinish(c.FinishReason),
		}
	}

	model := cr.Model
	if model == "" {
		model = req.Model
	}

	usage := canon.Usage{
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
		TotalTokens:      cr.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage = EstimateUsage(req, concatChoiceText(choices))
	}

	return &canon.Response{
		ID:        cr.ID,
		Model:     model,
		Provider:  d.ProviderName,
		Choices:   choices,
		Usage:     usage,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

func concatChoiceText(choices []canon.Choice) string {
	var sb strings.Builder
	for _, c := range choices {
		sb.WriteString(c.Message.Content)
	}
	return sb.String()
}

// Stream performs a streaming chat/completion call, emitting canonical
// chunks in source order on the returned channel. The channel is closed
// when the stream ends, whether by completion or by error.
func (d *Dialect) Stream(ctx context.Context, req *canon.Request, path string) (<-chan canon.Chunk, error) {
	body, err := json.Marshal(d.buildRequest(req, true))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, d.ProviderName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, d.ProviderName, err)
	}
	d.setAuth(&httpReq.Header)

	resp, err := d.httpClient().Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(d.ProviderName, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, ClassifyHTTPStatus(d.ProviderName, resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}

	ch := make(chan canon.Chunk, 32)
	go d.readSSE(ctx, resp.Body, req, ch)
	return ch, nil
}

func (d *Dialect) readSSE(ctx context.Context, body io.ReadCloser, req *canon.Request, ch chan<- canon.Chunk) {
	defer close(ch)
	defer body.Close()

	reader := bufio.NewReader(body)
	id := ""
	var completionTokens int
	sawFinish := false

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				emit(ctx, ch, canon.Chunk{ID: id, Provider: d.ProviderName, Err: gatewayerr.Wrap(gatewayerr.KindProviderTransient, d.ProviderName, err)})
			} else if !sawFinish {
				emit(ctx, ch, canon.Chunk{ID: id, Provider: d.ProviderName, Model: req.Model, FinishReason: canon.FinishError,
					Err: gatewayerr.New(gatewayerr.KindTruncatedStream, "stream ended without a finish reason")})
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var cr chatResp
		if err := json.Unmarshal([]byte(data), &cr); err != nil {
			emit(ctx, ch, canon.Chunk{ID: id, Provider: d.ProviderName, Err: gatewayerr.Wrap(gatewayerr.KindProviderTransient, d.ProviderName, err)})
			return
		}
		if cr.ID != "" {
			id = cr.ID
		}
		if len(cr.Choices) == 0 {
			continue
		}
		c := cr.Choices[0]
		completionTokens++

		finish := mapFinish(c.FinishReason)
		if finish != "" {
			sawFinish = true
		}

		chunk := canon.Chunk{
			ID:           id,
			Model:        req.Model,
			Provider:     d.ProviderName,
			Index:        c.Index,
			Delta:        canon.ChunkDelta{Content: c.Delta.Content},
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

// emit sends chunk on ch, returning false if ctx was cancelled first.
func emit(ctx context.Context, ch chan<- canon.Chunk, chunk canon.Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func classifyTransportError(providerName string, err error) *gatewayerr.Error {
	if err == nil {
		return nil
	}
	return gatewayerr.Wrap(gatewayerr.KindProviderTransient, providerName, err)
}

// ClassifyHTTPStatus turns an upstream HTTP status into the matching
// gatewayerr.Kind per the adapter error-classification contract.
func ClassifyHTTPStatus(providerName string, status int, retryAfterHeader string, body []byte) *gatewayerr.Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gatewayerr.Wrap(gatewayerr.KindAuth, providerName, fmt.Errorf("status %d: %s", status, msg))
	case status == http.StatusBadRequest:
		return gatewayerr.Wrap(gatewayerr.KindBadRequest, providerName, fmt.Errorf("status %d: %s", status, msg))
	case status == http.StatusNotFound:
		return gatewayerr.Wrap(gatewayerr.KindUnsupportedModel, providerName, fmt.Errorf("status %d: %s", status, msg))
	case status == http.StatusTooManyRequests:
		e := gatewayerr.Wrap(gatewayerr.KindRateLimited, providerName, fmt.Errorf("status %d: %s", status, msg))
		if d, ok := parseRetryAfter(retryAfterHeader); ok {
			e = e.WithRetryAfter(d)
		}
		return e
	case status >= 500:
		return gatewayerr.Wrap(gatewayerr.KindProviderTransient, providerName, fmt.Errorf("status %d: %s", status, msg))
	default:
		return gatewayerr.Wrap(gatewayerr.KindProviderTransient, providerName, fmt.Errorf("status %d: %s", status, msg))
	}
}

func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	var secs int
	if _, err := fmt.Sscanf(header, "%d", &secs); err != nil {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// EstimateUsage fills in token counts by a whitespace heuristic when the
// provider omits usage entirely.
func EstimateUsage(req *canon.Request, completion string) canon.Usage {
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(strings.Fields(m.Content))
	}
	prompt += len(strings.Fields(req.Prompt))
	comp := len(strings.Fields(completion))
	return canon.Usage{
		PromptTokens:     prompt,
		CompletionTokens: comp,
		TotalTokens:      prompt + comp,
	}
}

// EmbeddingComplete performs a non-streaming embedding call.
func (d *Dialect) EmbeddingComplete(ctx context.Context, req *canon.Request, path string) (*canon.Response, error) {
	type embedReq struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}
	type embedItem struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	}
	type embedResp struct {
		Model string      `json:"model"`
		Data  []embedItem `json:"data"`
		Usage chatUsage   `json:"usage"`
	}

	body, err := json.Marshal(embedReq{Model: d.ResolveModel(req.Model), Input: req.Input})
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, d.ProviderName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInternal, d.ProviderName, err)
	}
	d.setAuth(&httpReq.Header)

	start := time.Now()
	resp, err := d.httpClient().Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(d.ProviderName, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTPStatus(d.ProviderName, resp.StatusCode, resp.Header.Get("Retry-After"), raw)
	}

	var er embedResp
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindProviderTransient, d.ProviderName, err)
	}

	vectors := make([][]float64, len(er.Data))
	for _, item := range er.Data {
		if item.Index < len(vectors) {
			vectors[item.Index] = item.Embedding
		}
	}

	return &canon.Response{
		Model:      er.Model,
		Provider:   d.ProviderName,
		Embeddings: vectors,
		Usage: canon.Usage{
			PromptTokens: er.Usage.PromptTokens,
			TotalTokens:  er.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// HealthCheck performs a cheap GET against path (typically a models listing).
func (d *Dialect) HealthCheck(ctx context.Context, path string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.BaseURL+path, nil)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInternal, d.ProviderName, err)
	}
	d.setAuth(&httpReq.Header)

	resp, err := d.httpClient().Do(httpReq)
	if err != nil {
		return classifyTransportError(d.ProviderName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return gatewayerr.New(gatewayerr.KindProviderTransient, fmt.Sprintf("health check status %d", resp.StatusCode))
	}
	return nil
}
