// Package together adapts Together AI's OpenAI-compatible API to the
// gateway's canonical provider contract.
package together

import (
	"context"
	"net/http"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/provider/openaicompat"
)

const defaultBaseURL = "https://api.together.xyz/v1"

// Config configures a Together adapter instance.
type Config struct {
	Name       string // defaults to "together"
	APIKey     string
	BaseURL    string
	ModelMap   map[string]string
	Client     *http.Client
	InputCost  float64
	OutputCost float64
}

// Adapter implements provider.Provider for Together AI.
type Adapter struct {
	dialect    *openaicompat.Dialect
	name       string
	inputCost  float64
	outputCost float64
}

func New(cfg Config) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "together"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{
		name: name,
		dialect: &openaicompat.Dialect{
			ProviderName: name,
			BaseURL:      baseURL,
			APIKey:       cfg.APIKey,
			AuthStyle:    openaicompat.AuthBearer,
			ModelMap:     cfg.ModelMap,
			Client:       cfg.Client,
		},
		inputCost:  cfg.InputCost,
		outputCost: cfg.OutputCost,
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() map[provider.Capability]bool {
	return map[provider.Capability]bool{
		provider.CapChat:       true,
		provider.CapChatStream: true,
		provider.CapCompletion: true,
		provider.CapEmbedding:  true,
	}
}

func (a *Adapter) Chat(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return a.dialect.Complete(ctx, req, "/chat/completions")
}

func (a *Adapter) ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return a.dialect.Stream(ctx, req, "/chat/completions")
}

func (a *Adapter) Completion(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return a.dialect.Complete(ctx, req, "/chat/completions")
}

func (a *Adapter) CompletionStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return a.dialect.Stream(ctx, req, "/chat/completions")
}

func (a *Adapter) Embedding(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return a.dialect.EmbeddingComplete(ctx, req, "/embeddings")
}

func (a *Adapter) Image(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapImage)
}

func (a *Adapter) Audio(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapAudio)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.dialect.HealthCheck(ctx, "/models")
}

func (a *Adapter) CostPerInputToken() float64  { return a.inputCost }
func (a *Adapter) CostPerOutputToken() float64 { return a.outputCost }
