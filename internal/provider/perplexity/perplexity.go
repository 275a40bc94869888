// Package perplexity adapts Perplexity's OpenAI-compatible chat API to the
// gateway's canonical provider contract. Perplexity only supports chat.
package perplexity

import (
	"context"
	"net/http"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/provider/openaicompat"
)

const defaultBaseURL = "https://api.perplexity.ai"

// Config configures a Perplexity adapter instance.
type Config struct {
	Name       string // defaults to "perplexity"
	APIKey     string
	BaseURL    string
	ModelMap   map[string]string
	Client     *http.Client
	InputCost  float64
	OutputCost float64
}

// Adapter implements provider.Provider for Perplexity.
type Adapter struct {
	dialect    *openaicompat.Dialect
	name       string
	inputCost  float64
	outputCost float64
}

func New(cfg Config) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "perplexity"
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
	}
}

func (a *Adapter) Chat(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return a.dialect.Complete(ctx, req, "/chat/completions")
}

func (a *Adapter) ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return a.dialect.Stream(ctx, req, "/chat/completions")
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
	return a.dialect.HealthCheck(ctx, "/chat/completions")
}

func (a *Adapter) CostPerInputToken() float64  { return a.inputCost }
func (a *Adapter) CostPerOutputToken() float64 { return a.outputCost }
