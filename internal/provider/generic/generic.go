// Package generic adapts an arbitrary OpenAI-wire-compatible endpoint to
// the gateway's canonical provider contract, for self-hosted or unlisted
// deployments that speak the same dialect as OpenAI but live at a custom
// base URL and auth scheme.
package generic

import (
	"context"
	"net/http"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/provider/openaicompat"
)

// AuthType selects how credentials are attached to requests.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthBearer
	AuthAPIKeyHeader
)

// Config configures a generic passthrough adapter instance.
type Config struct {
	Name           string
	BaseURL        string
	APIKey         string
	Auth           AuthType
	APIKeyHeader   string
	ChatPath       string // defaults to /chat/completions
	EmbeddingPath  string // defaults to /embeddings
	ModelMap       map[string]string
	Capabilities   map[provider.Capability]bool
	Client         *http.Client
	InputCost      float64
	OutputCost     float64
}

// Adapter implements provider.Provider for a configurable OpenAI-wire
// endpoint.
type Adapter struct {
	dialect       *openaicompat.Dialect
	name          string
	chatPath      string
	embeddingPath string
	caps          map[provider.Capability]bool
	inputCost     float64
	outputCost    float64
}

func New(cfg Config) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "generic"
	}
	chatPath := cfg.ChatPath
	if chatPath == "" {
		chatPath = "/chat/completions"
	}
	embeddingPath := cfg.EmbeddingPath
	if embeddingPath == "" {
		embeddingPath = "/embeddings"
	}
	style := openaicompat.AuthBearer
	switch cfg.Auth {
	case AuthAPIKeyHeader:
		style = openaicompat.AuthAPIKeyHeader
	case AuthNone:
		style = openaicompat.AuthBearer // empty key produces a harmless empty bearer header
	}
	caps := cfg.Capabilities
	if caps == nil {
		caps = map[provider.Capability]bool{
			provider.CapChat:       true,
			provider.CapChatStream: true,
			provider.CapCompletion: true,
		}
	}
	return &Adapter{
		name:          name,
		chatPath:      chatPath,
		embeddingPath: embeddingPath,
		caps:          caps,
		dialect: &openaicompat.Dialect{
			ProviderName: name,
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			AuthStyle:    style,
			APIKeyHeader: cfg.APIKeyHeader,
			ModelMap:     cfg.ModelMap,
			Client:       cfg.Client,
		},
		inputCost:  cfg.InputCost,
		outputCost: cfg.OutputCost,
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Capabilities() map[provider.Capability]bool { return a.caps }

func (a *Adapter) Chat(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	if !provider.Has(a, provider.CapChat) {
		return nil, provider.ErrUnsupported(a.name, provider.CapChat)
	}
	return a.dialect.Complete(ctx, req, a.chatPath)
}

func (a *Adapter) ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	if !provider.Has(a, provider.CapChatStream) {
		return nil, provider.ErrUnsupported(a.name, provider.CapChatStream)
	}
	return a.dialect.Stream(ctx, req, a.chatPath)
}

func (a *Adapter) Completion(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	if !provider.Has(a, provider.CapCompletion) {
		return nil, provider.ErrUnsupported(a.name, provider.CapCompletion)
	}
	return a.dialect.Complete(ctx, req, a.chatPath)
}

func (a *Adapter) CompletionStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	if !provider.Has(a, provider.CapCompletion) {
		return nil, provider.ErrUnsupported(a.name, provider.CapCompletion)
	}
	return a.dialect.Stream(ctx, req, a.chatPath)
}

func (a *Adapter) Embedding(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	if !provider.Has(a, provider.CapEmbedding) {
		return nil, provider.ErrUnsupported(a.name, provider.CapEmbedding)
	}
	return a.dialect.EmbeddingComplete(ctx, req, a.embeddingPath)
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
