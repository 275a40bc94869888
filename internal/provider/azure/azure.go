// Package azure adapts Azure OpenAI deployments to the gateway's canonical
// provider contract. Azure speaks the same chat-completions wire format as
// OpenAI but routes by deployment name and authenticates via api-key header.
package azure

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/provider/openaicompat"
)

// Config configures an Azure OpenAI adapter instance.
type Config struct {
	Name           string // defaults to "azure"
	APIKey         string
	ResourceName   string // e.g. "my-resource" -> https://my-resource.openai.azure.com
	APIVersion     string // e.g. "2024-06-01"
	DeploymentMap  map[string]string
	Client         *http.Client
	InputCost      float64
	OutputCost     float64
}

// Adapter implements provider.Provider for Azure OpenAI.
type Adapter struct {
	dialect    *openaicompat.Dialect
	name       string
	apiVersion string
	inputCost  float64
	outputCost float64
}

func New(cfg Config) *Adapter {
	name := cfg.Name
	if name == "" {
		name = "azure"
	}
	baseURL := fmt.Sprintf("https://%s.openai.azure.com/openai/deployments", cfg.ResourceName)
	return &Adapter{
		name:       name,
		apiVersion: cfg.APIVersion,
		dialect: &openaicompat.Dialect{
			ProviderName: name,
			BaseURL:      baseURL,
			APIKey:       cfg.APIKey,
			AuthStyle:    openaicompat.AuthAPIKeyHeader,
			APIKeyHeader: "api-key",
			ModelMap:     cfg.DeploymentMap,
			Client:       cfg.Client,
		},
		inputCost:  cfg.InputCost,
		outputCost: cfg.OutputCost,
	}
}

func (a *Adapter) path(deployment, op string) string {
	return fmt.Sprintf("/%s/%s?api-version=%s", deployment, op, a.apiVersion)
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
	return a.dialect.Complete(ctx, req, a.path(a.dialect.ResolveModel(req.Model), "chat/completions"))
}

func (a *Adapter) ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return a.dialect.Stream(ctx, req, a.path(a.dialect.ResolveModel(req.Model), "chat/completions"))
}

func (a *Adapter) Completion(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return a.dialect.Complete(ctx, req, a.path(a.dialect.ResolveModel(req.Model), "chat/completions"))
}

func (a *Adapter) CompletionStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error) {
	return a.dialect.Stream(ctx, req, a.path(a.dialect.ResolveModel(req.Model), "chat/completions"))
}

func (a *Adapter) Embedding(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return a.dialect.EmbeddingComplete(ctx, req, a.path(a.dialect.ResolveModel(req.Model), "embeddings"))
}

func (a *Adapter) Image(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapImage)
}

func (a *Adapter) Audio(ctx context.Context, req *canon.Request) (*canon.Response, error) {
	return nil, provider.ErrUnsupported(a.name, provider.CapAudio)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	return a.dialect.HealthCheck(ctx, fmt.Sprintf("/models?api-version=%s", a.apiVersion))
}

func (a *Adapter) CostPerInputToken() float64  { return a.inputCost }
func (a *Adapter) CostPerOutputToken() float64 { return a.outputCost }
