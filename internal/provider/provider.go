// Package provider defines the adapter contract every upstream model
// provider implements. Adapters are the only place provider-native wire
// formats live; everything above this package speaks canon.Request and
// canon.Response.
package provider

import (
	"context"
	"fmt"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
)

// Capability names an operation a provider can perform.
type Capability string

const (
	CapChat       Capability = "chat"
	CapChatStream Capability = "chat_stream"
	CapCompletion Capability = "completion"
	CapEmbedding  Capability = "embedding"
	CapImage      Capability = "image"
	CapAudio      Capability = "audio"
	CapToolCalls  Capability = "tool_calls"
)

// Provider is the uniform interface every adapter implements. Operations a
// provider does not support must be absent from Capabilities(); the driver
// never calls an operation outside that set.
type Provider interface {
	// Name is the stable provider identifier used in config, breakers, and
	// metrics (e.g. "openai", "azure-eastus").
	Name() string

	// Capabilities reports which operations this provider supports.
	Capabilities() map[Capability]bool

	Chat(ctx context.Context, req *canon.Request) (*canon.Response, error)
	ChatStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error)
	Completion(ctx context.Context, req *canon.Request) (*canon.Response, error)
	CompletionStream(ctx context.Context, req *canon.Request) (<-chan canon.Chunk, error)
	Embedding(ctx context.Context, req *canon.Request) (*canon.Response, error)
	Image(ctx context.Context, req *canon.Request) (*canon.Response, error)
	Audio(ctx context.Context, req *canon.Request) (*canon.Response, error)

	// HealthCheck performs a cheap liveness probe against the provider.
	HealthCheck(ctx context.Context) error

	// CostPerInputToken and CostPerOutputToken report USD cost per token,
	// used for opportunistic cost accounting in billing logs.
	CostPerInputToken() float64
	CostPerOutputToken() float64
}

// Has reports whether p declares capability c.
func Has(p Provider, c Capability) bool {
	caps := p.Capabilities()
	return caps != nil && caps[c]
}

// ErrUnsupported builds the standard error returned by an adapter method for
// a capability it declares absent.
func ErrUnsupported(providerName string, c Capability) *gatewayerr.Error {
	return gatewayerr.New(gatewayerr.KindUnsupportedFeature, fmt.Sprintf("%s does not support %s", providerName, c))
}
