package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelhq/llm-gateway/config"
	"github.com/kestrelhq/llm-gateway/internal/breaker"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/internal/provider/anthropic"
	"github.com/kestrelhq/llm-gateway/internal/provider/azure"
	"github.com/kestrelhq/llm-gateway/internal/provider/cohere"
	"github.com/kestrelhq/llm-gateway/internal/provider/generic"
	"github.com/kestrelhq/llm-gateway/internal/provider/groq"
	"github.com/kestrelhq/llm-gateway/internal/provider/mistral"
	"github.com/kestrelhq/llm-gateway/internal/provider/ollama"
	"github.com/kestrelhq/llm-gateway/internal/provider/openai"
	"github.com/kestrelhq/llm-gateway/internal/provider/perplexity"
	"github.com/kestrelhq/llm-gateway/internal/provider/together"
	"github.com/kestrelhq/llm-gateway/internal/provider/vertex"
)

// breakerConfigFor translates a provider descriptor's TOML-parsed Breaker
// section into a breaker.Config, falling back to def for any zero-valued
// field so an operator can override just one knob (e.g. failure_threshold)
// without having to restate the rest. RequestTimeout falls back further to
// the provider's own Timeout, since a provider with no explicit breaker
// request_timeout shouldn't be left unbounded.
func breakerConfigFor(desc config.ProviderDescriptor, def breaker.Config) breaker.Config {
	cfg := def
	if desc.Breaker.FailureThreshold > 0 {
		cfg.FailureThreshold = uint32(desc.Breaker.FailureThreshold)
	}
	if desc.Breaker.RecoveryTimeout > 0 {
		cfg.RecoveryTimeout = desc.Breaker.RecoveryTimeout
	}
	if desc.Breaker.HalfOpenMaxCalls > 0 {
		cfg.HalfOpenMaxCalls = uint32(desc.Breaker.HalfOpenMaxCalls)
	}
	switch {
	case desc.Breaker.RequestTimeout > 0:
		cfg.RequestTimeout = desc.Breaker.RequestTimeout
	case desc.Timeout > 0:
		cfg.RequestTimeout = desc.Timeout
	}
	return cfg
}

// buildProvider instantiates the adapter matching desc.Dialect, giving
// every adapter its own *http.Client sized from the provider's configured
// timeout so a slow upstream cannot starve connections meant for others.
func buildProvider(name string, desc config.ProviderDescriptor) (provider.Provider, error) {
	timeout := desc.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 16,
		},
	}

	switch desc.Dialect {
	case "openai":
		return openai.New(openai.Config{
			Name: name, APIKey: desc.APIKey, BaseURL: desc.BaseURL,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "azure":
		return azure.New(azure.Config{
			Name: name, APIKey: desc.APIKey, ResourceName: desc.ResourceName, APIVersion: desc.APIVersion,
			DeploymentMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "anthropic":
		return anthropic.New(anthropic.Config{
			Name: name, APIKey: desc.APIKey, BaseURL: desc.BaseURL,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "vertex":
		return vertex.New(vertex.Config{
			Name: name, APIKey: desc.APIKey, BaseURL: desc.BaseURL,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "cohere":
		return cohere.New(cohere.Config{
			Name: name, APIKey: desc.APIKey, BaseURL: desc.BaseURL,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "groq":
		return groq.New(groq.Config{
			Name: name, APIKey: desc.APIKey, BaseURL: desc.BaseURL,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "mistral":
		return mistral.New(mistral.Config{
			Name: name, APIKey: desc.APIKey, BaseURL: desc.BaseURL,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "perplexity":
		return perplexity.New(perplexity.Config{
			Name: name, APIKey: desc.APIKey, BaseURL: desc.BaseURL,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "together":
		return together.New(together.Config{
			Name: name, APIKey: desc.APIKey, BaseURL: desc.BaseURL,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "ollama":
		return ollama.New(ollama.Config{
			Name: name, BaseURL: desc.BaseURL,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	case "generic":
		auth := generic.AuthBearer
		if desc.APIKey == "" {
			auth = generic.AuthNone
		}
		return generic.New(generic.Config{
			Name: name, BaseURL: desc.BaseURL, APIKey: desc.APIKey, Auth: auth,
			ModelMap: desc.Models, Client: client,
			InputCost: desc.InputCostPerToken, OutputCost: desc.OutputCostPerToken,
		}), nil
	default:
		return nil, fmt.Errorf("provider %q: unknown dialect %q", name, desc.Dialect)
	}
}

// modelsFor lists the logical model names desc advertises, for the
// GET /v1/models union.
func modelsFor(desc config.ProviderDescriptor) []string {
	models := make([]string, 0, len(desc.Models))
	for logical := range desc.Models {
		models = append(models, logical)
	}
	return models
}
