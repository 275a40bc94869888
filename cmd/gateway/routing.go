package main

import (
	"github.com/kestrelhq/llm-gateway/config"
	"github.com/kestrelhq/llm-gateway/internal/router"
)

// buildRouterConfig translates the flat routing section of the structured
// config into the router package's strategy-specific shape.
func buildRouterConfig(rc config.Routing) (router.Config, error) {
	cfg := router.Config{
		Strategy:        router.Strategy(rc.Strategy),
		Weights:         rc.Weights,
		Order:           rc.Order,
		DefaultProvider: rc.DefaultProvider,
		Splits:          rc.Splits,
	}
	for _, rule := range rc.Rules {
		cfg.Rules = append(cfg.Rules, router.Rule{
			Predicate: router.Predicate{
				ModelPrefix: rule.ModelPrefix,
				MinTokens:   rule.MinTokens,
				MaxTokens:   rule.MaxTokens,
				Hint:        rule.Hint,
			},
			Provider: rule.Provider,
		})
	}
	if err := cfg.Validate(); err != nil {
		return router.Config{}, err
	}
	return cfg, nil
}
