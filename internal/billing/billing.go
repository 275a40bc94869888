package billing

import (
	"context"
	"time"
)

type UsageLog struct {
	ID           string
	TenantID     string
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMs    int64
	CreatedAt    time.Time
}

// ProviderCost is one provider's share of a tenant's spend over a window.
type ProviderCost struct {
	Provider     string  `json:"provider"`
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)

	// GetCostByProvider breaks a tenant's spend for [from, to) down by
	// provider, so a tenant juggling several upstream providers (the
	// gateway's whole reason to exist) can see where cost concentrates.
	GetCostByProvider(ctx context.Context, tenantID string, from, to time.Time) ([]ProviderCost, error)
}
