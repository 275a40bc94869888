// Package gateway hosts the chi HTTP handlers binding every route the
// gateway exposes to the router, failover driver, response cache, and
// supporting telemetry. It replaces the teacher's narrower internal/proxy,
// which spoke a single hand-rolled request/response shape and routed
// directly against a map of breakers with no retry or cache policy.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/kestrelhq/llm-gateway/internal/auth"
	"github.com/kestrelhq/llm-gateway/internal/billing"
	"github.com/kestrelhq/llm-gateway/internal/breaker"
	"github.com/kestrelhq/llm-gateway/internal/cache"
	"github.com/kestrelhq/llm-gateway/internal/driver"
	"github.com/kestrelhq/llm-gateway/internal/health"
	"github.com/kestrelhq/llm-gateway/internal/metrics"
	"github.com/kestrelhq/llm-gateway/internal/provider"
	"github.com/kestrelhq/llm-gateway/pkg/ratelimit"
)

// ModelInfo names one model a configured provider serves, for GET /v1/models.
type ModelInfo struct {
	Provider string
	Model    string
}

// Deps wires every collaborator the gateway dispatches requests through.
type Deps struct {
	Driver    *driver.Driver
	Cache     *cache.Cache // nil disables response caching entirely
	Metrics   *metrics.Registry
	Breakers  *breaker.Registry
	Health    *health.Monitor
	Billing   billing.Store
	Limiter   *ratelimit.Limiter
	Providers []provider.Provider
	Models    []ModelInfo
	Tracer    trace.Tracer
	Logger    zerolog.Logger

	MaxBodySize int64 // 0 disables the body-size cap
}

// Gateway binds Deps to the HTTP surface.
type Gateway struct {
	drv      *driver.Driver
	cache    *cache.Cache
	metrics  *metrics.Registry
	breakers *breaker.Registry
	health   *health.Monitor
	billing  billing.Store
	limiter  *ratelimit.Limiter

	providers []provider.Provider
	byName    map[string]provider.Provider
	models    []ModelInfo

	tracer      trace.Tracer
	log         zerolog.Logger
	maxBodySize int64
}

// New builds a Gateway from its dependencies.
func New(d Deps) *Gateway {
	byName := make(map[string]provider.Provider, len(d.Providers))
	for _, p := range d.Providers {
		byName[p.Name()] = p
	}
	if d.Metrics != nil {
		if d.Driver != nil {
			d.Driver.SetRequestHook(d.Metrics.RecordRequest)
		}
		if d.Cache != nil {
			d.Cache.SetMetricsHooks(d.Metrics.RecordCacheHit, d.Metrics.RecordCacheMiss)
		}
	}
	return &Gateway{
		drv:         d.Driver,
		cache:       d.Cache,
		metrics:     d.Metrics,
		breakers:    d.Breakers,
		health:      d.Health,
		billing:     d.Billing,
		limiter:     d.Limiter,
		providers:   d.Providers,
		byName:      byName,
		models:      d.Models,
		tracer:      d.Tracer,
		log:         d.Logger,
		maxBodySize: d.MaxBodySize,
	}
}

// Routes builds the chi router for every external route the specification
// names, plus the added /metrics/prometheus endpoint. authMW gates every
// /v1/* route; /health, /metrics, and /metrics/prometheus stay open so a
// load balancer or scraper never needs a tenant key.
func (g *Gateway) Routes(authMW auth.Middleware) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if g.maxBodySize > 0 {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				req.Body = http.MaxBytesReader(w, req.Body, g.maxBodySize)
				next.ServeHTTP(w, req)
			})
		})
	}

	r.Get("/health", g.handleHealth)
	r.Get("/metrics", g.handleMetricsJSON)
	r.Get("/metrics/prometheus", g.handleMetricsPrometheus)

	r.Group(func(pr chi.Router) {
		pr.Use(authMW)
		pr.Post("/v1/chat/completions", g.handleChat)
		pr.Post("/v1/completions", g.handleCompletion)
		pr.Post("/v1/embeddings", g.handleEmbedding)
		pr.Post("/v1/images/generations", g.handleImage)
		pr.Post("/v1/audio/transcriptions", g.handleAudio)
		pr.Get("/v1/models", g.handleModels)
		pr.Get("/v1/usage", g.handleUsage)
		pr.Get("/admin/circuit-breakers", g.handleCircuitBreakers)
	})

	return r
}

// providerCost returns the per-token input/output cost the billing log
// records for a completed call, falling back to zero for an unknown name.
func (g *Gateway) providerCost(name string) (in, out float64) {
	if p, ok := g.byName[name]; ok {
		return p.CostPerInputToken(), p.CostPerOutputToken()
	}
	return 0, 0
}

func (g *Gateway) logUsage(tenantID, requestID, providerName, model string, inTok, outTok int, latency time.Duration) {
	if g.billing == nil {
		return
	}
	in, out := g.providerCost(providerName)
	go func() {
		err := g.billing.LogUsage(context.Background(), &billing.UsageLog{
			TenantID:     tenantID,
			RequestID:    requestID,
			Provider:     providerName,
			Model:        model,
			InputTokens:  inTok,
			OutputTokens: outTok,
			CostUSD:      float64(inTok)*in + float64(outTok)*out,
			LatencyMs:    latency.Milliseconds(),
		})
		if err != nil {
			g.log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to log usage")
		}
	}()
}
