package gateway

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelhq/llm-gateway/internal/auth"
)

// handleHealth is a cheap liveness probe: it never calls upstream
// providers, only reports the health monitor's current passive/active
// view of each one.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := make([]map[string]any, 0, len(g.providers))
	for _, p := range g.providers {
		stats := g.health.Snapshot(p.Name())
		providers = append(providers, map[string]any{
			"provider":       p.Name(),
			"healthy":        g.health.IsHealthy(p.Name()),
			"success_ema":    stats.SuccessEMA,
			"latency_ema_ms": stats.LatencyEMAMs,
			"in_flight":      stats.InFlight,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "providers": providers})
}

// handleMetricsJSON serves the JSON snapshot the specification names for
// GET /metrics.
func (g *Gateway) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.metrics.Snapshot())
}

// handleMetricsPrometheus is an added route (not a redefinition of the
// spec's /metrics) exposing the same counters in Prometheus exposition
// format, scraped against the registry's own dedicated prometheus.Registry.
func (g *Gateway) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(g.metrics.Registerer(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// handleCircuitBreakers serves a JSON snapshot of every breaker this
// registry has created so far.
func (g *Gateway) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	states := g.breakers.States()
	out := make(map[string]string, len(states))
	for name, s := range states {
		out[name] = s.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{"breakers": out})
}

// handleUsage is retained from the teacher as a non-spec introspection
// route backed by internal/billing.
func (g *Gateway) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, 401, "unauthorized")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30)
	to := now
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, 400, "invalid 'from' date format (use RFC3339)")
			return
		}
		from = parsed
	}
	if v := r.URL.Query().Get("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, 400, "invalid 'to' date format (use RFC3339)")
			return
		}
		to = parsed
	}

	logs, err := g.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	totalCost, err := g.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}
	byProvider, err := g.billing.GetCostByProvider(ctx, tenantID, from, to)
	if err != nil {
		writeError(w, 500, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":      tenantID,
		"total_requests": len(logs),
		"total_cost_usd": totalCost,
		"by_provider":    byProvider,
		"logs":           logs,
		"from":           from,
		"to":             to,
	})
}
