package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kestrelhq/llm-gateway/internal/auth"
	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/driver"
	"github.com/kestrelhq/llm-gateway/internal/gatewayerr"
	"github.com/kestrelhq/llm-gateway/internal/provider"
)

func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	g.dispatchChatLike(w, r, canon.KindChat, provider.CapChat, provider.CapChatStream)
}

func (g *Gateway) handleCompletion(w http.ResponseWriter, r *http.Request) {
	g.dispatchChatLike(w, r, canon.KindCompletion, provider.CapCompletion, provider.CapCompletion)
}

// dispatchChatLike decodes the shared chat/completion wire body, applies
// auth and rate limiting, and routes to the streaming or cached
// non-streaming path. streamCap is used instead of cap when the request
// asks to stream; plain completions have no distinct streaming capability.
func (g *Gateway) dispatchChatLike(w http.ResponseWriter, r *http.Request, kind canon.Kind, cap, streamCap provider.Capability) {
	var body chatRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	req := body.toCanon(kind)
	if err := req.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}

	tenantID, requestID, ok := g.authorize(w, r, req)
	if !ok {
		return
	}

	if req.Streaming {
		g.streamChat(w, r, req, streamCap, tenantID, requestID)
		return
	}
	g.completeChat(w, r, req, cap, tenantID, requestID)
}

// authorize extracts the tenant/request IDs the auth middleware attached
// to the context, stamps them onto req, and enforces the per-tenant token
// budget. It writes an error response and returns ok=false on failure.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, req *canon.Request) (tenantID, requestID string, ok bool) {
	ctx := r.Context()
	tenantID = auth.GetTenantID(ctx)
	if tenantID == "" {
		writeError(w, 401, "unauthorized")
		return "", "", false
	}
	requestID = auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	req.TenantID = tenantID
	req.RequestID = requestID

	if g.tracer != nil {
		_, span := g.tracer.Start(ctx, "gateway.dispatch")
		defer span.End()
		span.SetAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("request_id", requestID),
			attribute.String("model", req.Model),
		)
	}

	if g.limiter != nil {
		estimated := req.MaxTokens
		if estimated <= 0 {
			estimated = 1000
		}
		allowed, err := g.limiter.AllowWithLimit(ctx, tenantID, estimated, auth.GetRateLimit(ctx))
		if err != nil || !allowed {
			w.Header().Set("Retry-After", "60")
			writeError(w, 429, "rate limit exceeded")
			return "", "", false
		}
	}
	return tenantID, requestID, true
}

// chatCall builds the driver.Call that dispatches req to a candidate
// provider via the operation matching req.Kind.
func chatCall(req *canon.Request) driver.Call[*canon.Response] {
	if req.Kind == canon.KindCompletion {
		return func(ctx context.Context, p provider.Provider) (*canon.Response, error) {
			return p.Completion(ctx, req)
		}
	}
	return func(ctx context.Context, p provider.Provider) (*canon.Response, error) {
		return p.Chat(ctx, req)
	}
}

func chatStreamCall(req *canon.Request) driver.StreamCall {
	if req.Kind == canon.KindCompletion {
		return func(ctx context.Context, p provider.Provider) (<-chan canon.Chunk, error) {
			return p.CompletionStream(ctx, req)
		}
	}
	return func(ctx context.Context, p provider.Provider) (<-chan canon.Chunk, error) {
		return p.ChatStream(ctx, req)
	}
}

func (g *Gateway) completeChat(w http.ResponseWriter, r *http.Request, req *canon.Request, cap provider.Capability, tenantID, requestID string) {
	ctx := r.Context()
	call := chatCall(req)
	start := time.Now()

	upstream := func(leaderCtx context.Context) (*canon.Response, error) {
		return driver.Execute(leaderCtx, g.drv, req, cap, call)
	}

	var resp *canon.Response
	var err error
	if g.cache != nil {
		resp, err = g.cache.Get(ctx, req, upstream)
	} else {
		resp, err = upstream(ctx)
	}

	if err != nil {
		g.writeDriverError(w, err)
		return
	}
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	if resp.LatencyMs == 0 {
		resp.LatencyMs = time.Since(start).Milliseconds()
	}

	g.logUsage(tenantID, requestID, resp.Provider, resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, time.Since(start))
	writeJSON(w, http.StatusOK, chatCompletionResponse(resp))
}

func (g *Gateway) streamChat(w http.ResponseWriter, r *http.Request, req *canon.Request, cap provider.Capability, tenantID, requestID string) {
	ctx := r.Context()
	start := time.Now()
	ch, err := driver.ExecuteStream(ctx, g.drv, req, cap, chatStreamCall(req))
	if err != nil {
		g.writeDriverError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	var providerName string
	var usage canon.Usage
	for chunk := range ch {
		if providerName == "" {
			providerName = chunk.Provider
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.Err != nil {
			g.log.Error().Err(chunk.Err).Str("provider", providerName).Msg("stream chunk failed")
			fmt.Fprintf(w, "event: error\ndata: {\"error\":%q}\n\n", chunk.Err.Error())
			flusher.Flush()
			break
		}
		payload := map[string]any{
			"id":       chunk.ID,
			"model":    chunk.Model,
			"provider": chunk.Provider,
			"choices": []map[string]any{{
				"index": chunk.Index,
				"delta": map[string]string{
					"role":    string(chunk.Delta.Role),
					"content": chunk.Delta.Content,
				},
				"finish_reason": nilIfEmpty(string(chunk.FinishReason)),
			}},
		}
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		if chunk.Done() {
			break
		}
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()

	g.logUsage(tenantID, requestID, providerName, req.Model, usage.PromptTokens, usage.CompletionTokens, time.Since(start))
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// writeDriverError maps a gatewayerr.Error (or an unclassified error) onto
// the HTTP status the specification's taxonomy names.
func (g *Gateway) writeDriverError(w http.ResponseWriter, err error) {
	kind := gatewayerr.KindOf(err)
	status := gatewayerr.HTTPStatus(kind)
	if kind == gatewayerr.KindRateLimited {
		w.Header().Set("Retry-After", "30")
	}
	g.log.Error().Err(err).Str("kind", string(kind)).Msg("request failed")
	msg := err.Error()
	if !strings.Contains(msg, string(kind)) {
		msg = fmt.Sprintf("%s: %s", kind, msg)
	}
	writeError(w, status, msg)
}
