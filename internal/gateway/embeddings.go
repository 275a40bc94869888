package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/driver"
	"github.com/kestrelhq/llm-gateway/internal/provider"
)

func (g *Gateway) handleEmbedding(w http.ResponseWriter, r *http.Request) {
	var body embeddingRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	req := &canon.Request{Kind: canon.KindEmbedding, Model: body.Model, Input: body.Input}
	if err := req.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}

	tenantID, requestID, ok := g.authorize(w, r, req)
	if !ok {
		return
	}

	ctx := r.Context()
	start := time.Now()
	call := func(ctx context.Context, p provider.Provider) (*canon.Response, error) {
		return p.Embedding(ctx, req)
	}
	upstream := func(leaderCtx context.Context) (*canon.Response, error) {
		return driver.Execute(leaderCtx, g.drv, req, provider.CapEmbedding, call)
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

	g.logUsage(tenantID, requestID, resp.Provider, resp.Model, resp.Usage.PromptTokens, 0, time.Since(start))

	data := make([]map[string]any, 0, len(resp.Embeddings))
	for i, vec := range resp.Embeddings {
		data = append(data, map[string]any{"index": i, "embedding": vec, "object": "embedding"})
	}
	id := resp.ID
	if id == "" {
		id = uuid.New().String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"object":   "list",
		"model":    resp.Model,
		"provider": resp.Provider,
		"data":     data,
		"usage":    map[string]int{"prompt_tokens": resp.Usage.PromptTokens, "total_tokens": resp.Usage.TotalTokens},
	})
}
