package gateway

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/kestrelhq/llm-gateway/internal/canon"
	"github.com/kestrelhq/llm-gateway/internal/driver"
	"github.com/kestrelhq/llm-gateway/internal/provider"
)

// handleImage never consults the cache: image generation is excluded from
// caching by the specification (non-deterministic, large payloads).
func (g *Gateway) handleImage(w http.ResponseWriter, r *http.Request) {
	var body imageRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}
	req := &canon.Request{
		Kind:        canon.KindImageGen,
		Model:       body.Model,
		ImagePrompt: body.Prompt,
		ImageCount:  body.N,
		ImageSize:   body.Size,
	}
	if err := req.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}

	tenantID, requestID, ok := g.authorize(w, r, req)
	if !ok {
		return
	}

	start := time.Now()
	call := func(ctx context.Context, p provider.Provider) (*canon.Response, error) {
		return p.Image(ctx, req)
	}
	resp, err := driver.Execute(r.Context(), g.drv, req, provider.CapImage, call)
	if err != nil {
		g.writeDriverError(w, err)
		return
	}

	g.logUsage(tenantID, requestID, resp.Provider, resp.Model, 0, 0, time.Since(start))

	urls := make([]map[string]string, 0, len(resp.ImageURLs))
	for _, u := range resp.ImageURLs {
		urls = append(urls, map[string]string{"url": u})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"created":  time.Now().Unix(),
		"provider": resp.Provider,
		"data":     urls,
	})
}

// handleAudio accepts a multipart/form-data body with a "file" part and a
// "model" field, mirroring OpenAI's audio transcription upload shape.
// Like image generation it is never cached.
func (g *Gateway) handleAudio(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(25 << 20); err != nil {
		writeError(w, 400, "invalid multipart body: "+err.Error())
		return
	}
	model := r.FormValue("model")
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, 400, "missing audio file field")
		return
	}
	defer file.Close()

	audioBytes, err := readAll(file)
	if err != nil {
		writeError(w, 400, "failed to read audio file: "+err.Error())
		return
	}

	req := &canon.Request{
		Kind:       canon.KindAudioTranscription,
		Model:      model,
		AudioBytes: audioBytes,
		AudioName:  header.Filename,
	}
	if err := req.Validate(); err != nil {
		writeError(w, 400, err.Error())
		return
	}

	tenantID, requestID, ok := g.authorize(w, r, req)
	if !ok {
		return
	}

	start := time.Now()
	call := func(ctx context.Context, p provider.Provider) (*canon.Response, error) {
		return p.Audio(ctx, req)
	}
	resp, err := driver.Execute(r.Context(), g.drv, req, provider.CapAudio, call)
	if err != nil {
		g.writeDriverError(w, err)
		return
	}

	g.logUsage(tenantID, requestID, resp.Provider, resp.Model, 0, 0, time.Since(start))
	writeJSON(w, http.StatusOK, map[string]any{"text": resp.Text, "provider": resp.Provider})
}

func readAll(r multipart.File) ([]byte, error) {
	return io.ReadAll(r)
}
