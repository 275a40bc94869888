package canon

import "time"

// FinishReason explains why a choice stopped generating.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishContentFilter FinishReason = "content-filter"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishError         FinishReason = "error"
)

// Usage reports token accounting for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one generated candidate within a Response.
type Choice struct {
	Index        int          `json:"index"`
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finish_reason"`
}

// Response is the canonical non-streaming gateway response.
type Response struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	Choices   []Choice  `json:"choices"`
	Usage     Usage     `json:"usage"`

	// Embeddings carries vector results when Kind == KindEmbedding; empty otherwise.
	Embeddings [][]float64 `json:"embeddings,omitempty"`

	// ImageURLs carries generated image references when Kind == KindImageGen.
	ImageURLs []string `json:"image_urls,omitempty"`

	// Text carries the transcript when Kind == KindAudioTranscription.
	Text string `json:"text,omitempty"`

	LatencyMs int64 `json:"latency_ms,omitempty"`
}

// ChunkDelta is the incremental content of one streaming chunk.
type ChunkDelta struct {
	Role    Role   `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Chunk is one element of a canonical streaming response. Chunks for a
// single request share ID and arrive in source order; the final chunk
// carries a non-empty FinishReason.
type Chunk struct {
	ID           string       `json:"id"`
	Model        string       `json:"model"`
	Provider     string       `json:"provider"`
	Index        int          `json:"index"`
	Delta        ChunkDelta   `json:"delta"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	Err          error        `json:"-"`
}

// Done reports whether this chunk terminates the stream, either normally
// (a finish reason was set) or because of an error.
func (c Chunk) Done() bool {
	return c.FinishReason != "" || c.Err != nil
}
