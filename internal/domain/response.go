package domain

// Message is a single chat turn passed to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token accounting from a backend, when available.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one candidate completion in a raw backend payload.
type Choice struct {
	Role         string `json:"role"`
	Content      string `json:"content"`
	Reasoning    string `json:"reasoning,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// RawResponse is the canonical shape of one backend call's output before
// it passes through the response processor. The core never inspects a
// backend's wire format; adapters translate into this shape.
type RawResponse struct {
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// StreamingChunk is one incremental fragment of a streamed backend
// response. Chunks are transient and never persisted.
type StreamingChunk struct {
	SequenceIndex int    `json:"sequence_index"`
	DeltaText     string `json:"delta_text"`
	Reasoning     string `json:"reasoning,omitempty"`
	FinishReason  string `json:"finish_reason,omitempty"`
	IsFinal       bool   `json:"is_final"`
}

// ResponseMetadata describes how a processed response was produced.
type ResponseMetadata struct {
	BackendID        string  `json:"backend_id"`
	Model            string  `json:"model,omitempty"`
	TokenCount       int     `json:"token_count"`
	Temperature      float32 `json:"temperature"`
	ProcessingTimeMs int64   `json:"processing_time_ms"`
	CacheHit         bool    `json:"cache_hit"`
	FallbackUsed     bool    `json:"fallback_used"`
	Fallback         bool    `json:"fallback"`
	Source           string  `json:"source"`
}

// ResponseMetrics carries per-request pipeline measurements.
type ResponseMetrics struct {
	ResponseTimeMs int64    `json:"response_time_ms"`
	StageCount     int      `json:"stage_count"`
	Stages         []string `json:"stages,omitempty"`
	QualityScore   float64  `json:"quality_score"`
	Errors         []string `json:"errors,omitempty"`
}

// ProcessedResponse is the vetted, user-ready result of one request.
// It is produced once by the response processor and immutable after;
// cache reads hand out copies with CacheHit stamped.
type ProcessedResponse struct {
	Content   string           `json:"content"`
	Reasoning string           `json:"reasoning,omitempty"`
	Metadata  ResponseMetadata `json:"metadata"`
	Metrics   ResponseMetrics  `json:"metrics"`
}

// Clone returns a deep copy. The stored cache entry must never be
// aliased by callers.
func (r *ProcessedResponse) Clone() *ProcessedResponse {
	cp := *r
	if r.Metrics.Stages != nil {
		cp.Metrics.Stages = append([]string(nil), r.Metrics.Stages...)
	}
	if r.Metrics.Errors != nil {
		cp.Metrics.Errors = append([]string(nil), r.Metrics.Errors...)
	}
	return &cp
}

// ChatContext is the request-scoped fingerprint the chat feature supplies
// with every message: which backend, what sampling settings, and which
// tutoring mode is active. It participates in cache key derivation.
type ChatContext struct {
	BackendID   string    `json:"backend_id"`
	Model       string    `json:"model,omitempty"`
	Temperature float32   `json:"temperature"`
	Mode        string    `json:"mode,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	History     []Message `json:"history,omitempty"`
}
