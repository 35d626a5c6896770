package domain

import "encoding/json"

// ChatRequest is the inbound request body. Messages are treated as an opaque
// payload: the gateway routes and retries, it does not interpret prompts.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       json.RawMessage `json:"messages"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Plugins        []Plugin        `json:"plugins,omitempty"`

	// Topic and Domain feed the granularity classifier. They describe what
	// the prompt is about, not the prompt itself.
	Topic  string `json:"topic,omitempty"`
	Domain string `json:"domain,omitempty"`

	// EnrichmentOnly marks auxiliary data-fetch calls that must never count
	// against the caller's daily free allowance.
	EnrichmentOnly bool `json:"enrichment_only,omitempty"`
}

// Plugin is an upstream capability directive attached to a call, e.g. the web
// search plugin produced by the granularity classifier.
type Plugin struct {
	ID           string `json:"id"`
	MaxResults   int    `json:"max_results,omitempty"`
	SearchPrompt string `json:"search_prompt,omitempty"`
}

// UpstreamRequest is the single JSON document sent to the provider.
type UpstreamRequest struct {
	Model          string          `json:"model"`
	Messages       json.RawMessage `json:"messages"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
	Plugins        []Plugin        `json:"plugins,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	Gateway *Gateway `json:"x_gateway,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Gateway carries per-request metadata the gateway appends to responses.
type Gateway struct {
	Model     string `json:"model"`
	Fallback  bool   `json:"fallback,omitempty"`
	Enriched  bool   `json:"enriched,omitempty"`
	Attempts  int    `json:"attempts"`
	LatencyMs int64  `json:"latency_ms"`
	RequestID string `json:"request_id"`
}

// ErrorResponse is the wire shape for every gateway-originated error.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// Error codes surfaced to callers. Clients branch on these.
const (
	CodeFreeTierExhausted = "FREE_TIER_EXHAUSTED"
	CodeAllModelsFailed   = "ALL_MODELS_FAILED"
	CodePremiumModel      = "PREMIUM_MODEL"
	CodeRateLimited       = "RATE_LIMITED"
)
