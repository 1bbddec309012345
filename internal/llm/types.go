package llm

import (
	"context"

	"github.com/youruser/patchwork/internal/types"
)

// Generator is a single-shot, non-streaming model call.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Request is one model invocation.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int // 0 uses the model's output limit or the provider default
}

// Response is the text and accounting for one model invocation.
type Response struct {
	Text         string  `json:"text"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	FinishReason string  `json:"finish_reason,omitempty"`
	Cached       bool    `json:"cached,omitempty"`
}

// Usage converts the response accounting into a pipeline Usage.
func (r *Response) Usage() types.Usage {
	if r == nil {
		return types.Usage{}
	}
	return types.Usage{
		InputTokens:  r.InputTokens,
		OutputTokens: r.OutputTokens,
		Cost:         r.Cost,
		Calls:        1,
	}
}

// HitLimit reports whether the provider stopped on the output token limit.
func (r *Response) HitLimit() bool {
	return r != nil && (r.FinishReason == "length" || r.FinishReason == "max_tokens")
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (*Response, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Request types for OpenRouter/OpenAI-compatible API

type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Usage       *UsageRequest `json:"usage,omitempty"`
}

// UsageRequest asks OpenRouter to include cost accounting in the response.
type UsageRequest struct {
	Include bool `json:"include"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response types

type ChatResponse struct {
	ID      string    `json:"id"`
	Choices []Choice  `json:"choices"`
	Usage   *Usage    `json:"usage,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// Usage contains token usage and cost information from the API response.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"` // In USD, if provided by API
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// ModelInfo from /api/v1/models endpoint.
type ModelInfo struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	ContextLength int          `json:"context_length"`
	Pricing       ModelPricing `json:"pricing"`
	TopProvider   struct {
		MaxCompletionTokens int `json:"max_completion_tokens"`
	} `json:"top_provider"`
}

// ModelPricing contains per-token prices in USD.
type ModelPricing struct {
	Prompt     string `json:"prompt"`     // Price per input token
	Completion string `json:"completion"` // Price per output token
}

// ModelsResponse from /api/v1/models endpoint.
type ModelsResponse struct {
	Data []ModelInfo `json:"data"`
}
