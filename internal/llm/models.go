package llm

import (
	"sort"
	"strconv"
	"sync"
)

// ModelSpec holds the limits and prices of a model. Costs are USD per
// million tokens.
type ModelSpec struct {
	ID              string  `json:"id"`
	Provider        string  `json:"provider,omitempty"`
	MaxInputTokens  int     `json:"max_input_tokens"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	InputCost       float64 `json:"input_cost"`
	OutputCost      float64 `json:"output_cost"`
}

// Cost returns the price of a call with the given token counts.
func (m ModelSpec) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*m.InputCost/1e6 + float64(outputTokens)*m.OutputCost/1e6
}

// DefaultModels returns the built-in model table. Input limits on the older
// entries are deliberately capped below the provider maximum.
func DefaultModels() []ModelSpec {
	return []ModelSpec{
		{ID: "gpt-4o", Provider: "openai", MaxInputTokens: 50000, MaxOutputTokens: 4096, InputCost: 5, OutputCost: 15},
		{ID: "gpt-4o-mini", Provider: "openai", MaxInputTokens: 50000, MaxOutputTokens: 16384, InputCost: 0.15, OutputCost: 0.6},
		{ID: "gpt-4.1", Provider: "openai", MaxInputTokens: 200000, MaxOutputTokens: 32768, InputCost: 2, OutputCost: 8},
		{ID: "claude-3-5-sonnet-20240620", Provider: "anthropic", MaxInputTokens: 50000, MaxOutputTokens: 8192, InputCost: 3, OutputCost: 15},
		{ID: "claude-3-haiku-20240307", Provider: "anthropic", MaxInputTokens: 50000, MaxOutputTokens: 4096, InputCost: 0.25, OutputCost: 1.25},
		{ID: "claude-sonnet-4-20250514", Provider: "anthropic", MaxInputTokens: 180000, MaxOutputTokens: 32000, InputCost: 3, OutputCost: 15},
		{ID: "gemini-1.5-flash", Provider: "google", MaxInputTokens: 200000, MaxOutputTokens: 4096},
		{ID: "anthropic/claude-sonnet-4", Provider: "openrouter", MaxInputTokens: 180000, MaxOutputTokens: 32000, InputCost: 3, OutputCost: 15},
		{ID: "openai/gpt-4o", Provider: "openrouter", MaxInputTokens: 120000, MaxOutputTokens: 16384, InputCost: 2.5, OutputCost: 10},
		{ID: "openai/gpt-4.1", Provider: "openrouter", MaxInputTokens: 200000, MaxOutputTokens: 32768, InputCost: 2, OutputCost: 8},
	}
}

// Registry is a goroutine-safe lookup of model specs by id.
type Registry struct {
	mu     sync.RWMutex
	models map[string]ModelSpec
}

// NewRegistry builds a registry. Later specs with the same id replace
// earlier ones.
func NewRegistry(specs ...ModelSpec) *Registry {
	r := &Registry{models: make(map[string]ModelSpec, len(specs))}
	for _, s := range specs {
		r.models[s.ID] = s
	}
	return r
}

// Lookup returns the spec for id.
func (r *Registry) Lookup(id string) (ModelSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.models[id]
	return s, ok
}

// Add inserts or replaces a spec.
func (r *Registry) Add(s ModelSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[s.ID] = s
}

// Models returns all specs sorted by id.
func (r *Registry) Models() []ModelSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModelSpec, 0, len(r.models))
	for _, s := range r.models {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SpecFromInfo converts an OpenRouter model listing entry. OpenRouter
// prices are per token; specs are per million tokens.
func SpecFromInfo(info ModelInfo) ModelSpec {
	return ModelSpec{
		ID:              info.ID,
		Provider:        "openrouter",
		MaxInputTokens:  info.ContextLength - info.TopProvider.MaxCompletionTokens,
		MaxOutputTokens: info.TopProvider.MaxCompletionTokens,
		InputCost:       perMillion(info.Pricing.Prompt),
		OutputCost:      perMillion(info.Pricing.Completion),
	}
}

func perMillion(perToken string) float64 {
	v, err := strconv.ParseFloat(perToken, 64)
	if err != nil {
		return 0
	}
	return v * 1e6
}
