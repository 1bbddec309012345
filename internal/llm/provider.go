package llm

import (
	"context"
	"errors"
	"fmt"
)

var ErrUnknownProvider = errors.New("unknown provider")

// ProviderOptions selects and configures a provider client.
type ProviderOptions struct {
	Provider string // "openrouter", "openai", or "anthropic"
	APIKey   string
	BaseURL  string
}

// New returns the generator for the configured provider.
func New(opts ProviderOptions) (Generator, error) {
	switch opts.Provider {
	case "", "openrouter":
		return NewClient(opts.BaseURL, opts.APIKey), nil
	case "openai":
		return NewOpenAIClient(opts.APIKey, opts.BaseURL), nil
	case "anthropic":
		return NewAnthropicClient(opts.APIKey, opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Provider)
	}
}

// Metered fills in output limits and prices from a registry and logs every
// call. Providers that report their own cost keep it.
type Metered struct {
	next     Generator
	registry *Registry
}

// NewMetered wraps next.
func NewMetered(next Generator, reg *Registry) *Metered {
	return &Metered{next: next, registry: reg}
}

func (m *Metered) Generate(ctx context.Context, r Request) (*Response, error) {
	spec, known := m.registry.Lookup(r.Model)
	if r.MaxTokens == 0 && known {
		r.MaxTokens = spec.MaxOutputTokens
	}

	resp, err := m.next.Generate(ctx, r)
	if err != nil {
		return nil, err
	}

	if resp.Cost == 0 && !resp.Cached && known {
		resp.Cost = spec.Cost(resp.InputTokens, resp.OutputTokens)
	}
	log.Call(r.Model, resp.InputTokens, resp.OutputTokens, resp.Cost, resp.Cached)
	if resp.HitLimit() {
		log.Warn("Model %s stopped on output limit (%s)", r.Model, resp.FinishReason)
	}
	return resp, nil
}
