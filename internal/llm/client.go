package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/youruser/patchwork/internal/logging"
)

var (
	ErrRequestFailed = errors.New("API request failed")
	ErrEmptyResponse = errors.New("empty model response")
	log              = logging.Get()
)

const defaultRequestTimeout = 30 * time.Second

// Client talks to OpenRouter or any OpenAI-compatible chat completions API
// over plain HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new LLM client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

// Generate sends a non-streaming chat completion at temperature 0.
func (c *Client) Generate(ctx context.Context, r Request) (*Response, error) {
	reqBody := ChatRequest{
		Model: r.Model,
		Messages: []Message{
			{Role: "system", Content: r.System},
			{Role: "user", Content: r.Prompt},
		},
		Stream:      false,
		Temperature: 0,
		MaxTokens:   r.MaxTokens,
		Usage:       &UsageRequest{Include: true},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Debug("HTTP POST %s/chat/completions (model: %s, prompt bytes: %d)", c.baseURL, r.Model, len(r.Prompt))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, string(body))
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, err
	}

	if chatResp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return nil, ErrEmptyResponse
	}

	choice := chatResp.Choices[0]
	out := &Response{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
	}
	if u := chatResp.Usage; u != nil {
		out.InputTokens = u.PromptTokens
		out.OutputTokens = u.CompletionTokens
		out.Cost = u.Cost
	}
	return out, nil
}

// GetModels fetches the list of available models with pricing.
func (c *Client) GetModels(ctx context.Context) (*ModelsResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	log.Debug("HTTP GET %s/models", c.baseURL)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error("HTTP request failed: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("%w: %d - %s", ErrRequestFailed, resp.StatusCode, string(body))
	}

	var models ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, err
	}

	return &models, nil
}

// RefreshRegistry adds every listed model with a known context length to reg.
// Returns the number of models added.
func (c *Client) RefreshRegistry(ctx context.Context, reg *Registry) (int, error) {
	models, err := c.GetModels(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range models.Data {
		if m.ContextLength <= 0 {
			continue
		}
		if _, known := reg.Lookup(m.ID); known {
			continue
		}
		reg.Add(SpecFromInfo(m))
		n++
	}
	log.Debug("Registry refreshed: %d models added", n)
	return n, nil
}
