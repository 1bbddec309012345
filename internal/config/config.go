package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/youruser/patchwork/internal/llm"
)

var (
	ErrNoConfig        = errors.New("config file not found")
	ErrNoAPIKey        = errors.New("api_key not set in config or environment")
	ErrInvalidJSON     = errors.New("invalid config JSON")
	ErrInvalidProvider = errors.New("provider must be \"openrouter\", \"openai\", or \"anthropic\"")
	ErrInvalidValue    = errors.New("invalid config value")
)

// Config holds the global patchwork configuration.
type Config struct {
	Provider        string          `json:"provider"` // "openrouter" (default), "openai", or "anthropic"
	APIKey          string          `json:"api_key"`
	BaseURL         string          `json:"base_url"`
	DefaultModel    string          `json:"default_model"`
	EmbeddingAPIKey string          `json:"embedding_api_key"` // OpenAI key for embeddings; empty uses the local hashing embedder
	EmbeddingModel  string          `json:"embedding_model"`
	EmbeddingDims   *int            `json:"embedding_dimensions"`
	Models          []llm.ModelSpec `json:"models"` // Overrides and additions to the built-in model table

	PaddingFactor   *float64 `json:"padding_factor"`    // Multiplier on token estimates (default: 1.1)
	FixedBuffer     *int     `json:"fixed_buffer"`      // Tokens reserved below the model's input limit (default: 1000)
	MaximizeContext bool     `json:"maximize_context"`  // Use FixedThreshold instead of the adaptive cut
	FixedThreshold  *float64 `json:"fixed_threshold"`   // Similarity floor when maximizing context (default: 0.1)
	MaxContextFiles *int     `json:"max_context_files"` // Retrieval cap per step (default: 30)
	RecentSteps     *int     `json:"recent_steps"`      // Fallback summaries carried forward (default: 3)
	ChunkRate       *float64 `json:"chunk_rate"`        // Model calls per second across chunks; 0 disables pacing

	Fetch FetchConfig `json:"fetch"`

	DataDir   string `json:"data_dir"`   // Default: ~/.patchwork
	Cache     *bool  `json:"cache"`      // Response cache (default: true)
	CacheSize *int   `json:"cache_size"` // In-memory cache entries (default: 256)
}

// FetchConfig tunes the bounded file fetcher.
type FetchConfig struct {
	Concurrency            *int `json:"concurrency"`              // In-flight reads (default: 25)
	Retries                *int `json:"retries"`                  // Per-file retries (default: 3)
	BaseDelayMS            *int `json:"base_delay_ms"`            // First backoff delay (default: 500)
	MaxConsecutiveFailures *int `json:"max_consecutive_failures"` // Breaker trip on consecutive failures (default: 5)
	MaxTotalFailures       *int `json:"max_total_failures"`       // Breaker trip on total failures (default: 20)
}

// BaseDelay returns the configured first backoff delay.
func (f FetchConfig) BaseDelay() time.Duration {
	if f.BaseDelayMS == nil {
		return 500 * time.Millisecond
	}
	return time.Duration(*f.BaseDelayMS) * time.Millisecond
}

// Load reads ~/.config/patchwork/config.json after loading an optional .env
// from the working directory.
func Load() (*Config, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(homeDir, ".config", "patchwork", "config.json")
	return LoadFrom(configPath)
}

// LoadFrom reads the config from a specific path. A missing file is
// tolerated when an API key is available from the environment.
func LoadFrom(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, ErrInvalidJSON
		}
	case os.IsNotExist(err):
		if envAPIKey(os.Getenv("PATCHWORK_PROVIDER")) == "" {
			return nil, ErrNoConfig
		}
	default:
		return nil, err
	}

	applyEnv(&cfg)

	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envAPIKey(provider string) string {
	if key := os.Getenv("PATCHWORK_API_KEY"); key != "" {
		return key
	}
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	default:
		return os.Getenv("OPENROUTER_API_KEY")
	}
}

func applyEnv(cfg *Config) {
	if p := os.Getenv("PATCHWORK_PROVIDER"); p != "" {
		cfg.Provider = p
	}
	if key := envAPIKey(cfg.Provider); key != "" {
		cfg.APIKey = key
	}
	if u := os.Getenv("PATCHWORK_BASE_URL"); u != "" {
		cfg.BaseURL = u
	}
	if m := os.Getenv("PATCHWORK_MODEL"); m != "" {
		cfg.DefaultModel = m
	}
	if cfg.EmbeddingAPIKey == "" {
		cfg.EmbeddingAPIKey = os.Getenv("OPENAI_API_KEY")
	}
}

func applyDefaults(cfg *Config) error {
	if cfg.Provider == "" {
		cfg.Provider = "openrouter"
	}
	switch cfg.Provider {
	case "openrouter":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://openrouter.ai/api/v1"
		}
		if cfg.DefaultModel == "" {
			cfg.DefaultModel = "anthropic/claude-sonnet-4"
		}
	case "openai":
		if cfg.DefaultModel == "" {
			cfg.DefaultModel = "gpt-4o"
		}
	case "anthropic":
		if cfg.DefaultModel == "" {
			cfg.DefaultModel = "claude-sonnet-4-20250514"
		}
	default:
		return ErrInvalidProvider
	}

	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-large"
	}
	setInt(&cfg.EmbeddingDims, 256)
	setFloat(&cfg.PaddingFactor, 1.1)
	setInt(&cfg.FixedBuffer, 1000)
	setFloat(&cfg.FixedThreshold, 0.1)
	setInt(&cfg.MaxContextFiles, 30)
	setInt(&cfg.RecentSteps, 3)
	setFloat(&cfg.ChunkRate, 0)
	setInt(&cfg.Fetch.Concurrency, 25)
	setInt(&cfg.Fetch.Retries, 3)
	setInt(&cfg.Fetch.BaseDelayMS, 500)
	setInt(&cfg.Fetch.MaxConsecutiveFailures, 5)
	setInt(&cfg.Fetch.MaxTotalFailures, 20)
	setInt(&cfg.CacheSize, 256)
	if cfg.Cache == nil {
		t := true
		cfg.Cache = &t
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		cfg.DataDir = filepath.Join(home, ".patchwork")
	}

	switch {
	case *cfg.PaddingFactor < 1:
		return fmt.Errorf("%w: padding_factor must be >= 1, got %v", ErrInvalidValue, *cfg.PaddingFactor)
	case *cfg.FixedBuffer < 0:
		return fmt.Errorf("%w: fixed_buffer must be >= 0, got %d", ErrInvalidValue, *cfg.FixedBuffer)
	case *cfg.FixedThreshold < 0 || *cfg.FixedThreshold > 1:
		return fmt.Errorf("%w: fixed_threshold must be within [0, 1], got %v", ErrInvalidValue, *cfg.FixedThreshold)
	case *cfg.Fetch.Concurrency < 1:
		return fmt.Errorf("%w: fetch.concurrency must be >= 1, got %d", ErrInvalidValue, *cfg.Fetch.Concurrency)
	case *cfg.MaxContextFiles < 1:
		return fmt.Errorf("%w: max_context_files must be >= 1, got %d", ErrInvalidValue, *cfg.MaxContextFiles)
	}
	for _, m := range cfg.Models {
		if m.ID == "" || m.MaxInputTokens <= 0 {
			return fmt.Errorf("%w: model entries need an id and max_input_tokens", ErrInvalidValue)
		}
	}
	return nil
}

// Registry returns the built-in model table merged with configured overrides.
func (c *Config) Registry() *llm.Registry {
	return llm.NewRegistry(append(llm.DefaultModels(), c.Models...)...)
}

// DBPath returns the sqlite database location inside DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "patchwork.db")
}

func setInt(p **int, v int) {
	if *p == nil {
		*p = &v
	}
}

func setFloat(p **float64, v float64) {
	if *p == nil {
		*p = &v
	}
}
