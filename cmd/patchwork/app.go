package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/youruser/patchwork/internal/budget"
	"github.com/youruser/patchwork/internal/chunk"
	"github.com/youruser/patchwork/internal/config"
	"github.com/youruser/patchwork/internal/fetch"
	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/orchestrator"
	"github.com/youruser/patchwork/internal/parse"
	"github.com/youruser/patchwork/internal/progress"
	"github.com/youruser/patchwork/internal/retrieval"
	"github.com/youruser/patchwork/internal/store"
	"github.com/youruser/patchwork/internal/types"
	"github.com/youruser/patchwork/internal/workspace"
)

// app is the wired pipeline for one process.
type app struct {
	cfg      *config.Config
	registry *llm.Registry
	planner  *budget.Planner
	provider llm.Generator
	gen      llm.Generator
	store    *store.Store
	indexer  *retrieval.Indexer
	searcher retrieval.Searcher
}

// newApp opens the store and builds the generator stack:
// metering over the response cache over the provider client.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	reg := cfg.Registry()
	est := llm.NewEstimator(*cfg.PaddingFactor)

	provider, err := llm.New(llm.ProviderOptions{Provider: cfg.Provider, APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	gen := provider
	if *cfg.Cache {
		cached, err := llm.NewCachedGenerator(provider, *cfg.CacheSize, st)
		if err != nil {
			st.Close()
			return nil, err
		}
		gen = cached
	}

	var embedder retrieval.Embedder
	if cfg.EmbeddingAPIKey != "" {
		embedder = retrieval.NewOpenAIEmbedder(cfg.EmbeddingAPIKey, "", cfg.EmbeddingModel, *cfg.EmbeddingDims)
	} else {
		embedder = retrieval.NewHashEmbedder(*cfg.EmbeddingDims)
	}

	return &app{
		cfg:      cfg,
		registry: reg,
		planner:  budget.NewPlanner(reg, est, *cfg.FixedBuffer),
		provider: provider,
		gen:      llm.NewMetered(gen, reg),
		store:    st,
		indexer:  retrieval.NewIndexer(embedder, st, est),
		searcher: retrieval.NewVectorSearcher(embedder, st),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) fetchOptions() fetch.Options {
	f := a.cfg.Fetch
	return fetch.Options{
		Window:         *f.Concurrency,
		Retries:        uint64(*f.Retries),
		BaseDelay:      f.BaseDelay(),
		MaxConsecutive: *f.MaxConsecutiveFailures,
		MaxFailures:    *f.MaxTotalFailures,
	}
}

func (a *app) orchestrator(n progress.Notifier, title string) *orchestrator.Orchestrator {
	return orchestrator.New(a.gen, a.planner, a.searcher, n, orchestrator.Options{
		MaximizeContext: a.cfg.MaximizeContext,
		FixedThreshold:  *a.cfg.FixedThreshold,
		MaxContextFiles: *a.cfg.MaxContextFiles,
		RecentSteps:     *a.cfg.RecentSteps,
		Title:           title,
	})
}

func (a *app) processor(n progress.Notifier) *chunk.Processor {
	return chunk.NewProcessor(a.gen, a.planner, chunk.WithRate(*a.cfg.ChunkRate), chunk.WithNotifier(n))
}

func (a *app) model(override string) string {
	if override != "" {
		return override
	}
	return a.cfg.DefaultModel
}

// loadDir fetches the working tree at dir.
func (a *app) loadDir(ctx context.Context, dir string) ([]types.File, error) {
	res, err := fetch.NewFetcher(fetch.NewDirSource(dir, nil), a.fetchOptions()).All(ctx)
	if err != nil {
		return nil, err
	}
	return res.Files, nil
}

// index embeds changed files so retrieval sees the current tree.
func (a *app) index(ctx context.Context, scope types.Scope, files []types.File) (*retrieval.IndexStats, error) {
	return a.indexer.Index(ctx, scope, files)
}

// scopeFor identifies a directory in the index.
func scopeFor(dir, branch string) types.Scope {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return types.Scope{Repo: abs, Branch: branch}
}

var (
	appMu     sync.Mutex
	appConfig *config.Config
	appState  *app
)

// ensureApp loads config and wires the pipeline on first use.
func ensureApp(ctx context.Context, configPath string) (*app, error) {
	appMu.Lock()
	defer appMu.Unlock()
	if appState != nil {
		return appState, nil
	}
	if appConfig == nil {
		var cfg *config.Config
		var err error
		if configPath != "" {
			cfg, err = config.LoadFrom(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return nil, err
		}
		appConfig = cfg
	}
	a, err := newApp(ctx, appConfig)
	if err != nil {
		return nil, err
	}
	appState = a
	return a, nil
}

func closeApp() {
	appMu.Lock()
	defer appMu.Unlock()
	if appState != nil {
		if err := appState.Close(); err != nil {
			log.Warn("Failed to close store: %v", err)
		}
		appState = nil
	}
}

func appFromCmd(cmd *cobra.Command) (*app, error) {
	path, _ := cmd.Flags().GetString("config")
	return ensureApp(cmd.Context(), path)
}

// userMessage maps pipeline errors to short user-facing messages.
func userMessage(err error) string {
	var cfgErr *types.ConfigurationError
	switch {
	case errors.Is(err, config.ErrNoConfig):
		return "Config file not found: ~/.config/patchwork/config.json (or set PATCHWORK_API_KEY)"
	case errors.Is(err, config.ErrNoAPIKey):
		return "API key not set in config or environment"
	case errors.Is(err, config.ErrInvalidJSON):
		return "Config file is not valid JSON"
	case errors.Is(err, config.ErrInvalidProvider), errors.Is(err, config.ErrInvalidValue):
		return err.Error()
	case errors.As(err, &cfgErr):
		return cfgErr.Error()
	case errors.Is(err, types.ErrNoPlan):
		return "Plan has no steps"
	case errors.Is(err, types.ErrUnrecoverableTruncation):
		return "Response was truncated and no complete file could be recovered"
	case errors.Is(err, fetch.ErrCircuitOpen):
		return "Too many file read failures, giving up"
	case errors.Is(err, workspace.ErrLocked):
		return "Workspace is locked by another patchwork process"
	case errors.Is(err, workspace.ErrPathEscape), errors.Is(err, workspace.ErrAbsolutePath):
		return "Change set contains a path outside the workspace: " + err.Error()
	case errors.Is(err, llm.ErrRequestFailed):
		return "Model request failed: " + err.Error()
	default:
		return err.Error()
	}
}

// loadPlan reads a plan file; parse errors are reported with the path.
func loadPlan(path string) (*types.Plan, error) {
	plan, err := parse.LoadPlan(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plan, nil
}
