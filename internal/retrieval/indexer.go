package retrieval

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/types"
	"github.com/youruser/patchwork/internal/workspace"
)

const defaultBatchSize = 32

// maxEmbedChars bounds the text sent per file; embedding models reject
// inputs past their context window.
const maxEmbedChars = 24000

// Indexer keeps an Index in step with a file set, re-embedding only files
// whose content hash changed.
type Indexer struct {
	embedder  Embedder
	index     Index
	estimator *llm.Estimator
	batch     int
}

// NewIndexer returns an indexer. est may be nil, in which case token counts
// are not recorded.
func NewIndexer(e Embedder, idx Index, est *llm.Estimator) *Indexer {
	return &Indexer{embedder: e, index: idx, estimator: est, batch: defaultBatchSize}
}

// IndexStats reports what an indexing pass did.
type IndexStats struct {
	Embedded  int   `json:"embedded"`
	Unchanged int   `json:"unchanged"`
	Removed   int   `json:"removed"`
	Bytes     int64 `json:"bytes"`
}

// Index embeds new and changed files, and drops indexed paths no longer
// present in files.
func (ix *Indexer) Index(ctx context.Context, scope types.Scope, files []types.File) (*IndexStats, error) {
	known, err := ix.index.Hashes(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("read index hashes: %w", err)
	}

	stats := &IndexStats{}
	present := make(map[string]bool, len(files))
	var pending []types.File
	for _, f := range files {
		present[f.Path] = true
		f.Hash = workspace.HashContent(f.Content)
		if known[f.Path] == f.Hash {
			stats.Unchanged++
			continue
		}
		if f.TokenCount == 0 && ix.estimator != nil {
			f.TokenCount = ix.estimator.Count(f.Path) + ix.estimator.Count(f.Content)
		}
		pending = append(pending, f)
	}

	for start := 0; start < len(pending); start += ix.batch {
		end := min(start+ix.batch, len(pending))
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, f := range batch {
			texts[i] = embedText(f)
			stats.Bytes += int64(len(f.Content))
		}
		vecs, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("embed batch at %d: %w", start, err)
		}

		docs := make([]Document, len(batch))
		for i, f := range batch {
			docs[i] = Document{File: f, Vector: vecs[i]}
		}
		if err := ix.index.Upsert(ctx, scope, docs); err != nil {
			return stats, fmt.Errorf("store batch at %d: %w", start, err)
		}
		stats.Embedded += len(batch)
	}

	var gone []string
	for p := range known {
		if !present[p] {
			gone = append(gone, p)
		}
	}
	if len(gone) > 0 {
		if err := ix.index.Remove(ctx, scope, gone); err != nil {
			return stats, fmt.Errorf("remove stale paths: %w", err)
		}
		stats.Removed = len(gone)
	}

	log.Info("Indexed %s/%s: %d embedded (%s), %d unchanged, %d removed",
		scope.Repo, scope.Branch, stats.Embedded, humanize.Bytes(uint64(stats.Bytes)), stats.Unchanged, stats.Removed)
	return stats, nil
}

func embedText(f types.File) string {
	text := f.Path + "\n" + f.Content
	if len(text) > maxEmbedChars {
		text = text[:maxEmbedChars]
	}
	return text
}
