package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/youruser/patchwork/internal/types"
)

// Document is a file with its embedding, as stored in an index.
type Document struct {
	File   types.File
	Vector Vector
}

// Index stores embedded files per scope and ranks them against a query.
type Index interface {
	Hashes(ctx context.Context, scope types.Scope) (map[string]string, error)
	Upsert(ctx context.Context, scope types.Scope, docs []Document) error
	Remove(ctx context.Context, scope types.Scope, paths []string) error
	Similar(ctx context.Context, scope types.Scope, query Vector, limit int) ([]types.File, error)
}

// Searcher returns files relevant to a text query, with Similarity set,
// best first.
type Searcher interface {
	Search(ctx context.Context, scope types.Scope, query string, limit int) ([]types.File, error)
}

// VectorSearcher embeds the query and asks the index for neighbours.
type VectorSearcher struct {
	embedder Embedder
	index    Index
}

// NewVectorSearcher returns a searcher over index.
func NewVectorSearcher(e Embedder, idx Index) *VectorSearcher {
	return &VectorSearcher{embedder: e, index: idx}
}

func (s *VectorSearcher) Search(ctx context.Context, scope types.Scope, query string, limit int) ([]types.File, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: no vector for query", ErrEmbedding)
	}
	return s.index.Similar(ctx, scope, vecs[0], limit)
}

// BuildStepQuery renders a plan step as a retrieval query.
func BuildStepQuery(step types.Step) string {
	lines := []string{
		"Step: " + step.Title,
		"Context: " + step.Thoughts,
		"Files:",
	}
	for _, f := range step.Files {
		lines = append(lines, fmt.Sprintf("%s %s: %s", f.Operation, f.Path, strings.Join(f.Todos, "; ")))
	}
	return strings.Join(lines, "\n")
}

// MemoryIndex is an in-process Index. It backs runs that have no database.
type MemoryIndex struct {
	mu     sync.RWMutex
	scopes map[types.Scope]map[string]Document
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{scopes: map[types.Scope]map[string]Document{}}
}

func (m *MemoryIndex) Hashes(_ context.Context, scope types.Scope) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]string{}
	for p, d := range m.scopes[scope] {
		out[p] = d.File.Hash
	}
	return out, nil
}

func (m *MemoryIndex) Upsert(_ context.Context, scope types.Scope, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scopes[scope]
	if s == nil {
		s = map[string]Document{}
		m.scopes[scope] = s
	}
	for _, d := range docs {
		s[d.File.Path] = d
	}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, scope types.Scope, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.scopes[scope], p)
	}
	return nil
}

func (m *MemoryIndex) Similar(_ context.Context, scope types.Scope, query Vector, limit int) ([]types.File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.File
	for _, d := range m.scopes[scope] {
		f := d.File
		f.Similarity = query.Similarity(d.Vector)
		out = append(out, f)
	}
	return Rank(out, limit), nil
}

// Rank sorts by similarity, best first with ties broken by path, and
// truncates to limit when limit > 0.
func Rank(files []types.File, limit int) []types.File {
	sort.Slice(files, func(i, j int) bool {
		if files[i].Similarity != files[j].Similarity {
			return files[i].Similarity > files[j].Similarity
		}
		return files[i].Path < files[j].Path
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files
}
