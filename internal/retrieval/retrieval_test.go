package retrieval

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/youruser/patchwork/internal/types"
)

func TestVectorSimilarity(t *testing.T) {
	a := Vector{1, 0, 0}
	assert.InDelta(t, 1.0, a.Similarity(Vector{2, 0, 0}), 1e-9)
	assert.InDelta(t, 0.0, a.Similarity(Vector{0, 1, 0}), 1e-9)
	assert.InDelta(t, -1.0, a.Similarity(Vector{-1, 0, 0}), 1e-9)
	assert.Equal(t, 0.0, a.Similarity(Vector{1, 0}))
	assert.Equal(t, 0.0, a.Similarity(Vector{0, 0, 0}))
}

func TestVectorBytes(t *testing.T) {
	v := Vector{0.25, -1.5, 3}
	assert.Equal(t, v, VectorFromBytes(v.ToBytes()))
	assert.Nil(t, VectorFromBytes([]byte{1, 2, 3}))
}

func TestAdaptiveThreshold(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"empty", nil, 0.4},
		{"weak scores keep top three", []float64{0.05, 0.3, 0.1, 0.2}, 0.099},
		{"strong best match", []float64{0.9, 0.5, 0.1}, 0.62},
		{"single score", []float64{0.8}, 0.799},
		{"middling", []float64{0.6, 0.55, 0.2}, 0.4},
		{"base floor", []float64{0.45, 0.44, 0.43}, 0.44},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AdaptiveThreshold(tt.scores), 1e-9)
		})
	}
}

func TestAdaptiveThresholdKeepsBest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		scores := rapid.SliceOfN(rapid.Float64Range(0, 1), 1, 50).Draw(t, "scores")
		th := AdaptiveThreshold(scores)

		best, passing := 0.0, 0
		for _, s := range scores {
			best = max(best, s)
			if s >= th {
				passing++
			}
		}
		if best < th {
			t.Fatalf("best score %v below threshold %v", best, th)
		}
		if best < 0.35 && passing < min(3, len(scores)) {
			t.Fatalf("weak scores: only %d of %d pass %v", passing, len(scores), th)
		}
	})
}

func TestSelect(t *testing.T) {
	files := []types.File{
		{Path: "a", Similarity: 0.2},
		{Path: "b", Similarity: 0.9},
		{Path: "c", Similarity: 0.5},
		{Path: "d", Similarity: 0.7},
	}
	got := Select(files, 0.5, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Path)
	assert.Equal(t, "d", got[1].Path)

	assert.Len(t, Select(files, 0.5, 0), 3)
	assert.Equal(t, []float64{0.2, 0.9, 0.5, 0.7}, Scores(files))
}

func TestBuildStepQuery(t *testing.T) {
	step := types.Step{
		Title:    "Add login",
		Thoughts: "JWT based",
		Files: []types.FileChange{
			{Path: "api/login.go", Operation: types.OpNew, Todos: []string{"handler", "route"}},
		},
	}
	want := "Step: Add login\nContext: JWT based\nFiles:\nnew api/login.go: handler; route"
	assert.Equal(t, want, BuildStepQuery(step))
}

func TestHashEmbedder(t *testing.T) {
	e := NewHashEmbedder(64)
	vecs, err := e.Embed(context.Background(), []string{
		"user login password token",
		"login token for the user",
		"render chart axis colors",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 64)

	again, _ := e.Embed(context.Background(), []string{"user login password token"})
	assert.Equal(t, vecs[0], again[0], "embedding must be deterministic")
	assert.Greater(t, vecs[0].Similarity(vecs[1]), vecs[0].Similarity(vecs[2]))
}

type countingEmbedder struct {
	*HashEmbedder
	mu    sync.Mutex
	texts int
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([]Vector, error) {
	c.mu.Lock()
	c.texts += len(texts)
	c.mu.Unlock()
	return c.HashEmbedder.Embed(ctx, texts)
}

func TestIndexerReembedsOnlyChanges(t *testing.T) {
	ctx := context.Background()
	scope := types.Scope{Repo: "acme/app", Branch: "main"}
	emb := &countingEmbedder{HashEmbedder: NewHashEmbedder(32)}
	idx := NewMemoryIndex()
	ix := NewIndexer(emb, idx, nil)
	ix.batch = 2

	files := []types.File{
		{Path: "a.go", Content: "package a"},
		{Path: "b.go", Content: "package b"},
		{Path: "c.go", Content: "package c"},
	}
	stats, err := ix.Index(ctx, scope, files)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Embedded)
	assert.Equal(t, 3, emb.texts)

	files[1].Content = "package b // changed"
	stats, err = ix.Index(ctx, scope, files[:2])
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Embedded)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 4, emb.texts)

	hashes, _ := idx.Hashes(ctx, scope)
	assert.Len(t, hashes, 2)
	assert.NotContains(t, hashes, "c.go")
}

func TestVectorSearcher(t *testing.T) {
	ctx := context.Background()
	scope := types.Scope{Repo: "acme/app", Branch: "main"}
	emb := NewHashEmbedder(128)
	idx := NewMemoryIndex()

	_, err := NewIndexer(emb, idx, nil).Index(ctx, scope, []types.File{
		{Path: "auth/login.go", Content: "func Login(user, password string) (token string)"},
		{Path: "chart/axis.go", Content: "func DrawAxis(colors []Color)"},
	})
	require.NoError(t, err)

	got, err := NewVectorSearcher(emb, idx).Search(ctx, scope, "login with user password", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "auth/login.go", got[0].Path)
	assert.Greater(t, got[0].Similarity, got[1].Similarity)

	other, err := NewVectorSearcher(emb, idx).Search(ctx, types.Scope{Repo: "other"}, "login", 5)
	require.NoError(t, err)
	assert.Empty(t, other)
}
