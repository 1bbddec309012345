package budget

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/types"
)

func words(s string) int { return len(strings.Fields(s)) }

func testPlanner() *Planner {
	reg := llm.NewRegistry(llm.ModelSpec{ID: "test-model", MaxInputTokens: 1000, MaxOutputTokens: 100})
	return NewPlanner(reg, llm.NewEstimatorFunc(1, words), 100)
}

func skeleton(n int) string {
	return strings.TrimSpace(strings.Repeat("w ", n))
}

func filesWithCosts(costs ...int) []types.File {
	files := make([]types.File, len(costs))
	for i, c := range costs {
		files[i] = types.File{Path: fmt.Sprintf("f%d.go", i), Content: "x", TokenCount: c}
	}
	return files
}

func TestCeiling(t *testing.T) {
	p := testPlanner()

	got, err := p.Ceiling("test-model", skeleton(100))
	require.NoError(t, err)
	assert.Equal(t, 800, got)

	got, err = p.Ceiling("test-model", skeleton(5000))
	require.NoError(t, err)
	assert.Equal(t, 0, got, "ceiling never goes negative")
}

func TestCeilingUnknownModel(t *testing.T) {
	_, err := testPlanner().Ceiling("nope", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrConfiguration))

	var cfgErr *types.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "nope", cfgErr.Model)
}

func TestApplyTokenLimitBoundary(t *testing.T) {
	p := testPlanner()

	limit, err := p.ApplyTokenLimit("test-model", skeleton(100), filesWithCosts(400, 400, 400))
	require.NoError(t, err)

	assert.Len(t, limit.Files, 2)
	assert.Equal(t, 800, limit.FileTokens)
	assert.Equal(t, 800, limit.Ceiling)
	assert.Equal(t, 100, limit.PromptTokens)
	assert.Equal(t, 900, limit.Total())
	assert.Equal(t, 1, limit.Dropped)
}

func TestApplyTokenLimitStopsAtFirstOverflow(t *testing.T) {
	p := testPlanner()

	// The third file overflows; the small fourth file is not admitted.
	limit, err := p.ApplyTokenLimit("test-model", skeleton(100), filesWithCosts(300, 300, 300, 10))
	require.NoError(t, err)

	assert.Equal(t, []string{"f0.go", "f1.go"}, paths(limit.Files))
	assert.Equal(t, 2, limit.Dropped)
}

func TestApplyTokenLimitUnknownModel(t *testing.T) {
	_, err := testPlanner().ApplyTokenLimit("nope", "", filesWithCosts(1))
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestSplitInChunks(t *testing.T) {
	p := testPlanner()

	t.Run("greedy", func(t *testing.T) {
		chunks, err := p.SplitInChunks("test-model", skeleton(100), filesWithCosts(400, 300, 200, 500, 100))
		require.NoError(t, err)
		require.Len(t, chunks, 2)
		assert.Equal(t, []string{"f0.go", "f1.go"}, paths(chunks[0].Files))
		assert.Equal(t, 700, chunks[0].Tokens)
		assert.Equal(t, []string{"f2.go", "f3.go", "f4.go"}, paths(chunks[1].Files))
		assert.Equal(t, 1, chunks[1].Index)
	})

	t.Run("oversize file stands alone", func(t *testing.T) {
		chunks, err := p.SplitInChunks("test-model", skeleton(100), filesWithCosts(100, 5000, 100))
		require.NoError(t, err)
		require.Len(t, chunks, 3)
		assert.Equal(t, []string{"f1.go"}, paths(chunks[1].Files))
		assert.True(t, chunks[1].Oversize(800))
		assert.False(t, chunks[0].Oversize(800))
	})

	t.Run("empty", func(t *testing.T) {
		chunks, err := p.SplitInChunks("test-model", skeleton(100), nil)
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := p.SplitInChunks("nope", "", filesWithCosts(1))
		assert.ErrorIs(t, err, types.ErrConfiguration)
	})
}

func TestPrefixProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ceiling := rapid.IntRange(0, 2000).Draw(t, "ceiling")
		costs := rapid.SliceOfN(rapid.IntRange(0, 800), 0, 30).Draw(t, "costs")

		n := prefix(ceiling, costs)
		if n < 0 || n > len(costs) {
			t.Fatalf("prefix = %d out of range", n)
		}

		sum := 0
		for _, c := range costs[:n] {
			sum += c
		}
		if sum > ceiling {
			t.Fatalf("admitted %d tokens over ceiling %d", sum, ceiling)
		}
		if n < len(costs) && sum+costs[n] <= ceiling {
			t.Fatalf("stopped at %d although cost %d still fits (%d/%d)", n, costs[n], sum, ceiling)
		}
	})
}

func TestPartitionProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ceiling := rapid.IntRange(1, 2000).Draw(t, "ceiling")
		costs := rapid.SliceOfN(rapid.IntRange(1, 3000), 0, 40).Draw(t, "costs")

		spans := partition(ceiling, costs)

		next := 0
		for _, s := range spans {
			if s.start != next || s.end <= s.start {
				t.Fatalf("spans are not a contiguous partition: %v", spans)
			}
			next = s.end

			sum := 0
			for _, c := range costs[s.start:s.end] {
				sum += c
			}
			if sum > ceiling && s.end-s.start > 1 {
				t.Fatalf("multi-file span %v holds %d tokens over ceiling %d", s, sum, ceiling)
			}
		}
		if next != len(costs) {
			t.Fatalf("spans cover %d of %d costs", next, len(costs))
		}
	})
}

func TestSplitInChunksPreservesFiles(t *testing.T) {
	p := testPlanner()
	rapid.Check(t, func(t *rapid.T) {
		costs := rapid.SliceOfN(rapid.IntRange(1, 1500), 0, 25).Draw(t, "costs")
		files := filesWithCosts(costs...)

		chunks, err := p.SplitInChunks("test-model", skeleton(100), files)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		var got []string
		for _, c := range chunks {
			got = append(got, paths(c.Files)...)
		}
		want := paths(files)
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("chunks reorder or lose files: got %v, want %v", got, want)
		}
	})
}

func paths(files []types.File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	return out
}
