package retrieval

import (
	"math"
	"sort"

	"github.com/youruser/patchwork/internal/types"
)

// AdaptiveThreshold picks a similarity cut-off from the spread of scores.
// Strong best matches get a stricter cut; when every score is weak the top
// few (at least three, or the top tenth) are kept. The best score always
// passes.
func AdaptiveThreshold(scores []float64) float64 {
	if len(scores) == 0 {
		return 0.4
	}

	sorted := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	best, worst := sorted[0], sorted[len(sorted)-1]

	if best < 0.35 {
		top := max(3, int(math.Ceil(float64(len(sorted))*0.1)))
		return sorted[min(top-1, len(sorted)-1)] - 0.001
	}

	var base, span float64
	switch {
	case best > 0.7:
		base, span = 0.4, 0.35
	case best > 0.5:
		base, span = 0.35, 0.5
	default:
		base, span = 0.25, 0.5
	}
	dynamic := best - (best-worst)*span
	return min(max(base, dynamic), best-0.001)
}

// Select keeps files scoring at least threshold, best first, capped at
// limit (no cap when limit <= 0).
func Select(files []types.File, threshold float64, limit int) []types.File {
	var out []types.File
	for _, f := range files {
		if f.Similarity >= threshold {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Scores returns the similarity of each file.
func Scores(files []types.File) []float64 {
	out := make([]float64, len(files))
	for i, f := range files {
		out[i] = f.Similarity
	}
	return out
}
