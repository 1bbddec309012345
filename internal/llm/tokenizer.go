package llm

import (
	"math"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/youruser/patchwork/internal/types"
)

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// fileOverhead approximates the tags wrapped around each file in a prompt.
const fileOverhead = 16

// getCodec returns the cl100k_base tokenizer (used by GPT-4, Claude, etc.)
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for the given text.
// Uses cl100k_base encoding which is a reasonable approximation for most models.
func EstimateTokens(text string) (int, error) {
	c, err := getCodec()
	if err != nil {
		return 0, err
	}

	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, err
	}

	return len(ids), nil
}

// EstimateTokensSimple returns the tokenizer count, falling back to a
// four-characters-per-token guess when the codec is unavailable.
func EstimateTokensSimple(text string) int {
	count, err := EstimateTokens(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return count
}

// Estimator turns text and files into padded token costs.
type Estimator struct {
	Padding float64
	count   func(string) int
}

// NewEstimator returns an estimator with the given padding factor. Values
// below 1 are raised to 1.
func NewEstimator(padding float64) *Estimator {
	if padding < 1 {
		padding = 1
	}
	return &Estimator{Padding: padding, count: EstimateTokensSimple}
}

// NewEstimatorFunc returns an estimator with a custom counting function.
func NewEstimatorFunc(padding float64, count func(string) int) *Estimator {
	e := NewEstimator(padding)
	e.count = count
	return e
}

// Count returns the unpadded token estimate for text.
func (e *Estimator) Count(text string) int {
	return e.count(text)
}

// Padded returns the estimate for text scaled by the padding factor.
func (e *Estimator) Padded(text string) int {
	return e.pad(e.count(text))
}

// File returns the padded cost of a file in a prompt. A cached TokenCount
// is used as the unpadded base when present.
func (e *Estimator) File(f types.File) int {
	base := f.TokenCount
	if base == 0 {
		base = e.count(f.Path) + e.count(f.Content) + fileOverhead
	}
	return e.pad(base)
}

// Files returns the padded cost of each file, in order.
func (e *Estimator) Files(files []types.File) []int {
	costs := make([]int, len(files))
	for i, f := range files {
		costs[i] = e.File(f)
	}
	return costs
}

func (e *Estimator) pad(n int) int {
	return int(math.Ceil(float64(n) * e.Padding))
}
