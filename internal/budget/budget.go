// Package budget decides which files accompany a prompt under a model's
// input token limit.
package budget

import (
	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/logging"
	"github.com/youruser/patchwork/internal/types"
)

var log = logging.Get()

// Planner computes token ceilings and fits files under them.
type Planner struct {
	registry    *llm.Registry
	estimator   *llm.Estimator
	fixedBuffer int
}

// NewPlanner returns a planner. fixedBuffer is reserved below every model's
// input limit.
func NewPlanner(reg *llm.Registry, est *llm.Estimator, fixedBuffer int) *Planner {
	return &Planner{registry: reg, estimator: est, fixedBuffer: fixedBuffer}
}

// Estimator returns the planner's estimator.
func (p *Planner) Estimator() *llm.Estimator {
	return p.estimator
}

// Limit is the result of ApplyTokenLimit.
type Limit struct {
	Files        []types.File `json:"files"`
	FileTokens   int          `json:"file_tokens"`
	PromptTokens int          `json:"prompt_tokens"`
	Ceiling      int          `json:"ceiling"`
	Dropped      int          `json:"dropped"`
}

// Total returns prompt plus admitted file tokens.
func (l *Limit) Total() int {
	return l.PromptTokens + l.FileTokens
}

// Chunk is a budget-bounded group of files for one model call.
type Chunk struct {
	Index  int          `json:"index"`
	Files  []types.File `json:"files"`
	Tokens int          `json:"tokens"`
}

// Oversize reports whether a single file alone exceeds the ceiling.
func (c Chunk) Oversize(ceiling int) bool {
	return len(c.Files) == 1 && c.Tokens > ceiling
}

// Ceiling returns the tokens left for files once the fixed buffer and the
// padded prompt skeleton are subtracted from the model's input limit.
func (p *Planner) Ceiling(model, skeleton string) (int, error) {
	ceiling, _, err := p.ceiling(model, skeleton)
	return ceiling, err
}

func (p *Planner) ceiling(model, skeleton string) (ceiling, promptTokens int, err error) {
	spec, ok := p.registry.Lookup(model)
	if !ok {
		return 0, 0, &types.ConfigurationError{Model: model, Reason: "unknown model limits"}
	}
	if spec.MaxInputTokens <= 0 {
		return 0, 0, &types.ConfigurationError{Model: model, Reason: "max input tokens not set"}
	}

	promptTokens = p.estimator.Padded(skeleton)
	ceiling = spec.MaxInputTokens - p.fixedBuffer - promptTokens
	if ceiling < 0 {
		ceiling = 0
	}
	return ceiling, promptTokens, nil
}

// ApplyTokenLimit admits files in order until the first one that would push
// the total past the ceiling. Everything from that file on is dropped, even
// smaller files that would fit; callers put priority files first.
func (p *Planner) ApplyTokenLimit(model, skeleton string, files []types.File) (*Limit, error) {
	ceiling, promptTokens, err := p.ceiling(model, skeleton)
	if err != nil {
		return nil, err
	}

	costs := p.estimator.Files(files)
	n := prefix(ceiling, costs)

	used := 0
	for _, c := range costs[:n] {
		used += c
	}

	if n < len(files) {
		log.Debug("Token limit: admitted %d of %d files (%d/%d tokens, model %s)", n, len(files), used, ceiling, model)
	}

	return &Limit{
		Files:        files[:n:n],
		FileTokens:   used,
		PromptTokens: promptTokens,
		Ceiling:      ceiling,
		Dropped:      len(files) - n,
	}, nil
}

// SplitInChunks partitions files, in order and without drops, into chunks
// that each fit the ceiling. A file larger than the ceiling gets a chunk of
// its own.
func (p *Planner) SplitInChunks(model, skeleton string, files []types.File) ([]Chunk, error) {
	ceiling, _, err := p.ceiling(model, skeleton)
	if err != nil {
		return nil, err
	}

	costs := p.estimator.Files(files)
	spans := partition(ceiling, costs)

	chunks := make([]Chunk, 0, len(spans))
	for i, s := range spans {
		tokens := 0
		for _, c := range costs[s.start:s.end] {
			tokens += c
		}
		chunk := Chunk{Index: i, Files: files[s.start:s.end:s.end], Tokens: tokens}
		if chunk.Oversize(ceiling) {
			log.Warn("Chunk %d holds one file over budget: %s (%d > %d tokens)", i, chunk.Files[0].Path, tokens, ceiling)
		}
		chunks = append(chunks, chunk)
	}

	log.Debug("Split %d files into %d chunks (ceiling %d, model %s)", len(files), len(chunks), ceiling, model)
	return chunks, nil
}

// prefix returns how many leading costs fit under ceiling.
func prefix(ceiling int, costs []int) int {
	used := 0
	for i, c := range costs {
		if used+c > ceiling {
			return i
		}
		used += c
	}
	return len(costs)
}

type span struct{ start, end int }

// partition groups costs greedily. A group closes when the next cost would
// overflow it; a cost above the ceiling always sits alone.
func partition(ceiling int, costs []int) []span {
	var spans []span
	start, used := 0, 0
	for i, c := range costs {
		if i > start && used+c > ceiling {
			spans = append(spans, span{start, i})
			start, used = i, 0
		}
		used += c
	}
	if start < len(costs) {
		spans = append(spans, span{start, len(costs)})
	}
	return spans
}
