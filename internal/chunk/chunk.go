// Package chunk runs one logical task over a file set too large for a single
// model call: the files are split into budget-sized chunks, each chunk is
// sent in order, and the parsed results are reduced into one value.
package chunk

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/youruser/patchwork/internal/budget"
	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/logging"
	"github.com/youruser/patchwork/internal/progress"
	"github.com/youruser/patchwork/internal/prompt"
	"github.com/youruser/patchwork/internal/types"
)

var log = logging.Get()

// Kind describes a task shape: its prompts, how to read one response, and
// how to reduce the per-chunk values.
type Kind[T any] struct {
	Name      string
	System    string
	Template  string
	Parse     func(raw string) (T, error)
	Aggregate func(results []T) T
}

// Result is the reduced value of a chunked run with its summed usage.
type Result[T any] struct {
	Value  T           `json:"value"`
	Chunks int         `json:"chunks"`
	Usage  types.Usage `json:"usage"`
}

// Processor sends chunk prompts to a model, one at a time.
type Processor struct {
	gen      llm.Generator
	planner  *budget.Planner
	notifier progress.Notifier
	limiter  *rate.Limiter
	workers  int
}

// Option configures a Processor.
type Option func(*Processor)

// WithRate paces model calls at perSecond. Zero or less disables pacing.
func WithRate(perSecond float64) Option {
	return func(p *Processor) {
		if perSecond > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithNotifier sets the progress sink.
func WithNotifier(n progress.Notifier) Option {
	return func(p *Processor) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithWorkers bounds Analyze's concurrency.
func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

// NewProcessor returns a processor using gen for model calls and planner for
// chunking.
func NewProcessor(gen llm.Generator, planner *budget.Planner, opts ...Option) *Processor {
	p := &Processor{gen: gen, planner: planner, notifier: progress.Nop{}, workers: 4}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Planner returns the processor's budget planner.
func (p *Processor) Planner() *budget.Planner {
	return p.planner
}

// Process runs kind over req.Files. Chunks are sent strictly in order; any
// chunk failing to generate or parse aborts the whole run. With no files a
// single call is made.
func Process[T any](ctx context.Context, p *Processor, kind Kind[T], req types.TaskRequest) (*Result[T], error) {
	template := prompt.Build(kind.Template, req.Task, req.Params)
	if missing := prompt.Unresolved(template); len(missing) > 0 {
		log.Warn("%s prompt has unresolved placeholders: %v", kind.Name, missing)
	}
	skeleton := prompt.Frame(kind.System, template)

	chunks, err := p.planner.SplitInChunks(req.Model, skeleton, req.Files)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		chunks = []budget.Chunk{{}}
	}

	res := &Result[T]{Chunks: len(chunks)}
	values := make([]T, 0, len(chunks))
	for i, c := range chunks {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		p.notifier.Notify(req.ID, progress.EventProgress, progress.Progress{
			Message: fmt.Sprintf("%s: chunk %d of %d, %d files, %s tokens",
				kind.Name, i+1, len(chunks), len(c.Files), humanize.Comma(int64(c.Tokens))),
			Current: i + 1,
			Total:   len(chunks),
		})

		resp, err := p.gen.Generate(ctx, llm.Request{
			Model:  req.Model,
			System: kind.System,
			Prompt: prompt.WithFiles(template, c.Files),
		})
		if err != nil {
			return nil, fmt.Errorf("%s chunk %d of %d: %w", kind.Name, i+1, len(chunks), err)
		}
		res.Usage = res.Usage.Add(resp.Usage())

		v, err := kind.Parse(resp.Text)
		if err != nil {
			return nil, fmt.Errorf("%s chunk %d of %d: %w", kind.Name, i+1, len(chunks), err)
		}
		values = append(values, v)

		p.notifier.Notify(req.ID, progress.EventProgress, progress.Progress{
			Message: fmt.Sprintf("%s: completed chunk %d of %d", kind.Name, i+1, len(chunks)),
			Current: i + 1,
			Total:   len(chunks),
		})
	}

	if kind.Aggregate != nil {
		res.Value = kind.Aggregate(values)
	} else if len(values) > 0 {
		res.Value = values[len(values)-1]
	}

	log.Debug("%s finished: %d chunks, %d tokens, $%.4f", kind.Name, len(chunks), res.Usage.TotalTokens(), res.Usage.Cost)
	return res, nil
}

// Analyze runs kind once per input file, concurrently, each with only that
// file as context. Results are in input order.
func Analyze[T any](ctx context.Context, p *Processor, kind Kind[T], req types.TaskRequest, inputs []types.File) ([]*Result[T], error) {
	return FanOut(ctx, p.workers, inputs, func(ctx context.Context, _ int, f types.File) (*Result[T], error) {
		one := req
		one.Files = []types.File{f}
		return Process(ctx, p, kind, one)
	})
}
