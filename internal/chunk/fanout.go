package chunk

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// FanOut calls fn for every input with at most limit calls in flight and
// returns the outputs by input index. The first error cancels the rest and
// is returned.
func FanOut[In, Out any](ctx context.Context, limit int, inputs []In, fn func(ctx context.Context, i int, in In) (Out, error)) ([]Out, error) {
	out := make([]Out, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, in := range inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := fn(ctx, i, in)
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
