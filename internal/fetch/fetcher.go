package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/youruser/patchwork/internal/types"
	"github.com/youruser/patchwork/internal/workspace"
)

// Defaults for NewFetcher.
const (
	DefaultWindow         = 25
	DefaultRetries        = 3
	DefaultBaseDelay      = 200 * time.Millisecond
	DefaultMaxConsecutive = 5
	DefaultMaxFailures    = 20
)

// Options tunes a Fetcher. Zero values take the defaults.
type Options struct {
	Window         int
	Retries        uint64
	BaseDelay      time.Duration
	MaxConsecutive int
	MaxFailures    int
}

// Result is the outcome of one Fetch.
type Result struct {
	Files   []types.File
	Skipped []string
	Failed  []string
}

// Fetcher reads many files from a Source with bounded concurrency, retrying
// transient errors and giving up when the breaker opens.
type Fetcher struct {
	src  Source
	opts Options
}

// NewFetcher returns a fetcher over src.
func NewFetcher(src Source, opts Options) *Fetcher {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxConsecutive <= 0 {
		opts.MaxConsecutive = DefaultMaxConsecutive
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	return &Fetcher{src: src, opts: opts}
}

// All lists the source and fetches every file.
func (f *Fetcher) All(ctx context.Context) (*Result, error) {
	paths, err := f.src.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return f.Fetch(ctx, paths)
}

// Fetch reads paths. Files the source declines (missing, binary, too
// large) are reported in Skipped; files that still fail after retries are
// reported in Failed. Results are sorted by path.
func (f *Fetcher) Fetch(ctx context.Context, paths []string) (*Result, error) {
	breaker := NewBreaker(f.opts.MaxConsecutive, f.opts.MaxFailures)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.opts.Window)

	var mu sync.Mutex
	res := &Result{}

	for _, p := range paths {
		if breaker.Open() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			file, err := f.readWithRetry(gctx, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				breaker.Success()
				res.Files = append(res.Files, file)
			case permanent(err):
				log.Debug("Skipping %s: %v", p, err)
				res.Skipped = append(res.Skipped, p)
			case gctx.Err() != nil:
				return gctx.Err()
			default:
				log.Warn("Failed to read %s: %v", p, err)
				res.Failed = append(res.Failed, p)
				if breaker.Failure() {
					return fmt.Errorf("%w after %d failures", ErrCircuitOpen, breaker.Failures())
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if breaker.Open() {
		return nil, fmt.Errorf("%w after %d failures", ErrCircuitOpen, breaker.Failures())
	}

	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].Path < res.Files[j].Path })
	sort.Strings(res.Skipped)
	sort.Strings(res.Failed)
	log.Info("Fetched %d files (%d skipped, %d failed)", len(res.Files), len(res.Skipped), len(res.Failed))
	return res, nil
}

func (f *Fetcher) readWithRetry(ctx context.Context, path string) (types.File, error) {
	backoff := retry.WithMaxRetries(f.opts.Retries,
		retry.WithJitterPercent(20, retry.NewExponential(f.opts.BaseDelay)))

	var file types.File
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		file, err = f.src.Read(ctx, path)
		if err == nil || permanent(err) || ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
	return file, err
}

func permanent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, ErrTooLarge) ||
		errors.Is(err, ErrBinary) ||
		errors.Is(err, workspace.ErrPathEscape) ||
		errors.Is(err, workspace.ErrAbsolutePath) ||
		errors.Is(err, workspace.ErrInvalidPath)
}
