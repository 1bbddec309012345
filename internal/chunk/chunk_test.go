package chunk

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/patchwork/internal/budget"
	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/progress"
	"github.com/youruser/patchwork/internal/types"
)

var filePathRe = regexp.MustCompile(`<file_path>([^<]+)</file_path>`)

func testPlanner() *budget.Planner {
	reg := llm.NewRegistry(llm.ModelSpec{ID: "test-model", MaxInputTokens: 1000, MaxOutputTokens: 100})
	return budget.NewPlanner(reg, llm.NewEstimatorFunc(1, func(s string) int { return len(strings.Fields(s)) }), 100)
}

func files(n, tokens int) []types.File {
	out := make([]types.File, n)
	for i := range out {
		out[i] = types.File{Path: fmt.Sprintf("f%d.go", i), Content: "package f", TokenCount: tokens}
	}
	return out
}

// echoPaths answers with the comma-separated paths found in the prompt.
func echoPaths(calls *[]string, mu *sync.Mutex) llm.Generator {
	return llm.GeneratorFunc(func(ctx context.Context, r llm.Request) (*llm.Response, error) {
		var paths []string
		for _, m := range filePathRe.FindAllStringSubmatch(r.Prompt, -1) {
			paths = append(paths, m[1])
		}
		text := strings.Join(paths, ",")
		mu.Lock()
		*calls = append(*calls, text)
		mu.Unlock()
		return &llm.Response{Text: text, InputTokens: 10, OutputTokens: 5, Cost: 0.01}, nil
	})
}

var pathsKind = Kind[[]string]{
	Name:     "paths",
	System:   "list the files",
	Template: "Task: [[TASKDESCRIPTION]]\n[[EXISTINGCODEFILES]]",
	Parse: func(raw string) ([]string, error) {
		if raw == "" {
			return nil, nil
		}
		return strings.Split(raw, ","), nil
	},
	Aggregate: func(results [][]string) []string {
		var out []string
		for _, r := range results {
			out = append(out, r...)
		}
		return out
	},
}

func TestProcessChunksInOrder(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	rec := &progress.Recorder{}
	p := NewProcessor(echoPaths(&calls, &mu), testPlanner(), WithNotifier(rec))

	req := types.TaskRequest{ID: "t1", Model: "test-model", Task: "x", Files: files(3, 400)}
	res, err := Process(context.Background(), p, pathsKind, req)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, []string{"f0.go,f1.go", "f2.go"}, calls)
	assert.Equal(t, []string{"f0.go", "f1.go", "f2.go"}, res.Value)
	assert.Equal(t, 20, res.Usage.InputTokens)
	assert.Equal(t, 10, res.Usage.OutputTokens)
	assert.Equal(t, 2, res.Usage.Calls)
	assert.InDelta(t, 0.02, res.Usage.Cost, 1e-9)

	events := rec.Of(progress.EventProgress)
	require.Len(t, events, 4, "a start and a completion per chunk")
	var msgs []string
	for _, e := range events {
		msgs = append(msgs, e.Payload.(progress.Progress).Message)
	}
	assert.True(t, strings.HasPrefix(msgs[0], "paths: chunk 1 of 2"))
	assert.Equal(t, "paths: completed chunk 1 of 2", msgs[1])
	assert.True(t, strings.HasPrefix(msgs[2], "paths: chunk 2 of 2"))
	assert.Equal(t, "paths: completed chunk 2 of 2", msgs[3])
	assert.Equal(t, 2, events[3].Payload.(progress.Progress).Current)
}

func TestProcessFailedChunkNotCompleted(t *testing.T) {
	rec := &progress.Recorder{}
	gen := llm.GeneratorFunc(func(ctx context.Context, r llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: ""}, nil
	})
	p := NewProcessor(gen, testPlanner(), WithNotifier(rec))

	kind := pathsKind
	kind.Parse = func(raw string) ([]string, error) { return nil, &types.ParseError{Block: "paths"} }
	_, err := Process(context.Background(), p, kind, types.TaskRequest{Model: "test-model", Files: files(1, 10)})
	require.ErrorIs(t, err, types.ErrParse)

	events := rec.Of(progress.EventProgress)
	require.Len(t, events, 1)
	assert.NotContains(t, events[0].Payload.(progress.Progress).Message, "completed")
}

func TestProcessBudgetsSystemPrompt(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	p := NewProcessor(echoPaths(&calls, &mu), testPlanner())
	req := types.TaskRequest{Model: "test-model", Task: "x", Files: files(3, 400)}

	res, err := Process(context.Background(), p, pathsKind, req)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)

	// 200 words of system prompt leave room for one 400-token file per chunk.
	verbose := pathsKind
	verbose.System = strings.Repeat("word ", 200)
	calls = nil
	res, err = Process(context.Background(), p, verbose, req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, []string{"f0.go", "f1.go", "f2.go"}, calls)
}

func TestProcessAbortsOnParseFailure(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	p := NewProcessor(echoPaths(&calls, &mu), testPlanner())

	kind := pathsKind
	kind.Parse = func(raw string) ([]string, error) {
		if strings.HasPrefix(raw, "f2.go") {
			return nil, &types.ParseError{Block: "paths"}
		}
		return []string{raw}, nil
	}

	req := types.TaskRequest{Model: "test-model", Task: "x", Files: files(5, 400)}
	_, err := Process(context.Background(), p, kind, req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrParse))
	assert.Len(t, calls, 2, "no chunk after the failing one is sent")
}

func TestProcessWithoutFiles(t *testing.T) {
	var prompts []string
	gen := llm.GeneratorFunc(func(ctx context.Context, r llm.Request) (*llm.Response, error) {
		prompts = append(prompts, r.Prompt)
		return &llm.Response{Text: "done"}, nil
	})
	p := NewProcessor(gen, testPlanner())

	kind := Kind[string]{
		Name:     "echo",
		Template: "Do [[TASKDESCRIPTION]] for [[OWNER]].\n[[EXISTINGCODEFILES]]",
		Parse:    func(raw string) (string, error) { return raw, nil },
	}
	req := types.TaskRequest{Model: "test-model", Task: "it", Params: map[string]string{"owner": "acme"}}
	res, err := Process(context.Background(), p, kind, req)
	require.NoError(t, err)

	assert.Equal(t, "done", res.Value)
	require.Len(t, prompts, 1)
	assert.Equal(t, "Do it for acme.\n", prompts[0])
}

func TestProcessUnknownModel(t *testing.T) {
	called := false
	gen := llm.GeneratorFunc(func(ctx context.Context, r llm.Request) (*llm.Response, error) {
		called = true
		return &llm.Response{}, nil
	})
	p := NewProcessor(gen, testPlanner())

	_, err := Process(context.Background(), p, pathsKind, types.TaskRequest{Model: "other", Files: files(1, 10)})
	assert.True(t, errors.Is(err, types.ErrConfiguration))
	assert.False(t, called)
}

func TestProcessGeneratorError(t *testing.T) {
	boom := errors.New("connection reset")
	gen := llm.GeneratorFunc(func(ctx context.Context, r llm.Request) (*llm.Response, error) {
		return nil, boom
	})
	p := NewProcessor(gen, testPlanner(), WithRate(1000))

	_, err := Process(context.Background(), p, pathsKind, types.TaskRequest{Model: "test-model", Files: files(1, 10)})
	assert.ErrorIs(t, err, boom)
}

func TestFanOutKeepsInputOrder(t *testing.T) {
	var inFlight, peak atomic.Int32
	out, err := FanOut(context.Background(), 2, []int{1, 2, 3, 4, 5}, func(ctx context.Context, i, in int) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		return in * in, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 9, 16, 25}, out)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestFanOutReturnsError(t *testing.T) {
	boom := errors.New("boom")
	_, err := FanOut(context.Background(), 0, []string{"a", "b", "c"}, func(ctx context.Context, i int, in string) (string, error) {
		if in == "b" {
			return "", boom
		}
		return in, nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestAnalyze(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	p := NewProcessor(echoPaths(&calls, &mu), testPlanner(), WithWorkers(2))

	inputs := files(3, 10)
	results, err := Analyze(context.Background(), p, pathsKind, types.TaskRequest{Model: "test-model", Task: "x"}, inputs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, []string{inputs[i].Path}, r.Value)
		assert.Equal(t, 1, r.Usage.Calls)
	}
	assert.Len(t, calls, 3)
}
