package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/patchwork/internal/budget"
	"github.com/youruser/patchwork/internal/changeset"
	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/progress"
	"github.com/youruser/patchwork/internal/types"
)

type reply struct {
	text string
	err  error
}

// scripted answers calls with canned replies, in order.
type scripted struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
}

func (s *scripted) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	if len(s.prompts) > len(s.replies) {
		return nil, errors.New("unexpected model call")
	}
	r := s.replies[len(s.prompts)-1]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{Text: r.text, InputTokens: 10, OutputTokens: 5, Cost: 0.01}, nil
}

// fakeSearcher returns fixed hits, or fails.
type fakeSearcher struct {
	hits    []types.File
	err     error
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, _ types.Scope, query string, _ int) ([]types.File, error) {
	f.queries = append(f.queries, query)
	return f.hits, f.err
}

func testPlanner() *budget.Planner {
	reg := llm.NewRegistry(llm.ModelSpec{ID: "test-model", MaxInputTokens: 100000, MaxOutputTokens: 1000})
	return budget.NewPlanner(reg, llm.NewEstimatorFunc(1, func(s string) int { return len(strings.Fields(s)) }), 100)
}

func request(files ...types.File) types.TaskRequest {
	return types.TaskRequest{ID: "task-1", Model: "test-model", Task: "Add a helper", Files: files}
}

func respond(cs *types.ChangeSet, points ...string) string {
	out := changeset.Format(cs)
	if len(points) > 0 {
		out += "\n<backend_summary>\n"
		for _, p := range points {
			out += "<point>" + p + "</point>\n"
		}
		out += "</backend_summary>\n"
	}
	return out
}

func newFile(path, content string) *types.ChangeSet {
	return &types.ChangeSet{Title: "step", NewFiles: []types.FileEntry{{Path: path, Thoughts: "new", Content: content}}}
}

func modFile(path, content string) *types.ChangeSet {
	return &types.ChangeSet{Title: "step", ModifiedFiles: []types.FileEntry{{Path: path, Thoughts: "edit", Content: content}}}
}

func TestRunTwoStepNewThenModify(t *testing.T) {
	gen := &scripted{replies: []reply{
		{text: respond(newFile("a.ts", "export const a = 1"))},
		{text: respond(modFile("a.ts", "export const a = 2"), "Bumped a to 2")},
	}}
	rec := &progress.Recorder{}
	o := New(gen, testPlanner(), nil, rec, DefaultOptions())

	plan := &types.Plan{Title: "Helpers", Steps: []types.Step{
		{Title: "Create a", Files: []types.FileChange{{Path: "a.ts", Operation: types.OpNew}}},
		{Title: "Update a", Files: []types.FileChange{{Path: "a.ts", Operation: types.OpModify, Todos: []string{"set to 2"}}}},
	}}
	res, err := o.Run(context.Background(), request(types.File{Path: "main.ts", Content: "import { a } from './a'"}), plan)
	require.NoError(t, err)

	cs := res.ChangeSet
	assert.Equal(t, "Helpers", cs.Title)
	assert.False(t, cs.Partial)
	assert.Empty(t, cs.NewFiles)
	require.Len(t, cs.ModifiedFiles, 1)
	assert.Equal(t, "a.ts", cs.ModifiedFiles[0].Path)
	assert.Equal(t, "export const a = 2", cs.ModifiedFiles[0].Content)

	require.Len(t, gen.prompts, 2)
	second := gen.prompts[1]
	assert.Contains(t, second, "<file_path>a.ts</file_path>\n<file_contents>\nexport const a = 1\n", "step 2 sees step 1 output")
	assert.Contains(t, second, "<previous_implementations>")
	assert.Contains(t, second, "<title>Create a</title>")
	assert.Contains(t, second, "modify a.ts: set to 2")

	require.Len(t, res.Summaries, 2)
	assert.Equal(t, "- Completed Create a", res.Summaries[0].Summary)
	assert.Equal(t, "- Bumped a to 2", res.Summaries[1].Summary)
	assert.Equal(t, []string{"a.ts"}, res.Summaries[1].Paths)

	assert.Equal(t, types.Usage{InputTokens: 20, OutputTokens: 10, Cost: 0.02, Calls: 2}, res.Usage)
	for _, s := range res.Steps {
		assert.Equal(t, StateMerged, s.State)
	}

	assert.Len(t, rec.Of(progress.EventFile), 2)
	assert.Len(t, rec.Of(progress.EventSummary), 2)
	complete := rec.Of(progress.EventComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, progress.Complete{Files: 1, Tokens: 30, Cost: 0.02}, complete[0].Payload)
}

func TestRunFailingStepContinues(t *testing.T) {
	gen := &scripted{replies: []reply{
		{text: respond(newFile("a.go", "package a"))},
		{text: "Sorry, I can't help with that."},
		{text: respond(newFile("c.go", "package c"))},
	}}
	rec := &progress.Recorder{}
	o := New(gen, testPlanner(), nil, rec, DefaultOptions())

	plan := &types.Plan{Title: "Plan", Steps: []types.Step{
		{Title: "one", Files: []types.FileChange{{Path: "a.go", Operation: types.OpNew}}},
		{Title: "two", Files: []types.FileChange{{Path: "b.go", Operation: types.OpNew}}},
		{Title: "three", Files: []types.FileChange{{Path: "c.go", Operation: types.OpNew}}},
	}}
	res, err := o.Run(context.Background(), request(types.File{Path: "main.go", Content: "package main"}), plan)
	require.NoError(t, err)

	assert.Equal(t, StateMerged, res.Steps[0].State)
	assert.Equal(t, StateFailed, res.Steps[1].State)
	assert.ErrorIs(t, res.Steps[1].Err, types.ErrParse)
	assert.Equal(t, StateMerged, res.Steps[2].State)
	assert.Equal(t, 1, res.Failed())

	cs := res.ChangeSet
	assert.True(t, cs.Partial)
	assert.Equal(t, "Plan (Partial: 1 of 3 steps failed)", cs.Title)
	assert.Equal(t, []string{"a.go", "c.go"}, cs.Paths())
	assert.Len(t, res.Summaries, 2)
	assert.Equal(t, 3, res.Usage.Calls, "the failed call is still counted")

	var failed []progress.StepStatus
	for _, e := range rec.Of(progress.EventStepStatus) {
		if s := e.Payload.(progress.StepStatus); s.State == progress.StepError {
			failed = append(failed, s)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Index)
	assert.NotEmpty(t, failed[0].Error)
}

func TestRunNoRelevantFiles(t *testing.T) {
	gen := &scripted{}
	o := New(gen, testPlanner(), nil, nil, DefaultOptions())

	plan := &types.Plan{Steps: []types.Step{
		{Title: "Add docs", Files: []types.FileChange{{Path: "README.md", Operation: types.OpNew}}},
	}}
	res, err := o.Run(context.Background(), request(), plan)
	require.NoError(t, err)

	assert.Empty(t, gen.prompts, "no model call without context")
	assert.Equal(t, StateFailed, res.Steps[0].State)
	var nrf *types.NoRelevantFilesError
	require.ErrorAs(t, res.Steps[0].Err, &nrf)
	assert.Equal(t, "Add docs", nrf.Step)
	assert.True(t, res.ChangeSet.Partial)
	assert.Equal(t, "Implementation (Partial: 1 of 1 steps failed)", res.ChangeSet.Title)
}

func TestRunTransportErrorAborts(t *testing.T) {
	gen := &scripted{replies: []reply{{err: errors.New("connection refused")}}}
	rec := &progress.Recorder{}
	o := New(gen, testPlanner(), nil, rec, DefaultOptions())

	plan := &types.Plan{Steps: []types.Step{
		{Title: "one", Files: []types.FileChange{{Path: "a.go", Operation: types.OpNew}}},
		{Title: "two", Files: []types.FileChange{{Path: "b.go", Operation: types.OpNew}}},
	}}
	res, err := o.Run(context.Background(), request(types.File{Path: "main.go", Content: "package main"}), plan)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Len(t, gen.prompts, 1)
	assert.Len(t, rec.Of(progress.EventError), 1)
	assert.Empty(t, rec.Of(progress.EventComplete))
}

func TestRunUnknownModelAborts(t *testing.T) {
	o := New(&scripted{}, testPlanner(), nil, nil, DefaultOptions())
	req := request(types.File{Path: "main.go", Content: "package main"})
	req.Model = "nope"

	plan := &types.Plan{Steps: []types.Step{{Title: "one", Files: []types.FileChange{{Path: "main.go", Operation: types.OpModify}}}}}
	_, err := o.Run(context.Background(), req, plan)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestRunEmptyPlan(t *testing.T) {
	o := New(&scripted{}, testPlanner(), nil, nil, DefaultOptions())
	_, err := o.Run(context.Background(), request(), &types.Plan{})
	assert.ErrorIs(t, err, types.ErrNoPlan)
}

func TestRunTruncatedStepFails(t *testing.T) {
	truncated := "<code_changes>\n<title>Models</title>\n<new_files>\n" +
		"<file><path>a.go</path><thoughts>first</thoughts><content><![CDATA[package a]]></content></file>\n" +
		"<file><path>b.go</path><thoughts>second</thoughts><content><![CDATA[package b\nfunc B() {"
	gen := &scripted{replies: []reply{
		{text: truncated},
		{text: respond(newFile("c.go", "package c"))},
	}}
	rec := &progress.Recorder{}
	o := New(gen, testPlanner(), nil, rec, DefaultOptions())

	plan := &types.Plan{Title: "Plan", Steps: []types.Step{
		{Title: "models", Files: []types.FileChange{{Path: "a.go", Operation: types.OpNew}, {Path: "b.go", Operation: types.OpNew}}},
		{Title: "more", Files: []types.FileChange{{Path: "c.go", Operation: types.OpNew}}},
	}}
	res, err := o.Run(context.Background(), request(types.File{Path: "main.go", Content: "package main"}), plan)
	require.NoError(t, err)

	assert.Equal(t, StateFailed, res.Steps[0].State)
	assert.ErrorIs(t, res.Steps[0].Err, types.ErrParse)
	assert.Equal(t, StateMerged, res.Steps[1].State)
	assert.Equal(t, []string{"c.go"}, res.ChangeSet.Paths(), "nothing salvaged from the cut-off step")
	assert.Equal(t, "Plan (Partial: 1 of 2 steps failed)", res.ChangeSet.Title)
	require.Len(t, res.Summaries, 1)
	assert.Equal(t, "more", res.Summaries[0].Title)
	for _, e := range rec.Of(progress.EventFile) {
		assert.NotEqual(t, "a.go", e.Payload.(progress.File).Path)
	}
}

func TestRunStepStatusSequence(t *testing.T) {
	gen := &scripted{replies: []reply{
		{text: respond(newFile("a.go", "package a"))},
		{text: "no change set here"},
	}}
	rec := &progress.Recorder{}
	o := New(gen, testPlanner(), nil, rec, DefaultOptions())

	plan := &types.Plan{Steps: []types.Step{
		{Title: "one", Files: []types.FileChange{{Path: "a.go", Operation: types.OpNew}}},
		{Title: "two", Files: []types.FileChange{{Path: "b.go", Operation: types.OpNew}}},
	}}
	_, err := o.Run(context.Background(), request(types.File{Path: "main.go", Content: "package main"}), plan)
	require.NoError(t, err)

	var got []string
	for _, e := range rec.Of(progress.EventStepStatus) {
		s := e.Payload.(progress.StepStatus)
		got = append(got, fmt.Sprintf("%d:%s:%s", s.Index, s.State, s.Phase))
	}
	assert.Equal(t, []string{
		"0:started:retrieving",
		"0:completed:merged",
		"1:started:retrieving",
		"1:error:failed",
	}, got)
}

func TestRunRetrieval(t *testing.T) {
	search := &fakeSearcher{hits: []types.File{
		{Path: "auth.go", Content: "package auth", Similarity: 0.9},
		{Path: "user.go", Content: "package user", Similarity: 0.7},
		{Path: "readme.go", Content: "package readme", Similarity: 0.2},
	}}
	gen := &scripted{replies: []reply{{text: respond(modFile("handler.go", "package handler // v2"))}}}
	opts := DefaultOptions()
	opts.MaximizeContext = true
	opts.FixedThreshold = 0.5
	o := New(gen, testPlanner(), search, nil, opts)

	plan := &types.Plan{Steps: []types.Step{{
		Title:    "Guard handler",
		Thoughts: "require auth",
		Files:    []types.FileChange{{Path: "handler.go", Operation: types.OpModify, Todos: []string{"check token"}}},
	}}}
	req := request(types.File{Path: "handler.go", Content: "package handler"})
	_, err := o.Run(context.Background(), req, plan)
	require.NoError(t, err)

	require.Len(t, search.queries, 1)
	assert.Equal(t, "Step: Guard handler\nContext: require auth\nFiles:\nmodify handler.go: check token", search.queries[0])

	p := gen.prompts[0]
	assert.Contains(t, p, "<file_path>auth.go</file_path>")
	assert.Contains(t, p, "<file_path>user.go</file_path>")
	assert.NotContains(t, p, "<file_path>readme.go</file_path>")
	assert.Less(t, strings.Index(p, "<file_path>handler.go</file_path>"), strings.Index(p, "<file_path>auth.go</file_path>"),
		"explicit files come first")
}

func TestRunSearchFailureFallsBack(t *testing.T) {
	search := &fakeSearcher{err: errors.New("index unavailable")}
	gen := &scripted{replies: []reply{{text: respond(newFile("b.go", "package b"))}}}
	o := New(gen, testPlanner(), search, nil, DefaultOptions())

	plan := &types.Plan{Steps: []types.Step{{Title: "b", Files: []types.FileChange{{Path: "b.go", Operation: types.OpNew}}}}}
	res, err := o.Run(context.Background(), request(types.File{Path: "a.go", Content: "package a"}), plan)
	require.NoError(t, err)
	assert.Equal(t, StateMerged, res.Steps[0].State)
	assert.Contains(t, gen.prompts[0], "<file_path>a.go</file_path>")
}

func TestGenerate(t *testing.T) {
	files := []types.File{{Path: "main.go", Content: "package main"}}

	t.Run("complete", func(t *testing.T) {
		gen := &scripted{replies: []reply{{text: respond(modFile("main.go", "package main // edited"))}}}
		o := New(gen, testPlanner(), nil, nil, DefaultOptions())
		cs, usage, err := o.Generate(context.Background(), request(files...))
		require.NoError(t, err)
		assert.Equal(t, []string{"main.go"}, cs.Paths())
		assert.False(t, cs.Partial)
		assert.Equal(t, 1, usage.Calls)
		assert.Contains(t, gen.prompts[0], "Add a helper")
		assert.Contains(t, gen.prompts[0], "<file_path>main.go</file_path>")
	})

	t.Run("truncated", func(t *testing.T) {
		raw := "<code_changes><title>Fix</title><modified_files>" +
			"<file><path>main.go</path><thoughts>t</thoughts><content><![CDATA[package main]]></content></file>" +
			"<file><path>x.go</path><thoughts>t</thoughts><content><![CDATA[pack"
		o := New(&scripted{replies: []reply{{text: raw}}}, testPlanner(), nil, nil, DefaultOptions())
		cs, _, err := o.Generate(context.Background(), request(files...))
		require.NoError(t, err)
		assert.True(t, cs.Partial)
		assert.Equal(t, "Fix (Partial Results - Response Truncated)", cs.Title)
		assert.Equal(t, []string{"main.go"}, cs.Paths())
	})

	t.Run("plain answer", func(t *testing.T) {
		o := New(&scripted{replies: []reply{{text: "No changes needed."}}}, testPlanner(), nil, nil, DefaultOptions())
		_, usage, err := o.Generate(context.Background(), request(files...))
		assert.ErrorIs(t, err, types.ErrParse)
		assert.Equal(t, 1, usage.Calls)
	})
}

func TestRelevantSummaries(t *testing.T) {
	summaries := []types.StepSummary{
		{Title: "s1", Paths: []string{"a.go"}},
		{Title: "s2", Paths: []string{"b.go"}},
		{Title: "s3", Paths: []string{"c.go"}},
		{Title: "s4", Paths: []string{"d.go"}},
	}
	titles := func(ss []types.StepSummary) []string {
		var out []string
		for _, s := range ss {
			out = append(out, s.Title)
		}
		return out
	}

	step := types.Step{Files: []types.FileChange{{Path: "b.go"}, {Path: "d.go"}}}
	assert.Equal(t, []string{"s2", "s4"}, titles(relevantSummaries(summaries, step, 3)))

	step = types.Step{Files: []types.FileChange{{Path: "z.go"}}}
	assert.Equal(t, []string{"s2", "s3", "s4"}, titles(relevantSummaries(summaries, step, 3)))
	assert.Equal(t, []string{"s1"}, titles(relevantSummaries(summaries[:1], step, 3)))
	assert.Empty(t, renderPrevious(nil))
}

func TestStepTransitions(t *testing.T) {
	o := &StepOutcome{State: StatePending}
	require.NoError(t, o.transition(StateRetrieving))
	assert.Error(t, o.transition(StateMerged), "cannot skip generating")
	require.NoError(t, o.transition(StateGenerating))
	require.NoError(t, o.transition(StateParsing))
	require.NoError(t, o.transition(StateMerged))
	assert.True(t, o.State.Terminal())
	assert.Error(t, o.transition(StateFailed), "terminal states are final")
}
