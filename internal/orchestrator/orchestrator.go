// Package orchestrator executes implementation plans one step at a time,
// retrieving context per step and folding each step's changes into a single
// change set.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/youruser/patchwork/internal/budget"
	"github.com/youruser/patchwork/internal/changeset"
	"github.com/youruser/patchwork/internal/kinds"
	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/logging"
	"github.com/youruser/patchwork/internal/parse"
	"github.com/youruser/patchwork/internal/progress"
	"github.com/youruser/patchwork/internal/prompt"
	"github.com/youruser/patchwork/internal/retrieval"
	"github.com/youruser/patchwork/internal/types"
)

var log = logging.Get()

// Options tunes retrieval and reporting.
type Options struct {
	// MaximizeContext uses FixedThreshold instead of the adaptive threshold.
	MaximizeContext bool
	FixedThreshold  float64
	MaxContextFiles int
	// RecentSteps summaries are carried forward when none overlap a step.
	RecentSteps int
	// Title overrides the plan title on the final change set.
	Title string
}

// DefaultOptions returns the standard settings.
func DefaultOptions() Options {
	return Options{FixedThreshold: 0.1, MaxContextFiles: 30, RecentSteps: 3}
}

// Result is the outcome of a plan run.
type Result struct {
	ChangeSet *types.ChangeSet    `json:"change_set"`
	Summaries []types.StepSummary `json:"summaries"`
	Steps     []StepOutcome       `json:"steps"`
	Usage     types.Usage         `json:"usage"`
}

// Failed returns the number of failed steps.
func (r *Result) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if s.State == StateFailed {
			n++
		}
	}
	return n
}

// Orchestrator runs plans against a model.
type Orchestrator struct {
	gen      llm.Generator
	planner  *budget.Planner
	searcher retrieval.Searcher
	notifier progress.Notifier
	opts     Options
}

// New returns an orchestrator. searcher and notifier may be nil; without a
// searcher every request file is a retrieval candidate.
func New(gen llm.Generator, planner *budget.Planner, searcher retrieval.Searcher, notifier progress.Notifier, opts Options) *Orchestrator {
	if notifier == nil {
		notifier = progress.Nop{}
	}
	def := DefaultOptions()
	if opts.MaxContextFiles <= 0 {
		opts.MaxContextFiles = def.MaxContextFiles
	}
	if opts.RecentSteps <= 0 {
		opts.RecentSteps = def.RecentSteps
	}
	return &Orchestrator{gen: gen, planner: planner, searcher: searcher, notifier: notifier, opts: opts}
}

// stepFailure reports whether err fails only the current step.
func stepFailure(err error) bool {
	return errors.Is(err, types.ErrParse) ||
		errors.Is(err, types.ErrNoRelevantFiles) ||
		errors.Is(err, types.ErrUnrecoverableTruncation)
}

// Run executes the plan's steps in order. A step whose response cannot be
// parsed, or for which no context was found, is marked failed and the run
// continues; any other error aborts the run.
func (o *Orchestrator) Run(ctx context.Context, req types.TaskRequest, plan *types.Plan) (*Result, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, types.ErrNoPlan
	}

	res := &Result{Steps: make([]StepOutcome, len(plan.Steps))}
	var acc *types.ChangeSet

	for i, step := range plan.Steps {
		res.Steps[i] = StepOutcome{Index: i, Title: step.Title, State: StatePending}
	}

	for i, step := range plan.Steps {
		out := &res.Steps[i]
		log.Info("Step %d/%d: %s", i+1, len(plan.Steps), step.Title)

		stepSet, summary, usage, err := o.runStep(ctx, req, step, out, acc, res.Summaries)
		res.Usage = res.Usage.Add(usage)
		if err != nil {
			out.Err = err
			_ = out.transition(StateFailed)
			o.notifyStep(req.ID, out)
			if !stepFailure(err) {
				o.notifier.Notify(req.ID, progress.EventError, progress.Error{Message: err.Error()})
				return nil, fmt.Errorf("step %d %q: %w", i+1, step.Title, err)
			}
			log.Warn("Step %d failed, continuing: %v", i+1, err)
			continue
		}

		acc = changeset.Merge(acc, stepSet)
		res.Summaries = append(res.Summaries, summary)
		if err := out.transition(StateMerged); err != nil {
			return nil, err
		}
		o.notifyStep(req.ID, out)
		o.notifyFiles(req.ID, i, stepSet)
		o.notifier.Notify(req.ID, progress.EventSummary, summary)
	}

	res.ChangeSet = o.finish(acc, plan, res.Failed(), len(plan.Steps))
	o.notifier.Notify(req.ID, progress.EventComplete, progress.Complete{
		Files:   res.ChangeSet.Len(),
		Failed:  res.Failed(),
		Partial: res.ChangeSet.Partial,
		Tokens:  res.Usage.TotalTokens(),
		Cost:    res.Usage.Cost,
	})
	log.Info("Plan finished: %d steps, %d failed, %d files", len(plan.Steps), res.Failed(), res.ChangeSet.Len())
	return res, nil
}

func (o *Orchestrator) runStep(ctx context.Context, req types.TaskRequest, step types.Step, out *StepOutcome, acc *types.ChangeSet, summaries []types.StepSummary) (*types.ChangeSet, types.StepSummary, types.Usage, error) {
	var usage types.Usage

	if err := o.advance(req.ID, out, StateRetrieving); err != nil {
		return nil, types.StepSummary{}, usage, err
	}
	files, err := o.retrieve(ctx, req, step, acc)
	if err != nil {
		return nil, types.StepSummary{}, usage, err
	}

	if err := o.advance(req.ID, out, StateGenerating); err != nil {
		return nil, types.StepSummary{}, usage, err
	}
	params := make(map[string]string, len(req.Params)+3)
	for k, v := range req.Params {
		params[k] = v
	}
	params[kinds.ParamPrevious] = renderPrevious(relevantSummaries(summaries, step, o.opts.RecentSteps))
	params[kinds.ParamStep] = retrieval.BuildStepQuery(step)
	params[kinds.ParamFileCount] = strconv.Itoa(len(step.Files))

	template := prompt.Build(kinds.StepTemplate, req.Task, params)
	limit, err := o.planner.ApplyTokenLimit(req.Model, prompt.Frame(kinds.System, template), files)
	if err != nil {
		return nil, types.StepSummary{}, usage, err
	}
	if limit.Dropped > 0 {
		log.Warn("Step %q: %d context files dropped by the token limit", step.Title, limit.Dropped)
	}

	resp, err := o.gen.Generate(ctx, llm.Request{
		Model:  req.Model,
		System: kinds.System,
		Prompt: prompt.WithFiles(template, limit.Files),
	})
	if err != nil {
		return nil, types.StepSummary{}, usage, err
	}
	usage = resp.Usage()

	if err := o.advance(req.ID, out, StateParsing); err != nil {
		return nil, types.StepSummary{}, usage, err
	}
	// No salvage here: a cut-off step fails and later steps go on without it.
	stepSet, err := parse.ParseCodeChanges(resp.Text)
	if err != nil {
		return nil, types.StepSummary{}, usage, err
	}
	return stepSet, summarize(step, stepSet, resp.Text), usage, nil
}

// advance moves the step on. Only leaving pending is announced; the end of
// the step is announced by Run.
func (o *Orchestrator) advance(taskID string, out *StepOutcome, to State) error {
	starting := out.State == StatePending
	if err := out.transition(to); err != nil {
		return err
	}
	if starting {
		o.notifyStep(taskID, out)
	} else {
		log.Debug("Step %d: %s", out.Index+1, to)
	}
	return nil
}

func (o *Orchestrator) notifyStep(taskID string, out *StepOutcome) {
	o.notifier.Notify(taskID, progress.EventStepStatus, progress.StepStatus{
		Index: out.Index,
		Title: out.Title,
		State: out.State.status(),
		Phase: string(out.State),
		Error: out.Message(),
	})
}

func (o *Orchestrator) notifyFiles(taskID string, step int, cs *types.ChangeSet) {
	emit := func(path string, op types.Operation) {
		o.notifier.Notify(taskID, progress.EventFile, progress.File{Step: step, Path: path, Operation: string(op)})
	}
	for _, f := range cs.NewFiles {
		emit(f.Path, types.OpNew)
	}
	for _, f := range cs.ModifiedFiles {
		emit(f.Path, types.OpModify)
	}
	for _, d := range cs.DeletedFiles {
		emit(d.Path, types.OpDelete)
	}
}

// finish titles the accumulated change set and marks it partial when steps
// failed.
func (o *Orchestrator) finish(acc *types.ChangeSet, plan *types.Plan, failed, total int) *types.ChangeSet {
	cs := changeset.Clone(acc)
	switch {
	case o.opts.Title != "":
		cs.Title = o.opts.Title
	case plan.Title != "":
		cs.Title = plan.Title
	case cs.Title == "":
		cs.Title = "Implementation"
	}
	if failed > 0 {
		cs.Partial = true
		cs.Title = fmt.Sprintf("%s (Partial: %d of %d steps failed)", cs.Title, failed, total)
	}
	return cs
}

// Generate is the single-call mode: the whole codebase under the token
// limit, one model call, with truncation recovery.
func (o *Orchestrator) Generate(ctx context.Context, req types.TaskRequest) (*types.ChangeSet, types.Usage, error) {
	template := prompt.Build(kinds.CodeChangesTemplate, req.Task, req.Params)
	limit, err := o.planner.ApplyTokenLimit(req.Model, prompt.Frame(kinds.System, template), req.Files)
	if err != nil {
		return nil, types.Usage{}, err
	}
	if limit.Dropped > 0 {
		log.Warn("Generate: %d of %d files dropped by the token limit", limit.Dropped, len(req.Files))
	}

	o.notifier.Notify(req.ID, progress.EventProgress, progress.Progress{
		Message: fmt.Sprintf("Generating with %d files", len(limit.Files)),
	})
	resp, err := o.gen.Generate(ctx, llm.Request{
		Model:  req.Model,
		System: kinds.System,
		Prompt: prompt.WithFiles(template, limit.Files),
	})
	if err != nil {
		o.notifier.Notify(req.ID, progress.EventError, progress.Error{Message: err.Error()})
		return nil, types.Usage{}, err
	}
	usage := resp.Usage()

	cs, err := parse.ParseOrRecover(resp.Text)
	if err != nil {
		o.notifier.Notify(req.ID, progress.EventError, progress.Error{Message: err.Error()})
		return nil, usage, err
	}
	o.notifier.Notify(req.ID, progress.EventComplete, progress.Complete{
		Files:   cs.Len(),
		Partial: cs.Partial,
		Tokens:  usage.TotalTokens(),
		Cost:    usage.Cost,
	})
	return cs, usage, nil
}
