package orchestrator

import (
	"context"
	"html"
	"slices"
	"strings"

	"github.com/youruser/patchwork/internal/parse"
	"github.com/youruser/patchwork/internal/retrieval"
	"github.com/youruser/patchwork/internal/types"
)

// retrieve gathers the context files for a step: the files it modifies or
// deletes, then similarity hits. Content written by earlier steps wins over
// the request's copy, and paths deleted by earlier steps are not offered.
func (o *Orchestrator) retrieve(ctx context.Context, req types.TaskRequest, step types.Step, acc *types.ChangeSet) ([]types.File, error) {
	deleted := map[string]bool{}
	if acc != nil {
		for _, d := range acc.DeletedFiles {
			deleted[d.Path] = true
		}
	}
	current := func(f types.File) (types.File, bool) {
		if e, ok := acc.Lookup(f.Path); ok {
			return types.File{Path: f.Path, Content: e.Content, Similarity: f.Similarity}, true
		}
		return f, !deleted[f.Path]
	}

	seen := map[string]bool{}
	var files []types.File
	explicit := 0
	for _, fc := range step.Files {
		if fc.Operation != types.OpModify && fc.Operation != types.OpDelete {
			continue
		}
		explicit++
		if seen[fc.Path] {
			continue
		}
		f, ok := lookup(req.Files, acc, fc.Path)
		if !ok {
			log.Warn("Step %q names %s %s, which is not in the repository", step.Title, fc.Operation, fc.Path)
			continue
		}
		seen[f.Path] = true
		files = append(files, f)
	}

	for _, f := range o.similar(ctx, req, step) {
		if seen[f.Path] {
			continue
		}
		if f, ok := current(f); ok {
			seen[f.Path] = true
			files = append(files, f)
		}
	}

	if len(files) == 0 && explicit == 0 {
		return nil, &types.NoRelevantFilesError{Step: step.Title}
	}
	log.Debug("Step %q: %d context files", step.Title, len(files))
	return files, nil
}

// lookup resolves path against the accumulator first, then the request.
func lookup(files []types.File, acc *types.ChangeSet, path string) (types.File, bool) {
	if e, ok := acc.Lookup(path); ok {
		return types.File{Path: path, Content: e.Content}, true
	}
	for _, f := range files {
		if f.Path == path {
			return f, true
		}
	}
	return types.File{}, false
}

// similar runs the step query and keeps hits above the threshold. Without a
// searcher, or when the search fails, every request file is a candidate.
func (o *Orchestrator) similar(ctx context.Context, req types.TaskRequest, step types.Step) []types.File {
	if o.searcher == nil {
		return req.Files
	}
	hits, err := o.searcher.Search(ctx, req.Scope, retrieval.BuildStepQuery(step), 3*o.opts.MaxContextFiles)
	if err != nil {
		log.Warn("Search failed for step %q, using request files: %v", step.Title, err)
		return req.Files
	}

	threshold := o.opts.FixedThreshold
	if !o.opts.MaximizeContext {
		threshold = retrieval.AdaptiveThreshold(retrieval.Scores(hits))
	}
	kept := retrieval.Select(hits, threshold, o.opts.MaxContextFiles)
	log.Debug("Step %q: %d of %d hits above %.3f", step.Title, len(kept), len(hits), threshold)
	return kept
}

// relevantSummaries returns earlier summaries touching the step's paths, or
// the most recent ones when none do.
func relevantSummaries(summaries []types.StepSummary, step types.Step, recent int) []types.StepSummary {
	paths := step.Paths()
	var out []types.StepSummary
	for _, s := range summaries {
		for _, p := range s.Paths {
			if slices.Contains(paths, p) {
				out = append(out, s)
				break
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	if len(summaries) > recent {
		return summaries[len(summaries)-recent:]
	}
	return summaries
}

func renderPrevious(summaries []types.StepSummary) string {
	if len(summaries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<previous_implementations>\n")
	for _, s := range summaries {
		b.WriteString("<step>\n<title>")
		b.WriteString(html.EscapeString(s.Title))
		b.WriteString("</title>\n<summary>\n")
		b.WriteString(s.Summary)
		b.WriteString("\n</summary>\n<files>")
		b.WriteString(strings.Join(s.Paths, ", "))
		b.WriteString("</files>\n</step>\n")
	}
	b.WriteString("</previous_implementations>\n")
	return b.String()
}

// summarize builds the record carried forward from a finished step.
func summarize(step types.Step, cs *types.ChangeSet, raw string) types.StepSummary {
	sum := types.StepSummary{Title: step.Title, Paths: cs.Paths()}
	if s, ok := parse.ParseStepSummary(raw); ok {
		sum.Summary = s.Condensed()
		sum.Markdown = s.Markdown
	} else {
		sum.Summary = "- Completed " + step.Title
	}
	if sum.Markdown == "" {
		sum.Markdown = "## " + step.Title + " Completed\n\nThis step has been finished successfully."
	}
	return sum
}
