// Package kinds holds the built-in task shapes for chunk processing and the
// prompts they send.
package kinds

import (
	_ "embed"
	"strings"

	"github.com/youruser/patchwork/internal/changeset"
	"github.com/youruser/patchwork/internal/chunk"
	"github.com/youruser/patchwork/internal/parse"
	"github.com/youruser/patchwork/internal/types"
)

var (
	//go:embed prompts/system.txt
	System string

	//go:embed prompts/code_changes.txt
	CodeChangesTemplate string

	//go:embed prompts/step.txt
	StepTemplate string

	//go:embed prompts/analysis.txt
	analysisTemplate string

	//go:embed prompts/plan.txt
	planTemplate string

	//go:embed prompts/file_list.txt
	fileListTemplate string
)

// Placeholders of StepTemplate filled per step.
const (
	ParamPrevious  = "previous_implementations"
	ParamStep      = "implementation_step"
	ParamFileCount = "file_count"
)

// CodeChanges asks for a change set per chunk and folds them in chunk order.
// A truncated chunk response contributes whatever could be recovered.
var CodeChanges = chunk.Kind[*types.ChangeSet]{
	Name:      "code_changes",
	System:    System,
	Template:  CodeChangesTemplate,
	Parse:     parse.ParseOrRecover,
	Aggregate: mergeAll,
}

func mergeAll(sets []*types.ChangeSet) *types.ChangeSet {
	var acc *types.ChangeSet
	for _, cs := range sets {
		acc = changeset.Merge(acc, cs)
	}
	if acc == nil {
		return &types.ChangeSet{}
	}
	if acc.Partial {
		acc.Title = parse.PartialTitle(acc.Title)
	}
	return acc
}

// Analysis asks a free-text question of each chunk and joins the answers.
var Analysis = chunk.Kind[string]{
	Name:     "analysis",
	System:   System,
	Template: analysisTemplate,
	Parse: func(raw string) (string, error) {
		text := strings.TrimSpace(raw)
		if text == "" {
			return "", &types.ParseError{Block: "analysis"}
		}
		return text, nil
	},
	Aggregate: func(parts []string) string {
		return strings.Join(parts, "\n\n")
	},
}

// Plan asks for an implementation plan per chunk and concatenates the steps.
var Plan = chunk.Kind[*types.Plan]{
	Name:     "plan",
	System:   System,
	Template: planTemplate,
	Parse:    parse.ParsePlan,
	Aggregate: func(plans []*types.Plan) *types.Plan {
		out := &types.Plan{}
		for _, p := range plans {
			if p == nil {
				continue
			}
			if out.Title == "" {
				out.Title = p.Title
			}
			out.Steps = append(out.Steps, p.Steps...)
		}
		return out
	},
}

// FileList asks each chunk for its relevant paths and unions them in order.
var FileList = chunk.Kind[[]string]{
	Name:     "file_list",
	System:   System,
	Template: fileListTemplate,
	Parse:    parse.ParseStringList,
	Aggregate: func(lists [][]string) []string {
		seen := map[string]bool{}
		var out []string
		for _, l := range lists {
			for _, p := range l {
				if !seen[p] {
					seen[p] = true
					out = append(out, p)
				}
			}
		}
		return out
	},
}

// Names lists the built-in kinds.
var Names = []string{CodeChanges.Name, Analysis.Name, Plan.Name, FileList.Name}
