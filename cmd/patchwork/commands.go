package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/youruser/patchwork/internal/changeset"
	"github.com/youruser/patchwork/internal/kinds"
	"github.com/youruser/patchwork/internal/mcpserver"
	"github.com/youruser/patchwork/internal/progress"
	"github.com/youruser/patchwork/internal/prompt"
	"github.com/youruser/patchwork/internal/types"
)

func init() {
	for _, c := range []*cobra.Command{runCmd, generateCmd, indexCmd, estimateCmd} {
		c.Flags().StringP("dir", "d", ".", "Repository directory")
	}
	for _, c := range []*cobra.Command{runCmd, generateCmd, estimateCmd} {
		c.Flags().StringP("task", "t", "", "Task description")
		_ = c.MarkFlagRequired("task")
	}
	for _, c := range []*cobra.Command{runCmd, generateCmd} {
		c.Flags().Bool("apply", false, "Write the change set to the directory")
		c.Flags().Bool("json", false, "Print the result as JSON")
	}
	runCmd.Flags().StringP("plan", "p", "", "Plan file (YAML, JSON or XML)")
	_ = runCmd.MarkFlagRequired("plan")
	runCmd.Flags().String("title", "", "Title for the combined change set")
	runCmd.Flags().String("branch", "", "Branch name for the retrieval index")
	indexCmd.Flags().String("branch", "", "Branch name for the retrieval index")

	rootCmd.AddCommand(serveCmd, mcpCmd, runCmd, generateCmd, indexCmd, estimateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON-lines protocol on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		configPath = path
		defer closeApp()
		return serve(cmd.Context(), cmd.InOrStdin())
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve patchwork tools over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromCmd(cmd)
		if err != nil {
			return err
		}
		defer closeApp()
		s := mcpserver.New(mcpserver.Deps{
			Planner:      a.planner,
			Orchestrator: a.orchestrator(progress.Log{}, ""),
			Model:        a.cfg.DefaultModel,
			Fetch:        a.fetchOptions(),
		}, versionString())
		return mcpserver.Serve(s)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute an implementation plan step by step",
	Example: `
# Run a plan and print the change set
patchwork run --plan plan.yaml --task "Add rate limiting" --dir .

# Run and write the result
patchwork run -p plan.yaml -t "Add rate limiting" --apply
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromCmd(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		planPath, _ := cmd.Flags().GetString("plan")
		plan, err := loadPlan(planPath)
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("dir")
		branch, _ := cmd.Flags().GetString("branch")
		files, err := a.loadDir(cmd.Context(), dir)
		if err != nil {
			return err
		}
		scope := scopeFor(dir, branch)
		if _, err := a.index(cmd.Context(), scope, files); err != nil {
			log.Warn("Indexing failed, retrieval falls back to all files: %v", err)
		}

		req := taskRequest(cmd, a, files)
		req.Scope = scope
		title, _ := cmd.Flags().GetString("title")
		res, err := a.orchestrator(stepPrinter{cmd.ErrOrStderr()}, title).Run(cmd.Context(), req, plan)
		if err != nil {
			return err
		}
		return finish(cmd, dir, res.ChangeSet, res.Usage, res)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a change set for the whole directory in one call",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromCmd(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		dir, _ := cmd.Flags().GetString("dir")
		files, err := a.loadDir(cmd.Context(), dir)
		if err != nil {
			return err
		}
		cs, usage, err := a.orchestrator(progress.Log{}, "").Generate(cmd.Context(), taskRequest(cmd, a, files))
		if err != nil {
			return err
		}
		return finish(cmd, dir, cs, usage, cs)
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed the directory's files for retrieval",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromCmd(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		dir, _ := cmd.Flags().GetString("dir")
		branch, _ := cmd.Flags().GetString("branch")
		files, err := a.loadDir(cmd.Context(), dir)
		if err != nil {
			return err
		}
		stats, err := a.index(cmd.Context(), scopeFor(dir, branch), files)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d files: %d embedded, %d unchanged, %d removed (%s)\n",
			len(files), stats.Embedded, stats.Unchanged, stats.Removed, humanize.Bytes(uint64(stats.Bytes)))
		return nil
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Show how the directory fits the model's token budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := appFromCmd(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		dir, _ := cmd.Flags().GetString("dir")
		files, err := a.loadDir(cmd.Context(), dir)
		if err != nil {
			return err
		}
		req := taskRequest(cmd, a, files)
		skeleton := prompt.Frame(kinds.System, prompt.Build(kinds.CodeChangesTemplate, req.Task, nil))
		limit, err := a.planner.ApplyTokenLimit(req.Model, skeleton, files)
		if err != nil {
			return err
		}
		chunks, err := a.planner.SplitInChunks(req.Model, skeleton, files)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Model:    %s\n", req.Model)
		fmt.Fprintf(out, "Files:    %d (%d fit in one call)\n", len(files), len(limit.Files))
		fmt.Fprintf(out, "Prompt:   %s tokens\n", humanize.Comma(int64(limit.PromptTokens)))
		fmt.Fprintf(out, "Ceiling:  %s tokens for files\n", humanize.Comma(int64(limit.Ceiling)))
		fmt.Fprintf(out, "Chunks:   %d\n", len(chunks))
		return nil
	},
}

func taskRequest(cmd *cobra.Command, a *app, files []types.File) types.TaskRequest {
	task, _ := cmd.Flags().GetString("task")
	model, _ := cmd.Flags().GetString("model")
	return types.TaskRequest{
		ID:    uuid.NewString(),
		Model: a.model(model),
		Task:  task,
		Files: files,
	}
}

// finish applies and prints a change set. asJSON prints report instead of
// the rendered change set.
func finish(cmd *cobra.Command, dir string, cs *types.ChangeSet, usage types.Usage, report any) error {
	out := cmd.OutOrStdout()
	if apply, _ := cmd.Flags().GetBool("apply"); apply {
		applied, err := changeset.Apply(dir, cs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Applied: %d written, %d deleted\n", len(applied.Written), len(applied.Deleted))
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, changeset.Format(cs))
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d files, %s tokens, $%.4f\n",
		cs.Title, cs.Len(), humanize.Comma(int64(usage.TotalTokens())), usage.Cost)
	return nil
}

// stepPrinter reports step progress on the terminal.
type stepPrinter struct {
	w io.Writer
}

func (p stepPrinter) Notify(_ string, event progress.EventType, payload any) {
	switch v := payload.(type) {
	case progress.StepStatus:
		switch v.State {
		case progress.StepError:
			fmt.Fprintf(p.w, "step %d %s: failed: %s\n", v.Index+1, v.Title, v.Error)
		case progress.StepCompleted:
			fmt.Fprintf(p.w, "step %d %s: done\n", v.Index+1, v.Title)
		}
	case progress.Error:
		fmt.Fprintf(p.w, "error: %s\n", v.Message)
	default:
		log.Debug("Event %s: %+v", event, payload)
	}
}
