package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/youruser/patchwork/internal/changeset"
	"github.com/youruser/patchwork/internal/orchestrator"
	"github.com/youruser/patchwork/internal/parse"
	"github.com/youruser/patchwork/internal/types"
)

// RunPlanTool handles patchwork_run_plan.
type RunPlanTool struct {
	deps Deps
}

// NewRunPlanTool creates a RunPlanTool.
func NewRunPlanTool(deps Deps) *RunPlanTool {
	return &RunPlanTool{deps: deps}
}

// Definition returns the MCP tool definition for patchwork_run_plan.
func (t *RunPlanTool) Definition() mcp.Tool {
	return mcp.NewTool("patchwork_run_plan",
		mcp.WithDescription("Execute an implementation plan step by step against a directory and return the combined change set."),
		mcp.WithString("dir", mcp.Required(), mcp.Description("Repository directory")),
		mcp.WithString("task", mcp.Required(), mcp.Description("Overall task description")),
		mcp.WithString("plan", mcp.Required(), mcp.Description("Plan as YAML, JSON or <implementation_plan> XML")),
		mcp.WithString("model", mcp.Description("Model id (defaults to the configured model)")),
		mcp.WithBoolean("apply", mcp.Description("Write the change set to dir (default: false)")),
	)
}

// Handle processes the patchwork_run_plan tool call.
func (t *RunPlanTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, task, planText := req.GetString("dir", ""), req.GetString("task", ""), req.GetString("plan", "")
	if dir == "" || task == "" || planText == "" {
		return mcp.NewToolResultError("'dir', 'task' and 'plan' are required"), nil
	}
	plan, err := parse.DecodePlan(planText)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	files, err := loadDir(ctx, dir, t.deps.Fetch)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	taskReq := types.TaskRequest{
		ID:    uuid.NewString(),
		Model: model(req, t.deps.Model),
		Task:  task,
		Files: files,
	}
	log.Info("MCP run_plan %s: %d steps over %d files", taskReq.ID, len(plan.Steps), len(files))

	res, err := t.deps.Orchestrator.Run(ctx, taskReq, plan)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n\n", res.ChangeSet.Title)
	for _, s := range res.Steps {
		if s.State == orchestrator.StateFailed {
			fmt.Fprintf(&b, "- step %d %s: failed (%s)\n", s.Index+1, s.Title, s.Message())
		} else {
			fmt.Fprintf(&b, "- step %d %s: %s\n", s.Index+1, s.Title, s.State)
		}
	}
	fmt.Fprintf(&b, "\nTokens: %s, cost $%.4f\n", humanize.Comma(int64(res.Usage.TotalTokens())), res.Usage.Cost)

	if boolArg(req, "apply", false) {
		applied, err := changeset.Apply(dir, res.ChangeSet)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("apply failed: %v", err)), nil
		}
		fmt.Fprintf(&b, "Applied: %d written, %d deleted\n", len(applied.Written), len(applied.Deleted))
	}

	b.WriteString("\n")
	b.WriteString(changeset.Format(res.ChangeSet))
	return mcp.NewToolResultText(b.String()), nil
}
