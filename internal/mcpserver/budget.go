package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/youruser/patchwork/internal/kinds"
	"github.com/youruser/patchwork/internal/prompt"
)

// EstimateTool handles patchwork_estimate.
type EstimateTool struct {
	deps Deps
}

// NewEstimateTool creates an EstimateTool.
func NewEstimateTool(deps Deps) *EstimateTool {
	return &EstimateTool{deps: deps}
}

// Definition returns the MCP tool definition for patchwork_estimate.
func (t *EstimateTool) Definition() mcp.Tool {
	return mcp.NewTool("patchwork_estimate",
		mcp.WithDescription("Estimate how much of a directory fits in one code-generation prompt for a model."),
		mcp.WithString("dir", mcp.Required(), mcp.Description("Repository directory")),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task description")),
		mcp.WithString("model", mcp.Description("Model id (defaults to the configured model)")),
	)
}

// Handle processes the patchwork_estimate tool call.
func (t *EstimateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, task := req.GetString("dir", ""), req.GetString("task", "")
	if dir == "" || task == "" {
		return mcp.NewToolResultError("'dir' and 'task' are required"), nil
	}
	files, err := loadDir(ctx, dir, t.deps.Fetch)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	m := model(req, t.deps.Model)
	skeleton := prompt.Frame(kinds.System, prompt.Build(kinds.CodeChangesTemplate, task, nil))
	limit, err := t.deps.Planner.ApplyTokenLimit(m, skeleton, files)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", m)
	fmt.Fprintf(&b, "Files: %d admitted, %d dropped\n", len(limit.Files), limit.Dropped)
	fmt.Fprintf(&b, "Tokens: %s prompt + %s files of %s available\n",
		humanize.Comma(int64(limit.PromptTokens)), humanize.Comma(int64(limit.FileTokens)), humanize.Comma(int64(limit.Ceiling)))
	if limit.Dropped > 0 {
		fmt.Fprintf(&b, "First dropped: %s\n", files[len(limit.Files)].Path)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// SplitChunksTool handles patchwork_split_chunks.
type SplitChunksTool struct {
	deps Deps
}

// NewSplitChunksTool creates a SplitChunksTool.
func NewSplitChunksTool(deps Deps) *SplitChunksTool {
	return &SplitChunksTool{deps: deps}
}

// Definition returns the MCP tool definition for patchwork_split_chunks.
func (t *SplitChunksTool) Definition() mcp.Tool {
	return mcp.NewTool("patchwork_split_chunks",
		mcp.WithDescription("Show how a directory would be split into prompt-sized chunks for a model."),
		mcp.WithString("dir", mcp.Required(), mcp.Description("Repository directory")),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task description")),
		mcp.WithString("model", mcp.Description("Model id (defaults to the configured model)")),
	)
}

// Handle processes the patchwork_split_chunks tool call.
func (t *SplitChunksTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, task := req.GetString("dir", ""), req.GetString("task", "")
	if dir == "" || task == "" {
		return mcp.NewToolResultError("'dir' and 'task' are required"), nil
	}
	files, err := loadDir(ctx, dir, t.deps.Fetch)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	m := model(req, t.deps.Model)
	skeleton := prompt.Frame(kinds.System, prompt.Build(kinds.CodeChangesTemplate, task, nil))
	chunks, err := t.deps.Planner.SplitInChunks(m, skeleton, files)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d files in %d chunks for %s\n", len(files), len(chunks), m)
	for _, c := range chunks {
		fmt.Fprintf(&b, "\n## Chunk %d (%s tokens)\n", c.Index+1, humanize.Comma(int64(c.Tokens)))
		for _, f := range c.Files {
			fmt.Fprintf(&b, "- %s\n", f.Path)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}
