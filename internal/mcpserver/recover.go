package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/youruser/patchwork/internal/changeset"
	"github.com/youruser/patchwork/internal/parse"
)

// RecoverTool handles patchwork_recover.
type RecoverTool struct{}

// NewRecoverTool creates a RecoverTool.
func NewRecoverTool() *RecoverTool {
	return &RecoverTool{}
}

// Definition returns the MCP tool definition for patchwork_recover.
func (t *RecoverTool) Definition() mcp.Tool {
	return mcp.NewTool("patchwork_recover",
		mcp.WithDescription("Parse a code_changes response, salvaging complete files if it was truncated."),
		mcp.WithString("response", mcp.Required(), mcp.Description("Raw model response")),
	)
}

// Handle processes the patchwork_recover tool call.
func (t *RecoverTool) Handle(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := req.GetString("response", "")
	if raw == "" {
		return mcp.NewToolResultError("'response' is required"), nil
	}

	report := parse.Detect(raw)
	cs, err := parse.ParseOrRecover(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("nothing recovered: %v", err)), nil
	}

	header := fmt.Sprintf("Recovered %d files (truncated: %t)\n\n", cs.Len(), report.Truncated)
	return mcp.NewToolResultText(header + changeset.Format(cs)), nil
}
