// Package mcpserver exposes the pipeline as MCP tools over stdio.
//
// Each tool is a struct holding its dependencies, with Definition returning
// the schema and Handle serving calls. Tool failures are reported as error
// results, not protocol errors.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/youruser/patchwork/internal/budget"
	"github.com/youruser/patchwork/internal/fetch"
	"github.com/youruser/patchwork/internal/logging"
	"github.com/youruser/patchwork/internal/orchestrator"
	"github.com/youruser/patchwork/internal/types"
)

var log = logging.Get()

// Deps are the shared components the tools call into.
type Deps struct {
	Planner      *budget.Planner
	Orchestrator *orchestrator.Orchestrator
	// Model is used when a call names none.
	Model string
	Fetch fetch.Options
}

// New returns an MCP server with every patchwork tool registered.
func New(deps Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"patchwork",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	estimate := NewEstimateTool(deps)
	s.AddTool(estimate.Definition(), estimate.Handle)

	split := NewSplitChunksTool(deps)
	s.AddTool(split.Definition(), split.Handle)

	rec := NewRecoverTool()
	s.AddTool(rec.Definition(), rec.Handle)

	if deps.Orchestrator != nil {
		run := NewRunPlanTool(deps)
		s.AddTool(run.Definition(), run.Handle)
	}
	return s
}

// Serve runs s on stdin and stdout until the client disconnects.
func Serve(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// loadDir reads the working tree at dir through the fetcher.
func loadDir(ctx context.Context, dir string, opts fetch.Options) ([]types.File, error) {
	res, err := fetch.NewFetcher(fetch.NewDirSource(dir, nil), opts).All(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	return res.Files, nil
}

func model(req mcp.CallToolRequest, fallback string) string {
	return req.GetString("model", fallback)
}

func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}
