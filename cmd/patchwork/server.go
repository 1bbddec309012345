package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/youruser/patchwork/internal/budget"
	"github.com/youruser/patchwork/internal/changeset"
	"github.com/youruser/patchwork/internal/chunk"
	"github.com/youruser/patchwork/internal/kinds"
	"github.com/youruser/patchwork/internal/llm"
	"github.com/youruser/patchwork/internal/orchestrator"
	"github.com/youruser/patchwork/internal/parse"
	"github.com/youruser/patchwork/internal/progress"
	"github.com/youruser/patchwork/internal/prompt"
	"github.com/youruser/patchwork/internal/types"
)

var (
	respondMu  sync.Mutex
	configPath string
)

// serve reads one JSON request per line until r is exhausted.
func serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		handleRequest(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			respond("", map[string]any{
				"type":    "error",
				"message": "Request too large (max 16MB). Send a directory instead of inline files.",
			})
		}
		return err
	}
	return nil
}

func handleRequest(ctx context.Context, line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Error("Invalid JSON request: %s", line)
		respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	log.Request(action, line)
	reqID := requestID(req)

	switch action {
	case "ping":
		respond(reqID, map[string]any{"type": "ok"})

	case "version":
		respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "estimate":
		handleEstimate(reqID, req)

	case "recover":
		handleRecover(reqID, req)

	case "models", "apply_token_limit", "split_chunks", "process", "analyze", "run_plan", "generate", "index":
		a, err := ensureApp(ctx, configPath)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		switch action {
		case "models":
			handleModels(ctx, reqID, a)
		case "apply_token_limit", "split_chunks":
			handleBudget(ctx, reqID, a, action, req)
		case "process":
			handleProcess(ctx, reqID, a, req)
		case "analyze":
			handleAnalyze(ctx, reqID, a, req)
		case "run_plan":
			handleRunPlan(ctx, reqID, a, req)
		case "generate":
			handleGenerate(ctx, reqID, a, req)
		case "index":
			handleIndex(ctx, reqID, a, req)
		}

	default:
		respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown action: %s", action)})
	}
}

func handleEstimate(reqID string, req map[string]any) {
	textsRaw, ok := req["texts"].([]any)
	if !ok || len(textsRaw) == 0 {
		respond(reqID, map[string]any{"type": "error", "message": "Missing or empty 'texts' array"})
		return
	}
	tokens := make([]int, len(textsRaw))
	for i, v := range textsRaw {
		s, _ := v.(string)
		tokens[i] = llm.EstimateTokensSimple(s)
	}
	respond(reqID, map[string]any{"type": "token_estimate", "tokens": tokens})
}

func handleRecover(reqID string, req map[string]any) {
	raw, _ := req["response"].(string)
	if raw == "" {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: response"})
		return
	}
	report := parse.Detect(raw)
	cs, err := parse.ParseOrRecover(raw)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{
		"type":       "change_set",
		"change_set": cs,
		"truncated":  report.Truncated,
		"reasons":    report.Reasons,
	})
}

func handleModels(ctx context.Context, reqID string, a *app) {
	if c, ok := a.provider.(*llm.Client); ok {
		if n, err := c.RefreshRegistry(ctx, a.registry); err != nil {
			log.Warn("Model list refresh failed: %v", err)
		} else {
			log.Info("Model list refresh added %d models", n)
		}
	}
	respond(reqID, map[string]any{"type": "models", "models": a.registry.Models()})
}

// taskFromRequest reads task, model, params and the candidate files. Files
// come inline ("files") or from a directory ("dir").
func taskFromRequest(ctx context.Context, a *app, req map[string]any) (types.TaskRequest, error) {
	task := types.TaskRequest{ID: uuid.NewString()}
	task.Task, _ = req["task"].(string)
	model, _ := req["model"].(string)
	task.Model = a.model(model)

	if err := decodeField(req, "params", &task.Params); err != nil {
		return task, err
	}
	if err := decodeField(req, "files", &task.Files); err != nil {
		return task, err
	}
	if dir, _ := req["dir"].(string); dir != "" && task.Files == nil {
		files, err := a.loadDir(ctx, dir)
		if err != nil {
			return task, err
		}
		task.Files = files
		branch, _ := req["branch"].(string)
		task.Scope = scopeFor(dir, branch)
	}
	return task, nil
}

// decodeField converts req[key] into out via JSON. A missing key leaves out
// untouched.
func decodeField(req map[string]any, key string, out any) error {
	v, ok := req[key]
	if !ok || v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid field %q: %w", key, err)
	}
	return nil
}

func handleBudget(ctx context.Context, reqID string, a *app, action string, req map[string]any) {
	task, err := taskFromRequest(ctx, a, req)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	template, _ := req["template"].(string)
	if template == "" {
		template = kinds.CodeChangesTemplate
	}
	skeleton := prompt.Frame(kinds.System, prompt.Build(template, task.Task, task.Params))

	if action == "apply_token_limit" {
		limit, err := a.planner.ApplyTokenLimit(task.Model, skeleton, task.Files)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		respond(reqID, map[string]any{
			"type":          "token_limit",
			"files":         paths(limit.Files),
			"file_tokens":   limit.FileTokens,
			"prompt_tokens": limit.PromptTokens,
			"ceiling":       limit.Ceiling,
			"dropped":       limit.Dropped,
		})
		return
	}

	chunks, err := a.planner.SplitInChunks(task.Model, skeleton, task.Files)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{"type": "chunks", "chunks": chunkSummaries(chunks)})
}

func paths(files []types.File) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

func chunkSummaries(chunks []budget.Chunk) []map[string]any {
	out := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		out[i] = map[string]any{"index": c.Index, "files": paths(c.Files), "tokens": c.Tokens}
	}
	return out
}

func handleProcess(ctx context.Context, reqID string, a *app, req map[string]any) {
	task, err := taskFromRequest(ctx, a, req)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	p := a.processor(events(reqID))
	kind, _ := req["kind"].(string)

	var value any
	var usage types.Usage
	var chunks int
	switch kind {
	case "", kinds.CodeChanges.Name:
		res, err := chunk.Process(ctx, p, kinds.CodeChanges, task)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		value, usage, chunks = res.Value, res.Usage, res.Chunks
	case kinds.Analysis.Name:
		res, err := chunk.Process(ctx, p, kinds.Analysis, task)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		value, usage, chunks = res.Value, res.Usage, res.Chunks
	case kinds.Plan.Name:
		res, err := chunk.Process(ctx, p, kinds.Plan, task)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		value, usage, chunks = res.Value, res.Usage, res.Chunks
	case kinds.FileList.Name:
		res, err := chunk.Process(ctx, p, kinds.FileList, task)
		if err != nil {
			respond(reqID, errorResponse(err))
			return
		}
		value, usage, chunks = res.Value, res.Usage, res.Chunks
	default:
		respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown kind: %s", kind)})
		return
	}

	respond(reqID, map[string]any{
		"type":    "result",
		"task_id": task.ID,
		"kind":    kind,
		"value":   value,
		"chunks":  chunks,
		"usage":   usage,
	})
}

// handleAnalyze runs a kind once per attachment, each call seeing only its
// own attachment. Without attachments the request files are used.
func handleAnalyze(ctx context.Context, reqID string, a *app, req map[string]any) {
	task, err := taskFromRequest(ctx, a, req)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	var inputs []types.File
	if err := decodeField(req, "attachments", &inputs); err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	if len(inputs) == 0 {
		inputs = task.Files
	}
	if len(inputs) == 0 {
		respond(reqID, map[string]any{"type": "error", "message": "Nothing to analyze: send 'attachments', 'files' or 'dir'"})
		return
	}
	task.Files = nil

	p := a.processor(events(reqID))
	kind, _ := req["kind"].(string)
	var results []map[string]any
	var usage types.Usage
	switch kind {
	case "", kinds.Analysis.Name:
		kind = kinds.Analysis.Name
		results, usage, err = analyzeEach(ctx, p, kinds.Analysis, task, inputs)
	case kinds.FileList.Name:
		results, usage, err = analyzeEach(ctx, p, kinds.FileList, task, inputs)
	default:
		respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown kind for analyze: %s", kind)})
		return
	}
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	respond(reqID, map[string]any{
		"type":    "analysis",
		"task_id": task.ID,
		"kind":    kind,
		"results": results,
		"usage":   usage,
	})
}

func analyzeEach[T any](ctx context.Context, p *chunk.Processor, kind chunk.Kind[T], task types.TaskRequest, inputs []types.File) ([]map[string]any, types.Usage, error) {
	res, err := chunk.Analyze(ctx, p, kind, task, inputs)
	if err != nil {
		return nil, types.Usage{}, err
	}
	var usage types.Usage
	out := make([]map[string]any, len(res))
	for i, r := range res {
		usage = usage.Add(r.Usage)
		out[i] = map[string]any{"path": inputs[i].Path, "value": r.Value}
	}
	return out, usage, nil
}

func handleRunPlan(ctx context.Context, reqID string, a *app, req map[string]any) {
	task, err := taskFromRequest(ctx, a, req)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	var plan *types.Plan
	switch v := req["plan"].(type) {
	case string:
		plan, err = parse.DecodePlan(v)
	case map[string]any:
		plan = &types.Plan{}
		err = decodeField(req, "plan", plan)
		if err == nil {
			err = parse.ValidatePlan(plan)
		}
	default:
		err = types.ErrNoPlan
	}
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	if task.Scope.Repo != "" {
		if _, err := a.index(ctx, task.Scope, task.Files); err != nil {
			log.Warn("Indexing failed, retrieval falls back to request files: %v", err)
		}
	}

	title, _ := req["title"].(string)
	res, err := a.orchestrator(events(reqID), title).Run(ctx, task, plan)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}

	resp := map[string]any{
		"type":       "run_result",
		"task_id":    task.ID,
		"change_set": res.ChangeSet,
		"summaries":  res.Summaries,
		"steps":      stepList(res.Steps),
		"usage":      res.Usage,
	}
	if !applyIfRequested(reqID, req, res.ChangeSet, resp) {
		return
	}
	respond(reqID, resp)
}

func stepList(steps []orchestrator.StepOutcome) []map[string]any {
	out := make([]map[string]any, len(steps))
	for i, s := range steps {
		out[i] = map[string]any{"index": s.Index, "title": s.Title, "state": s.State}
		if msg := s.Message(); msg != "" {
			out[i]["error"] = msg
		}
	}
	return out
}

func handleGenerate(ctx context.Context, reqID string, a *app, req map[string]any) {
	task, err := taskFromRequest(ctx, a, req)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	cs, usage, err := a.orchestrator(events(reqID), "").Generate(ctx, task)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	resp := map[string]any{
		"type":       "run_result",
		"task_id":    task.ID,
		"change_set": cs,
		"usage":      usage,
	}
	if !applyIfRequested(reqID, req, cs, resp) {
		return
	}
	respond(reqID, resp)
}

// applyIfRequested writes cs to req["dir"] when req["apply"] is true. It
// responds with an error and returns false on failure.
func applyIfRequested(reqID string, req map[string]any, cs *types.ChangeSet, resp map[string]any) bool {
	apply, _ := req["apply"].(bool)
	dir, _ := req["dir"].(string)
	if !apply {
		return true
	}
	if dir == "" {
		respond(reqID, map[string]any{"type": "error", "message": "apply requires 'dir'"})
		return false
	}
	applied, err := changeset.Apply(dir, cs)
	if err != nil {
		respond(reqID, errorResponse(err))
		return false
	}
	resp["applied"] = applied
	return true
}

func handleIndex(ctx context.Context, reqID string, a *app, req map[string]any) {
	dir, _ := req["dir"].(string)
	if dir == "" {
		respond(reqID, map[string]any{"type": "error", "message": "Missing required field: dir"})
		return
	}
	files, err := a.loadDir(ctx, dir)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	branch, _ := req["branch"].(string)
	stats, err := a.index(ctx, scopeFor(dir, branch), files)
	if err != nil {
		respond(reqID, errorResponse(err))
		return
	}
	respond(reqID, map[string]any{"type": "indexed", "files": len(files), "stats": stats})
}

// events streams notifications for one request to stdout and the debug log.
func events(reqID string) progress.Notifier {
	return progress.Multi{progress.NewWriter(os.Stdout, reqID), progress.Log{}}
}

func errorResponse(err error) map[string]any {
	return map[string]any{"type": "error", "message": userMessage(err)}
}

func respond(reqID string, data map[string]any) {
	out, _ := json.Marshal(addResponseID(reqID, data))
	msgType, _ := data["type"].(string)
	respondMu.Lock()
	defer respondMu.Unlock()
	log.Response(msgType, string(out))
	fmt.Println(string(out))
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}
