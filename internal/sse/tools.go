package sse

import (
	"context"
	"encoding/json"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/task"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

// field describes one schema property.
type field struct {
	typ      string
	desc     string
	required bool
}

// tool is one registered named operation.
type tool struct {
	name        string
	description string
	fields      map[string]field
	handler     func(ctx context.Context, s *session, args json.RawMessage) (any, error)
}

// schema renders the declared input as a JSON-schema object.
func (t *tool) schema() map[string]any {
	props := make(map[string]any, len(t.fields))
	var required []string
	for name, f := range t.fields {
		props[name] = map[string]any{"type": f.typ, "description": f.desc}
		if f.required {
			required = append(required, name)
		}
	}
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// validate checks required fields are present and non-empty.
func (t *tool) validate(args json.RawMessage) error {
	var parsed map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return errkind.Wrap(errkind.ValidationFailed, "args must be a JSON object", err)
		}
	}
	for name, f := range t.fields {
		if !f.required {
			continue
		}
		value, ok := parsed[name]
		if !ok {
			return errkind.Newf(errkind.ValidationFailed, "%s: %q is required", t.name, name)
		}
		switch v := value.(type) {
		case string:
			if v == "" {
				return errkind.Newf(errkind.ValidationFailed, "%s: %q must not be empty", t.name, name)
			}
		case []any:
			if len(v) == 0 {
				return errkind.Newf(errkind.ValidationFailed, "%s: %q must not be empty", t.name, name)
			}
		}
	}
	return nil
}

func (t *Transport) register(tl *tool) {
	if _, exists := t.byName[tl.name]; exists {
		return
	}
	t.tools = append(t.tools, tl)
	t.byName[tl.name] = tl
}

// registerTools populates the tool table from the available components.
// Tools whose dependency is missing are not registered at all, so the
// ready manifest reflects what can actually run.
func (t *Transport) registerTools() {
	if t.deps.KB != nil && t.available("kb") {
		t.register(&tool{
			name:        "vector-search",
			description: "Raw similarity search returning pattern ids and scores.",
			fields: map[string]field{
				"query": {typ: "string", desc: "Search text", required: true},
				"limit": {typ: "integer", desc: "Maximum results (default 5)"},
			},
			handler: t.handleVectorSearch,
		})
		t.register(&tool{
			name:        "knowledge-search",
			description: "Filtered similarity search over indexed patterns.",
			fields: map[string]field{
				"query": {typ: "string", desc: "Search text", required: true},
				"kind":  {typ: "string", desc: "Restrict to one pattern kind"},
				"limit": {typ: "integer", desc: "Maximum results (default 5)"},
			},
			handler: t.handleKnowledgeSearch,
		})
	}

	if t.deps.ADRs != nil && t.available("adr") {
		t.register(&tool{
			name:        "adr-list",
			description: "List architecture decision records.",
			fields: map[string]field{
				"status": {typ: "string", desc: "Restrict to one status"},
			},
			handler: t.handleADRList,
		})
		t.register(&tool{
			name:        "adr-get",
			description: "Fetch one architecture decision record by id.",
			fields: map[string]field{
				"id": {typ: "string", desc: "ADR id", required: true},
			},
			handler: t.handleADRGet,
		})
	}

	if t.deps.Tasks != nil && t.available("tasks") {
		t.register(&tool{
			name:        "task-status",
			description: "Fetch the current state of a task.",
			fields: map[string]field{
				"task_id": {typ: "string", desc: "Task id", required: true},
			},
			handler: t.handleTaskStatus,
		})
		t.register(&tool{
			name:        "task-cancel",
			description: "Cancel a queued or running task.",
			fields: map[string]field{
				"task_id": {typ: "string", desc: "Task id", required: true},
			},
			handler: t.handleTaskCancel,
		})
		t.register(&tool{
			name:        "analyze-code",
			description: "Submit code for pattern analysis; streams task updates.",
			fields: map[string]field{
				"code":    {typ: "string", desc: "Source text to analyze", required: true},
				"context": {typ: "string", desc: "Optional surrounding context"},
			},
			handler: t.submitTool(task.TypeAnalyzeCode),
		})
		t.register(&tool{
			name:        "crawl-docs",
			description: "Crawl and index documentation URLs; streams task updates.",
			fields: map[string]field{
				"urls":        {typ: "array", desc: "URLs to crawl", required: true},
				"source_type": {typ: "string", desc: "Tag for the crawled source", required: true},
			},
			handler: t.submitTool(task.TypeCrawlDocs),
		})
		t.register(&tool{
			name:        "debug-issue",
			description: "Run debug analysis on an issue; streams task updates.",
			fields: map[string]field{
				"description": {typ: "string", desc: "Issue description", required: true},
				"context":     {typ: "string", desc: "Optional extra context"},
			},
			handler: t.submitTool(task.TypeDebugIssue),
		})
	}
}

type searchArgs struct {
	Query string `json:"query"`
	Kind  string `json:"kind"`
	Limit int    `json:"limit"`
}

func (t *Transport) handleVectorSearch(ctx context.Context, _ *session, raw json.RawMessage) (any, error) {
	var args searchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode args", err)
	}
	if args.Limit <= 0 {
		args.Limit = 5
	}

	results, _, err := t.deps.KB.Search(ctx, args.Query, args.Limit, nil)
	if err != nil {
		return nil, err
	}
	hits := make([]map[string]any, 0, len(results))
	for _, r := range results {
		hits = append(hits, map[string]any{"id": r.Pattern.ID, "score": r.Score})
	}
	return map[string]any{"hits": hits}, nil
}

func (t *Transport) handleKnowledgeSearch(ctx context.Context, _ *session, raw json.RawMessage) (any, error) {
	var args searchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode args", err)
	}
	if args.Limit <= 0 {
		args.Limit = 5
	}

	var filter *vectorstore.Filter
	if args.Kind != "" {
		filter = &vectorstore.Filter{Kinds: []string{args.Kind}}
	}
	results, _, err := t.deps.KB.Search(ctx, args.Query, args.Limit, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"results": results, "count": len(results)}, nil
}

func (t *Transport) handleADRList(ctx context.Context, _ *session, raw json.RawMessage) (any, error) {
	var args struct {
		Status string `json:"status"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, errkind.Wrap(errkind.ValidationFailed, "decode args", err)
		}
	}
	records, err := t.deps.ADRs.List(ctx, args.Status)
	if err != nil {
		return nil, err
	}
	return map[string]any{"adrs": records, "count": len(records)}, nil
}

func (t *Transport) handleADRGet(ctx context.Context, _ *session, raw json.RawMessage) (any, error) {
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode args", err)
	}
	return t.deps.ADRs.Get(ctx, args.ID)
}

func (t *Transport) handleTaskStatus(ctx context.Context, _ *session, raw json.RawMessage) (any, error) {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode args", err)
	}
	return t.deps.Tasks.Get(ctx, args.TaskID)
}

func (t *Transport) handleTaskCancel(ctx context.Context, _ *session, raw json.RawMessage) (any, error) {
	var args struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode args", err)
	}
	if err := t.deps.Tasks.Cancel(ctx, args.TaskID); err != nil {
		return nil, err
	}
	return map[string]any{"task_id": args.TaskID, "canceled": true}, nil
}

// submitTool builds a handler that queues a task and streams its state
// updates back on the session.
func (t *Transport) submitTool(typ task.Type) func(context.Context, *session, json.RawMessage) (any, error) {
	return func(ctx context.Context, s *session, raw json.RawMessage) (any, error) {
		taskID, err := t.deps.Tasks.Submit(ctx, typ, raw)
		if err != nil {
			return nil, err
		}
		t.streamTask(s, taskID)
		return map[string]any{"task_id": taskID, "state": string(task.StateQueued)}, nil
	}
}
