package server

import (
	"context"
	"encoding/json"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/kb"
	"github.com/fyrsmithlabs/knowledged/internal/task"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

// analyzeCodeLimit bounds the related patterns one analysis retrieves.
const analyzeCodeLimit = 10

// registerTaskHandlers binds every task type to its workflow. Handlers
// run on the worker pool and use components only through the server's
// references; none of them calls back into the task manager.
func (s *Server) registerTaskHandlers() {
	s.tasks.RegisterHandler(task.TypeAnalyzeCode, s.runAnalyzeCode)
	s.tasks.RegisterHandler(task.TypeCrawlDocs, s.runCrawlDocs)
	s.tasks.RegisterHandler(task.TypeDebugIssue, s.runDebugIssue)
	s.tasks.RegisterHandler(task.TypeCreateADR, s.runCreateADR)
	s.tasks.RegisterHandler(task.TypeIndexPattern, s.runIndexPattern)
}

// analyzeCodeResult is the result payload of an analyze-code task.
type analyzeCodeResult struct {
	Related []kb.SearchResult `json:"related"`
	Summary string            `json:"summary"`
}

// runAnalyzeCode retrieves patterns and decisions similar to the
// submitted code.
func (s *Server) runAnalyzeCode(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req AnalyzeCodeRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode analyze-code input", err)
	}
	if req.Code == "" {
		return nil, errkind.New(errkind.ValidationFailed, "code is required")
	}

	query := req.Code
	if req.Context != "" {
		query = req.Context + "\n" + query
	}
	related, _, err := s.kb.Search(ctx, query, analyzeCodeLimit, &vectorstore.Filter{
		Kinds: []string{kb.KindCode, kb.KindADR},
	})
	if err != nil {
		return nil, err
	}

	summary := "no similar patterns indexed"
	if len(related) > 0 {
		summary = related[0].Pattern.Title
	}
	return json.Marshal(analyzeCodeResult{Related: related, Summary: summary})
}

// runCrawlDocs crawls and indexes the requested URLs.
func (s *Server) runCrawlDocs(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req CrawlDocsRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode crawl-docs input", err)
	}
	report, err := s.docs.Crawl(ctx, req.URLs, req.SourceType)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

// runDebugIssue produces a diagnostic plan for the issue.
func (s *Server) runDebugIssue(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req DebugIssueRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode debug-issue input", err)
	}
	analysis, err := s.debugger.Analyze(ctx, req.Description, req.Context)
	if err != nil {
		return nil, err
	}
	return json.Marshal(analysis)
}

// runCreateADR creates an ADR asynchronously (the synchronous HTTP
// route exists too; this variant serves the SSE tool channel).
func (s *Server) runCreateADR(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req CreateADRRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode create-adr input", err)
	}
	if req.Title == "" || req.Decision == "" {
		return nil, errkind.New(errkind.ValidationFailed, "title and decision are required")
	}
	record, err := s.adrs.Create(ctx, req.Title, req.body(), req.Tags)
	if err != nil {
		return nil, err
	}
	return json.Marshal(record)
}

// runIndexPattern indexes one pattern supplied inline.
func (s *Server) runIndexPattern(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var p kb.Pattern
	if err := json.Unmarshal(input, &p); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "decode index-pattern input", err)
	}
	id, err := s.kb.Index(ctx, p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"id": id})
}
