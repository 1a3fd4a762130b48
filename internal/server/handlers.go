package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
	"github.com/fyrsmithlabs/knowledged/internal/task"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 100
)

// bindAndValidate decodes the body and runs struct validation.
func (s *Server) bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return errkind.Wrap(errkind.ValidationFailed, "invalid request body", err)
	}
	if err := s.validate.Struct(req); err != nil {
		return err
	}
	return nil
}

// submit queues a task and answers with its id.
func (s *Server) submit(c echo.Context, typ task.Type, input any) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "encode task input", err)
	}
	id, err := s.tasks.Submit(c.Request().Context(), typ, raw)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"task_id": id,
		"state":   string(task.StateQueued),
	})
}

// AnalyzeCodeRequest is the body of POST /tools/analyze-code.
type AnalyzeCodeRequest struct {
	Code    string `json:"code" validate:"required"`
	Context string `json:"context"`
}

func (s *Server) handleAnalyzeCode(c echo.Context) error {
	var req AnalyzeCodeRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	return s.submit(c, task.TypeAnalyzeCode, req)
}

// DebugIssueRequest is the body of POST /tools/debug-issue.
type DebugIssueRequest struct {
	Description string `json:"description" validate:"required"`
	Context     string `json:"context"`
}

func (s *Server) handleDebugIssue(c echo.Context) error {
	var req DebugIssueRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	return s.submit(c, task.TypeDebugIssue, req)
}

// CrawlDocsRequest is the body of POST /tools/crawl-docs.
type CrawlDocsRequest struct {
	URLs       []string `json:"urls" validate:"required,min=1,dive,url"`
	SourceType string   `json:"source_type" validate:"required"`
}

func (s *Server) handleCrawlDocs(c echo.Context) error {
	var req CrawlDocsRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	return s.submit(c, task.TypeCrawlDocs, req)
}

// CreateADRRequest is the body of POST /tools/create-adr.
type CreateADRRequest struct {
	Title    string   `json:"title" validate:"required"`
	Decision string   `json:"decision" validate:"required"`
	Context  string   `json:"context"`
	Options  []string `json:"options"`
	Tags     []string `json:"tags"`
}

// body renders the ADR sections as markdown.
func (r *CreateADRRequest) body() string {
	var b strings.Builder
	if r.Context != "" {
		b.WriteString("## Context\n\n")
		b.WriteString(r.Context)
		b.WriteString("\n\n")
	}
	b.WriteString("## Decision\n\n")
	b.WriteString(r.Decision)
	b.WriteString("\n")
	if len(r.Options) > 0 {
		b.WriteString("\n## Options Considered\n\n")
		for _, opt := range r.Options {
			b.WriteString("- ")
			b.WriteString(opt)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (s *Server) handleCreateADR(c echo.Context) error {
	var req CreateADRRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	record, err := s.adrs.Create(c.Request().Context(), req.Title, req.body(), req.Tags)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

// SearchKnowledgeRequest is the body of POST /tools/search-knowledge.
type SearchKnowledgeRequest struct {
	Query    string `json:"query" validate:"required"`
	Kind     string `json:"kind" validate:"omitempty,oneof=code adr doc debug-note"`
	Tag      string `json:"tag"`
	Language string `json:"language"`
	Limit    int    `json:"limit" validate:"omitempty,min=1"`
}

func (s *Server) handleSearchKnowledge(c echo.Context) error {
	var req SearchKnowledgeRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}

	var filter *vectorstore.Filter
	if req.Kind != "" || req.Tag != "" || req.Language != "" {
		filter = &vectorstore.Filter{Tag: req.Tag, Language: req.Language}
		if req.Kind != "" {
			filter.Kinds = []string{req.Kind}
		}
	}

	results, cached, err := s.kb.Search(c.Request().Context(), req.Query, req.Limit, filter)
	if err != nil {
		return err
	}

	if cached {
		c.Response().Header().Set("x-cache", "hit")
	} else {
		c.Response().Header().Set("x-cache", "miss")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleGetTask(c echo.Context) error {
	t, err := s.tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) handleListADRs(c echo.Context) error {
	records, err := s.adrs.List(c.Request().Context(), c.QueryParam("status"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"adrs":  records,
		"count": len(records),
	})
}

func (s *Server) handleGetADR(c echo.Context) error {
	record, err := s.adrs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

// PatchADRRequest is the body of PATCH /adrs/{id}.
type PatchADRRequest struct {
	Status string `json:"status" validate:"required,oneof=proposed accepted implemented deprecated superseded"`
}

func (s *Server) handlePatchADR(c echo.Context) error {
	var req PatchADRRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	record, err := s.adrs.Transition(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

// SupersedeADRRequest is the body of POST /adrs/{id}/supersede.
type SupersedeADRRequest struct {
	Title    string   `json:"title" validate:"required"`
	Decision string   `json:"decision" validate:"required"`
	Context  string   `json:"context"`
	Options  []string `json:"options"`
	Tags     []string `json:"tags"`
}

func (s *Server) handleSupersedeADR(c echo.Context) error {
	var req SupersedeADRRequest
	if err := s.bindAndValidate(c, &req); err != nil {
		return err
	}
	body := (&CreateADRRequest{
		Title:    req.Title,
		Decision: req.Decision,
		Context:  req.Context,
		Options:  req.Options,
	}).body()
	successor, err := s.adrs.Supersede(c.Request().Context(), c.Param("id"), req.Title, body, req.Tags)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, successor)
}

func (s *Server) handleHealth(c echo.Context) error {
	snap := s.health.Check(c.Request().Context())
	status := http.StatusOK
	if snap.Status == registry.StateUnhealthy {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, snap)
}
