// Package debug turns an issue description into a sequence of
// diagnostic steps backed by prior art from the knowledge base.
package debug

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/kb"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/knowledged/internal/debug")

// priorArtLimit bounds the retrieved reference patterns per analysis.
const priorArtLimit = 5

// Diagnostic phases, in order.
const (
	PhaseObserve     = "observe"
	PhaseHypothesize = "hypothesize"
	PhaseIsolate     = "isolate"
	PhaseFix         = "fix"
	PhaseVerify      = "verify"
)

// Searcher is the slice of the knowledge base the analyzer uses.
type Searcher interface {
	Search(ctx context.Context, query string, k int, filter *vectorstore.Filter) ([]kb.SearchResult, bool, error)
}

// Reference cites one retrieved pattern.
type Reference struct {
	PatternID string  `json:"pattern_id"`
	Title     string  `json:"title"`
	Kind      string  `json:"kind"`
	Score     float32 `json:"score"`
}

// Step is one diagnostic step with its supporting references.
type Step struct {
	Phase       string      `json:"phase"`
	Description string      `json:"description"`
	References  []Reference `json:"references,omitempty"`
}

// Analysis is the structured result of one debug-issue run.
type Analysis struct {
	Issue string `json:"issue"`
	Steps []Step `json:"steps"`
}

// Analyzer builds diagnostic plans. Stateless across calls; it writes
// nothing.
type Analyzer struct {
	search Searcher
	logger *zap.Logger
}

// NewAnalyzer creates a debug analyzer.
func NewAnalyzer(search Searcher, logger *zap.Logger) (*Analyzer, error) {
	if search == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{search: search, logger: logger}, nil
}

// Name implements registry.Component.
func (a *Analyzer) Name() string { return "debug" }

// Initialize implements registry.Component.
func (a *Analyzer) Initialize(ctx context.Context) error { return nil }

// Cleanup implements registry.Component.
func (a *Analyzer) Cleanup(ctx context.Context) error { return nil }

// Status implements registry.Component.
func (a *Analyzer) Status(ctx context.Context) registry.Status {
	return registry.Status{State: registry.StateHealthy}
}

// Analyze retrieves prior art for the issue and shapes it into the five
// diagnostic phases. A degraded knowledge base yields steps without
// references rather than an error.
func (a *Analyzer) Analyze(ctx context.Context, description, extra string) (*Analysis, error) {
	ctx, span := tracer.Start(ctx, "debug.Analyze")
	defer span.End()

	if description == "" {
		return nil, errkind.New(errkind.ValidationFailed, "description is required")
	}

	query := description
	if extra != "" {
		query = description + "\n" + extra
	}

	notes := a.retrieve(ctx, query, kb.KindDebugNote)
	decisions := a.retrieve(ctx, query, kb.KindADR)
	span.SetAttributes(
		attribute.Int("debug_notes", len(notes)),
		attribute.Int("adrs", len(decisions)),
	)

	summary := firstLine(description)
	steps := []Step{
		{
			Phase:       PhaseObserve,
			Description: fmt.Sprintf("Reproduce the issue and capture the exact failure output for: %s", summary),
			References:  notes,
		},
		{
			Phase:       PhaseHypothesize,
			Description: "Form candidate causes, starting from similar past issues and the architectural decisions that shaped the affected area.",
			References:  decisions,
		},
		{
			Phase:       PhaseIsolate,
			Description: "Bisect the failure: disable or stub each candidate cause until the symptom disappears.",
		},
		{
			Phase:       PhaseFix,
			Description: "Apply the smallest change that addresses the isolated cause; note any prior fix that applies.",
			References:  notes,
		},
		{
			Phase:       PhaseVerify,
			Description: "Re-run the reproduction from the observe step and confirm the failure is gone without regressions.",
		},
	}

	return &Analysis{Issue: summary, Steps: steps}, nil
}

// retrieve runs one filtered search, swallowing retrieval errors: the
// diagnostic plan is still useful without references.
func (a *Analyzer) retrieve(ctx context.Context, query, kind string) []Reference {
	results, _, err := a.search.Search(ctx, query, priorArtLimit, &vectorstore.Filter{Kinds: []string{kind}})
	if err != nil {
		a.logger.Warn("prior-art retrieval failed", zap.String("kind", kind), zap.Error(err))
		return nil
	}

	refs := make([]Reference, 0, len(results))
	for _, r := range results {
		refs = append(refs, Reference{
			PatternID: r.Pattern.ID,
			Title:     r.Pattern.Title,
			Kind:      r.Pattern.Kind,
			Score:     r.Score,
		})
	}
	return refs
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
