// Package kb implements the pattern knowledge base: sidecar records on
// disk as the source of truth, vectors in the external index for search.
package kb

import (
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
)

// Pattern kinds.
const (
	KindCode      = "code"
	KindADR       = "adr"
	KindDoc       = "doc"
	KindDebugNote = "debug-note"
)

// ValidKinds lists every accepted pattern kind.
var ValidKinds = []string{KindCode, KindADR, KindDoc, KindDebugNote}

// Pattern is one knowledge base entry. The sidecar JSON under
// <kb_dir>/patterns/<id>.json is authoritative; the vector payload
// carries a searchable subset.
type Pattern struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags,omitempty"`
	Language  string    `json:"language,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SearchResult pairs a hydrated pattern with its similarity score.
type SearchResult struct {
	Pattern Pattern `json:"pattern"`
	Score   float32 `json:"score"`
}

// Validate checks the fields a caller must supply before indexing.
func (p *Pattern) Validate() error {
	if !validKind(p.Kind) {
		return errkind.Newf(errkind.ValidationFailed, "unknown kind %q", p.Kind)
	}
	if p.Title == "" {
		return errkind.New(errkind.ValidationFailed, "title is required")
	}
	if p.Body == "" {
		return errkind.New(errkind.ValidationFailed, "body is required")
	}
	if p.ID != "" {
		if _, err := uuid.Parse(p.ID); err != nil {
			return errkind.Newf(errkind.ValidationFailed, "id must be a UUID: %q", p.ID)
		}
	}
	return nil
}

func validKind(kind string) bool {
	for _, k := range ValidKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// embeddingText is what gets embedded for a pattern.
func (p *Pattern) embeddingText() string {
	return p.Title + "\n\n" + p.Body
}

// payload builds the vector payload mirrored from the sidecar.
func (p *Pattern) payload() map[string]any {
	return map[string]any{
		"kind":            p.Kind,
		"tags":            p.Tags,
		"language":        p.Language,
		"updated_at":      p.UpdatedAt.UTC().Format(time.RFC3339),
		"updated_at_unix": p.UpdatedAt.Unix(),
	}
}

// UpdatePatch carries the mutable fields of a pattern; nil means leave
// unchanged.
type UpdatePatch struct {
	Title    *string   `json:"title,omitempty"`
	Body     *string   `json:"body,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
	Language *string   `json:"language,omitempty"`
}
