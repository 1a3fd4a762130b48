// Package adr manages architecture decision records as front-matter
// markdown files and mirrors them into the knowledge base.
package adr

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
)

// ADR statuses.
const (
	StatusProposed    = "proposed"
	StatusAccepted    = "accepted"
	StatusImplemented = "implemented"
	StatusDeprecated  = "deprecated"
	StatusSuperseded  = "superseded"
)

// transitions lists the legal direct status moves. Superseded is never a
// direct target; it is only reachable through Supersede. Deprecation is
// reserved for decisions that were adopted: a proposed record that goes
// nowhere stays proposed (or gets superseded), it is never deprecated.
var transitions = map[string][]string{
	StatusProposed:    {StatusAccepted},
	StatusAccepted:    {StatusImplemented, StatusDeprecated},
	StatusImplemented: {StatusDeprecated},
}

// Terminal reports whether status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusDeprecated || status == StatusSuperseded
}

// CanTransition reports whether from → to is a legal direct move.
func CanTransition(from, to string) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// frontMatter is the YAML block at the top of every ADR file.
type frontMatter struct {
	ID         string    `yaml:"id"`
	Number     int       `yaml:"number"`
	Title      string    `yaml:"title"`
	Status     string    `yaml:"status"`
	Date       time.Time `yaml:"date"`
	Tags       []string  `yaml:"tags,omitempty"`
	Supersedes string    `yaml:"supersedes,omitempty"`
}

// ADR is one decision record.
type ADR struct {
	ID         string    `json:"id"`
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
	Date       time.Time `json:"date"`
	Tags       []string  `json:"tags,omitempty"`
	Supersedes string    `json:"supersedes,omitempty"`
	Body       string    `json:"body"`
}

// Filename returns the canonical NNN-slug.md name.
func (a *ADR) Filename() string {
	return fmt.Sprintf("%03d-%s.md", a.Number, Slugify(a.Title))
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases the title and joins words with hyphens.
func Slugify(title string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "untitled"
	}
	if len(slug) > 80 {
		slug = strings.Trim(slug[:80], "-")
	}
	return slug
}

// Marshal renders the ADR as a front-matter markdown document.
func (a *ADR) Marshal() ([]byte, error) {
	fm := frontMatter{
		ID:         a.ID,
		Number:     a.Number,
		Title:      a.Title,
		Status:     a.Status,
		Date:       a.Date,
		Tags:       a.Tags,
		Supersedes: a.Supersedes,
	}
	head, err := yaml.Marshal(&fm)
	if err != nil {
		return nil, fmt.Errorf("marshal front-matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimLeft(a.Body, "\n"))
	if !strings.HasSuffix(a.Body, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// Parse reads a front-matter markdown document into an ADR.
func Parse(raw []byte) (*ADR, error) {
	content := string(raw)
	if !strings.HasPrefix(content, "---\n") {
		return nil, errkind.New(errkind.ValidationFailed, "missing front-matter")
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, errkind.New(errkind.ValidationFailed, "unterminated front-matter")
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, errkind.Wrap(errkind.ValidationFailed, "parse front-matter", err)
	}
	if fm.Title == "" {
		return nil, errkind.New(errkind.ValidationFailed, "front-matter title is required")
	}
	if fm.Status == "" {
		fm.Status = StatusProposed
	}
	if !validStatus(fm.Status) {
		return nil, errkind.Newf(errkind.ValidationFailed, "unknown status %q", fm.Status)
	}

	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")

	return &ADR{
		ID:         fm.ID,
		Number:     fm.Number,
		Title:      fm.Title,
		Status:     fm.Status,
		Date:       fm.Date,
		Tags:       fm.Tags,
		Supersedes: fm.Supersedes,
		Body:       body,
	}, nil
}

func validStatus(status string) bool {
	switch status {
	case StatusProposed, StatusAccepted, StatusImplemented, StatusDeprecated, StatusSuperseded:
		return true
	default:
		return false
	}
}
