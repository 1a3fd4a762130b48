// Package task implements the asynchronous workflow engine: a bounded
// queue feeding a fixed worker pool, with every state transition
// persisted to a sidecar before subscribers hear about it.
package task

import (
	"encoding/json"
	"time"
)

// State is a task lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether s admits no further transitions.
func Terminal(s State) bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Type names a task workflow.
type Type string

const (
	TypeAnalyzeCode  Type = "analyze-code"
	TypeCrawlDocs    Type = "crawl-docs"
	TypeDebugIssue   Type = "debug-issue"
	TypeCreateADR    Type = "create-adr"
	TypeIndexPattern Type = "index-pattern"
)

// Task is one orchestration record. The sidecar under
// <kb_dir>/tasks/<id>.json mirrors it exactly.
type Task struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	State      State           `json:"state"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Attempts   int             `json:"attempts"`
}

// Stats is a point-in-time view of the queue and task population.
type Stats struct {
	QueueDepth int           `json:"queue_depth"`
	Rejections int64         `json:"rejections"`
	ByState    map[State]int `json:"by_state"`
}
