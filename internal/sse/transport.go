// Package sse exposes knowledged operations as named tools over a
// persistent Server-Sent-Events channel.
//
// A client opens GET /mcp/sse and receives a ready event carrying a
// session id and the tool manifest. Tool calls arrive as JSON on POST
// /mcp/messages/{session} and are dispatched by a per-session goroutine,
// so responses on one session preserve call order. Long tools submit a
// task and stream task_update events from its subscription.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowledged/internal/adr"
	"github.com/fyrsmithlabs/knowledged/internal/errkind"
	"github.com/fyrsmithlabs/knowledged/internal/kb"
	"github.com/fyrsmithlabs/knowledged/internal/registry"
	"github.com/fyrsmithlabs/knowledged/internal/task"
	"github.com/fyrsmithlabs/knowledged/internal/vectorstore"
)

// Event types on the wire.
const (
	eventReady      = "ready"
	eventToolResult = "tool_result"
	eventToolError  = "tool_error"
	eventTaskUpdate = "task_update"
	eventBye        = "bye"
)

// pingInterval keeps intermediaries from timing the stream out.
const pingInterval = 25 * time.Second

const (
	outboundBuffer = 64
	callBuffer     = 32
)

// KnowledgeSearcher is the knowledge base slice the search tools use.
type KnowledgeSearcher interface {
	Search(ctx context.Context, query string, k int, filter *vectorstore.Filter) ([]kb.SearchResult, bool, error)
}

// ADRStore is the ADR manager slice the adr tools use.
type ADRStore interface {
	Get(ctx context.Context, id string) (*adr.ADR, error)
	List(ctx context.Context, status string) ([]adr.ADR, error)
}

// TaskService is the task manager slice the task tools use.
type TaskService interface {
	Submit(ctx context.Context, typ task.Type, input json.RawMessage) (string, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	Cancel(ctx context.Context, id string) error
	Subscribe(id string) (<-chan task.Task, func(), error)
}

// Deps are the components tools dispatch to. A nil field gates the
// tools that need it out of the manifest.
type Deps struct {
	KB    KnowledgeSearcher
	ADRs  ADRStore
	Tasks TaskService
}

type envelope struct {
	event string
	data  []byte
}

type toolCall struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type session struct {
	id     string
	out    chan envelope
	calls  chan toolCall
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// push queues an event for the session, giving up on disconnect.
func (s *session) push(e envelope) {
	select {
	case s.out <- e:
	case <-s.ctx.Done():
	}
}

// Transport is the SSE tool channel. Safe for concurrent sessions.
type Transport struct {
	deps   Deps
	logger *zap.Logger

	// gate reports whether a named component initialized; tools whose
	// component did not come up are left out of the manifest.
	gate func(component string) bool

	tools  []*tool
	byName map[string]*tool

	sessions sync.Map // session id -> *session
}

// NewTransport creates the SSE transport.
func NewTransport(deps Deps, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		deps:   deps,
		logger: logger,
		byName: make(map[string]*tool),
	}
}

// Gate sets the component-availability check consulted during tool
// registration. Must be called before Initialize.
func (t *Transport) Gate(fn func(component string) bool) { t.gate = fn }

// available reports whether the dependency behind a tool can serve.
func (t *Transport) available(component string) bool {
	if t.gate == nil {
		return true
	}
	return t.gate(component)
}

// Name implements registry.Component.
func (t *Transport) Name() string { return "sse" }

// Initialize registers the tools whose dependencies are available.
// Registration is idempotent.
func (t *Transport) Initialize(ctx context.Context) error {
	t.tools = nil
	t.byName = make(map[string]*tool)
	t.registerTools()
	t.logger.Info("sse tools registered", zap.Int("count", len(t.tools)))
	return nil
}

// Cleanup says goodbye to every open session and closes it.
func (t *Transport) Cleanup(ctx context.Context) error {
	t.sessions.Range(func(_, value any) bool {
		s := value.(*session)
		select {
		case s.out <- envelope{event: eventBye, data: []byte(`{}`)}:
		default:
		}
		s.cancel()
		return true
	})
	return nil
}

// Status implements registry.Component.
func (t *Transport) Status(ctx context.Context) registry.Status {
	count := 0
	t.sessions.Range(func(_, _ any) bool { count++; return true })
	return registry.Status{State: registry.StateHealthy, Detail: fmt.Sprintf("%d sessions", count)}
}

// Manifest lists the registered tools.
func (t *Transport) Manifest() []ToolInfo {
	out := make([]ToolInfo, 0, len(t.tools))
	for _, tl := range t.tools {
		out = append(out, ToolInfo{Name: tl.name, Description: tl.description, InputSchema: tl.schema()})
	}
	return out
}

// ToolInfo is one manifest entry in the ready event.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// HandleStream serves GET /mcp/sse: opens a session and streams events
// until the client disconnects or the transport shuts down.
func (t *Transport) HandleStream(c echo.Context) error {
	ctx, cancel := context.WithCancel(c.Request().Context())
	s := &session{
		id:     uuid.New().String(),
		out:    make(chan envelope, outboundBuffer),
		calls:  make(chan toolCall, callBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	t.sessions.Store(s.id, s)
	defer func() {
		t.sessions.Delete(s.id)
		cancel()
		s.wg.Wait()
	}()

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	ready, err := json.Marshal(map[string]any{
		"session_id": s.id,
		"tools":      t.Manifest(),
	})
	if err != nil {
		return err
	}
	t.writeEvent(c, envelope{event: eventReady, data: ready})

	// One dispatcher per session keeps responses in call order.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return
			case call := <-s.calls:
				t.dispatch(s, call)
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	t.logger.Debug("sse session opened", zap.String("session", s.id))
	for {
		select {
		case e := <-s.out:
			t.writeEvent(c, e)
			if e.event == eventBye {
				return nil
			}
		case <-ticker.C:
			fmt.Fprintf(c.Response(), ": ping\n\n")
			c.Response().Flush()
		case <-s.ctx.Done():
			t.logger.Debug("sse session closed", zap.String("session", s.id))
			return nil
		}
	}
}

func (t *Transport) writeEvent(c echo.Context, e envelope) {
	fmt.Fprintf(c.Response(), "event: %s\n", e.event)
	fmt.Fprintf(c.Response(), "data: %s\n\n", e.data)
	c.Response().Flush()
}

// HandleMessage serves POST /mcp/messages/{session}: accepts one tool
// call and queues it for the session dispatcher.
func (t *Transport) HandleMessage(c echo.Context) error {
	sessionID := c.Param("session")
	value, ok := t.sessions.Load(sessionID)
	if !ok {
		return errkind.Newf(errkind.NotFound, "session %s not found", sessionID)
	}
	s := value.(*session)

	var call toolCall
	if err := c.Bind(&call); err != nil {
		return errkind.Wrap(errkind.ValidationFailed, "invalid tool call body", err)
	}
	if call.Tool == "" {
		return errkind.New(errkind.ValidationFailed, "tool is required")
	}
	if call.ID == "" {
		call.ID = uuid.New().String()
	}

	select {
	case s.calls <- call:
	default:
		return errkind.New(errkind.QueueFull, "session call queue is full")
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "id": call.ID})
}

// dispatch runs one tool call and pushes its result or error.
func (t *Transport) dispatch(s *session, call toolCall) {
	tl, ok := t.byName[call.Tool]
	if !ok {
		t.pushError(s, call, errkind.Newf(errkind.NotFound, "unknown tool %q", call.Tool))
		return
	}
	if err := tl.validate(call.Args); err != nil {
		t.pushError(s, call, err)
		return
	}

	result, err := tl.handler(s.ctx, s, call.Args)
	if err != nil {
		t.pushError(s, call, err)
		return
	}

	data, err := json.Marshal(map[string]any{
		"id":     call.ID,
		"tool":   call.Tool,
		"result": result,
	})
	if err != nil {
		t.pushError(s, call, errkind.Wrap(errkind.Internal, "marshal tool result", err))
		return
	}
	s.push(envelope{event: eventToolResult, data: data})
}

func (t *Transport) pushError(s *session, call toolCall, err error) {
	kind := errkind.KindOf(err)
	t.logger.Debug("tool call failed",
		zap.String("session", s.id),
		zap.String("tool", call.Tool),
		zap.Error(err))
	data, merr := json.Marshal(map[string]any{
		"id":      call.ID,
		"tool":    call.Tool,
		"error":   map[string]string{"kind": string(kind), "message": err.Error()},
		"isError": true,
	})
	if merr != nil {
		return
	}
	s.push(envelope{event: eventToolError, data: data})
}

// streamTask forwards task snapshots to the session until the task is
// terminal or the client disconnects. Disconnect detaches the
// subscription only; the task keeps running.
func (t *Transport) streamTask(s *session, taskID string) {
	ch, cancelSub, err := t.deps.Tasks.Subscribe(taskID)
	if err != nil {
		t.logger.Warn("task subscription failed", zap.String("task", taskID), zap.Error(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancelSub()
		for {
			select {
			case <-s.ctx.Done():
				return
			case snap, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(snap)
				if err != nil {
					continue
				}
				s.push(envelope{event: eventTaskUpdate, data: data})
			}
		}
	}()
}
