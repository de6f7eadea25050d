package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/auth"
	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/engine"
	"github.com/simplemem/simplemem/internal/memory"
	"github.com/simplemem/simplemem/internal/session"
	"github.com/simplemem/simplemem/internal/tenant"
)

// RequestTimeout bounds every tool call's deadline.
const RequestTimeout = 20 * time.Second

// Server implements the three JSON-RPC-over-Streamable-HTTP endpoints
// on top of one Engine and one session Manager, routing tool calls to
// SimpleMem's memory/session tool surface.
type Server struct {
	engine *engine.Engine
	session *session.Manager
	auth *auth.Service
	logger *zap.Logger

	mu sync.Mutex
	sseConns map[string]chan []byte // Mcp-Session-Id -> outbound channel
}

// New returns a Server.
func New(e *engine.Engine, sm *session.Manager, authSvc *auth.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: e, session: sm, auth: authSvc, logger: logger, sseConns: make(map[string]chan []byte)}
}

// Register mounts the three MCP endpoints onto e.
func (s *Server) Register(e *echo.Echo) {
	e.POST("/mcp", s.handlePost)
	e.GET("/mcp", s.handleSSE)
	e.DELETE("/mcp", s.handleDelete)
}

func (s *Server) handlePost(c echo.Context) error {
	tok, err := bearerToken(c.Request())
	if err != nil {
		return writeError(c, nil, CodeAuthError, err.Error())
	}
	userID, err := s.auth.Verify(tok)
	if err != nil {
		return writeError(c, nil, CodeAuthError, "invalid or expired token")
	}

	sessID := c.Request().Header.Get("Mcp-Session-Id")
	if sessID == "" {
		sessID = uuid.NewString()
	}
	c.Response().Header().Set("Mcp-Session-Id", sessID)

	var raw json.RawMessage
	if err := c.Bind(&raw); err != nil {
		return writeError(c, nil, CodeParseError, "invalid JSON")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), RequestTimeout)
	defer cancel()
	tc := tenant.WithContext(ctx, &tenant.Info{UserID: userID})

	// Batch requests are a JSON array; single requests are an object.
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var reqs []Request
		if err := json.Unmarshal(raw, &reqs); err != nil {
			return writeError(c, nil, CodeParseError, "invalid batch")
		}
		results := make([]interface{}, 0, len(reqs))
		for _, r := range reqs {
			results = append(results, s.dispatch(tc, r))
		}
		return c.JSON(http.StatusOK, results)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return writeError(c, nil, CodeParseError, "invalid request")
	}
	return c.JSON(http.StatusOK, s.dispatch(tc, req))
}

// dispatch routes one JSON-RPC request and returns the response or
// error object to be marshaled (never returns an echo error itself —
// JSON-RPC failures are always HTTP 200 with an error body).
func (s *Server) dispatch(ctx context.Context, req Request) interface{} {
	switch req.Method {
	case "tools/list":
		return Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{"tools": toolCatalog()}}
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errObj(req.ID, CodeInvalidParams, "invalid tools/call params")
		}
		result, err := s.callTool(ctx, params)
		if err != nil {
			return errObj(req.ID, codeFor(err), err.Error())
		}
		return Response{JSONRPC: "2.0", ID: req.ID, Result: result}
	default:
		return errObj(req.ID, CodeMethodNotFound, "unknown method "+req.Method)
	}
}

func (s *Server) callTool(ctx context.Context, p ToolCallParams) (interface{}, error) {
	ti, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}

	switch p.Name {
	case "memory_add":
		var args struct {
			Turns []struct {
				Speaker string `json:"speaker"`
				Text string `json:"text"`
			} `json:"turns"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, memory.New(memory.KindInvalidArgument, err)
		}
		window := make([]compressor.Turn, 0, len(args.Turns))
		now := time.Now().UTC()
		for _, t := range args.Turns {
			window = append(window, compressor.Turn{Speaker: t.Speaker, Text: t.Text, Timestamp: now})
		}
		res, err := s.engine.Add(ctx, ti.UserID, window, now, args.SessionID)
		if err != nil {
			return nil, err
		}
		return res, nil

	case "memory_query":
		var args struct {
			Query string `json:"query"`
			History []string `json:"history"`
		}
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, memory.New(memory.KindInvalidArgument, err)
		}
		return s.engine.Query(ctx, ti.UserID, args.Query, args.History)

	case "memory_delete":
		var args struct {
			UnitID uint64 `json:"unit_id"`
		}
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, memory.New(memory.KindInvalidArgument, err)
		}
		if err := s.engine.Delete(ctx, ti.UserID, args.UnitID); err != nil {
			return nil, err
		}
		return map[string]bool{"deleted": true}, nil

	case "session_start":
		var args struct {
			ContentSessionID string `json:"content_session_id"`
			Project string `json:"project"`
			UserPrompt string `json:"user_prompt"`
		}
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, memory.New(memory.KindInvalidArgument, err)
		}
		rep, err := s.session.Start(ctx, ti.UserID, args.ContentSessionID, args.Project, args.UserPrompt)
		if err != nil {
			return nil, err
		}
		return rep, nil

	case "session_record":
		var args struct {
			SessionID string `json:"session_id"`
			Kind string `json:"kind"`
			Payload string `json:"payload"`
		}
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, memory.New(memory.KindInvalidArgument, err)
		}
		ev, err := s.session.RecordEvent(ctx, ti.UserID, args.SessionID, memory.EventKind(args.Kind), args.Payload)
		if err != nil {
			return nil, err
		}
		return ev, nil

	case "session_stop":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, memory.New(memory.KindInvalidArgument, err)
		}
		rep, err := s.session.Stop(ctx, ti.UserID, args.SessionID)
		if err != nil {
			return nil, err
		}
		return rep, nil

	case "session_end":
		var args struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(p.Arguments, &args); err != nil {
			return nil, memory.New(memory.KindInvalidArgument, err)
		}
		if err := s.session.End(ctx, ti.UserID, args.SessionID); err != nil {
			return nil, err
		}
		return map[string]bool{"ended": true}, nil

	default:
		return nil, memory.New(memory.KindInvalidArgument, fmt.Errorf("unknown tool %q", p.Name))
	}
}

// handleSSE opens a server-to-client notification stream for the
// session named by Mcp-Session-Id, terminating cleanly on client
// disconnect (cancellation).
func (s *Server) handleSSE(c echo.Context) error {
	sessID := c.Request().Header.Get("Mcp-Session-Id")
	if sessID == "" {
		sessID = uuid.NewString()
	}
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Mcp-Session-Id", sessID)
	c.Response().WriteHeader(http.StatusOK)

	ch := make(chan []byte, 16)
	s.mu.Lock()
	s.sseConns[sessID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sseConns, sessID)
		s.mu.Unlock()
	}()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			fmt.Fprintf(c.Response(), "data: %s\n\n", msg)
			c.Response().Flush()
		}
	}
}

// handleDelete terminates the session identified by Mcp-Session-Id.
func (s *Server) handleDelete(c echo.Context) error {
	sessID := c.Request().Header.Get("Mcp-Session-Id")
	s.mu.Lock()
	if ch, ok := s.sseConns[sessID]; ok {
		close(ch)
		delete(s.sseConns, sessID)
	}
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", fmt.Errorf("missing Authorization: Bearer token")
	}
	return strings.TrimPrefix(h, prefix), nil
}

func errObj(id json.RawMessage, code int, msg string) ErrorObject {
	return ErrorObject{JSONRPC: "2.0", ID: id, Error: &ErrorDetail{Code: code, Message: msg}}
}

func writeError(c echo.Context, id json.RawMessage, code int, msg string) error {
	return c.JSON(http.StatusOK, errObj(id, code, msg))
}

func toolCatalog() []Tool {
	empty := json.RawMessage(`{"type":"object"}`)
	names := []string{"memory_add", "memory_query", "memory_delete", "session_start", "session_record", "session_stop", "session_end"}
	descs := map[string]string{
		"memory_add": "Ingest a window of dialogue turns into long-term memory.",
		"memory_query": "Answer a question from a tenant's stored memory.",
		"memory_delete": "Tombstone a memory unit by id.",
		"session_start": "Begin a cross-session memory session and receive an injected context bundle.",
		"session_record": "Append a redacted event to an active session.",
		"session_stop": "Freeze a session's events, extract observations, and summarize.",
		"session_end": "Finalize a stopped session.",
	}
	tools := make([]Tool, 0, len(names))
	for _, n := range names {
		tools = append(tools, Tool{Name: n, Description: descs[n], InputSchema: empty})
	}
	return tools
}
