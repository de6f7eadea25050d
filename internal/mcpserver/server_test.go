package mcpserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/simplemem/simplemem/internal/answerer"
	"github.com/simplemem/simplemem/internal/auth"
	"github.com/simplemem/simplemem/internal/compressor"
	"github.com/simplemem/simplemem/internal/engine"
	"github.com/simplemem/simplemem/internal/mcpserver"
	"github.com/simplemem/simplemem/internal/planner"
	"github.com/simplemem/simplemem/internal/provider"
	"github.com/simplemem/simplemem/internal/redact"
	"github.com/simplemem/simplemem/internal/retriever"
	"github.com/simplemem/simplemem/internal/session"
	"github.com/simplemem/simplemem/internal/store"
	"github.com/simplemem/simplemem/internal/synthesizer"
)

type stubGateway struct{}

func (stubGateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func (stubGateway) Chat(ctx context.Context, system string, messages []string, schema json.RawMessage) (provider.Response, error) {
	return provider.Response{Structured: []byte(`{"score":1.0,"statements":[],"verdicts":[],"intent":"lookup","paraphrase":"x","answer_text":"none","cited_unit_ids":[]}`)}, nil
}

func newTestServer(t *testing.T) (*mcpserver.Server, *auth.Service, *echo.Echo) {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	gw := stubGateway{}
	comp := compressor.New(gw, nil)
	synth := synthesizer.New(gw, st, nil)
	pl := planner.New(gw, nil)
	ret := retriever.New(st, gw, nil)
	ans := answerer.New(gw, nil)
	eng := engine.New(st, comp, synth, pl, ret, ans, nil)

	redactor, err := redact.New(redact.DefaultConfig())
	require.NoError(t, err)
	sm := session.New(gw, redactor, comp, synth, nil, nil)

	authSvc, err := auth.New([]byte("test-secret"), []byte("01234567890123456789012345678901"), 0, nil)
	require.NoError(t, err)

	srv := mcpserver.New(eng, sm, authSvc, nil)
	e := echo.New()
	srv.Register(e)
	return srv, authSvc, e
}

func TestToolsListRequiresAuth(t *testing.T) {
	_, _, e := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "-32001")
}

func TestToolsListWithAuth(t *testing.T) {
	_, authSvc, e := newTestServer(t)
	_, token, err := authSvc.Register(context.Background(), "fake-provider-key", 4)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "memory_add")
}

func callTool(t *testing.T, e *echo.Echo, token, name, argsJSON string) string {
	t.Helper()
	body := `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"` + name + `","arguments":` + argsJSON + `}}`
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestSessionOperationsRejectCrossTenantAccess(t *testing.T) {
	_, authSvc, e := newTestServer(t)
	ctx := context.Background()
	_, tokenA, err := authSvc.Register(ctx, "fake-provider-key-a", 4)
	require.NoError(t, err)
	_, tokenB, err := authSvc.Register(ctx, "fake-provider-key-b", 4)
	require.NoError(t, err)

	startResp := callTool(t, e, tokenA, "session_start", `{"content_session_id":"c1","project":"p","user_prompt":""}`)
	var started struct {
		Result struct {
			MemorySessionID string `json:"MemorySessionID"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(startResp), &started))
	sessionID := started.Result.MemorySessionID
	require.NotEmpty(t, sessionID)

	recordResp := callTool(t, e, tokenB, "session_record",
		`{"session_id":"`+sessionID+`","kind":"message","payload":"snooping"}`)
	require.Contains(t, recordResp, "-32002")

	stopResp := callTool(t, e, tokenB, "session_stop", `{"session_id":"`+sessionID+`"}`)
	require.Contains(t, stopResp, "-32002")

	endResp := callTool(t, e, tokenB, "session_end", `{"session_id":"`+sessionID+`"}`)
	require.Contains(t, endResp, "-32002")

	okRecord := callTool(t, e, tokenA, "session_record",
		`{"session_id":"`+sessionID+`","kind":"message","payload":"legit"}`)
	require.NotContains(t, okRecord, "-32002")
}
