package httpapi_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/simplemem/simplemem/internal/auth"
	"github.com/simplemem/simplemem/internal/httpapi"
)

func newTestHandlers(t *testing.T) (*httpapi.Handlers, *echo.Echo) {
	t.Helper()
	authSvc, err := auth.New([]byte("secret"), []byte("01234567890123456789012345678901"), 0, nil)
	require.NoError(t, err)
	h := httpapi.New(authSvc, httpapi.ServerInfo{Version: "test", EmbeddingDim: 4, LLMProvider: "litellm"}, nil)
	e := echo.New()
	h.Register(e)
	return h, e
}

func TestRegisterAndVerify(t *testing.T) {
	_, e := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"provider_api_key":"sk-test"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":true`)
}

func TestHealth(t *testing.T) {
	_, e := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}
