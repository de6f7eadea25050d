// Package httpapi implements the REST surface: tenant
// registration/verification/refresh, health, and server info — the
// non-MCP half of the transport layer, mounted on the same echo
// instance as the MCP endpoint.
package httpapi

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/simplemem/simplemem/internal/auth"
)

// ServerInfo is returned by GET /api/server/info.
type ServerInfo struct {
	Version string `json:"version"`
	EmbeddingDim int `json:"embedding_dim"`
	LLMProvider string `json:"llm_provider"`
}

// Handlers groups the REST endpoint handlers over one auth.Service.
type Handlers struct {
	auth *auth.Service
	info ServerInfo
	logger *zap.Logger
}

// New returns Handlers.
func New(authSvc *auth.Service, info ServerInfo, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{auth: authSvc, info: info, logger: logger}
}

// Register mounts every auth/health/info endpoint onto e.
func (h *Handlers) Register(e *echo.Echo) {
	api := e.Group("/api")
	api.POST("/auth/register", h.register)
	api.GET("/auth/verify", h.verify)
	api.POST("/auth/refresh", h.refresh)
	api.GET("/health", h.health)
	api.GET("/server/info", h.serverInfo)
}

func (h *Handlers) register(c echo.Context) error {
	var body struct {
		ProviderAPIKey string `json:"provider_api_key"`
	}
	if err := c.Bind(&body); err != nil || body.ProviderAPIKey == "" {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"success": false, "error": "provider_api_key is required"})
	}

	userID, token, err := h.auth.Register(c.Request().Context(), body.ProviderAPIKey, h.info.EmbeddingDim)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "user_id": userID, "token": token})
}

func (h *Handlers) verify(c echo.Context) error {
	token := c.QueryParam("token")
	userID, err := h.auth.Verify(token)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]interface{}{"valid": false})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"valid": true, "user_id": userID})
}

func (h *Handlers) refresh(c echo.Context) error {
	tok, err := bearerToken(c.Request().Header.Get("Authorization"))
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{"error": "missing bearer token"})
	}
	newToken, err := h.auth.Refresh(tok)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, map[string]interface{}{"error": "token cannot be refreshed"})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"token": newToken})
}

func (h *Handlers) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok"})
}

func (h *Handlers) serverInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, h.info)
}

func bearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", echo.ErrUnauthorized
	}
	return strings.TrimPrefix(header, prefix), nil
}
