package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"toptex-proxy-go/internal/config"
	"toptex-proxy-go/internal/token"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	tokens  *token.Manager
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, tokens *token.Manager, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, tokens: tokens, version: v}
}

// Health returns a fixed "ok" for liveness probes. It touches no dependency.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Status returns proxy status information, including whether a token is cached.
func (h *HealthHandler) Status(c echo.Context) error {
	state := h.tokens.Snapshot()

	expiresAt := ""
	if state.Cached {
		expiresAt = state.ExpiresAt.UTC().Format(time.RFC3339)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          string(h.version),
		"upstream_url":     h.cfg.Upstream.BaseURL,
		"token_cached":     state.Cached,
		"token_expires_at": expiresAt,
	})
}
