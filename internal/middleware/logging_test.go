package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestRequestLogger_RecordsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/health", func(c echo.Context) error {
		c.Response().Header().Set(echo.HeaderXRequestID, "req-1")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	out := buf.String()
	assert.Contains(t, out, `"component":"http"`)
	assert.Contains(t, out, `"path":"/health"`)
	assert.Contains(t, out, `"status":200`)
	assert.Contains(t, out, `"request_id":"req-1"`)
}

func TestRequestLogger_LevelFollowsStatus(t *testing.T) {
	tests := []struct {
		name      string
		handler   echo.HandlerFunc
		wantLevel string
		wantCode  int
	}{
		{
			name:      "ok is info",
			handler:   func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			wantLevel: "level=INFO",
			wantCode:  http.StatusOK,
		},
		{
			name:      "bad request is warn",
			handler:   func(c echo.Context) error { return c.JSON(http.StatusBadRequest, map[string]string{"error": "x"}) },
			wantLevel: "level=WARN",
			wantCode:  http.StatusBadRequest,
		},
		{
			name:      "returned HTTPError is logged with its code",
			handler:   func(echo.Context) error { return echo.NewHTTPError(http.StatusInternalServerError, "boom") },
			wantLevel: "level=ERROR",
			wantCode:  http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			e := echo.New()
			e.Use(RequestLogger(logger))
			e.POST("/api/proxy", tt.handler)

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/proxy", http.NoBody))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Contains(t, buf.String(), tt.wantLevel)
		})
	}
}
