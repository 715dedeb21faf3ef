package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"toptex-proxy-go/internal/model"
	"toptex-proxy-go/internal/service"
)

// secretPattern matches bearer tokens and API key values embedded in error messages.
var secretPattern = regexp.MustCompile(`(?i)(bearer\s+|x-api-key[:=]\s*|apiKey=)[^&\s"]+`)

// ProxyHandler serves the generic JSON and document forward endpoints.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Forward decodes {method, path, query, body}, relays it upstream and replies
// with the normalized envelope. Upstream non-2xx answers are still a 200 here;
// the envelope carries the real status.
func (h *ProxyHandler) Forward(c echo.Context) error {
	var fr model.ForwardRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&fr); err != nil && !errors.Is(err, io.EOF) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body must be a JSON object",
		})
	}

	env, err := h.service.Forward(c.Request().Context(), &fr)
	if err != nil {
		status := h.logError(c, err, fr.Path)
		return c.JSON(status, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, env)
}

// PDF streams a document from upstream. Upstream failures are relayed with
// their status and raw text body.
func (h *ProxyHandler) PDF(c echo.Context) error {
	path := c.QueryParam("path")

	resp, err := h.service.ForwardBinary(c.Request().Context(), path)
	if err != nil {
		status := h.logError(c, err, path)
		return c.String(status, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if !resp.OK() {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			h.logger.Error("reading upstream error body", "err", err, "path", path)
		}
		return c.Blob(resp.StatusCode, echo.MIMETextPlainCharsetUTF8, raw)
	}

	header := c.Response().Header()
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	header.Set(echo.HeaderContentType, contentType)
	if cd := resp.Header.Get(echo.HeaderContentDisposition); cd != "" {
		header.Set(echo.HeaderContentDisposition, cd)
	}
	if cl := resp.Header.Get(echo.HeaderContentLength); cl != "" {
		header.Set(echo.HeaderContentLength, cl)
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Headers are already sent, so a failed copy can only be logged; the
	// client sees a short body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming document body",
			"err", err,
			"path", path,
		)
	}

	return nil
}

// logError logs a forwarding failure and returns the status to reply with.
func (h *ProxyHandler) logError(c echo.Context, err error, path string) int {
	status := statusFor(err)
	attrs := []any{
		"err", sanitizeError(err),
		"path", path,
		"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
	}
	if status < http.StatusInternalServerError {
		h.logger.Info("rejected forward request", attrs...)
	} else {
		h.logger.Error("proxy error", attrs...)
	}
	return status
}

// statusFor maps forwarding errors onto the inbound response status.
// Caller mistakes are 400; anything that kept the proxy from completing the
// call is 500.
func statusFor(err error) int {
	var pathErr *model.InvalidPathError
	if errors.As(err, &pathErr) {
		return http.StatusBadRequest
	}
	var methodErr *model.InvalidMethodError
	if errors.As(err, &methodErr) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// sanitizeError redacts credentials from error messages before logging.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
