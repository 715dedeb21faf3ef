// Package ui serves the static request composer page.
package ui

import (
	_ "embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed static/index.html
var indexHTML []byte

// Index serves the single-page UI. The page talks only to /api/proxy and
// /api/pdf.
func Index(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	return c.HTMLBlob(http.StatusOK, indexHTML)
}
