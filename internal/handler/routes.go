package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"toptex-proxy-go/internal/config"
	"toptex-proxy-go/internal/metrics"
	"toptex-proxy-go/internal/ui"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/", ui.Index)
	e.GET("/health", health.Health)
	e.GET("/proxy/status", health.Status)

	e.POST("/api/proxy", proxy.Forward)
	e.GET("/api/pdf", proxy.PDF)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
