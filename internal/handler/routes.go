package handler

import (
	"github.com/labstack/echo/v4"

	"exchange-gateway/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET(config.HealthPath, health.Healthz)
	e.GET(config.StatusPath, health.Status)

	for _, r := range proxy.service.Routes() {
		if r.Prefix == "/" {
			e.Any("/*", proxy.Handle)
			continue
		}
		e.Any(r.Prefix, proxy.Handle)
		e.Any(r.Prefix+"/*", proxy.Handle)
	}
}
