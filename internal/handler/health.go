package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"exchange-gateway/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	service *service.RoutingService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(svc *service.RoutingService, v Version) *HealthHandler {
	return &HealthHandler{service: svc, version: v}
}

type routeStatus struct {
	Name        string `json:"name"`
	PathPrefix  string `json:"path_prefix"`
	URI         string `json:"uri"`
	StripPrefix bool   `json:"strip_prefix"`
}

type statusResponse struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Routes  []routeStatus `json:"routes"`
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns the gateway version and configured routes.
func (h *HealthHandler) Status(c echo.Context) error {
	routes := h.service.Routes()
	out := statusResponse{
		Status:  "ok",
		Version: string(h.version),
		Routes:  make([]routeStatus, 0, len(routes)),
	}
	for _, r := range routes {
		out.Routes = append(out.Routes, routeStatus{
			Name:        r.Name,
			PathPrefix:  r.Prefix,
			URI:         r.Target.Redacted(),
			StripPrefix: r.StripPrefix,
		})
	}
	return c.JSON(http.StatusOK, out)
}
