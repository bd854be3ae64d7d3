package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"exchange-gateway/internal/exchange"
	"exchange-gateway/internal/service"
)

// secretParamPattern matches credential-like query parameter values in URLs
// embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api_?key|access_token|token|password|secret)=)[^&\s"]+`)

// ProxyHandler relays requests on configured routes through the exchange.
type ProxyHandler struct {
	service *service.RoutingService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.RoutingService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request to its route's backend and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	if req.Header.Get(echo.HeaderXRequestID) == "" {
		if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
			req.Header.Set(echo.HeaderXRequestID, id)
		}
	}

	resp, route, err := h.service.Forward(req)
	if err != nil {
		return h.mapError(c, err)
	}

	// Headers the gateway middleware already set win over the backend's.
	for name := range c.Response().Header() {
		resp.Header.Del(name)
	}

	// Once Relay has written the status a failure can only truncate the body,
	// so it is logged rather than returned.
	if n, err := h.service.Relay(route, resp, c.Response()); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"route", route.Name,
			"path", req.URL.Path,
			"bytes", n,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrNoRoute) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no route",
		})
	}

	if errors.Is(err, exchange.ErrInvalidRequest) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "invalid forward request",
		})
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &urlErr) || errors.As(err, &opErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts credentials from error messages that may contain backend URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
