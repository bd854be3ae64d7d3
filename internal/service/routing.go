// Package service maps inbound requests to configured backend routes and
// runs them through the proxy exchange.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"exchange-gateway/internal/config"
	"exchange-gateway/internal/exchange"
	"exchange-gateway/internal/filter"
	"exchange-gateway/internal/metrics"
)

// ErrNoRoute is returned when no configured route matches the inbound path.
var ErrNoRoute = errors.New("no route")

// Route is a configured backend.
type Route struct {
	Name        string
	Prefix      string
	Target      *url.URL
	StripPrefix bool
}

func (r *Route) matches(path string) bool {
	if r.Prefix == "/" {
		return true
	}
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// RoutingService decorates forward requests for the matching route and
// executes them.
type RoutingService struct {
	exchange *exchange.Exchange
	routes   []Route
	logger   *slog.Logger
	metrics  *metrics.Metrics

	requestFilter  filter.RequestFilter
	responseFilter exchange.HeadersFilter
	forwardPrefix  bool
}

// NewRoutingService creates a RoutingService for the routes in cfg.
// The metrics parameter is optional.
func NewRoutingService(x *exchange.Exchange, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RoutingService, error) {
	routes := make([]Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		u, err := url.Parse(rc.URI)
		if err != nil {
			return nil, fmt.Errorf("parse route %s uri: %w", rc.Name, err)
		}
		routes = append(routes, Route{
			Name:        rc.Name,
			Prefix:      rc.PathPrefix,
			Target:      u,
			StripPrefix: rc.StripPrefix,
		})
	}
	// Longest prefix wins.
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})

	s := &RoutingService{
		exchange: x,
		routes:   routes,
		logger:   logger.With("component", "routing_service"),
		metrics:  m,
		responseFilter: filter.ChainResponse(
			filter.RemoveHopByHopResponse(),
			filter.AllowResponse(cfg.Headers.ResponseAllow),
		),
	}

	requestFilters := []filter.RequestFilter{
		filter.TransferEncodingNormalization(),
		filter.RemoveHopByHop(),
	}
	switch cfg.Headers.Forwarded {
	case config.ForwardedNone:
	case config.ForwardedRFC7239:
		requestFilters = append(requestFilters, filter.Forwarded())
	default:
		requestFilters = append(requestFilters, filter.XForwarded())
		s.forwardPrefix = true
	}
	s.requestFilter = filter.Chain(requestFilters...)

	return s, nil
}

// Routes returns the configured routes, longest prefix first.
func (s *RoutingService) Routes() []Route {
	out := make([]Route, len(s.routes))
	copy(out, s.routes)
	return out
}

// Match returns the route serving path.
func (s *RoutingService) Match(path string) (*Route, bool) {
	for i := range s.routes {
		if s.routes[i].matches(path) {
			return &s.routes[i], true
		}
	}
	return nil, false
}

// Prepare builds the forward request for inbound without sending it.
func (s *RoutingService) Prepare(inbound *http.Request) (*exchange.Request, *Route, error) {
	route, ok := s.Match(inbound.URL.Path)
	if !ok {
		return nil, nil, ErrNoRoute
	}

	b := s.exchange.Request(inbound).
		URI(targetURL(route, inbound.URL)).
		Headers(s.requestFilter(inbound.Header.Clone(), inbound)).
		ResponseHeadersFilter(s.responseFilter)
	if route.StripPrefix && s.forwardPrefix && route.Prefix != "/" {
		b.Header("X-Forwarded-Prefix", route.Prefix)
	}

	return b.Build(), route, nil
}

// Forward runs the exchange for inbound. The caller must Relay or Close the
// returned response.
func (s *RoutingService) Forward(inbound *http.Request) (*exchange.Response, *Route, error) {
	req, route, err := s.Prepare(inbound)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Debug("forwarding request",
		"route", route.Name,
		"method", req.Method(),
		"uri", req.URI().Redacted(),
	)

	resp, err := s.exchange.Exchange(req)
	if err != nil {
		s.recordFailure(route, err)
		return nil, route, fmt.Errorf("forward to %s: %w", route.Name, err)
	}
	return resp, route, nil
}

// Relay streams resp to w and records a failed relay against route.
func (s *RoutingService) Relay(route *Route, resp *exchange.Response, w http.ResponseWriter) (int64, error) {
	n, err := resp.Relay(w)
	if err != nil {
		s.recordFailure(route, err)
	}
	return n, err
}

func (s *RoutingService) recordFailure(route *Route, err error) {
	if s.metrics == nil {
		return
	}
	var xerr *exchange.Error
	if errors.As(err, &xerr) {
		s.metrics.ExchangeFailures.WithLabelValues(route.Name, xerr.State.String()).Inc()
	}
}

// targetURL maps the inbound URL onto the route's backend, keeping the
// inbound path encoding and appending the inbound query to the target's.
func targetURL(route *Route, in *url.URL) *url.URL {
	u := *route.Target

	rest := in.EscapedPath()
	if route.StripPrefix && route.Prefix != "/" {
		rest = trimEscapedPrefix(rest, route.Prefix)
	}
	raw := joinPath(route.Target.EscapedPath(), rest)
	if p, err := url.PathUnescape(raw); err == nil {
		u.Path = p
		u.RawPath = raw
	} else {
		u.Path = joinPath(route.Target.Path, rest)
		u.RawPath = ""
	}

	switch {
	case in.RawQuery == "":
	case u.RawQuery == "":
		u.RawQuery = in.RawQuery
	default:
		u.RawQuery = u.RawQuery + "&" + in.RawQuery
	}
	return &u
}

// trimEscapedPrefix removes the decoded prefix from an escaped path. Routes
// match on the decoded path, so "/fil%65s/x" loses "/files" and keeps "/x".
// The path is returned unchanged when it does not start with prefix.
func trimEscapedPrefix(escaped, prefix string) string {
	i := 0
	for j := 0; j < len(prefix); j++ {
		if i >= len(escaped) {
			return escaped
		}
		c, n := escaped[i], 1
		if c == '%' && i+2 < len(escaped) {
			if b, err := strconv.ParseUint(escaped[i+1:i+3], 16, 8); err == nil {
				c, n = byte(b), 3
			}
		}
		if c != prefix[j] {
			return escaped
		}
		i += n
	}
	return escaped[i:]
}

func joinPath(base, rest string) string {
	switch {
	case rest == "" && base == "":
		return "/"
	case rest == "":
		return base
	case base == "":
		if rest[0] != '/' {
			return "/" + rest
		}
		return rest
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(rest, "/")
}
