// Package filter provides header filters applied to forward requests and to
// relayed backend responses.
package filter

import (
	"net"
	"net/http"
	"strings"

	"exchange-gateway/internal/exchange"
)

// RequestFilter transforms the headers sent upstream for an inbound request.
// It may modify h in place and returns the headers to use.
type RequestFilter func(h http.Header, inbound *http.Request) http.Header

// hopByHopHeaders are connection-scoped headers that proxies must not forward.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHopHeaders deletes hop-by-hop headers from h, including any
// named in the Connection header.
func RemoveHopByHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Chain applies filters in order.
func Chain(filters ...RequestFilter) RequestFilter {
	return func(h http.Header, inbound *http.Request) http.Header {
		for _, f := range filters {
			h = f(h, inbound)
		}
		return h
	}
}

// RemoveHopByHop drops hop-by-hop request headers.
func RemoveHopByHop() RequestFilter {
	return func(h http.Header, _ *http.Request) http.Header {
		RemoveHopByHopHeaders(h)
		return h
	}
}

// TransferEncodingNormalization drops Content-Length when the inbound request
// is chunked, so the two never disagree upstream.
func TransferEncodingNormalization() RequestFilter {
	return func(h http.Header, inbound *http.Request) http.Header {
		if isChunked(h, inbound) {
			h.Del("Content-Length")
		}
		return h
	}
}

func isChunked(h http.Header, inbound *http.Request) bool {
	if inbound != nil {
		for _, te := range inbound.TransferEncoding {
			if strings.EqualFold(te, "chunked") {
				return true
			}
		}
	}
	for _, v := range h.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// XForwarded appends the client address to X-Forwarded-For and sets
// X-Forwarded-Proto, X-Forwarded-Host and X-Forwarded-Port.
func XForwarded() RequestFilter {
	return func(h http.Header, inbound *http.Request) http.Header {
		if inbound == nil {
			return h
		}
		if ip, _ := clientAddr(inbound); ip != "" {
			// Earlier hops may have sent the chain over several header lines.
			if prior := strings.Join(h.Values("X-Forwarded-For"), ", "); prior != "" {
				h.Set("X-Forwarded-For", prior+", "+ip)
			} else {
				h.Set("X-Forwarded-For", ip)
			}
		}
		proto := scheme(inbound)
		h.Set("X-Forwarded-Proto", proto)
		if inbound.Host != "" {
			h.Set("X-Forwarded-Host", inbound.Host)
			h.Set("X-Forwarded-Port", hostPort(inbound.Host, proto))
		}
		return h
	}
}

// Forwarded appends an RFC 7239 Forwarded element describing the inbound hop.
func Forwarded() RequestFilter {
	return func(h http.Header, inbound *http.Request) http.Header {
		if inbound == nil {
			return h
		}
		var pairs []string
		if ip, port := clientAddr(inbound); ip != "" {
			pairs = append(pairs, "for="+forwardedNode(ip, port))
		}
		if inbound.Host != "" {
			pairs = append(pairs, "host="+quoteIfNeeded(inbound.Host))
		}
		pairs = append(pairs, "proto="+scheme(inbound))
		h.Add("Forwarded", strings.Join(pairs, ";"))
		return h
	}
}

// clientAddr splits the inbound RemoteAddr into ip and port.
func clientAddr(r *http.Request) (string, string) {
	host, port, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, ""
	}
	return host, port
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func hostPort(host, proto string) string {
	if _, port, err := net.SplitHostPort(host); err == nil && port != "" {
		return port
	}
	if proto == "https" {
		return "443"
	}
	return "80"
}

// forwardedNode formats a node identifier; IPv6 addresses and ports require
// a quoted string.
func forwardedNode(ip, port string) string {
	node := ip
	if strings.Contains(ip, ":") {
		node = "[" + ip + "]"
	}
	if port != "" {
		node += ":" + port
	}
	return quoteIfNeeded(node)
}

func quoteIfNeeded(v string) string {
	if strings.ContainsAny(v, ":[]\"") {
		return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return v
}

// ChainResponse applies response filters in order.
func ChainResponse(filters ...exchange.HeadersFilter) exchange.HeadersFilter {
	return func(h http.Header, resp *exchange.Response) http.Header {
		for _, f := range filters {
			h = f(h, resp)
		}
		return h
	}
}

// RemoveHopByHopResponse drops hop-by-hop backend response headers.
func RemoveHopByHopResponse() exchange.HeadersFilter {
	return func(h http.Header, _ *exchange.Response) http.Header {
		RemoveHopByHopHeaders(h)
		return h
	}
}

// AllowResponse keeps only the named backend response headers. An empty list
// keeps everything.
func AllowResponse(names []string) exchange.HeadersFilter {
	if len(names) == 0 {
		return func(h http.Header, _ *exchange.Response) http.Header { return h }
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[http.CanonicalHeaderKey(n)] = true
	}
	return func(h http.Header, _ *exchange.Response) http.Header {
		dst := make(http.Header)
		for key, vals := range h {
			if allowed[http.CanonicalHeaderKey(key)] {
				dst[key] = vals
			}
		}
		return dst
	}
}
