// Package exchange implements the blocking proxy exchange: a forward request
// is accumulated with a RequestBuilder, frozen into a Request, and executed
// against a backend through a pluggable Transport.
package exchange

import (
	"errors"
	"net/http"
	"net/url"
)

var (
	// ErrInvalidRequest is matched by every configuration error reported by
	// Request.Validate.
	ErrInvalidRequest = errors.New("invalid forward request")

	ErrMissingMethod = &requestError{"method is required"}
	ErrMissingURI    = &requestError{"uri is required"}
	ErrRelativeURI   = &requestError{"uri must be absolute"}
)

type requestError struct{ msg string }

func (e *requestError) Error() string        { return e.msg }
func (e *requestError) Is(target error) bool { return target == ErrInvalidRequest }

// HeadersFilter computes the headers attached to the outgoing response from
// the backend response headers. It runs once per successful exchange, after
// the backend status and headers are known. It must not depend on whether the
// response body has been relayed yet.
type HeadersFilter func(backend http.Header, resp *Response) http.Header

// Request is an immutable forward request ready for exchange.
type Request struct {
	inbound *http.Request
	method  string
	uri     *url.URL
	header  http.Header
	filter  HeadersFilter
}

// Method returns the HTTP method sent upstream.
func (r *Request) Method() string { return r.method }

// URI returns a copy of the backend URI.
func (r *Request) URI() *url.URL {
	if r.uri == nil {
		return nil
	}
	u := *r.uri
	return &u
}

// Header returns a copy of the headers sent upstream.
func (r *Request) Header() http.Header { return r.header.Clone() }

// ResponseHeadersFilter returns the filter applied to backend response headers.
func (r *Request) ResponseHeadersFilter() HeadersFilter { return r.filter }

// Inbound returns the request this forward request was derived from. Its body
// is the source streamed upstream; the server owns its lifecycle.
func (r *Request) Inbound() *http.Request { return r.inbound }

// Validate reports whether the request carries everything an exchange needs.
func (r *Request) Validate() error {
	if r.method == "" {
		return ErrMissingMethod
	}
	if r.uri == nil || r.uri.String() == "" {
		return ErrMissingURI
	}
	if !r.uri.IsAbs() || r.uri.Host == "" {
		return ErrRelativeURI
	}
	return nil
}

// RequestBuilder accumulates the fields of a forward request. Setters do not
// validate; validation happens when the built Request is exchanged.
type RequestBuilder struct {
	inbound *http.Request
	method  string
	uri     *url.URL
	header  http.Header
	filter  HeadersFilter
}

// NewRequestBuilder returns an empty builder bound to the inbound request.
func NewRequestBuilder(inbound *http.Request) *RequestBuilder {
	return &RequestBuilder{inbound: inbound}
}

// Method sets the upstream HTTP method.
func (b *RequestBuilder) Method(m string) *RequestBuilder {
	b.method = m
	return b
}

// URI sets the absolute backend URI.
func (b *RequestBuilder) URI(u *url.URL) *RequestBuilder {
	b.uri = u
	return b
}

// Headers replaces the upstream headers.
func (b *RequestBuilder) Headers(h http.Header) *RequestBuilder {
	b.header = h
	return b
}

// Header appends values for a single upstream header.
func (b *RequestBuilder) Header(name string, values ...string) *RequestBuilder {
	if b.header == nil {
		b.header = make(http.Header)
	}
	for _, v := range values {
		b.header.Add(name, v)
	}
	return b
}

// ResponseHeadersFilter sets the filter applied to backend response headers.
func (b *RequestBuilder) ResponseHeadersFilter(f HeadersFilter) *RequestBuilder {
	b.filter = f
	return b
}

// Build returns a snapshot of the builder. Later builder calls do not affect
// the returned Request.
func (b *RequestBuilder) Build() *Request {
	r := &Request{
		inbound: b.inbound,
		method:  b.method,
		header:  b.header.Clone(),
		filter:  b.filter,
	}
	if r.header == nil {
		r.header = make(http.Header)
	}
	if b.uri != nil {
		u := *b.uri
		r.uri = &u
	}
	return r
}
