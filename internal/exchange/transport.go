package exchange

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Transport creates outbound requests against a backend. Pooling, TLS and
// timeout policy belong to the implementation.
type Transport interface {
	CreateRequest(ctx context.Context, uri *url.URL, method string) (OutboundRequest, error)
}

// OutboundRequest is a request being sent to a backend. Header must be fully
// populated before the first Body write. Close releases the request if it was
// never executed and is a no-op afterwards.
type OutboundRequest interface {
	Header() http.Header
	Body() io.Writer
	Execute() (BackendResponse, error)
	Close() error
}

// BackendResponse is the backend's reply. The caller must Close it.
type BackendResponse interface {
	StatusCode() int
	Header() http.Header
	Body() io.Reader
	Close() error
}
