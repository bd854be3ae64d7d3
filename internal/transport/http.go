// Package transport provides the net/http implementation of exchange.Transport.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"exchange-gateway/internal/config"
	"exchange-gateway/internal/exchange"
	"exchange-gateway/internal/metrics"
)

const defaultUserAgent = "exchange-gateway"

var (
	errAborted  = errors.New("outbound request aborted")
	errExecuted = errors.New("outbound request already executed")
)

// HTTPTransport sends exchanges to backends over a pooled HTTP client.
type HTTPTransport struct {
	client  *http.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHTTPTransport creates an HTTPTransport with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewHTTPTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *HTTPTransport {
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		// Bodies are relayed byte for byte, so never negotiate or decode gzip here.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &HTTPTransport{
		client: &http.Client{
			Transport: rt,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "http_transport"),
		metrics: m,
	}
}

// CreateRequest prepares a request for uri. Nothing is sent until the first
// body write or Execute.
func (t *HTTPTransport) CreateRequest(ctx context.Context, uri *url.URL, method string) (exchange.OutboundRequest, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	return &outboundRequest{transport: t, req: req}, nil
}

func (t *HTTPTransport) do(req *http.Request) (*http.Response, error) {
	t.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := t.client.Do(req) //nolint:bodyclose // body ownership transfers to backendResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if t.metrics != nil {
			t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if t.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		t.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

type roundTrip struct {
	resp *http.Response
	err  error
}

// outboundRequest streams its body through a pipe. The round trip starts on
// the first non-empty write so headers must be final by then. It is used by a
// single goroutine.
type outboundRequest struct {
	transport *HTTPTransport
	req       *http.Request

	pw       *io.PipeWriter
	result   chan roundTrip
	rt       roundTrip
	finished bool
	executed bool
}

func (o *outboundRequest) Header() http.Header { return o.req.Header }

func (o *outboundRequest) Body() io.Writer { return requestBody{o} }

type requestBody struct{ o *outboundRequest }

func (b requestBody) Write(p []byte) (int, error) { return b.o.write(p) }

func (o *outboundRequest) write(p []byte) (int, error) {
	if o.executed {
		return 0, errExecuted
	}
	if len(p) == 0 {
		return 0, nil
	}
	if o.pw == nil {
		o.start()
	}

	n, err := o.pw.Write(p)
	if err != nil {
		// The transport stopped reading; its own error says why.
		if rt := o.wait(); rt.err != nil {
			return n, rt.err
		}
		return n, fmt.Errorf("upstream request body: %w", err)
	}
	return n, nil
}

func (o *outboundRequest) start() {
	pr, pw := io.Pipe()
	o.pw = pw
	o.prepare(pr)
	o.result = make(chan roundTrip, 1)

	go func() {
		resp, err := o.transport.do(o.req)
		o.result <- roundTrip{resp: resp, err: err}
	}()
}

// prepare moves framing headers onto the request fields net/http reads them
// from.
func (o *outboundRequest) prepare(body io.ReadCloser) {
	h := o.req.Header
	if body != nil {
		o.req.Body = body
		o.req.ContentLength = -1
		if cl, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64); err == nil && cl >= 0 {
			o.req.ContentLength = cl
		}
	}
	h.Del("Content-Length")
	h.Del("Transfer-Encoding")

	if host := h.Get("Host"); host != "" {
		o.req.Host = host
		h.Del("Host")
	}
}

func (o *outboundRequest) wait() roundTrip {
	if !o.finished {
		o.rt = <-o.result
		o.finished = true
	}
	return o.rt
}

func (o *outboundRequest) Execute() (exchange.BackendResponse, error) {
	if o.executed {
		return nil, errExecuted
	}
	o.executed = true

	var rt roundTrip
	if o.pw == nil {
		o.prepare(nil)
		rt.resp, rt.err = o.transport.do(o.req)
	} else {
		_ = o.pw.Close()
		rt = o.wait()
	}
	if rt.err != nil {
		return nil, rt.err
	}
	return &backendResponse{resp: rt.resp}, nil
}

// Close aborts a request that was never executed. It waits for any round trip
// in flight so nothing outlives the exchange.
func (o *outboundRequest) Close() error {
	if o.executed {
		return nil
	}
	o.executed = true

	if o.pw == nil {
		return nil
	}
	_ = o.pw.CloseWithError(errAborted)
	if rt := o.wait(); rt.resp != nil {
		return rt.resp.Body.Close()
	}
	return nil
}

type backendResponse struct {
	resp *http.Response
}

func (b *backendResponse) StatusCode() int     { return b.resp.StatusCode }
func (b *backendResponse) Header() http.Header { return b.resp.Header }
func (b *backendResponse) Body() io.Reader     { return b.resp.Body }
func (b *backendResponse) Close() error        { return b.resp.Body.Close() }
