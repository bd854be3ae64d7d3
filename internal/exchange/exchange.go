package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// copyBufferSize bounds the memory used per body copy.
const copyBufferSize = 32 * 1024

// errRelayed is returned when a Response is relayed twice.
var errRelayed = errors.New("response already relayed")

// State is the progress of a single exchange.
type State int

const (
	Unstarted State = iota
	RequestSent
	AwaitingResponse
	StreamingResponse
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "unstarted"
	case RequestSent:
		return "request_sent"
	case AwaitingResponse:
		return "awaiting_response"
	case StreamingResponse:
		return "streaming_response"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error is the single fatal error of a failed exchange. State is where the
// exchange was when it failed; Op names the failing step.
type Error struct {
	State  State
	Op     string
	Method string
	URI    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange %s %s: %s: %v", e.Method, e.URI, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Exchange performs blocking request/response cycles against backends. It
// holds no per-exchange state and is safe for concurrent use.
type Exchange struct {
	transport Transport
	buffers   *sync.Pool
}

// New creates an Exchange that sends requests through t.
func New(t Transport) *Exchange {
	return &Exchange{
		transport: t,
		buffers: &sync.Pool{New: func() any {
			b := make([]byte, copyBufferSize)
			return &b
		}},
	}
}

// Request starts a forward request from the inbound one, carrying only its
// method. The URI and headers are left for the caller to set.
func (x *Exchange) Request(inbound *http.Request) *RequestBuilder {
	b := NewRequestBuilder(inbound)
	if inbound != nil {
		b.Method(inbound.Method)
	}
	return b
}

// Exchange sends req to its backend and returns a descriptor for the reply.
// The inbound body is streamed upstream before the call blocks for the
// response. The backend body is not read here; it is streamed when the
// descriptor is relayed. On error no descriptor is returned and every
// backend resource has been released.
func (x *Exchange) Exchange(req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, x.fail(req, Unstarted, "validate", err)
	}

	ctx := context.Background()
	if req.inbound != nil {
		ctx = req.inbound.Context()
	}

	out, err := x.transport.CreateRequest(ctx, req.URI(), req.method)
	if err != nil {
		return nil, x.fail(req, Unstarted, "create", err)
	}
	defer func() { _ = out.Close() }()

	// Request headers replace whatever defaults the transport set.
	dst := out.Header()
	for name, values := range req.header {
		dst.Del(name)
		for _, v := range values {
			dst.Add(name, v)
		}
	}

	if err := x.sendBody(req.inbound, out.Body()); err != nil {
		return nil, x.fail(req, RequestSent, "send body", err)
	}

	backend, err := out.Execute()
	if err != nil {
		return nil, x.fail(req, AwaitingResponse, "execute", err)
	}
	// The backend is owned by the descriptor only once it is returned; a
	// panicking filter must not leak it.
	handedOff := false
	defer func() {
		if !handedOff {
			_ = backend.Close()
		}
	}()

	resp := &Response{
		StatusCode: backend.StatusCode(),
		Header:     make(http.Header),
		backend:    backend,
		buffers:    x.buffers,
		method:     req.method,
		uri:        req.uri.Redacted(),
		state:      StreamingResponse,
	}

	filtered := backend.Header().Clone()
	if req.filter != nil {
		filtered = req.filter(filtered, resp)
	}
	for name, values := range filtered {
		for _, v := range values {
			resp.Header.Add(name, v)
		}
	}

	handedOff = true
	return resp, nil
}

func (x *Exchange) sendBody(inbound *http.Request, dst io.Writer) error {
	if inbound == nil || inbound.Body == nil || inbound.Body == http.NoBody {
		return nil
	}
	buf := x.buffers.Get().(*[]byte)
	defer x.buffers.Put(buf)

	_, err := copyBounded(dst, inbound.Body, *buf)
	return err
}

// copyBounded copies through buf only. Hiding WriterTo and ReaderFrom keeps
// io.CopyBuffer from handing the whole stream to a single Write.
func copyBounded(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	return io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, buf)
}

func (x *Exchange) fail(req *Request, state State, op string, err error) *Error {
	e := &Error{State: state, Op: op, Method: req.method, Err: err}
	if req.uri != nil {
		e.URI = req.uri.Redacted()
	}
	return e
}

// Response describes the backend reply to relay to the caller. StatusCode and
// Header may be adjusted before Relay; the body is opaque.
type Response struct {
	StatusCode int
	Header     http.Header

	mu      sync.Mutex
	backend BackendResponse
	buffers *sync.Pool
	method  string
	uri     string
	state   State
}

// State reports Complete or Failed once the response has been relayed or
// closed, and StreamingResponse before that.
func (r *Response) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Relay writes the headers, the status and the streamed backend body to w,
// then releases the backend response. A relay error happens after the status
// has been committed.
func (r *Response) Relay(w http.ResponseWriter) (int64, error) {
	r.mu.Lock()
	backend := r.backend
	r.backend = nil
	r.mu.Unlock()
	if backend == nil {
		return 0, errRelayed
	}
	defer func() { _ = backend.Close() }()

	h := w.Header()
	for name, values := range r.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	w.WriteHeader(r.StatusCode)

	buf := r.buffers.Get().(*[]byte)
	defer r.buffers.Put(buf)

	n, err := copyBounded(w, backend.Body(), *buf)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = Failed
		return n, &Error{State: StreamingResponse, Op: "relay", Method: r.method, URI: r.uri, Err: err}
	}
	r.state = Complete
	return n, nil
}

// Close releases the backend response without relaying it. It is safe to call
// after Relay.
func (r *Response) Close() error {
	r.mu.Lock()
	backend := r.backend
	r.backend = nil
	if backend != nil {
		r.state = Complete
	}
	r.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}
