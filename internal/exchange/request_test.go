package exchange

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"testing"
)

func TestExchangeRequest_CarriesOnlyMethod(t *testing.T) {
	inbound := httptest.NewRequest(http.MethodDelete, "/things/1", http.NoBody)
	inbound.Header.Set("Authorization", "Bearer t")

	req := New(&fakeTransport{}).Request(inbound).Build()

	if req.Method() != http.MethodDelete {
		t.Errorf("Method() = %q, want DELETE", req.Method())
	}
	if req.URI() != nil {
		t.Errorf("URI() = %v, want nil", req.URI())
	}
	if len(req.Header()) != 0 {
		t.Errorf("Header() = %v, want empty", req.Header())
	}
	if req.ResponseHeadersFilter() != nil {
		t.Error("ResponseHeadersFilter() set, want nil")
	}
	if req.Inbound() != inbound {
		t.Error("Inbound() does not return the inbound request")
	}
}

func TestRequestBuilder_Fluent(t *testing.T) {
	u := &url.URL{Scheme: "https", Host: "backend:8443", Path: "/v1"}
	called := false
	filter := func(h http.Header, _ *Response) http.Header { called = true; return h }

	req := NewRequestBuilder(nil).
		Method(http.MethodPatch).
		URI(u).
		Headers(http.Header{"A": {"1"}}).
		Header("A", "2").
		Header("B", "3", "4").
		ResponseHeadersFilter(filter).
		Build()

	if err := req.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if req.Method() != http.MethodPatch {
		t.Errorf("Method() = %q, want PATCH", req.Method())
	}
	if got := req.URI().String(); got != "https://backend:8443/v1" {
		t.Errorf("URI() = %q, want https://backend:8443/v1", got)
	}
	if want := (http.Header{"A": {"1", "2"}, "B": {"3", "4"}}); !reflect.DeepEqual(req.Header(), want) {
		t.Errorf("Header() = %v, want %v", req.Header(), want)
	}

	req.ResponseHeadersFilter()(http.Header{}, nil)
	if !called {
		t.Error("ResponseHeadersFilter() is not the configured filter")
	}
}

func TestRequestBuilder_BuildIsSnapshot(t *testing.T) {
	u := &url.URL{Scheme: "http", Host: "backend", Path: "/a"}
	h := http.Header{"A": {"1"}}

	b := NewRequestBuilder(nil).Method(http.MethodGet).URI(u).Headers(h)
	req := b.Build()

	b.Method(http.MethodPost).Header("A", "2").Header("C", "9")
	u.Path = "/changed"
	h.Set("B", "x")

	if req.Method() != http.MethodGet {
		t.Errorf("Method() = %q, want GET", req.Method())
	}
	if req.URI().Path != "/a" {
		t.Errorf("URI().Path = %q, want /a", req.URI().Path)
	}
	if want := (http.Header{"A": {"1"}}); !reflect.DeepEqual(req.Header(), want) {
		t.Errorf("Header() = %v, want %v", req.Header(), want)
	}
}

func TestRequest_AccessorsReturnCopies(t *testing.T) {
	req := NewRequestBuilder(nil).
		Method(http.MethodGet).
		URI(&url.URL{Scheme: "http", Host: "backend", Path: "/a"}).
		Header("A", "1").
		Build()

	req.URI().Path = "/mutated"
	req.Header().Set("A", "mutated")

	if req.URI().Path != "/a" {
		t.Errorf("URI().Path = %q, want /a", req.URI().Path)
	}
	if got := req.Header().Get("A"); got != "1" {
		t.Errorf("A = %q, want 1", got)
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name   string
		method string
		uri    *url.URL
		want   error
	}{
		{"valid", http.MethodGet, &url.URL{Scheme: "http", Host: "b"}, nil},
		{"missing method", "", &url.URL{Scheme: "http", Host: "b"}, ErrMissingMethod},
		{"nil uri", http.MethodGet, nil, ErrMissingURI},
		{"empty uri", http.MethodGet, &url.URL{}, ErrMissingURI},
		{"relative uri", http.MethodGet, &url.URL{Path: "/x"}, ErrRelativeURI},
		{"scheme without host", http.MethodGet, &url.URL{Scheme: "http", Path: "/x"}, ErrRelativeURI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRequestBuilder(nil).Method(tt.method).URI(tt.uri).Build().Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Validate() error = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Validate() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}
