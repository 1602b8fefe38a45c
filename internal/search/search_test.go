package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPProvider_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token: %q", r.Header.Get("Authorization"))
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Query != "go generics" || req.MaxResults != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		_, _ = w.Write([]byte(`{"results":[
			{"text":"a","score":0.9,"metadata":{"url":"https://a"}},
			{"text":"b","score":0.5},
			{"text":"c","score":0.1}
		]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{Name: "web", Endpoint: srv.URL, APIKey: "secret"})
	results, err := p.Search(context.Background(), "go generics", Options{MaxResults: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected results truncated to 2, got %d", len(results))
	}
	if results[0].Metadata["url"] != "https://a" {
		t.Fatalf("metadata not decoded: %+v", results[0])
	}
}

func TestHTTPProvider_StatusErrors(t *testing.T) {
	cases := []struct {
		code      int
		temporary bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.code)
		}))
		p := NewHTTPProvider(HTTPConfig{Name: "web", Endpoint: srv.URL})
		_, err := p.Search(context.Background(), "q", Options{})
		srv.Close()

		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("%d: expected StatusError, got %v", tc.code, err)
		}
		if se.Code != tc.code || se.Temporary() != tc.temporary {
			t.Fatalf("%d: unexpected status error %+v (temporary=%v)", tc.code, se, se.Temporary())
		}
	}
}

func TestHTTPProvider_RateLimitHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{Name: "web", Endpoint: srv.URL, RPS: 0.001, Burst: 1})
	if _, err := p.Search(context.Background(), "q", Options{}); err != nil {
		t.Fatalf("first call should pass the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Search(ctx, "q", Options{}); err == nil {
		t.Fatal("expected rate limit wait to fail")
	}
}

func TestHTTPProvider_BadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(HTTPConfig{Name: "web", Endpoint: srv.URL})
	if _, err := p.Search(context.Background(), "q", Options{}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestUnconfigured(t *testing.T) {
	if _, err := (Unconfigured{}).Search(context.Background(), "q", Options{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
