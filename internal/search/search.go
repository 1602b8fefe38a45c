// Package search implements rate-limited HTTP search providers.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Result is one hit returned by a provider. Score is provider-local.
type Result struct {
	Text     string         `json:"text"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Options tunes a single search call.
type Options struct {
	MaxResults int
}

// Provider searches an external corpus.
type Provider interface {
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// ErrNotConfigured is returned by Unconfigured.
var ErrNotConfigured = errors.New("search provider not configured")

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether the upstream failure is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

const maxErrorBody = 512

type request struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results,omitempty"`
}

type response struct {
	Results []Result `json:"results"`
}

// HTTPProvider posts {query, max_results} to a JSON endpoint and expects
// {"results":[{text, score, metadata}]} back.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	Name     string
	Endpoint string
	APIKey   string
	RPS      float64 // 0 disables rate limiting
	Burst    int
	Timeout  time.Duration
	Client   *http.Client
	Logger   *zap.Logger
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RPS))
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   client,
		limiter:  limiter,
		logger:   logger,
	}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: rate limit: %w", p.name, err)
	}

	body, err := json.Marshal(request{Query: query, MaxResults: opts.MaxResults})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", p.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Provider: p.name, Code: resp.StatusCode, Body: string(snippet)}
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if opts.MaxResults > 0 && len(out.Results) > opts.MaxResults {
		out.Results = out.Results[:opts.MaxResults]
	}

	p.logger.Debug("search completed",
		zap.String("provider", p.name),
		zap.Int("results", len(out.Results)),
		zap.Duration("latency", time.Since(start)),
	)
	return out.Results, nil
}

// Unconfigured is a Provider that always fails with ErrNotConfigured.
type Unconfigured struct{}

func (Unconfigured) Search(context.Context, string, Options) ([]Result, error) {
	return nil, ErrNotConfigured
}
