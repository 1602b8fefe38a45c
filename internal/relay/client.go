package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"

	"go.uber.org/zap"
)

// Message is one chat turn sent upstream.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpstreamError reports a non-2xx response from the completion endpoint.
type UpstreamError struct {
	Code int
	Body string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("completion upstream returned %d: %s", e.Code, e.Body)
}

// Client streams completions from an OpenAI-compatible endpoint.
type Client struct {
	endpoint string
	apiKey   string
	model    string
	http     *http.Client
	logger   *zap.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Endpoint   string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		// No overall timeout; streams are bounded by the caller's context.
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		http:     hc,
		logger:   logger,
	}
}

type completionRequest struct {
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Stream starts a streamed completion. Cancelling ctx aborts the upstream
// request and ends the returned sequence.
func (c *Client) Stream(ctx context.Context, messages []Message) (iter.Seq2[string, error], error) {
	body, err := json.Marshal(completionRequest{Model: c.model, Messages: messages, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("Stream: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Stream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, &UpstreamError{Code: resp.StatusCode, Body: string(snippet)}
	}
	return Tokens(resp.Body, c.logger), nil
}
