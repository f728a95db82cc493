// Package ai is a thin client for the external chat-completion endpoints the
// service delegates to. Calls carry a fixed timeout and are never retried; a
// failed call is surfaced to the caller as-is.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 120 * time.Second

// ErrNoAPIKey is returned before any network traffic when the endpoint has
// no key configured.
var ErrNoAPIKey = errors.New("AI endpoint API key not configured")

// UpstreamError is a non-success response from the AI endpoint.
type UpstreamError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Endpoint, e.Status, e.Body)
}

// Client calls one chat-completions endpoint with one fixed model.
type Client struct {
	name       string
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a client for the given endpoint. name is used in logs
// and error messages ("vision", "chat"). A non-positive timeout falls back
// to two minutes.
func NewClient(name, baseURL, model, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: slog.Default(),
	}
}

// Chat issues a single chat-completions call and returns the assistant
// content, the raw response body, and usage. The caller may re-invoke on
// failure; the client never does.
func (c *Client) Chat(ctx context.Context, messages []Message) (*Result, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s endpoint: %w", c.name, ErrNoAPIKey)
	}

	body, err := json.Marshal(ChatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("ai.call.transport_error", "endpoint", c.name, "model", c.model,
			"elapsed_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, fmt.Errorf("calling %s endpoint: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Error("ai.call.upstream_error", "endpoint", c.name, "model", c.model,
			"status", resp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, &UpstreamError{Endpoint: c.name, Status: resp.StatusCode, Body: truncate(string(raw), 2048)}
	}

	var cr ChatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", c.name, err)
	}
	if len(cr.Choices) == 0 {
		return nil, fmt.Errorf("%s response has no choices", c.name)
	}

	c.log.Info("ai.call.ok", "endpoint", c.name, "model", c.model,
		"elapsed_ms", time.Since(start).Milliseconds(), "response_bytes", len(raw))

	return &Result{
		Content: strings.TrimSpace(cr.Choices[0].Message.Content),
		Raw:     json.RawMessage(raw),
		Usage:   cr.Usage,
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
