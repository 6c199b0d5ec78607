// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llmhttp is a concrete llm.Client speaking the
// OpenAI-compatible chat-completions wire shape, with automatic retry,
// exponential backoff and rate-limit header handling. The orchestrator
// core never imports this package; cmd/orchestra injects it at startup.
package llmhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/kadirpekel/orchestra/internal/llm"
	"github.com/kadirpekel/orchestra/internal/orcherr"
)

// Config configures the client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1" or a
	// local inference server. The client appends "/chat/completions".
	BaseURL string
	APIKey  string

	Timeout    time.Duration // per-attempt HTTP timeout, default 60s
	MaxRetries int           // default 3
	BaseDelay  time.Duration // first backoff step, default 1s
	MaxDelay   time.Duration // backoff ceiling, default 30s
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// Client implements llm.Client over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New builds a Client.
func New(cfg Config, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model          string        `json:"model"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Messages       []wireMessage `json:"messages"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete implements llm.Client, retrying transient failures with
// exponential backoff and honoring a Retry-After header when present.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	body := wireRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}
	if req.JSONSchema != nil {
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": req.JSONSchema,
			},
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return llm.Response{}, orcherr.Wrap(orcherr.KindInternal, "encode completion request", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt, lastErr)
			c.log.Debug("retrying LLM request", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return llm.Response{}, orcherr.Wrap(orcherr.KindCancelled, "completion abandoned during backoff", ctx.Err())
			}
		}

		resp, err := c.do(ctx, payload, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return llm.Response{}, err
		}
	}
	return llm.Response{}, lastErr
}

func (c *Client) do(ctx context.Context, payload []byte, req llm.Request) (llm.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return llm.Response{}, orcherr.Wrap(orcherr.KindInternal, "build completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return llm.Response{}, orcherr.Wrap(orcherr.KindCancelled, "completion cancelled", ctx.Err())
		}
		return llm.Response{}, orcherr.Wrap(orcherr.KindTransport, "completion request failed", err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return llm.Response{}, orcherr.Wrap(orcherr.KindTransport, "read completion response", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		e := orcherr.New(orcherr.KindRateLimited, "model service rate limited")
		e.Cause = &retryAfterError{after: parseRetryAfter(httpResp.Header)}
		return llm.Response{}, e
	case httpResp.StatusCode >= 500:
		return llm.Response{}, orcherr.New(orcherr.KindTransport, fmt.Sprintf("model service returned %d", httpResp.StatusCode))
	case httpResp.StatusCode != http.StatusOK:
		return llm.Response{}, orcherr.New(orcherr.KindProviderError, fmt.Sprintf("model service returned %d: %s", httpResp.StatusCode, truncate(string(raw), 200)))
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return llm.Response{}, orcherr.Wrap(orcherr.KindProviderError, "decode completion response", err)
	}
	if wr.Error != nil {
		return llm.Response{}, orcherr.New(orcherr.KindProviderError, wr.Error.Message)
	}
	if len(wr.Choices) == 0 {
		return llm.Response{}, orcherr.New(orcherr.KindProviderError, "completion response had no choices")
	}

	out := llm.Response{Text: wr.Choices[0].Message.Content}
	if req.JSONSchema != nil {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(out.Text), &parsed); err == nil {
			out.Raw = parsed
		}
	}
	return out, nil
}

// retryAfterError carries a server-provided retry delay through the
// error chain to the backoff calculation.
type retryAfterError struct {
	after time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.after)
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func retryable(err error) bool {
	switch orcherr.KindOf(err) {
	case orcherr.KindRateLimited, orcherr.KindTransport, orcherr.KindTimeout:
		return true
	default:
		return false
	}
}

// backoff computes the next retry delay: the server's Retry-After when
// the last failure carried one, otherwise exponential growth from
// BaseDelay with light jitter, capped at MaxDelay.
func (c *Client) backoff(attempt int, lastErr error) time.Duration {
	var ra *retryAfterError
	if orcherr.KindOf(lastErr) == orcherr.KindRateLimited {
		var oe *orcherr.Error
		if errors.As(lastErr, &oe) {
			if r, ok := oe.Cause.(*retryAfterError); ok && r.after > 0 {
				ra = r
			}
		}
	}
	if ra != nil {
		if ra.after > c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
		return ra.after
	}

	d := time.Duration(float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	d += time.Duration(rand.Int63n(int64(c.cfg.BaseDelay) / 2))
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
