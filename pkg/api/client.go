// Package api is the client for the HAPA code generation backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/config"
	"github.com/hapa-ai/hapa/pkg/models"
)

// Backend endpoints.
const (
	PathGenerate       = "/code/generate"
	PathGenerateStream = "/code/generate/stream"
	PathComplete       = "/code/complete"
	PathHealth         = "/code/health"

	apiKeyHeader = "X-API-Key"
	maxErrorBody = 4096
)

// Client talks to the backend. It is safe for concurrent use and can be
// reconfigured while requests are in flight.
type Client struct {
	mu          sync.RWMutex
	baseURL     string
	apiKey      string
	timeout     time.Duration
	idleTimeout time.Duration
	http        *http.Client
}

// New creates a Client from cfg.
func New(cfg config.APIConfig) *Client {
	c := &Client{}
	c.Configure(cfg)
	return c
}

// Configure replaces the base URL, API key and timeouts. Requests already
// in flight keep their old settings.
func (c *Client) Configure(cfg config.APIConfig) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.StreamIdleTimeout <= 0 {
		cfg.StreamIdleTimeout = time.Minute
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	c.apiKey = cfg.APIKey
	c.timeout = cfg.Timeout
	c.idleTimeout = cfg.StreamIdleTimeout
	c.http = &http.Client{Timeout: cfg.Timeout}
	logrus.WithField("base_url", c.baseURL).Debug("[API] client configured")
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

type settings struct {
	baseURL     string
	apiKey      string
	idleTimeout time.Duration
	http        *http.Client
}

func (c *Client) settings() settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return settings{baseURL: c.baseURL, apiKey: c.apiKey, idleTimeout: c.idleTimeout, http: c.http}
}

func (s settings) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	target, err := url.Parse(s.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set(apiKeyHeader, s.apiKey)
	}
	return req, nil
}

// do sends a request and returns the response with a success status. The
// caller owns resp.Body.
func (s settings) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	req, err := s.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Op: method + " " + path, Err: err}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	start := time.Now()
	resp, err := c.settings().do(ctx, method, path, body)
	if err != nil {
		logrus.WithError(err).WithField("path", path).Debug("[API] request failed")
		return err
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	logrus.WithFields(logrus.Fields{
		"path":       path,
		"latency_ms": time.Since(start).Milliseconds(),
	}).Debug("[API] request complete")
	return nil
}

// GenerateCode runs a single-shot generation.
func (c *Client) GenerateCode(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	var out models.GenerateResponse
	if err := c.doJSON(ctx, http.MethodPost, PathGenerate, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteCode returns completion suggestions for the code at the cursor.
func (c *Client) CompleteCode(ctx context.Context, req models.CompletionRequest) ([]models.Completion, error) {
	var out models.CompletionResponse
	if err := c.doJSON(ctx, http.MethodPost, PathComplete, req, &out); err != nil {
		return nil, err
	}
	return out.Completions, nil
}

// Health checks that the backend is reachable and healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, PathHealth, nil, nil)
}
