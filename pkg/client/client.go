// Package client talks to a running bridge over HTTP and websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vyvo/forge/bridge/pkg/api"
	"github.com/vyvo/forge/bridge/pkg/capability"
	"github.com/vyvo/forge/bridge/pkg/gpu"
	"github.com/vyvo/forge/bridge/pkg/history"
	"github.com/vyvo/forge/bridge/pkg/training"
)

var (
	// ErrNotFound is returned when the bridge reports a missing resource.
	ErrNotFound = errors.New("resource not found")
	// ErrBusy is returned when another training session is active.
	ErrBusy = errors.New("training already in progress")
)

// APIError carries an unexpected response.
type APIError struct {
	Op     string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Op, e.Status, e.Body)
}

// Client interacts with the bridge API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type Option func(*Client)

// WithAPIKey sends key on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a client with sane defaults.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}
	return req, nil
}

// do sends the request and decodes a 200 response into out.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

func checkStatus(op string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrBusy
	case http.StatusUnprocessableEntity:
		var verr api.ValidationError
		if err := json.NewDecoder(resp.Body).Decode(&verr); err == nil && len(verr.Detail) > 0 {
			return &ValidationError{Detail: verr.Detail}
		}
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &APIError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
}

// ValidationError is a rejected training config.
type ValidationError struct {
	Detail []api.ErrorDetail
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Detail))
	for _, d := range e.Detail {
		msgs = append(msgs, strings.Join(d.Loc, ".")+": "+d.Msg)
	}
	return "invalid training config: " + strings.Join(msgs, "; ")
}

// Health reports the service name when the bridge is up.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := c.do(ctx, "health", http.MethodGet, "/health", nil, &out); err != nil {
		return "", err
	}
	return out.Service, nil
}

func (c *Client) Backends(ctx context.Context) (capability.Report, error) {
	var out capability.Report
	err := c.do(ctx, "backends", http.MethodGet, "/api/backends", nil, &out)
	return out, err
}

func (c *Client) Providers(ctx context.Context) ([]training.Capabilities, error) {
	var out struct {
		Providers []training.Capabilities `json:"providers"`
	}
	err := c.do(ctx, "providers", http.MethodGet, "/api/providers", nil, &out)
	return out.Providers, err
}

func (c *Client) GPUs(ctx context.Context) (gpu.Inventory, error) {
	var out gpu.Inventory
	err := c.do(ctx, "gpu info", http.MethodGet, "/api/gpu/info", nil, &out)
	return out, err
}

func (c *Client) CheckVRAM(ctx context.Context, model string, q training.Quantization) (gpu.VRAMCheck, error) {
	var out gpu.VRAMCheck
	body := map[string]string{"model": model, "quantization": string(q)}
	err := c.do(ctx, "vram check", http.MethodPost, "/api/system/vram-check", body, &out)
	return out, err
}

// Preview validates cfg and returns the head of its job script.
func (c *Client) Preview(ctx context.Context, cfg training.Config) (api.StartResponse, error) {
	var out api.StartResponse
	err := c.do(ctx, "start preview", http.MethodPost, "/api/training/start", cfg, &out)
	return out, err
}

// Stop aborts the active session. It reports false when none was running.
func (c *Client) Stop(ctx context.Context) (bool, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, "stop", http.MethodPost, "/api/training/stop", nil, &out); err != nil {
		return false, err
	}
	return out.Status == "stopped", nil
}

func (c *Client) Runs(ctx context.Context, limit int) ([]history.Run, error) {
	var out struct {
		Runs []history.Run `json:"runs"`
	}
	path := "/api/training/runs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, "list runs", http.MethodGet, path, nil, &out)
	return out.Runs, err
}

func (c *Client) Run(ctx context.Context, id string) (history.Run, error) {
	var out history.Run
	err := c.do(ctx, "get run", http.MethodGet, "/api/training/runs/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, id string) ([]history.Entry, error) {
	var out struct {
		Events []history.Entry `json:"events"`
	}
	err := c.do(ctx, "run events", http.MethodGet, "/api/training/runs/"+url.PathEscape(id)+"/events", nil, &out)
	return out.Events, err
}

// Follow streams a run's events until it finishes or ctx ends.
func (c *Client) Follow(ctx context.Context, id string, fn func(history.Entry) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/training/runs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// the stream outlives the default request timeout
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("follow run: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus("follow run", resp); err != nil {
		return err
	}

	err = ReadEvents(resp.Body, func(payload json.RawMessage) error {
		var e history.Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("decode event payload: %w", err)
		}
		return fn(e)
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
