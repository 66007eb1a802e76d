// Package client is a Go client for the browser automation service API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirvoism/browser-automation-service/internal/events"
	"github.com/mirvoism/browser-automation-service/internal/task"
)

// Client talks to a running automation service
type Client struct {
	baseURL string
	http    *http.Client
}

// Option customizes a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the service at baseURL, e.g.
// "http://localhost:8000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExecuteRequest is the payload for submitting a command
type ExecuteRequest struct {
	Command        string `json:"command"`
	LLMProvider    string `json:"llm_provider,omitempty"`
	LLMModel       string `json:"llm_model,omitempty"`
	BrowserProfile string `json:"browser_profile,omitempty"`
}

// ExecuteResponse is returned when a task is accepted
type ExecuteResponse struct {
	TaskID  string      `json:"task_id"`
	Status  task.Status `json:"status"`
	Message string      `json:"message"`
}

// TaskList is the response of List
type TaskList struct {
	Tasks []*task.Task `json:"tasks"`
	Total int          `json:"total"`
}

// Result is the detailed view of a completed task
type Result struct {
	TaskID      string                 `json:"task_id"`
	Result      map[string]interface{} `json:"result"`
	Progress    []task.ProgressEntry   `json:"progress"`
	CompletedAt string                 `json:"completed_at"`
}

// APIError is a non-2xx response from the service
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Execute submits a command for execution
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResponse, error) {
	var resp ExecuteResponse
	if err := c.do(ctx, http.MethodPost, "/api/execute", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the status summary for a task
func (c *Client) Status(ctx context.Context, taskID string) (*task.Summary, error) {
	var s task.Summary
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+taskID, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Result returns the result of a completed task
func (c *Client) Result(ctx context.Context, taskID string) (*Result, error) {
	var r Result
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+taskID+"/result", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// List returns up to limit recent tasks, most recent first
func (c *Client) List(ctx context.Context, limit int) (*TaskList, error) {
	path := "/api/tasks"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var l TaskList
	if err := c.do(ctx, http.MethodGet, path, nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Cancel cancels a pending or running task
func (c *Client) Cancel(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+taskID, nil, nil)
}

// Health checks that the service is up
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil)
}

// Wait polls a task until it reaches a terminal status or the context
// expires.
func (c *Client) Wait(ctx context.Context, taskID string, interval time.Duration) (*task.Summary, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, err := c.Status(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if s.Status.Terminal() {
			return s, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Watch opens a live update stream, optionally filtered to one task.
// Events are delivered on the returned channel until the connection
// closes or the context is cancelled.
func (c *Client) Watch(ctx context.Context, taskID string) (<-chan events.Envelope, error) {
	wsURL := toWebSocketURL(c.baseURL) + "/ws/updates"
	if taskID != "" {
		wsURL += "?task_id=" + taskID
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	ch := make(chan events.Envelope, 16)
	go func() {
		defer close(ch)
		defer conn.Close()
		for {
			var env events.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	return ch, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// toWebSocketURL converts an HTTP(s) URL to a ws:// URL
func toWebSocketURL(raw string) string {
	if strings.HasPrefix(raw, "https://") {
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	if strings.HasPrefix(raw, "http://") {
		return "ws://" + strings.TrimPrefix(raw, "http://")
	}
	return "ws://" + raw
}
