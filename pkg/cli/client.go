package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apiv1 "github.com/beam-cloud/airsync/pkg/api/v1"
	"github.com/beam-cloud/airsync/pkg/types"
)

// APIError is a non-2xx answer from the gateway
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// Client talks to the gateway HTTP API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(addr, token string) *Client {
	addr = strings.TrimSuffix(addr, "/")
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: addr + apiv1.HttpServerBaseRoute,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// envelope mirrors apiv1.Response with a raw payload
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// do sends a request and decodes the response data into out (which may be
// nil). It returns the HTTP status so callers can tell 200 from 202.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &APIError{Status: resp.StatusCode, Code: env.Code, Message: msg}
	}

	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func projectPath(projectID, suffix string) string {
	return "/projects/" + projectID + suffix
}

func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode, Message: "gateway unhealthy"}
	}
	return nil
}

func (c *Client) RequestSandbox(ctx context.Context, projectID string) (types.SandboxRequestResult, error) {
	var res types.SandboxRequestResult
	_, err := c.do(ctx, http.MethodPost, projectPath(projectID, "/sandbox"), nil, &res)
	return res, err
}

func (c *Client) GetSandbox(ctx context.Context, projectID string) (types.SandboxState, error) {
	var state types.SandboxState
	_, err := c.do(ctx, http.MethodGet, projectPath(projectID, "/sandbox"), nil, &state)
	return state, err
}

func (c *Client) ListSandboxes(ctx context.Context) ([]types.SandboxState, error) {
	var out []types.SandboxState
	_, err := c.do(ctx, http.MethodGet, "/sandboxes", nil, &out)
	return out, err
}

func (c *Client) TeardownSandbox(ctx context.Context, projectID string) error {
	_, err := c.do(ctx, http.MethodDelete, projectPath(projectID, "/sandbox"), nil, nil)
	return err
}

func (c *Client) ForceSync(ctx context.Context, projectID string) (types.SyncCounts, error) {
	var counts types.SyncCounts
	_, err := c.do(ctx, http.MethodPost, projectPath(projectID, "/sync"), nil, &counts)
	return counts, err
}

func (c *Client) WatcherStatus(ctx context.Context, projectID string) (apiv1.WatcherStatusResponse, error) {
	var status apiv1.WatcherStatusResponse
	_, err := c.do(ctx, http.MethodGet, projectPath(projectID, "/watcher"), nil, &status)
	return status, err
}

func (c *Client) ListTerminals(ctx context.Context, projectID string) ([]types.TerminalSessionState, error) {
	var out []types.TerminalSessionState
	_, err := c.do(ctx, http.MethodGet, projectPath(projectID, "/terminals"), nil, &out)
	return out, err
}
