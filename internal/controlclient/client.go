// Package controlclient is a small HTTP client the CLI uses to reach an
// already-running ingestd control plane for status and retry-trigger
// subcommands, following the teacher's oaihttp.Engine client shape (a
// configured *http.Client plus a base URL, one method per endpoint).
package controlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to one running ingestd control plane.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// RemoteError is returned when the control plane answers with a non-2xx
// status and an {error:{code,message}} envelope.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("control plane error (%d %s): %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("controlclient: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("controlclient: build request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controlclient: unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&env)
		return &RemoteError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("controlclient: decode response: %w", err)
		}
	}
	return nil
}

// Status is the decoded shape of GET /status.
type Status struct {
	Groups struct {
		Collecting int64 `json:"collecting"`
		Pending    int64 `json:"pending"`
		InProgress int64 `json:"in_progress"`
		Completed  int64 `json:"completed"`
		Failed     int64 `json:"failed"`
	} `json:"groups"`
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// RetryAllResult mirrors registry.PublishResult for the CLI's JSON output.
type RetryAllResult struct {
	DataID        string `json:"DataID"`
	Published     bool   `json:"Published"`
	PublishedPath string `json:"PublishedPath"`
	Error         string `json:"Error"`
}

func (c *Client) PublishRetryAll(ctx context.Context) ([]RetryAllResult, error) {
	var out struct {
		Results []RetryAllResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/publish/retry-all", nil, &out)
	return out.Results, err
}

func (c *Client) PublishRetry(ctx context.Context, dataID string) error {
	return c.do(ctx, http.MethodPost, "/products/"+dataID+"/retry", nil, nil)
}

func (c *Client) ResetGroup(ctx context.Context, groupID string) error {
	return c.do(ctx, http.MethodPost, "/groups/"+groupID+"/reset", nil, nil)
}
