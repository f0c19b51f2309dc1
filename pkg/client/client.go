// Package client is a small Go client for the worker proxy's HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

// Generate runs a text generation request and returns the backend's raw
// JSON response.
func (c *Client) Generate(ctx context.Context, req TextRequest) (json.RawMessage, error) {
	return c.postJSON(ctx, "/v1/text/generate", req)
}

// GenerateStream runs a streaming text generation request, invoking onLine
// for every SSE data line as it arrives.
func (c *Client) GenerateStream(ctx context.Context, req TextRequest, onLine func(data string)) error {
	resp, err := c.post(ctx, "/v1/text/generate_stream", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data:"); ok {
			onLine(strings.TrimSpace(data))
		}
	}
	return scanner.Err()
}

// GenerateImage runs the default image workflow.
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (json.RawMessage, error) {
	return c.postJSON(ctx, "/v1/image/generate", req)
}

// RunWorkflow runs a custom workflow document.
func (c *Client) RunWorkflow(ctx context.Context, req WorkflowRequest) (json.RawMessage, error) {
	return c.postJSON(ctx, "/v1/image/workflow", req)
}

// GetStatus fetches the proxy's in-flight ledger view.
func (c *Client) GetStatus(ctx context.Context) (*Status, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// TraceID generates a fresh trace id for request correlation.
func TraceID() string {
	return ulid.Make().String()
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (json.RawMessage, error) {
	resp, err := c.post(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.RawMessage(body), nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-ID", TraceID())
	return c.httpClient.Do(req)
}

func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("request failed with %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
