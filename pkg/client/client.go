// Package client is the Go client for the public control-plane API.
// The CLI is built on it; external tools can use it directly.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fluxhq/flux/pkg/protocol"
	"github.com/fluxhq/flux/pkg/types"
)

// RunMode selects how run and resume calls return.
type RunMode string

const (
	// RunAsync returns as soon as the execution is scheduled.
	RunAsync RunMode = "async"
	// RunSync blocks until the execution completes, fails, cancels, or
	// pauses.
	RunSync RunMode = "sync"
)

// Client talks to one control-plane server.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := "application/json"
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.doRaw(ctx, method, path, contentType, body, out)
}

func (c *Client) doRaw(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server: status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// RegisterWorkflowOptions carry the metadata for a catalog version.
type RegisterWorkflowOptions struct {
	ResourceRequest *types.ResourceRequest
	SecretRequests  []string
	OutputStorage   string
}

// RegisterWorkflow uploads workflow source as the next catalog version.
func (c *Client) RegisterWorkflow(ctx context.Context, name, sourceFile string, source []byte, opts RegisterWorkflowOptions) (*types.CatalogEntry, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("name", name); err != nil {
		return nil, err
	}
	if opts.ResourceRequest != nil {
		data, err := json.Marshal(opts.ResourceRequest)
		if err != nil {
			return nil, err
		}
		if err := mw.WriteField("resource_request", string(data)); err != nil {
			return nil, err
		}
	}
	if len(opts.SecretRequests) > 0 {
		if err := mw.WriteField("secret_requests", strings.Join(opts.SecretRequests, ",")); err != nil {
			return nil, err
		}
	}
	if opts.OutputStorage != "" {
		if err := mw.WriteField("output_storage", opts.OutputStorage); err != nil {
			return nil, err
		}
	}
	fw, err := mw.CreateFormFile("source", sourceFile)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(source); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out protocol.RegisterWorkflowResponse
	if err := c.doRaw(ctx, http.MethodPost, "/workflows", mw.FormDataContentType(), &body, &out); err != nil {
		return nil, err
	}
	return out.Entry, nil
}

// Run submits an execution of a workflow. Version 0 means latest.
func (c *Client) Run(ctx context.Context, workflow string, version int, input json.RawMessage, mode RunMode) (*types.Execution, error) {
	path := fmt.Sprintf("/workflows/%s/run/%s", url.PathEscape(workflow), mode)
	if version > 0 {
		path += "?version=" + strconv.Itoa(version)
	}
	var out protocol.ExecutionStatus
	if err := c.doRaw(ctx, http.MethodPost, path, "application/json", bytes.NewReader(input), &out); err != nil {
		return nil, err
	}
	return out.Execution, nil
}

// Resume delivers a payload to a paused execution.
func (c *Client) Resume(ctx context.Context, workflow, executionID string, payload json.RawMessage, mode RunMode) (*types.Execution, error) {
	path := fmt.Sprintf("/workflows/%s/resume/%s/%s", url.PathEscape(workflow), url.PathEscape(executionID), mode)
	var out protocol.ExecutionStatus
	if err := c.doRaw(ctx, http.MethodPost, path, "application/json", bytes.NewReader(payload), &out); err != nil {
		return nil, err
	}
	return out.Execution, nil
}

// Cancel requests cooperative cancellation of an execution.
func (c *Client) Cancel(ctx context.Context, workflow, executionID string) (*types.Execution, error) {
	path := fmt.Sprintf("/workflows/%s/cancel/%s", url.PathEscape(workflow), url.PathEscape(executionID))
	var out protocol.ExecutionStatus
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Execution, nil
}

// Status fetches the execution snapshot, with the event log when
// detailed is set.
func (c *Client) Status(ctx context.Context, workflow, executionID string, detailed bool) (*protocol.ExecutionStatus, error) {
	path := fmt.Sprintf("/workflows/%s/status/%s", url.PathEscape(workflow), url.PathEscape(executionID))
	if detailed {
		path += "?detailed=true"
	}
	var out protocol.ExecutionStatus
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkflows returns all catalog entries.
func (c *Client) ListWorkflows(ctx context.Context) ([]*types.CatalogEntry, error) {
	var out struct {
		Workflows []*types.CatalogEntry `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, "/workflows", nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

// ListExecutions lists executions, optionally filtered by state and
// workflow name.
func (c *Client) ListExecutions(ctx context.Context, state, workflow string) ([]*types.Execution, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if workflow != "" {
		q.Set("workflow", workflow)
	}
	path := "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Executions []*types.Execution `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

// StreamEvents follows an execution's event log, invoking fn for each
// event. It returns after the terminal event or when ctx is cancelled.
func (c *Client) StreamEvents(ctx context.Context, executionID string, fn func(*types.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/executions/"+url.PathEscape(executionID)+"/events", nil)
	if err != nil {
		return err
	}

	// Streaming requests must not inherit the client timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if err := fn(&ev); err != nil {
			return err
		}
		if ev.IsWorkflowTerminal() {
			return nil
		}
	}
	return scanner.Err()
}

// SetSecret stores an encrypted secret.
func (c *Client) SetSecret(ctx context.Context, name, value string) error {
	return c.do(ctx, http.MethodPost, "/secrets", protocol.SecretRequest{Name: name, Value: value}, nil)
}

// GetSecret returns a decrypted secret value.
func (c *Client) GetSecret(ctx context.Context, name string) (string, error) {
	var out protocol.SecretResponse
	if err := c.do(ctx, http.MethodGet, "/secrets/"+url.PathEscape(name), nil, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

// ListSecrets returns the stored secret names.
func (c *Client) ListSecrets(ctx context.Context) ([]string, error) {
	var out protocol.SecretListResponse
	if err := c.do(ctx, http.MethodGet, "/secrets", nil, &out); err != nil {
		return nil, err
	}
	return out.Names, nil
}

// RemoveSecret deletes a secret.
func (c *Client) RemoveSecret(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/secrets/"+url.PathEscape(name), nil, nil)
}

// RotateSecret re-encrypts a secret, optionally replacing its value.
func (c *Client) RotateSecret(ctx context.Context, name, newValue string) error {
	return c.do(ctx, http.MethodPost, "/secrets/"+url.PathEscape(name)+"/rotate",
		protocol.SecretRequest{Name: name, Value: newValue}, nil)
}
