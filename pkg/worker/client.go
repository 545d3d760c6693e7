package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fluxhq/flux/pkg/protocol"
	"github.com/fluxhq/flux/pkg/types"
)

// api is the worker-plane HTTP client. Every request carries the
// bootstrap token and the worker's session identity.
type api struct {
	baseURL   string
	token     string
	name      string
	sessionID string
	http      *http.Client
}

func newAPI(baseURL, token, name, sessionID string) *api {
	return &api{
		baseURL:   baseURL,
		token:     token,
		name:      name,
		sessionID: sessionID,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *api) do(method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("X-Flux-Token", a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr protocol.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (a *api) register(resources *types.WorkerResources, workflows []string) error {
	return a.do(http.MethodPost, "/v1/workers/register", protocol.RegisterRequest{
		Name:                a.name,
		SessionID:           a.sessionID,
		Resources:           resources,
		RegisteredWorkflows: workflows,
	}, nil)
}

func (a *api) heartbeat() error {
	return a.do(http.MethodPost, "/v1/workers/"+a.name+"/heartbeat",
		protocol.HeartbeatRequest{SessionID: a.sessionID}, nil)
}

// openStream connects the server-to-worker SSE channel. The caller
// owns the returned body.
func (a *api) openStream(ctx context.Context) (io.ReadCloser, error) {
	u := fmt.Sprintf("%s/v1/workers/%s/stream?session=%s", a.baseURL, a.name, url.QueryEscape(a.sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if a.token != "" {
		req.Header.Set("X-Flux-Token", a.token)
	}

	// No timeout: the stream stays open for the session's lifetime.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream connect: status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (a *api) getEvents(executionID string) (*protocol.AppendEventsResponse, error) {
	var out protocol.AppendEventsResponse
	if err := a.do(http.MethodGet, "/v1/executions/"+executionID+"/events", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *api) appendEvents(executionID string, evs []*types.Event) (*protocol.AppendEventsResponse, error) {
	var out protocol.AppendEventsResponse
	err := a.do(http.MethodPost, "/v1/executions/"+executionID+"/events",
		protocol.AppendEventsRequest{SessionID: a.sessionID, Events: evs}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *api) releaseClaim(executionID string) error {
	return a.do(http.MethodPost, "/v1/workers/"+a.name+"/release",
		protocol.ReleaseClaimRequest{SessionID: a.sessionID, ExecutionID: executionID}, nil)
}

// Resolve satisfies engine.SecretSource over the worker plane.
func (a *api) Resolve(names []string) (map[string]string, error) {
	var out protocol.ResolveSecretsResponse
	err := a.do(http.MethodPost, "/v1/workers/secrets",
		protocol.ResolveSecretsRequest{SessionID: a.sessionID, Names: names}, &out)
	if err != nil {
		return nil, err
	}
	return out.Secrets, nil
}

// remoteCache satisfies engine.CacheStore over the worker plane. A
// cache is an optimization, so transport errors degrade to misses.
type remoteCache struct {
	api *api
}

func (c *remoteCache) Get(key string) (json.RawMessage, bool) {
	var out protocol.CacheGetResponse
	if err := c.api.do(http.MethodGet, "/v1/cache?key="+url.QueryEscape(key), nil, &out); err != nil {
		return nil, false
	}
	return out.Value, out.Found
}

func (c *remoteCache) Put(key string, value json.RawMessage) {
	_ = c.api.do(http.MethodPost, "/v1/cache", protocol.CachePutRequest{Key: key, Value: value}, nil)
}

// remoteOutputs satisfies engine.OutputStore over the worker plane.
type remoteOutputs struct {
	api *api
}

func (o *remoteOutputs) Put(taskID string, value json.RawMessage) (string, error) {
	var out protocol.OutputPutResponse
	err := o.api.do(http.MethodPost, "/v1/outputs", protocol.OutputPutRequest{TaskID: taskID, Value: value}, &out)
	if err != nil {
		return "", err
	}
	return out.Ref, nil
}

func (o *remoteOutputs) Get(ref string) (json.RawMessage, error) {
	var out protocol.OutputGetResponse
	if err := o.api.do(http.MethodGet, "/v1/outputs?ref="+url.QueryEscape(ref), nil, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}
