// ============================================================================
// webui-bridge Backend Client (HTTP)
// ============================================================================
//
// Package: internal/backend
// File: http.go
// Purpose: Request calls against the backend's HTTP endpoints.
//
// Endpoints (relative to the backend base URL):
//   POST /webui/rpc                 request call
//   GET  /rpc/job?id=<id>           job status
//   POST /webui/lifecycle           lifecycle event / heartbeat
//   GET  /webui/lifecycle/config    heartbeat config
//   POST /webui/script/response     script result fallback
//   GET  /webui/window/control      window capabilities
//   POST /webui/window/control      window command
//   GET  /webui/ws?client_id=<id>   push channel (see SocketURL)
//
// Every request carries the x-webui-client-id header.
//
// ============================================================================

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/webui-bridge/internal/identity"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// Endpoint paths.
const (
	DefaultRPCPath        = "/webui/rpc"
	JobStatusPath         = "/rpc/job"
	LifecyclePath         = "/webui/lifecycle"
	LifecycleConfigPath   = "/webui/lifecycle/config"
	ScriptResponsePath    = "/webui/script/response"
	WindowControlPath     = "/webui/window/control"
	SocketPath            = "/webui/ws"
	defaultRequestTimeout = 10 * time.Second
)

// HTTPClient talks to the backend over HTTP.
type HTTPClient struct {
	baseURL  string
	rpcPath  string
	clientID types.ClientID
	client   *http.Client
	timeout  time.Duration
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

// WithRequestTimeout bounds every call that has no earlier deadline.
func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPClient) { h.timeout = d }
}

// WithRPCPath overrides the request call endpoint.
func WithRPCPath(path string) HTTPOption {
	return func(h *HTTPClient) {
		if path != "" {
			h.rpcPath = path
		}
	}
}

// NewHTTPClient creates a client for baseURL.
func NewHTTPClient(baseURL string, clientID types.ClientID, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		rpcPath:  DefaultRPCPath,
		clientID: clientID,
		client:   &http.Client{},
		timeout:  defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ClientID returns the identity attached to every request.
func (h *HTTPClient) ClientID() types.ClientID { return h.clientID }

// Invoke performs a request call.
func (h *HTTPClient) Invoke(ctx context.Context, name string, args json.RawMessage) (Reply, error) {
	if len(args) == 0 {
		args = json.RawMessage("[]")
	}
	body, err := h.do(ctx, http.MethodPost, h.rpcPath, nil, map[string]any{"name": name, "args": args})
	if err != nil {
		return Reply{}, fmt.Errorf("RPC %s failed: %w", name, err)
	}
	return ParseReply(body), nil
}

// JobStatus fetches the state of a job.
func (h *HTTPClient) JobStatus(ctx context.Context, id types.JobID) (types.JobStatus, error) {
	query := url.Values{}
	query.Set("id", strconv.FormatInt(int64(id), 10))
	body, err := h.do(ctx, http.MethodGet, JobStatusPath, query, nil)
	if err != nil {
		return types.JobStatus{}, err
	}
	return decodeJobStatus(body), nil
}

// decodeJobStatus is lenient: a non-string state counts as missing.
func decodeJobStatus(body json.RawMessage) types.JobStatus {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return types.JobStatus{}
	}
	var status types.JobStatus
	var state string
	if json.Unmarshal(fields["state"], &state) == nil {
		status.State = types.JobState(state)
	}
	if v, ok := fields["value"]; ok {
		status.Value = v
	}
	var msg string
	if json.Unmarshal(fields["error_message"], &msg) == nil {
		status.ErrorMessage = msg
	}
	return status
}

// PostLifecycle reports a lifecycle event.
func (h *HTTPClient) PostLifecycle(ctx context.Context, event types.LifecycleEvent) error {
	_, err := h.do(ctx, http.MethodPost, LifecyclePath, nil, types.LifecycleMessage{
		Event:    event,
		ClientID: h.clientID,
	})
	return err
}

// Heartbeat posts a heartbeat lifecycle event.
func (h *HTTPClient) Heartbeat(ctx context.Context) error {
	return h.PostLifecycle(ctx, types.LifecycleHeartbeat)
}

// LifecycleConfig fetches the heartbeat config merged over the defaults.
func (h *HTTPClient) LifecycleConfig(ctx context.Context) (types.HeartbeatConfig, error) {
	cfg := types.DefaultHeartbeatConfig()
	body, err := h.do(ctx, http.MethodGet, LifecycleConfigPath, nil, nil)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		return types.DefaultHeartbeatConfig(), fmt.Errorf("decode lifecycle config: %w", err)
	}
	return cfg, nil
}

// ScriptResponse posts a script task result.
func (h *HTTPClient) ScriptResponse(ctx context.Context, resp types.ScriptResponse) error {
	resp.Type = ""
	_, err := h.do(ctx, http.MethodPost, ScriptResponsePath, nil, resp)
	return err
}

// WindowControl sends a window command.
func (h *HTTPClient) WindowControl(ctx context.Context, cmd string) (types.ControlResult, error) {
	body, err := h.do(ctx, http.MethodPost, WindowControlPath, nil, map[string]string{"cmd": cmd})
	if err != nil {
		return types.ControlResult{}, err
	}
	var result types.ControlResult
	if err := json.Unmarshal(body, &result); err != nil {
		return types.ControlResult{}, fmt.Errorf("decode control result: %w", err)
	}
	return result, nil
}

// WindowCapabilities reads the window control capabilities.
func (h *HTTPClient) WindowCapabilities(ctx context.Context) (json.RawMessage, error) {
	return h.do(ctx, http.MethodGet, WindowControlPath, nil, nil)
}

// SocketURL returns the push channel URL for this client.
func (h *HTTPClient) SocketURL() (string, error) {
	return SocketURL(h.baseURL, h.clientID)
}

// SocketURL derives the push channel URL from a backend base URL.
func SocketURL(baseURL string, clientID types.ClientID) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = SocketPath
	u.RawQuery = url.Values{"client_id": []string{string(clientID)}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}

func (h *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u := h.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if h.timeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > h.timeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, h.timeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(identity.HeaderName, string(h.clientID))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return decodeBody(resp.Header.Get("Content-Type"), payload)
}
