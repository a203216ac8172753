// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

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
	"sync"
	"time"

	rpc "github.com/gorilla/rpc/v2/json2"
	"go.uber.org/zap"
)

// HTTP endpoints served by the core's HTTP layer.
const (
	PathCall     = "/call"
	PathSync     = "/sync/"
	PathContext  = "/ctx"
	PathPlatform = "/platform"
	PathPush     = "/ws"
	PathRPC      = "/rpc"

	// HeaderSync marks a call sent through the blocking path.
	HeaderSync = "X-Bridge-Sync"

	contentType = "application/octet-stream"
)

const retryBaseWait = 100 * time.Millisecond

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError reports failures where the request never reached the
// core. A call that may have been delivered is never resent.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "connection refused")
}

// HTTPTransport carries calls as raw binary POST bodies. Pushed stream
// chunks arrive on an optional WebSocket channel.
type HTTPTransport struct {
	base       *url.URL
	client     *http.Client
	syncClient *http.Client
	retries    int
	log        *zap.Logger

	mu   sync.Mutex
	push *WSPush
}

// NewHTTPTransport builds a transport against the core's HTTP layer at baseURL.
func NewHTTPTransport(baseURL string, opts ...Option) (*HTTPTransport, error) {
	return newHTTPTransport(baseURL, newOptions(opts))
}

func newHTTPTransport(baseURL string, o *options) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bridge: parse url %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("bridge: url %q must be http or https", baseURL)
	}
	client := o.httpClient
	if client == nil {
		client = &http.Client{Timeout: o.httpTimeout}
	}
	return &HTTPTransport{
		base:       u,
		client:     client,
		syncClient: &http.Client{Timeout: o.syncTimeout, Transport: client.Transport},
		retries:    o.retries,
		log:        o.log(),
	}, nil
}

// newWebTransport is the web platform: HTTP calls plus the WebSocket push channel.
func newWebTransport(ctx context.Context, o *options) (Transport, error) {
	t, err := newHTTPTransport(o.baseURL, o)
	if err != nil {
		return nil, err
	}
	push, err := DialWSPush(ctx, t.PushURL(), o.wsPrefix, o.log())
	if err != nil {
		return nil, err
	}
	t.AttachPush(push)
	return t, nil
}

func (t *HTTPTransport) endpoint(path string) string {
	u := *t.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

// PushURL is the WebSocket endpoint matching the base URL.
func (t *HTTPTransport) PushURL() string {
	u := *t.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + PathPush
	return u.String()
}

// AttachPush routes a WebSocket push channel through this transport.
func (t *HTTPTransport) AttachPush(p *WSPush) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.push = p
}

// Subscribe implements Pusher when a push channel is attached.
func (t *HTTPTransport) Subscribe(fn PushFunc) {
	t.mu.Lock()
	p := t.push
	t.mu.Unlock()
	if p != nil {
		p.Subscribe(fn)
	}
}

// Context fetches GET /ctx.
func (t *HTTPTransport) Context(ctx context.Context) (uint8, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint(PathContext), nil)
	if err != nil {
		return 0, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer CleanlyCloseBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("bridge: GET %s: status %d", PathContext, resp.StatusCode)
	}
	var id int
	if err := json.NewDecoder(resp.Body).Decode(&id); err != nil {
		return 0, fmt.Errorf("bridge: decode context id: %w", err)
	}
	if id < 0 || id > 255 {
		return 0, fmt.Errorf("bridge: context id %d out of range", id)
	}
	t.mu.Lock()
	p := t.push
	t.mu.Unlock()
	if p != nil {
		p.SetContext(uint8(id))
	}
	return uint8(id), nil
}

// Async POSTs the frame to /call.
func (t *HTTPTransport) Async(ctx context.Context, frame []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= t.retries; attempt++ {
		if attempt > 0 {
			wait := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(PathCall), bytes.NewReader(frame))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		body, status, err := t.do(t.client, req)
		if err != nil {
			lastErr = err
			if isRetryableError(err) {
				t.log.Debug("call attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
				continue
			}
			return nil, err
		}
		if status != http.StatusOK {
			return nil, statusError(PathCall, status, body)
		}
		return body, nil
	}
	return nil, fmt.Errorf("bridge: call failed after %d attempts: %w", t.retries+1, lastErr)
}

// Sync POSTs the frame and blocks the calling goroutine. A 204 reply means
// the core will hand the response out through /sync/<id>.
func (t *HTTPTransport) Sync(frame []byte) ([]byte, error) {
	req, err := http.NewRequest(http.MethodPost, t.endpoint(PathCall), bytes.NewReader(frame))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(HeaderSync, "1")
	body, status, err := t.do(t.syncClient, req)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return body, nil
	case http.StatusNoContent, http.StatusAccepted:
		return nil, nil
	default:
		return nil, statusError(PathCall, status, body)
	}
}

// GetResponseSync fetches a deferred synchronous response.
func (t *HTTPTransport) GetResponseSync(ctxID, id uint8) ([]byte, error) {
	path := PathSync + strconv.Itoa(int(id))
	u := t.endpoint(path) + "?ctx=" + strconv.Itoa(int(ctxID))
	req, err := http.NewRequest(http.MethodPost, u, nil)
	if err != nil {
		return nil, err
	}
	body, status, err := t.do(t.syncClient, req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, statusError(path, status, body)
	}
	return body, nil
}

func (t *HTTPTransport) do(c *http.Client, req *http.Request) ([]byte, int, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer CleanlyCloseBody(resp.Body)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("bridge: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Close closes the push channel, if any.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	p := t.push
	t.push = nil
	t.mu.Unlock()
	if p != nil {
		return p.Close()
	}
	return nil
}

func statusError(path string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return fmt.Errorf("bridge: POST %s: status %d: %s", path, status, msg)
}

// DetectPlatform asks the host which platform it runs on (GET /platform).
func DetectPlatform(ctx context.Context, baseURL string, client *http.Client) (string, error) {
	if client == nil {
		client = http.DefaultClient
	}
	u := strings.TrimSuffix(baseURL, "/") + PathPlatform
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("bridge: detect platform: %w", err)
	}
	defer CleanlyCloseBody(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("bridge: detect platform: status %d", resp.StatusCode)
	}
	var name string
	if err := json.NewDecoder(resp.Body).Decode(&name); err != nil {
		return "", fmt.Errorf("bridge: decode platform: %w", err)
	}
	return name, nil
}

// Status is the host's JSON-RPC status report (Bridge.Status).
type Status struct {
	Platform  string   `json:"platform"`
	Platforms []string `json:"platforms"`
	Contexts  int      `json:"contexts"`
	Streams   int      `json:"streams"`
	Calls     uint64   `json:"calls"`
}

// StatusArgs is the empty argument of Bridge.Status.
type StatusArgs struct{}

// FetchStatus calls Bridge.Status on the host's JSON-RPC endpoint.
func FetchStatus(ctx context.Context, baseURL string) (Status, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + PathRPC)
	if err != nil {
		return Status{}, fmt.Errorf("bridge: parse url %q: %w", baseURL, err)
	}
	var st Status
	if err := SendJSONRequest(ctx, u, "Bridge.Status", &StatusArgs{}, &st, nil); err != nil {
		return Status{}, err
	}
	return st, nil
}

// SendJSONRequest issues a JSON-RPC 2.0 call, used for the host's status
// endpoint.
func SendJSONRequest(
	ctx context.Context,
	uri *url.URL,
	method string,
	params interface{},
	reply interface{},
	headers http.Header,
) error {
	requestBodyBytes, err := rpc.EncodeClientRequest(method, params)
	if err != nil {
		return fmt.Errorf("failed to encode client params: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(), bytes.NewBuffer(requestBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			request.Header.Add(k, v)
		}
	}
	request.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(request)
	if err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}
	defer CleanlyCloseBody(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("received status code: %d", resp.StatusCode)
	}
	if err := rpc.DecodeClientResponse(resp.Body, reply); err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("rpc error %d: %s", rpcErr.Code, rpcErr.Message)
		}
		return fmt.Errorf("failed to decode client response: %w", err)
	}
	return nil
}
