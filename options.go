// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Option configures Dial and NewSession
type Option func(*options)

type options struct {
	baseURL     string
	platform    string
	detect      bool
	socketNet   string
	socketAddr  string
	wasmPath    string
	wasmModule  []byte
	httpClient  *http.Client
	httpTimeout time.Duration
	syncTimeout time.Duration
	retries     int
	wsPrefix    int
	logger      *zap.Logger
	trace       *Trace
}

func defaultOptions() *options {
	return &options{
		baseURL:     "http://127.0.0.1:4500",
		detect:      true,
		socketNet:   "unix",
		httpTimeout: 30 * time.Second,
		syncTimeout: 30 * time.Second,
		retries:     3,
		wsPrefix:    1,
	}
}

func newOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *options) log() *zap.Logger {
	if o.logger != nil {
		return o.logger
	}
	return Logger()
}

// WithURL sets the base URL of the core's HTTP layer
func WithURL(u string) Option {
	return func(o *options) { o.baseURL = u }
}

// WithPlatform skips detection and selects the named platform
func WithPlatform(name string) Option {
	return func(o *options) {
		o.platform = name
		o.detect = false
	}
}

// WithSocket sets the socket transport address
func WithSocket(network, addr string) Option {
	return func(o *options) {
		o.socketNet = network
		o.socketAddr = addr
	}
}

// WithWASMPath sets the core module loaded by the wasm platform
func WithWASMPath(path string) Option {
	return func(o *options) { o.wasmPath = path }
}

// WithWASMModule supplies the core module bytes directly
func WithWASMModule(b []byte) Option {
	return func(o *options) { o.wasmModule = b }
}

// WithHTTPClient replaces the client used for async calls
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTimeouts sets the async and sync request timeouts
func WithTimeouts(async, sync time.Duration) Option {
	return func(o *options) {
		o.httpTimeout = async
		o.syncTimeout = sync
	}
}

// WithRetries sets how often transport-level connection failures are retried
func WithRetries(n int) Option {
	return func(o *options) { o.retries = n }
}

// WithPushPrefix sets how many routing bytes precede the stream id in
// WebSocket push messages
func WithPushPrefix(n int) Option {
	return func(o *options) { o.wsPrefix = n }
}

// WithLogger sets the session logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTrace records every exchange to t
func WithTrace(t *Trace) Option {
	return func(o *options) { o.trace = t }
}
