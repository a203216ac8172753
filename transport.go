// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"io"
	"sort"
	"sync"
)

// Transport moves call frames to the core and response envelopes back.
// Correlation between a frame and its response is the transport's job:
// Async returns the envelope produced for exactly the frame it was given.
type Transport interface {
	io.Closer

	// Context fetches the context id the core assigned to this process.
	Context(ctx context.Context) (uint8, error)

	// Async sends a frame and waits for its response envelope.
	Async(ctx context.Context, frame []byte) ([]byte, error)

	// Sync blocks the calling goroutine until the core answers. A nil
	// response with a nil error means the answer must be fetched with
	// DeferredSync.
	Sync(frame []byte) ([]byte, error)
}

// DeferredSync is implemented by transports whose synchronous primitive can
// complete in two phases.
type DeferredSync interface {
	GetResponseSync(ctx, id uint8) ([]byte, error)
}

// Drainer is implemented by transports that can still receive a response
// after Async or Sync gave up on it. The session keeps the call id reserved
// until the returned channel closes.
type Drainer interface {
	Drain(id uint8) <-chan struct{}
}

// PushFunc receives one pushed stream chunk. chunk still begins with the
// done-marker byte.
type PushFunc func(streamID uint8, chunk []byte)

// Pusher is implemented by transports that deliver stream chunks out of band.
// Deliveries for one stream id must arrive in order from a single goroutine.
type Pusher interface {
	Subscribe(fn PushFunc)
}

// Platform names
const (
	PlatformWeb    = "web"    // HTTP calls + WebSocket push
	PlatformSocket = "socket" // framed unix/tcp socket
	PlatformWASM   = "wasm"   // core compiled to WebAssembly, hosted in-process
	PlatformGRPC   = "grpc"   // requires build tag
)

// DefaultPlatform is used when detection is disabled and nothing is configured.
const DefaultPlatform = PlatformWeb

type platformFunc func(ctx context.Context, o *options) (Transport, error)

var (
	platformsMu sync.RWMutex
	platforms   = map[string]platformFunc{
		PlatformWeb:    newWebTransport,
		PlatformSocket: newSocketPlatform,
		PlatformWASM:   newWASMPlatform,
	}
)

// registerPlatform registers a transport constructor (used by build tags)
func registerPlatform(name string, fn platformFunc) {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	platforms[name] = fn
}

func lookupPlatform(name string) (platformFunc, bool) {
	platformsMu.RLock()
	defer platformsMu.RUnlock()
	fn, ok := platforms[name]
	return fn, ok
}

// AvailablePlatforms returns the sorted list of platforms this binary can serve
func AvailablePlatforms() []string {
	platformsMu.RLock()
	defer platformsMu.RUnlock()
	result := make([]string, 0, len(platforms))
	for name := range platforms {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasPlatform checks if a platform is available
func HasPlatform(name string) bool {
	_, ok := lookupPlatform(name)
	return ok
}
