// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrTransportClosed = errors.New("bridge: transport closed")

// CoreFunc handles one call frame in-process and returns its envelope.
type CoreFunc func(ctx context.Context, frame []byte) ([]byte, error)

// FuncTransport binds the session to a core linked into the same process.
// Async calls run on their own goroutine so the core may answer them in any
// order; the core pushes stream chunks back with Push.
type FuncTransport struct {
	ctxID  uint8
	call   CoreFunc
	push   atomic.Pointer[PushFunc]
	closed atomic.Bool
}

// NewFuncTransport returns a transport serving context ctxID with call.
func NewFuncTransport(ctxID uint8, call CoreFunc) *FuncTransport {
	return &FuncTransport{ctxID: ctxID, call: call}
}

func (t *FuncTransport) Context(context.Context) (uint8, error) {
	if t.closed.Load() {
		return 0, ErrTransportClosed
	}
	return t.ctxID, nil
}

func (t *FuncTransport) Async(ctx context.Context, frame []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	type reply struct {
		resp []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		resp, err := t.call(ctx, frame)
		ch <- reply{resp, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.resp, r.err
	}
}

func (t *FuncTransport) Sync(frame []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	return t.call(context.Background(), frame)
}

func (t *FuncTransport) Subscribe(fn PushFunc) {
	t.push.Store(&fn)
}

// Push hands a chunk ([done][payload]) for streamID to the subscriber.
func (t *FuncTransport) Push(streamID uint8, chunk []byte) {
	if t.closed.Load() {
		return
	}
	if fn := t.push.Load(); fn != nil {
		(*fn)(streamID, chunk)
	}
}

func (t *FuncTransport) Close() error {
	t.closed.Store(true)
	return nil
}
