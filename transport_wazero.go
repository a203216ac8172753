// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// WASM host ABI.
const (
	wasmHostModule  = "bridge"
	wasmHostPush    = "push"
	wasmExportAlloc = "bridge_alloc"
	wasmExportCall  = "bridge_call"
	wasmExportCtx   = "bridge_context"
	wasmCoreName    = "core"

	wasmPushQueue = 256
)

var ErrWASMMemory = errors.New("bridge: wasm memory access out of range")

// WASMTransport hosts a core compiled to WebAssembly in this process. The
// guest is single threaded: every call into it holds mu. Chunks the guest
// pushes while a call is running are queued and delivered from a separate
// goroutine once the host returns.
type WASMTransport struct {
	runtime wazero.Runtime
	mod     api.Module
	alloc   api.Function
	call    api.Function
	ctxFn   api.Function
	log     *zap.Logger

	mu     sync.Mutex
	push   atomic.Pointer[PushFunc]
	queue  chan wasmChunk
	closed atomic.Bool
	done   chan struct{}
}

type wasmChunk struct {
	streamID uint8
	chunk    []byte
}

// NewWASMTransport compiles and instantiates the core module.
func NewWASMTransport(ctx context.Context, module []byte, opts ...Option) (*WASMTransport, error) {
	return newWASMTransport(ctx, module, newOptions(opts))
}

func newWASMPlatform(ctx context.Context, o *options) (Transport, error) {
	module := o.wasmModule
	if module == nil {
		if o.wasmPath == "" {
			return nil, fmt.Errorf("bridge: wasm platform needs a module path")
		}
		b, err := os.ReadFile(o.wasmPath)
		if err != nil {
			return nil, fmt.Errorf("bridge: read wasm module: %w", err)
		}
		module = b
	}
	return newWASMTransport(ctx, module, o)
}

func newWASMTransport(ctx context.Context, module []byte, o *options) (*WASMTransport, error) {
	t := &WASMTransport{
		runtime: wazero.NewRuntime(ctx),
		log:     o.log(),
		queue:   make(chan wasmChunk, wasmPushQueue),
		done:    make(chan struct{}),
	}
	fail := func(err error) (*WASMTransport, error) {
		_ = t.runtime.Close(ctx)
		return nil, err
	}

	_, err := t.runtime.NewHostModuleBuilder(wasmHostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(t.hostPush),
			[]api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export(wasmHostPush).
		Instantiate(ctx)
	if err != nil {
		return fail(fmt.Errorf("bridge: instantiate host module: %w", err))
	}

	compiled, err := t.runtime.CompileModule(ctx, module)
	if err != nil {
		return fail(fmt.Errorf("bridge: compile wasm core: %w", err))
	}
	t.mod, err = t.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(wasmCoreName))
	if err != nil {
		return fail(fmt.Errorf("bridge: instantiate wasm core: %w", err))
	}

	for name, dst := range map[string]*api.Function{
		wasmExportAlloc: &t.alloc,
		wasmExportCall:  &t.call,
		wasmExportCtx:   &t.ctxFn,
	} {
		fn := t.mod.ExportedFunction(name)
		if fn == nil {
			return fail(fmt.Errorf("bridge: wasm core does not export %s", name))
		}
		*dst = fn
	}
	if t.mod.Memory() == nil {
		return fail(fmt.Errorf("bridge: wasm core does not export memory"))
	}

	go t.dispatch()
	return t, nil
}

// hostPush implements bridge.push(ptr, len).
func (t *WASMTransport) hostPush(_ context.Context, m api.Module, stack []uint64) {
	ptr, n := api.DecodeU32(stack[0]), api.DecodeU32(stack[1])
	buf, ok := m.Memory().Read(ptr, n)
	if !ok {
		t.log.Warn("wasm push outside guest memory", zap.Uint32("ptr", ptr), zap.Uint32("len", n))
		return
	}
	streamID, payload, err := DecodeChunk(buf)
	if err != nil {
		recordChunk("malformed")
		t.log.Warn("malformed wasm chunk dropped", zap.Error(err))
		return
	}
	if t.closed.Load() {
		return
	}
	select {
	case t.queue <- wasmChunk{streamID: streamID, chunk: append([]byte(nil), payload...)}:
	default:
		recordChunk("overflow")
		t.log.Warn("wasm push queue full, chunk dropped", zap.Uint8("stream", streamID))
	}
}

func (t *WASMTransport) dispatch() {
	defer close(t.done)
	for c := range t.queue {
		if fn := t.push.Load(); fn != nil {
			(*fn)(c.streamID, c.chunk)
		} else {
			recordChunk("unsubscribed")
		}
	}
}

// Subscribe sets the callback for pushed chunks.
func (t *WASMTransport) Subscribe(fn PushFunc) {
	t.push.Store(&fn)
}

func (t *WASMTransport) Context(ctx context.Context) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return 0, ErrTransportClosed
	}
	res, err := t.ctxFn.Call(ctx)
	if err != nil {
		return 0, fmt.Errorf("bridge: wasm %s: %w", wasmExportCtx, err)
	}
	id := api.DecodeI32(res[0])
	if id < 0 || id > 255 {
		return 0, fmt.Errorf("bridge: context id %d out of range", id)
	}
	return uint8(id), nil
}

func (t *WASMTransport) Async(ctx context.Context, frame []byte) ([]byte, error) {
	return t.invoke(ctx, frame)
}

func (t *WASMTransport) Sync(frame []byte) ([]byte, error) {
	return t.invoke(context.Background(), frame)
}

func (t *WASMTransport) invoke(ctx context.Context, frame []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	res, err := t.alloc.Call(ctx, uint64(len(frame)))
	if err != nil {
		return nil, fmt.Errorf("bridge: wasm %s: %w", wasmExportAlloc, err)
	}
	ptr := api.DecodeU32(res[0])
	if !t.mod.Memory().Write(ptr, frame) {
		return nil, ErrWASMMemory
	}
	res, err = t.call.Call(ctx, uint64(ptr), uint64(len(frame)))
	if err != nil {
		return nil, fmt.Errorf("bridge: wasm %s: %w", wasmExportCall, err)
	}
	outPtr, outLen := uint32(res[0]>>32), uint32(res[0])
	if outLen == 0 {
		return nil, nil
	}
	out, ok := t.mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, ErrWASMMemory
	}
	return append([]byte(nil), out...), nil
}

// Close tears down the runtime and drains queued pushes.
func (t *WASMTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	err := t.runtime.Close(context.Background())
	close(t.queue)
	t.mu.Unlock()
	<-t.done
	return err
}
