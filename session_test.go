// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCtx uint8 = 7

type coreFunc func(ctx context.Context, f Frame, args []any) []byte

// frameCore adapts a coreFunc to the in-process transport.
func frameCore(t *testing.T, fn coreFunc) CoreFunc {
	return func(ctx context.Context, frame []byte) ([]byte, error) {
		f, err := DecodeFrame(frame)
		if err != nil {
			return nil, err
		}
		args, err := f.Args()
		if err != nil {
			t.Errorf("core could not decode args: %v", err)
			return EncodeError(err.Error()), nil
		}
		return fn(ctx, f, args), nil
	}
}

func newTestSession(t *testing.T, fn coreFunc, opts ...Option) (*Session, *FuncTransport) {
	t.Helper()
	ft := NewFuncTransport(testCtx, frameCore(t, fn))
	s := NewSession(ft, opts...)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
	return s, ft
}

func echoCore(_ context.Context, f Frame, args []any) []byte {
	if len(args) == 0 {
		return EncodeEmpty()
	}
	env, err := EncodeData(args[0])
	if err != nil {
		return EncodeError(err.Error())
	}
	return env
}

func TestCallData(t *testing.T) {
	s, _ := newTestSession(t, echoCore)

	ctxID, ok := s.Context()
	require.True(t, ok)
	assert.Equal(t, testCtx, ctxID)
	assert.NotEmpty(t, s.ID())

	res, err := s.Call(context.Background(), 1, 2, "hello")
	require.NoError(t, err)
	assert.True(t, res.HasValue)
	assert.Equal(t, "hello", res.Value)
	assert.False(t, res.IsStream())

	res, err = s.Call(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.False(t, res.HasValue)
}

func TestResultDecode(t *testing.T) {
	s, _ := newTestSession(t, echoCore)

	res, err := s.Call(context.Background(), 1, 1, map[string]any{"name": "lux", "n": 3})
	require.NoError(t, err)

	var out struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "lux", out.Name)
	assert.Equal(t, 3, out.N)

	res, err = s.Call(context.Background(), 1, 1, []byte{1, 2})
	require.NoError(t, err)
	var b []byte
	require.NoError(t, res.Decode(&b))
	assert.Equal(t, []byte{1, 2}, b)
}

func TestCallRemoteError(t *testing.T) {
	s, _ := newTestSession(t, func(context.Context, Frame, []any) []byte {
		return EncodeError("no such wallet")
	})

	_, err := s.Call(context.Background(), 3, 4)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no such wallet", remote.Message)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, uint8(3), callErr.Module)
	assert.Equal(t, uint8(4), callErr.Function)
	assert.False(t, callErr.Sync)
}

func TestCallUnsupportedResponses(t *testing.T) {
	s, _ := newTestSession(t, func(_ context.Context, f Frame, _ []any) []byte {
		if f.Function == 1 {
			return []byte{byte(KindEventEmitter)}
		}
		return []byte{99}
	})

	_, err := s.Call(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrEventEmitterUnsupported)

	_, err = s.Call(context.Background(), 1, 2)
	require.ErrorIs(t, err, ErrUnknownResponse)
	assert.Zero(t, s.InFlight())
}

// Responses completed in reverse order still reach their own callers.
func TestCallReorderedResponses(t *testing.T) {
	var (
		mu      sync.Mutex
		release = make(map[string]chan struct{})
		arrived = make(chan string, 3)
	)
	names := []string{"a", "b", "c"}
	for _, n := range names {
		release[n] = make(chan struct{})
	}
	s, _ := newTestSession(t, func(ctx context.Context, f Frame, args []any) []byte {
		name := args[0].(string)
		mu.Lock()
		ch := release[name]
		mu.Unlock()
		arrived <- name
		<-ch
		return echoCore(ctx, f, args)
	})

	results := make(map[string]any)
	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, n := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			res, err := s.Call(context.Background(), 1, 1, n)
			if !assert.NoError(t, err) {
				return
			}
			resMu.Lock()
			results[n] = res.Value
			resMu.Unlock()
		}(n)
	}
	for range names {
		<-arrived
	}
	assert.Equal(t, 3, s.InFlight())

	close(release["c"])
	close(release["b"])
	close(release["a"])
	wg.Wait()

	assert.Equal(t, map[string]any{"a": "a", "b": "b", "c": "c"}, results)
	assert.Zero(t, s.InFlight())
}

func TestCallIDsAreUniqueWhileInFlight(t *testing.T) {
	var (
		mu    sync.Mutex
		live  = make(map[uint8]bool)
		dupes int
	)
	s, _ := newTestSession(t, func(ctx context.Context, f Frame, args []any) []byte {
		mu.Lock()
		if live[f.ID] {
			dupes++
		}
		live[f.ID] = true
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		delete(live, f.ID)
		mu.Unlock()
		return echoCore(ctx, f, args)
	})

	var wg sync.WaitGroup
	for i := 0; i < 300; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Call(context.Background(), 1, 1, i)
			if assert.NoError(t, err) {
				assert.Equal(t, float64(i), res.Value)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, dupes)
	assert.Zero(t, s.InFlight())
}

func TestCallSequentialWrap(t *testing.T) {
	var ids []uint8
	s, _ := newTestSession(t, func(ctx context.Context, f Frame, args []any) []byte {
		ids = append(ids, f.ID)
		return echoCore(ctx, f, args)
	})
	for i := 0; i < 300; i++ {
		_, err := s.Call(context.Background(), 1, 1, i)
		require.NoError(t, err)
	}
	require.Len(t, ids, 300)
	assert.Equal(t, uint8(0), ids[0])
	assert.Equal(t, uint8(255), ids[255])
	assert.Equal(t, uint8(0), ids[256])
}

// gatedTransport withholds the context id until open is closed.
type gatedTransport struct {
	*FuncTransport
	open chan struct{}
}

func (g *gatedTransport) Context(ctx context.Context) (uint8, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-g.open:
		return g.FuncTransport.Context(ctx)
	}
}

func TestCallSyncBeforeReady(t *testing.T) {
	g := &gatedTransport{
		FuncTransport: NewFuncTransport(testCtx, frameCore(t, echoCore)),
		open:          make(chan struct{}),
	}
	s := NewSession(g)
	defer s.Close()

	_, err := s.CallSync(1, 1, "x")
	require.ErrorIs(t, err, ErrNotReady)
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.True(t, callErr.Sync)

	// Async calls wait for the context instead of failing.
	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), 1, 1, "y")
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("async call finished before the context was known")
	case <-time.After(20 * time.Millisecond):
	}
	close(g.open)
	require.NoError(t, <-done)

	res, err := s.CallSync(1, 1, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", res.Value)
}

func TestContextFetchFailure(t *testing.T) {
	g := &gatedTransport{
		FuncTransport: NewFuncTransport(testCtx, frameCore(t, echoCore)),
		open:          make(chan struct{}),
	}
	close(g.open)
	require.NoError(t, g.FuncTransport.Close())
	s := NewSession(g)
	defer s.Close()

	_, err := s.Call(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrTransportClosed)
}

// deferredTransport answers every sync call in two phases.
type deferredTransport struct {
	*FuncTransport
	mu     sync.Mutex
	parked map[uint16][]byte
}

func (d *deferredTransport) Sync(frame []byte) ([]byte, error) {
	env, err := d.FuncTransport.Sync(frame)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.parked[uint16(frame[0])<<8|uint16(frame[1])] = env
	d.mu.Unlock()
	return nil, nil
}

func (d *deferredTransport) GetResponseSync(ctxID, id uint8) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	env, ok := d.parked[uint16(ctxID)<<8|uint16(id)]
	if !ok {
		return nil, errors.New("nothing parked")
	}
	return env, nil
}

func TestCallSyncDeferred(t *testing.T) {
	d := &deferredTransport{
		FuncTransport: NewFuncTransport(testCtx, frameCore(t, echoCore)),
		parked:        make(map[uint16][]byte),
	}
	s := NewSession(d)
	defer s.Close()
	require.NoError(t, s.Wait(context.Background()))

	res, err := s.CallSync(2, 3, 41.5)
	require.NoError(t, err)
	assert.Equal(t, 41.5, res.Value)
	assert.Len(t, d.parked, 1)
}

// nilSyncTransport returns no sync response and cannot fetch one later.
type nilSyncTransport struct {
	*FuncTransport
}

func (nilSyncTransport) Sync([]byte) ([]byte, error) { return nil, nil }

func TestCallSyncNoResponse(t *testing.T) {
	s := NewSession(nilSyncTransport{NewFuncTransport(testCtx, frameCore(t, echoCore))})
	defer s.Close()
	require.NoError(t, s.Wait(context.Background()))

	_, err := s.CallSync(1, 1)
	require.ErrorIs(t, err, ErrNoResponse)
	assert.Zero(t, s.InFlight())
}

func TestCallCanceled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	s, _ := newTestSession(t, func(context.Context, Frame, []any) []byte {
		<-block
		return EncodeEmpty()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Call(ctx, 1, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.InFlight())
}

func TestSessionClose(t *testing.T) {
	s, ft := newTestSession(t, echoCore)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Call(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = s.CallSync(1, 1)
	require.ErrorIs(t, err, ErrSessionClosed)
	_, err = ft.Context(context.Background())
	require.ErrorIs(t, err, ErrTransportClosed)
}

func TestSessionsAreIndependent(t *testing.T) {
	a, _ := newTestSession(t, echoCore)
	b, _ := newTestSession(t, echoCore)
	assert.NotEqual(t, a.ID(), b.ID())

	_, err := a.Call(context.Background(), 1, 1)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	_, err = b.Call(context.Background(), 1, 1)
	require.NoError(t, err)
}

func TestDeliverDropsStrays(t *testing.T) {
	s, ft := newTestSession(t, echoCore)
	ft.Push(9, []byte{0, 'x'})
	ft.Push(9, nil)
	assert.Zero(t, s.Duplexes())
}

func TestTraceRecordsExchanges(t *testing.T) {
	var buf bytes.Buffer
	s, _ := newTestSession(t, echoCore, WithTrace(NewTrace(&buf)))

	_, err := s.Call(context.Background(), 4, 5, "traced")
	require.NoError(t, err)

	records, err := ReadTrace(&buf)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, TraceCall, records[0].Kind)
	assert.Equal(t, uint8(4), records[0].Module)
	assert.Equal(t, uint8(5), records[0].Function)
	assert.Equal(t, s.ID(), records[0].Session)
	assert.Equal(t, testCtx, records[0].Context)

	assert.Equal(t, TraceResponse, records[1].Kind)
	assert.Equal(t, records[0].ID, records[1].ID)
	out, err := Classify(records[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "traced", out.Value)
}
