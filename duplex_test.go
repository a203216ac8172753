// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStream uint8 = 5

// streamCore answers every non-stream call with a stream handle and records
// the stream control calls it receives.
type streamCore struct {
	mu       sync.Mutex
	counts   map[uint8]int
	writes   [][]byte
	openGate chan struct{}
	openErr  string
}

func newStreamCore() *streamCore {
	return &streamCore{counts: make(map[uint8]int)}
}

func (c *streamCore) handle(_ context.Context, f Frame, args []any) []byte {
	if f.Module != ModuleStream {
		return EncodeStream(testStream)
	}
	c.mu.Lock()
	c.counts[f.Function]++
	if f.Function == StreamWrite && len(args) > 1 {
		b, _ := args[1].([]byte)
		c.writes = append(c.writes, b)
	}
	gate, openErr := c.openGate, c.openErr
	c.mu.Unlock()
	if f.Function == StreamOpen {
		if gate != nil {
			<-gate
		}
		if openErr != "" {
			return EncodeError(openErr)
		}
	}
	return EncodeEmpty()
}

func (c *streamCore) count(function uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[function]
}

func openTestDuplex(t *testing.T, core *streamCore) (*Session, *FuncTransport, *Duplex) {
	t.Helper()
	s, ft := newTestSession(t, core.handle)
	res, err := s.Call(context.Background(), 1, 1)
	require.NoError(t, err)
	require.True(t, res.IsStream())
	require.Equal(t, testStream, res.Duplex.ID())
	return s, ft, res.Duplex
}

func TestStreamResponseRegistersDuplex(t *testing.T) {
	s, _, d := openTestDuplex(t, newStreamCore())
	assert.Equal(t, 1, s.Duplexes())
	got, ok := s.Duplex(testStream)
	require.True(t, ok)
	assert.Same(t, d, got)
	assert.Same(t, s, d.Session())
	assert.False(t, d.IsOpen())
}

func TestDuplexConcurrentOpen(t *testing.T) {
	core := newStreamCore()
	core.openGate = make(chan struct{})
	_, _, d := openTestDuplex(t, core)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- d.Open(context.Background()) }()
	}
	require.Eventually(t, func() bool { return core.count(StreamOpen) == 1 }, time.Second, time.Millisecond)
	// let the second caller join the open in flight
	time.Sleep(20 * time.Millisecond)
	close(core.openGate)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, core.count(StreamOpen))
	assert.True(t, d.IsOpen())

	require.ErrorIs(t, d.Open(context.Background()), ErrAlreadyOpen)
	assert.Equal(t, 1, core.count(StreamOpen))
}

func TestDuplexDoneMarker(t *testing.T) {
	s, ft, d := openTestDuplex(t, newStreamCore())

	var (
		mu     sync.Mutex
		data   []string
		closes atomic.Int32
	)
	d.OnData(func(b []byte) {
		mu.Lock()
		data = append(data, string(b))
		mu.Unlock()
	})
	d.OnClose(func() { closes.Add(1) })

	ft.Push(testStream, []byte{0, 'A'})
	ft.Push(testStream, []byte{0, 'B'})
	ft.Push(testStream, []byte{1, 'C'})
	ft.Push(testStream, []byte{1, 'D'})

	mu.Lock()
	assert.Equal(t, []string{"A", "B", "C"}, data)
	mu.Unlock()
	assert.Equal(t, int32(1), closes.Load())
	assert.True(t, d.IsDone())
	assert.Zero(t, s.Duplexes())

	require.ErrorIs(t, d.Write(context.Background(), []byte("late")), ErrDuplexDone)
	require.ErrorIs(t, d.End(context.Background()), ErrDuplexDone)
	assert.Equal(t, int32(1), closes.Load())
}

func TestDuplexEmptyTerminalChunk(t *testing.T) {
	_, ft, d := openTestDuplex(t, newStreamCore())

	var calls atomic.Int32
	d.OnData(func([]byte) { calls.Add(1) })
	closed := make(chan struct{})
	d.OnClose(func() { close(closed) })

	ft.Push(testStream, []byte{1})
	<-closed
	assert.Zero(t, calls.Load())
}

func TestDuplexUnsubscribe(t *testing.T) {
	_, ft, d := openTestDuplex(t, newStreamCore())

	var calls atomic.Int32
	off := d.OnData(func([]byte) { calls.Add(1) })
	ft.Push(testStream, []byte{0, 'x'})
	off()
	ft.Push(testStream, []byte{0, 'y'})
	assert.Equal(t, int32(1), calls.Load())
}

func TestDuplexWriteOpensFirst(t *testing.T) {
	core := newStreamCore()
	_, _, d := openTestDuplex(t, core)

	require.NoError(t, d.Write(context.Background(), []byte("one")))
	require.NoError(t, d.Write(context.Background(), []byte("two")))
	assert.Equal(t, 1, core.count(StreamOpen))
	assert.Equal(t, 2, core.count(StreamWrite))

	core.mu.Lock()
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, core.writes)
	core.mu.Unlock()
}

func TestDuplexEnd(t *testing.T) {
	core := newStreamCore()
	s, ft, d := openTestDuplex(t, core)

	var closes atomic.Int32
	d.OnClose(func() { closes.Add(1) })
	require.NoError(t, d.End(context.Background()))

	assert.Equal(t, 1, core.count(StreamClose))
	assert.Equal(t, int32(1), closes.Load())
	assert.True(t, d.IsDone())
	assert.Zero(t, s.Duplexes())

	// The id is free again; a late chunk for it is dropped.
	ft.Push(testStream, []byte{0, 'x'})
	assert.Equal(t, int32(1), closes.Load())
	require.ErrorIs(t, d.End(context.Background()), ErrDuplexDone)
}

func TestDuplexNext(t *testing.T) {
	core := newStreamCore()
	_, ft, d := openTestDuplex(t, core)

	type result struct {
		chunks []string
		err    error
	}
	out := make(chan result, 1)
	go func() {
		var r result
		for chunk, err := range d.Chunks(context.Background()) {
			if err != nil {
				r.err = err
				break
			}
			r.chunks = append(r.chunks, string(chunk))
		}
		out <- r
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.state == stateOpen
	}, time.Second, time.Millisecond)

	ft.Push(testStream, []byte{0, 'a'})
	ft.Push(testStream, []byte{0, 'b'})
	ft.Push(testStream, []byte{1, 'c'})

	r := <-out
	require.NoError(t, r.err)
	assert.Equal(t, []string{"a", "b", "c"}, r.chunks)
	assert.Equal(t, 1, core.count(StreamOpen))

	_, err := d.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestDuplexBuffersBeforeNext(t *testing.T) {
	_, ft, d := openTestDuplex(t, newStreamCore())
	require.NoError(t, d.Write(context.Background(), []byte("ping")))

	ft.Push(testStream, []byte{0, 'p', 'o', 'n', 'g'})
	ft.Push(testStream, []byte{1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := d.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, Chunk{Data: []byte("pong")}, c)

	c, err = d.Next(ctx)
	require.NoError(t, err)
	assert.True(t, c.Done)
	assert.Empty(t, c.Data)

	_, err = d.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDuplexNextAfterFailedOpen(t *testing.T) {
	core := newStreamCore()
	core.openGate = make(chan struct{})
	core.openErr = "stream refused"
	_, _, d := openTestDuplex(t, core)

	d.OnData(func([]byte) {})
	require.Eventually(t, func() bool { return core.count(StreamOpen) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs := make(chan error, 1)
	go func() {
		_, err := d.Next(ctx)
		errs <- err
	}()
	// let Next park behind the implicit open
	time.Sleep(20 * time.Millisecond)
	close(core.openGate)

	err := <-errs
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "stream refused", remote.Message)
	assert.False(t, d.IsOpen())
	assert.Equal(t, 2, core.count(StreamOpen))
}

func TestDuplexNextCanceled(t *testing.T) {
	_, _, d := openTestDuplex(t, newStreamCore())
	require.NoError(t, d.Open(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := d.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamIDReuseAbandonsOldDuplex(t *testing.T) {
	s, _, first := openTestDuplex(t, newStreamCore())
	closed := make(chan struct{})
	first.OnClose(func() { close(closed) })

	res, err := s.Call(context.Background(), 1, 1)
	require.NoError(t, err)
	<-closed
	assert.True(t, first.IsDone())
	assert.NotSame(t, first, res.Duplex)
	assert.Equal(t, 1, s.Duplexes())
}
