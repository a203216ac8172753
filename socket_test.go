// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge_test

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bridge"
	"github.com/luxfi/bridge/bridgetest"
)

func dialSocket(t testing.TB, srv *bridgetest.Server) *bridge.Session {
	t.Helper()
	addr, err := srv.ListenSocket()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := bridge.Dial(ctx, bridge.WithPlatform(bridge.PlatformSocket), bridge.WithSocket("tcp", addr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Wait(ctx))
	return s
}

func TestSocketRoundTrip(t *testing.T) {
	srv := newCore(t)
	s := dialSocket(t, srv)

	_, ok := s.Transport().(*bridge.SocketTransport)
	require.True(t, ok)

	payload := []byte("hello world")
	res, err := s.Call(context.Background(), modWallet, fnEcho, payload)
	require.NoError(t, err)
	assert.Equal(t, payload, res.Value)

	res, err = s.CallSync(modWallet, fnEcho, "sync over socket")
	require.NoError(t, err)
	assert.Equal(t, "sync over socket", res.Value)

	_, err = s.Call(context.Background(), modWallet, fnFail)
	var remote *bridge.RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestSocketCall(t *testing.T) {
	srv := newCore(t)
	srv.Handle(3, 1, func(_ context.Context, c *bridgetest.Call) (any, error) {
		var sum float64
		for _, a := range c.Args {
			sum += a.(float64)
		}
		return map[string]float64{"sum": sum}, nil
	})
	s := dialSocket(t, srv)

	res, err := s.Call(context.Background(), 3, 1, 5, 3)
	require.NoError(t, err)
	var out struct{ Sum int }
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, 8, out.Sum)
}

func TestSocketConcurrentCalls(t *testing.T) {
	srv := newCore(t)
	srv.Handle(3, 2, func(_ context.Context, c *bridgetest.Call) (any, error) {
		// Later calls answer first.
		n := c.Args[0].(float64)
		time.Sleep(time.Duration(40-n) * time.Millisecond)
		return n, nil
	})
	s := dialSocket(t, srv)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Call(context.Background(), 3, 2, i)
			if err != nil {
				errs <- err
				return
			}
			if res.Value != float64(i) {
				errs <- fmt.Errorf("call %d got %v", i, res.Value)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, s.InFlight())
}

func TestSocketAbandonedCallKeepsID(t *testing.T) {
	srv := newCore(t)
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })
	t.Cleanup(release)

	var (
		mu   sync.Mutex
		seen = make(map[uint8]bool)
	)
	srv.Handle(3, 3, func(context.Context, *bridgetest.Call) (any, error) {
		<-gate
		return "late", nil
	})
	srv.Handle(3, 4, func(_ context.Context, c *bridgetest.Call) (any, error) {
		mu.Lock()
		seen[c.ID] = true
		mu.Unlock()
		return c.Args[0], nil
	})
	s := dialSocket(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := s.Call(ctx, 3, 3)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	var callErr *bridge.CallError
	require.ErrorAs(t, err, &callErr)
	held := callErr.ID
	assert.Equal(t, 1, s.InFlight())

	// Wrap the id cursor more than once while the core still owes the
	// abandoned call its answer.
	for i := 0; i < 300; i++ {
		res, err := s.Call(context.Background(), 3, 4, i)
		require.NoError(t, err)
		require.Equal(t, float64(i), res.Value)
	}
	mu.Lock()
	assert.NotContains(t, seen, held)
	mu.Unlock()

	release()
	require.Eventually(t, func() bool { return s.InFlight() == 0 }, time.Second, time.Millisecond)

	for i := 0; i < 256; i++ {
		res, err := s.Call(context.Background(), 3, 4, "after")
		require.NoError(t, err)
		require.Equal(t, "after", res.Value)
	}
	mu.Lock()
	assert.Contains(t, seen, held)
	mu.Unlock()
}

func TestSocketStream(t *testing.T) {
	srv := newCore(t)
	s := dialSocket(t, srv)

	res, err := s.Call(context.Background(), modFeed, fnTicks)
	require.NoError(t, err)
	require.True(t, res.IsStream())
	assert.Equal(t, []string{"a", "b", "c"}, collect(t, res.Duplex))
}

func TestSocketClose(t *testing.T) {
	srv := newCore(t)
	s := dialSocket(t, srv)
	require.NoError(t, s.Close())

	_, err := s.Call(context.Background(), modWallet, fnEcho, 1)
	require.ErrorIs(t, err, bridge.ErrSessionClosed)
}

func TestSocketMessageFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, bridge.WriteMessage(&buf, bridge.MsgResponse, []byte{4, 1}))
	require.NoError(t, bridge.WriteMessage(&buf, bridge.MsgContext, nil))
	assert.Equal(t, []byte{0, 0, 0, 3, 2, 4, 1, 0, 0, 0, 1, 4}, buf.Bytes())

	typ, body, err := bridge.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, bridge.MsgResponse, typ)
	assert.Equal(t, []byte{4, 1}, body)

	typ, body, err = bridge.ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, bridge.MsgContext, typ)
	assert.Empty(t, body)

	_, _, err = bridge.ReadMessage(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.ErrorIs(t, err, bridge.ErrTruncated)
	_, _, err = bridge.ReadMessage(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	require.ErrorIs(t, err, bridge.ErrSocketMessageSize)
}

func BenchmarkSocketRoundTrip(b *testing.B) {
	srv := bridgetest.NewServer()
	b.Cleanup(srv.Close)
	srv.Handle(modWallet, fnEcho, echo)
	s := dialSocket(b, srv)

	ctx := context.Background()
	payload := make([]byte, 1024)
	b.SetBytes(int64(len(payload)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Call(ctx, modWallet, fnEcho, payload); err != nil {
			b.Fatal(err)
		}
	}
}
