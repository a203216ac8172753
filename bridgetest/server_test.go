// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridgetest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/bridge"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestServerEndpoints(t *testing.T) {
	srv := NewServer(WithPlatform(bridge.PlatformSocket))
	defer srv.Close()

	code, body := get(t, srv.URL+bridge.PathPlatform)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, `"socket"`, body)

	_, first := get(t, srv.URL+bridge.PathContext)
	_, second := get(t, srv.URL+bridge.PathContext)
	assert.Equal(t, "1", first)
	assert.Equal(t, "2", second)

	code, _ = get(t, srv.URL+bridge.PathSync+"9?ctx=1")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, srv.URL+bridge.PathSync+"x?ctx=1")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestServerDispatch(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	srv.Handle(1, 1, func(_ context.Context, c *Call) (any, error) {
		return Envelope(bridge.EncodeError("raw")), nil
	})

	frame, err := bridge.NewFrame(1, 4, 1, 1)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+bridge.PathCall, "application/octet-stream", bytes.NewReader(bridge.EncodeFrame(frame)))
	require.NoError(t, err)
	defer resp.Body.Close()
	env, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, bridge.EncodeError("raw"), env)
	assert.Equal(t, 1, srv.CallCount(1, 1))

	res, err := bridge.Classify(srv.dispatch(context.Background(), []byte{1, 5, 7, 7}, false))
	require.NoError(t, err)
	assert.Equal(t, bridge.KindError, res.Kind)
	assert.Equal(t, "no handler for 7.7", res.Message)

	open := []byte{1, 5, bridge.ModuleStream, bridge.StreamOpen, 3, 0, 0, 0, 0, 0, 0, 0, 0}
	res, err = bridge.Classify(srv.dispatch(context.Background(), open, false))
	require.NoError(t, err)
	assert.Equal(t, "unknown stream 0", res.Message)
}

func TestPushWithoutClients(t *testing.T) {
	srv := NewServer()
	defer srv.Close()
	assert.NoError(t, srv.Push(1, 0, true, []byte("nobody")))
	assert.Zero(t, srv.PushClients())
	assert.False(t, srv.Attached(1))
}
