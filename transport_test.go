// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinPlatforms(t *testing.T) {
	for _, name := range []string{PlatformWeb, PlatformSocket, PlatformWASM} {
		assert.True(t, HasPlatform(name), name)
	}
	assert.False(t, HasPlatform("carrier-pigeon"))

	names := AvailablePlatforms()
	assert.IsIncreasing(t, names)
	assert.Contains(t, names, PlatformWeb)
}

func TestRegisterPlatform(t *testing.T) {
	const name = "test-inproc"
	ft := NewFuncTransport(3, frameCore(t, echoCore))
	registerPlatform(name, func(context.Context, *options) (Transport, error) {
		return ft, nil
	})
	t.Cleanup(func() {
		platformsMu.Lock()
		delete(platforms, name)
		platformsMu.Unlock()
	})

	s, err := Dial(context.Background(), WithPlatform(name))
	require.NoError(t, err)
	defer s.Close()
	assert.Same(t, ft, s.Transport())

	res, err := s.Call(context.Background(), 1, 1, "via registry")
	require.NoError(t, err)
	assert.Equal(t, "via registry", res.Value)
	ctxID, ok := s.Context()
	require.True(t, ok)
	assert.Equal(t, uint8(3), ctxID)
}

func TestDialUnknownPlatform(t *testing.T) {
	_, err := Dial(context.Background(), WithPlatform("carrier-pigeon"))
	require.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestDialPlatformNeedsAddress(t *testing.T) {
	_, err := Dial(context.Background(), WithPlatform(PlatformSocket))
	require.ErrorContains(t, err, "needs an address")

	_, err = Dial(context.Background(), WithPlatform(PlatformWASM))
	require.ErrorContains(t, err, "needs a module path")
}

func TestFuncTransportSync(t *testing.T) {
	ft := NewFuncTransport(1, frameCore(t, echoCore))
	s := NewSession(ft)
	defer s.Close()
	require.NoError(t, s.Wait(context.Background()))

	res, err := s.CallSync(1, 1, true)
	require.NoError(t, err)
	assert.Equal(t, true, res.Value)
}
