// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Dial selects a transport and starts a session on it. Unless WithPlatform
// is given, the host is asked which platform it runs (GET /platform); the
// choice is fixed for the life of the session.
func Dial(ctx context.Context, opts ...Option) (*Session, error) {
	o := newOptions(opts)

	name := o.platform
	if o.detect {
		detected, err := DetectPlatform(ctx, o.baseURL, o.httpClient)
		if err != nil {
			return nil, err
		}
		name = detected
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultPlatform
	}

	newTransport, ok := lookupPlatform(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s (have %s)", ErrUnknownPlatform, name, strings.Join(AvailablePlatforms(), ", "))
	}
	t, err := newTransport(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("bridge: %s transport: %w", name, err)
	}
	o.log().Debug("transport selected", zap.String("platform", name), zap.Bool("detected", o.detect))
	return newSession(t, o), nil
}

// DialConfig dials with options built from cfg. The returned session owns
// the configured trace file and closes it with the session.
func DialConfig(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	base, trace, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	s, err := Dial(ctx, append(base, opts...)...)
	if err != nil {
		if trace != nil {
			_ = trace.Close()
		}
		return nil, err
	}
	s.ownTrace = trace
	return s, nil
}
