//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// gRPC methods served by the core. Messages are raw bytes in the same
// formats the other transports carry.
const (
	GRPCMethodContext = "/bridge.Core/Context"
	GRPCMethodCall    = "/bridge.Core/Call"
	GRPCMethodPush    = "/bridge.Core/Push"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerPlatform(PlatformGRPC, newGRPCPlatform)
}

// RawCodec passes []byte messages through untouched.
type RawCodec struct{}

func (RawCodec) Name() string { return "bridge-raw" }

func (RawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("bridge: raw codec cannot marshal %T", v)
	}
}

func (RawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("bridge: raw codec cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

var pushStreamDesc = &grpc.StreamDesc{StreamName: "Push", ServerStreams: true}

// GRPCTransport carries calls as unary RPCs and receives pushed chunks on a
// server stream opened once the context id is known.
type GRPCTransport struct {
	conn        *grpc.ClientConn
	syncTimeout time.Duration
	log         *zap.Logger

	pushOnce sync.Once
	push     atomic.Pointer[PushFunc]
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// DialGRPC connects to a core gRPC endpoint.
func DialGRPC(target string, opts ...Option) (*GRPCTransport, error) {
	return newGRPCTransport(target, newOptions(opts))
}

func newGRPCPlatform(_ context.Context, o *options) (Transport, error) {
	if o.socketAddr == "" {
		return nil, fmt.Errorf("bridge: grpc platform needs an address")
	}
	return newGRPCTransport(o.socketAddr, o)
}

func newGRPCTransport(target string, o *options) (*GRPCTransport, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(RawCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GRPCTransport{
		conn:        conn,
		syncTimeout: o.syncTimeout,
		log:         o.log(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}, nil
}

func (t *GRPCTransport) Context(ctx context.Context) (uint8, error) {
	var reply []byte
	if err := t.conn.Invoke(ctx, GRPCMethodContext, []byte{}, &reply); err != nil {
		return 0, fmt.Errorf("bridge: grpc context: %w", err)
	}
	if len(reply) != 1 {
		return 0, fmt.Errorf("%w: context reply of %d bytes", ErrTruncated, len(reply))
	}
	ctxID := reply[0]
	t.pushOnce.Do(func() { go t.pushLoop(ctxID) })
	return ctxID, nil
}

func (t *GRPCTransport) Async(ctx context.Context, frame []byte) ([]byte, error) {
	var reply []byte
	if err := t.conn.Invoke(ctx, GRPCMethodCall, frame, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *GRPCTransport) Sync(frame []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.syncTimeout)
	defer cancel()
	return t.Async(ctx, frame)
}

func (t *GRPCTransport) Subscribe(fn PushFunc) {
	t.push.Store(&fn)
}

func (t *GRPCTransport) pushLoop(ctxID uint8) {
	defer close(t.done)
	stream, err := t.conn.NewStream(t.ctx, pushStreamDesc, GRPCMethodPush)
	if err != nil {
		t.log.Warn("grpc push stream failed", zap.Error(err))
		return
	}
	if err := stream.SendMsg([]byte{ctxID}); err != nil {
		t.log.Warn("grpc push subscribe failed", zap.Error(err))
		return
	}
	if err := stream.CloseSend(); err != nil {
		t.log.Warn("grpc push close send failed", zap.Error(err))
		return
	}
	for {
		var msg []byte
		if err := stream.RecvMsg(&msg); err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil {
				t.log.Warn("grpc push stream ended", zap.Error(err))
			}
			return
		}
		streamID, chunk, err := DecodeChunk(msg)
		if err != nil {
			recordChunk("malformed")
			t.log.Warn("malformed grpc chunk dropped", zap.Error(err))
			continue
		}
		if fn := t.push.Load(); fn != nil {
			(*fn)(streamID, chunk)
		} else {
			recordChunk("unsubscribed")
		}
	}
}

func (t *GRPCTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.pushOnce.Do(func() { close(t.done) })
	<-t.done
	return err
}
