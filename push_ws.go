// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsHandshakeTimeout = 5 * time.Second

// WSPush receives pushed stream chunks over a WebSocket. Each binary message
// is [prefix bytes][streamId][done][payload]; with a prefix the first byte is
// the context id and messages for other contexts are dropped.
type WSPush struct {
	conn   *websocket.Conn
	prefix int
	log    *zap.Logger

	ctxID  atomic.Int32
	mu     sync.Mutex
	fn     PushFunc
	closed atomic.Bool
	done   chan struct{}
}

// DialWSPush connects to the push endpoint and starts reading.
func DialWSPush(ctx context.Context, wsURL string, prefix int, log *zap.Logger) (*WSPush, error) {
	if prefix < 0 {
		return nil, fmt.Errorf("bridge: negative push prefix %d", prefix)
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial push channel %s: %w", wsURL, err)
	}
	return NewWSPush(conn, prefix, log), nil
}

// NewWSPush starts reading pushes from an established connection.
func NewWSPush(conn *websocket.Conn, prefix int, log *zap.Logger) *WSPush {
	if log == nil {
		log = Logger()
	}
	p := &WSPush{
		conn:   conn,
		prefix: prefix,
		log:    log,
		done:   make(chan struct{}),
	}
	p.ctxID.Store(-1)
	go p.readLoop()
	return p
}

// Subscribe sets the callback receiving every chunk.
func (p *WSPush) Subscribe(fn PushFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
}

// SetContext enables filtering on the leading context byte.
func (p *WSPush) SetContext(id uint8) {
	p.ctxID.Store(int32(id))
}

// Done is closed when the read loop exits.
func (p *WSPush) Done() <-chan struct{} {
	return p.done
}

func (p *WSPush) readLoop() {
	defer close(p.done)
	for {
		messageType, message, err := p.conn.ReadMessage()
		if err != nil {
			if !p.closed.Load() {
				p.log.Warn("push channel read failed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(message) == 0 {
			// ping
			continue
		}
		if len(message) < p.prefix+2 {
			recordChunk("malformed")
			p.log.Warn("short push message dropped", zap.Int("bytes", len(message)))
			continue
		}
		if p.prefix > 0 {
			if want := p.ctxID.Load(); want >= 0 && int32(message[0]) != want {
				recordChunk("foreign_context")
				continue
			}
		}
		p.mu.Lock()
		fn := p.fn
		p.mu.Unlock()
		if fn == nil {
			recordChunk("unsubscribed")
			continue
		}
		fn(message[p.prefix], message[p.prefix+1:])
	}
}

// Close closes the connection and waits for the read loop.
func (p *WSPush) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	err := p.conn.Close()
	<-p.done
	return err
}
