// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridgetest

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luxfi/bridge"
)

const maxCallBody = 16 << 20

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxCallBody))
}

// wsConn is one WebSocket push client. Pushes for every context go to every
// connection behind a one-byte context prefix.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) push(ctxID, streamID uint8, chunk []byte) error {
	msg := make([]byte, 0, 2+len(chunk))
	msg = append(msg, ctxID, streamID)
	msg = append(msg, chunk...)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, msg)
}

func (s *Server) servePush(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("push upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{conn: conn}
	s.mu.Lock()
	s.wsConns[c] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsConns, c)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// socketConn is one socket-protocol client with its own context id.
type socketConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *socketConn) write(t bridge.MessageType, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return bridge.WriteMessage(c.conn, t, body)
}

func (c *socketConn) push(_, streamID uint8, chunk []byte) error {
	body := make([]byte, 0, 1+len(chunk))
	body = append(body, streamID)
	body = append(body, chunk...)
	return c.write(bridge.MsgChunk, body)
}

func (s *Server) serveSocketConn(conn net.Conn) {
	c := &socketConn{conn: conn}
	ctxID := s.newContext()
	s.attachSink(ctxID, c)
	defer func() {
		s.detachSink(ctxID, c)
		_ = conn.Close()
	}()
	s.onClose(func() { _ = conn.Close() })

	var calls sync.WaitGroup
	defer calls.Wait()
	for {
		t, body, err := bridge.ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("socket client gone", zap.Error(err))
			}
			return
		}
		switch t {
		case bridge.MsgContext:
			if err := c.write(bridge.MsgContext, []byte{ctxID}); err != nil {
				return
			}
		case bridge.MsgCall:
			if len(body) < bridge.CallHeaderLen {
				s.log.Warn("short socket call dropped", zap.Int("bytes", len(body)))
				continue
			}
			calls.Add(1)
			go func(frame []byte) {
				defer calls.Done()
				env := s.dispatch(s.ctx, frame, false)
				resp := make([]byte, 0, 1+len(env))
				resp = append(resp, frame[1])
				resp = append(resp, env...)
				if err := c.write(bridge.MsgResponse, resp); err != nil {
					s.log.Debug("socket response failed", zap.Error(err))
				}
			}(body)
		default:
			s.log.Warn("unexpected socket message", zap.Uint8("type", uint8(t)))
		}
	}
}
