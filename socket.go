// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrSocketClosed      = errors.New("bridge: socket closed")
	ErrSocketMessageSize = errors.New("bridge: socket message too large")
)

// MaxSocketMessage bounds a single socket message.
const MaxSocketMessage = 64 * 1024 * 1024

// MessageType identifies socket messages
type MessageType uint8

const (
	MsgCall     MessageType = 0x01 // client->core: call frame
	MsgResponse MessageType = 0x02 // core->client: [id][envelope]
	MsgChunk    MessageType = 0x03 // core->client: [streamId][done][payload]
	MsgContext  MessageType = 0x04 // client->core: empty; core->client: [ctx]
)

// WriteMessage writes one [4 len][1 type][body] message.
func WriteMessage(w io.Writer, t MessageType, body []byte) error {
	msgLen := 1 + len(body)
	if msgLen > MaxSocketMessage {
		return ErrSocketMessageSize
	}
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(t)
	copy(buf[5:], body)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one message written by WriteMessage.
func ReadMessage(r io.Reader) (MessageType, []byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	msgLen := binary.BigEndian.Uint32(header)
	if msgLen == 0 {
		return 0, nil, fmt.Errorf("%w: empty socket message", ErrTruncated)
	}
	if msgLen > MaxSocketMessage {
		return 0, nil, ErrSocketMessageSize
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return 0, nil, err
	}
	return MessageType(msg[0]), msg[1:], nil
}

// SocketTransport speaks to a core listening on a stream socket. Responses
// carry the call id and are matched against a pending table, so they may
// arrive in any order.
type SocketTransport struct {
	conn        net.Conn
	writeMu     sync.Mutex
	pendingMu   sync.Mutex
	pending     map[uint8]*socketCall
	ctxWaiters  chan chan uint8
	push        atomic.Pointer[PushFunc]
	closed      atomic.Bool
	readDone    chan struct{}
	syncTimeout time.Duration
	log         *zap.Logger
}

// DialSocket connects to a core socket.
func DialSocket(ctx context.Context, network, addr string, opts ...Option) (*SocketTransport, error) {
	o := newOptions(opts)
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial socket: %w", err)
	}
	return newSocketTransport(conn, o), nil
}

// NewSocketTransport runs the protocol over an established connection.
func NewSocketTransport(conn net.Conn, opts ...Option) *SocketTransport {
	return newSocketTransport(conn, newOptions(opts))
}

func newSocketTransport(conn net.Conn, o *options) *SocketTransport {
	st := &SocketTransport{
		conn:        conn,
		pending:     make(map[uint8]*socketCall),
		ctxWaiters:  make(chan chan uint8, 16),
		readDone:    make(chan struct{}),
		syncTimeout: o.syncTimeout,
		log:         o.log(),
	}
	go st.readLoop()
	return st
}

func newSocketPlatform(ctx context.Context, o *options) (Transport, error) {
	if o.socketAddr == "" {
		return nil, fmt.Errorf("bridge: socket platform needs an address")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, o.socketNet, o.socketAddr)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial socket: %w", err)
	}
	return newSocketTransport(conn, o), nil
}

func (st *SocketTransport) write(t MessageType, body []byte) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if err := WriteMessage(st.conn, t, body); err != nil {
		return fmt.Errorf("bridge: socket write: %w", err)
	}
	return nil
}

// Context asks the core for this connection's context id.
func (st *SocketTransport) Context(ctx context.Context) (uint8, error) {
	if st.closed.Load() {
		return 0, ErrSocketClosed
	}
	ch := make(chan uint8, 1)
	select {
	case st.ctxWaiters <- ch:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if err := st.write(MsgContext, nil); err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case id := <-ch:
		return id, nil
	case <-st.readDone:
		return 0, ErrSocketClosed
	}
}

// socketCall is an outstanding call. It stays pending after Async gives
// up so a late response cannot reach a newer call with the same id.
type socketCall struct {
	resp    chan []byte
	drained chan struct{}
}

// Async writes the frame and waits for the response with its id.
func (st *SocketTransport) Async(ctx context.Context, frame []byte) ([]byte, error) {
	if st.closed.Load() {
		return nil, ErrSocketClosed
	}
	if len(frame) < CallHeaderLen {
		return nil, fmt.Errorf("%w: call frame of %d bytes", ErrTruncated, len(frame))
	}
	id := frame[1]
	call := &socketCall{resp: make(chan []byte, 1), drained: make(chan struct{})}
	st.pendingMu.Lock()
	if _, ok := st.pending[id]; ok {
		st.pendingMu.Unlock()
		return nil, fmt.Errorf("bridge: call id %d already pending on socket", id)
	}
	st.pending[id] = call
	st.pendingMu.Unlock()

	if err := st.write(MsgCall, frame); err != nil {
		st.settle(id, call)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-call.resp:
		return resp, nil
	case <-st.readDone:
		return nil, ErrSocketClosed
	}
}

// Drain reports when the core has answered call id, or the connection is
// gone. The channel is already closed when nothing is outstanding for id.
func (st *SocketTransport) Drain(id uint8) <-chan struct{} {
	st.pendingMu.Lock()
	defer st.pendingMu.Unlock()
	if call, ok := st.pending[id]; ok {
		return call.drained
	}
	done := make(chan struct{})
	close(done)
	return done
}

func (st *SocketTransport) settle(id uint8, call *socketCall) {
	st.pendingMu.Lock()
	if st.pending[id] == call {
		delete(st.pending, id)
		close(call.drained)
	}
	st.pendingMu.Unlock()
}

func (st *SocketTransport) settleAll() {
	st.pendingMu.Lock()
	defer st.pendingMu.Unlock()
	for id, call := range st.pending {
		delete(st.pending, id)
		close(call.drained)
	}
}

// Sync blocks the calling goroutine for up to the sync timeout.
func (st *SocketTransport) Sync(frame []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), st.syncTimeout)
	defer cancel()
	return st.Async(ctx, frame)
}

// Subscribe sets the callback for pushed chunks.
func (st *SocketTransport) Subscribe(fn PushFunc) {
	st.push.Store(&fn)
}

func (st *SocketTransport) readLoop() {
	defer close(st.readDone)
	defer st.settleAll()
	for {
		msgType, body, err := ReadMessage(st.conn)
		if err != nil {
			if !st.closed.Load() && !errors.Is(err, io.EOF) {
				st.log.Warn("socket read failed", zap.Error(err))
			}
			return
		}
		switch msgType {
		case MsgResponse:
			if len(body) < 2 {
				st.log.Warn("short socket response dropped", zap.Int("bytes", len(body)))
				continue
			}
			st.pendingMu.Lock()
			call, ok := st.pending[body[0]]
			st.pendingMu.Unlock()
			if !ok {
				st.log.Warn("response for unknown call id dropped", zap.Uint8("id", body[0]))
				continue
			}
			call.resp <- body[1:]
			st.settle(body[0], call)
		case MsgChunk:
			streamID, payload, err := DecodeChunk(body)
			if err != nil {
				recordChunk("malformed")
				st.log.Warn("malformed socket chunk dropped", zap.Error(err))
				continue
			}
			if fn := st.push.Load(); fn != nil {
				(*fn)(streamID, payload)
			} else {
				recordChunk("unsubscribed")
			}
		case MsgContext:
			if len(body) < 1 {
				continue
			}
			select {
			case ch := <-st.ctxWaiters:
				ch <- body[0]
			default:
				st.log.Warn("unrequested context reply dropped")
			}
		default:
			st.log.Warn("unknown socket message dropped", zap.Uint8("type", uint8(msgType)))
		}
	}
}

// Close closes the connection
func (st *SocketTransport) Close() error {
	if st.closed.Swap(true) {
		return nil
	}
	return st.conn.Close()
}
