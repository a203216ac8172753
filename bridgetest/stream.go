// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridgetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luxfi/bridge"
)

var ErrStreamClosed = errors.New("bridgetest: stream closed")

// Stream is the core end of a duplex.
type Stream struct {
	s    *Server
	id   uint8
	ctx  uint8
	call *Call
	run  StreamHandlerFunc

	runCtx context.Context
	cancel context.CancelFunc

	openOnce  sync.Once
	endOnce   sync.Once
	opened    chan struct{}
	ended     chan struct{}
	incoming  chan []byte
	mu        sync.Mutex
	writes    [][]byte
	finished  bool
	openCount int
}

func (s *Server) newStream(c *Call, run StreamHandlerFunc) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := bridge.LowestAvailableKey(s.streams, 256)
	if !ok {
		return nil, fmt.Errorf("no free stream id")
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	st := &Stream{
		s:        s,
		id:       id,
		ctx:      c.Context,
		call:     c,
		run:      run,
		runCtx:   runCtx,
		cancel:   cancel,
		opened:   make(chan struct{}),
		ended:    make(chan struct{}),
		incoming: make(chan []byte, 64),
	}
	s.streams[id] = st
	return st, nil
}

// ID is the stream id handed to the client.
func (st *Stream) ID() uint8 { return st.id }

// Call is the call that created the stream.
func (st *Stream) Call() *Call { return st.call }

// Opened is closed when the client sends Open.
func (st *Stream) Opened() <-chan struct{} { return st.opened }

// Ended is closed when the client sends Close or the stream finishes.
func (st *Stream) Ended() <-chan struct{} { return st.ended }

// OpenCount reports how many Open calls arrived.
func (st *Stream) OpenCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.openCount
}

// Writes returns everything the client wrote so far.
func (st *Stream) Writes() [][]byte {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([][]byte(nil), st.writes...)
}

// Recv waits for the next client write.
func (st *Stream) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-st.incoming:
		return b, nil
	case <-st.ended:
		select {
		case b := <-st.incoming:
			return b, nil
		default:
			return nil, ErrStreamClosed
		}
	}
}

// Push sends data to the client. A done push ends the stream.
func (st *Stream) Push(data []byte, done bool) error {
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		return ErrStreamClosed
	}
	if done {
		st.finished = true
	}
	st.mu.Unlock()

	err := st.s.Push(st.ctx, st.id, done, data)
	if done {
		st.finish()
	}
	return err
}

// PushEvent frames an event and pushes it as one chunk.
func (st *Stream) PushEvent(name string, args ...any) error {
	frame, err := bridge.EncodeEvent(name, args...)
	if err != nil {
		return err
	}
	return st.Push(frame, false)
}

func (st *Stream) open() {
	st.mu.Lock()
	st.openCount++
	st.mu.Unlock()
	st.openOnce.Do(func() {
		close(st.opened)
		if st.run == nil {
			return
		}
		st.s.wg.Add(1)
		go func() {
			defer st.s.wg.Done()
			st.run(st.runCtx, st)
		}()
	})
}

func (st *Stream) received(b []byte) {
	st.mu.Lock()
	st.writes = append(st.writes, b)
	st.mu.Unlock()
	select {
	case st.incoming <- b:
	default:
	}
}

// end handles the client's Close.
func (st *Stream) end() {
	st.mu.Lock()
	st.finished = true
	st.mu.Unlock()
	st.finish()
}

func (st *Stream) finish() {
	st.endOnce.Do(func() {
		close(st.ended)
		st.cancel()
		st.s.mu.Lock()
		if st.s.streams[st.id] == st {
			delete(st.s.streams, st.id)
		}
		st.s.mu.Unlock()
	})
}
