// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"io"
	"iter"
	"sync"

	"go.uber.org/zap"
)

type duplexState int

const (
	stateUnopened duplexState = iota
	stateOpening
	stateOpen
	stateDone
)

func (s duplexState) String() string {
	switch s {
	case stateUnopened:
		return "unopened"
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	default:
		return "done"
	}
}

type openCall struct {
	done chan struct{}
	err  error
}

type dataSub struct {
	id int
	fn func([]byte)
}

type closeSub struct {
	id int
	fn func()
}

// Duplex is a bidirectional stream the core announced with a Stream
// response. Chunks pushed for its id are delivered to listeners and to the
// pull view (Next, Chunks) in arrival order. The pull view buffers every
// chunk until it is read.
type Duplex struct {
	s  *Session
	id uint8

	mu      sync.Mutex
	state   duplexState
	opening *openCall
	nextSub int
	onData  []dataSub
	onClose []closeSub
	closed  bool

	queue []Chunk
	eof   bool
	wake  chan struct{}
}

func newDuplex(s *Session, id uint8) *Duplex {
	return &Duplex{s: s, id: id, wake: make(chan struct{})}
}

// ID is the stream id the core assigned.
func (d *Duplex) ID() uint8 {
	return d.id
}

// Session returns the owning session.
func (d *Duplex) Session() *Session {
	return d.s
}

// IsOpen reports whether the open handshake has completed.
func (d *Duplex) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateOpen
}

// IsDone reports whether the terminal chunk arrived or End was called.
func (d *Duplex) IsDone() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == stateDone
}

// Open sends the Open control call. Callers arriving while an open is in
// flight wait for that same open; opening an open duplex is an error.
func (d *Duplex) Open(ctx context.Context) error {
	d.mu.Lock()
	switch d.state {
	case stateOpen:
		d.mu.Unlock()
		return ErrAlreadyOpen
	case stateDone:
		d.mu.Unlock()
		return ErrDuplexDone
	case stateOpening:
		call := d.opening
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-call.done:
			return call.err
		}
	}
	call := &openCall{done: make(chan struct{})}
	d.opening = call
	d.state = stateOpening
	d.mu.Unlock()

	_, err := d.s.Call(ctx, ModuleStream, StreamOpen, d.id)

	d.mu.Lock()
	call.err = err
	if d.state == stateOpening {
		if err != nil {
			d.state = stateUnopened
		} else {
			d.state = stateOpen
		}
	}
	d.opening = nil
	d.signalLocked()
	d.mu.Unlock()
	close(call.done)
	return err
}

// ensureOpen opens lazily and tolerates an open that already happened.
func (d *Duplex) ensureOpen(ctx context.Context) error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()
	switch state {
	case stateOpen:
		return nil
	case stateDone:
		return ErrDuplexDone
	}
	err := d.Open(ctx)
	if err == ErrAlreadyOpen {
		return nil
	}
	return err
}

func (d *Duplex) implicitOpen() {
	if err := d.ensureOpen(d.s.baseCtx); err != nil && err != ErrDuplexDone {
		d.s.log.Warn("implicit duplex open failed", zap.Uint8("stream", d.id), zap.Error(err))
	}
}

// Write sends p to the core end of the stream.
func (d *Duplex) Write(ctx context.Context, p []byte) error {
	if err := d.ensureOpen(ctx); err != nil {
		return err
	}
	if p == nil {
		p = []byte{}
	}
	_, err := d.s.Call(ctx, ModuleStream, StreamWrite, d.id, p)
	return err
}

// End sends the Close control call and releases the duplex. Write and End
// after the duplex is done fail with ErrDuplexDone.
func (d *Duplex) End(ctx context.Context) error {
	d.mu.Lock()
	if d.state == stateDone {
		d.mu.Unlock()
		return ErrDuplexDone
	}
	d.mu.Unlock()

	_, err := d.s.Call(ctx, ModuleStream, StreamClose, d.id)
	d.terminate()
	return err
}

// OnData subscribes fn to every chunk's payload. The first subscription on
// an unopened duplex opens it in the background. The returned func removes
// the subscription.
func (d *Duplex) OnData(fn func([]byte)) func() {
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.onData = append(d.onData, dataSub{id: id, fn: fn})
	kick := d.state == stateUnopened
	d.mu.Unlock()
	if kick {
		go d.implicitOpen()
	}
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, sub := range d.onData {
			if sub.id == id {
				d.onData = append(d.onData[:i:i], d.onData[i+1:]...)
				return
			}
		}
	}
}

// OnClose subscribes fn to the end of the stream. It fires once.
func (d *Duplex) OnClose(fn func()) func() {
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.onClose = append(d.onClose, closeSub{id: id, fn: fn})
	kick := d.state == stateUnopened
	d.mu.Unlock()
	if kick {
		go d.implicitOpen()
	}
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, sub := range d.onClose {
			if sub.id == id {
				d.onClose = append(d.onClose[:i:i], d.onClose[i+1:]...)
				return
			}
		}
	}
}

// Next returns the next chunk, opening the duplex on first use and waiting
// until one arrives. After the terminal chunk it returns io.EOF.
func (d *Duplex) Next(ctx context.Context) (Chunk, error) {
	d.mu.Lock()
	for {
		if len(d.queue) > 0 {
			c := d.queue[0]
			d.queue = d.queue[1:]
			if c.Done {
				d.eof = true
			}
			d.mu.Unlock()
			return c, nil
		}
		if d.eof || d.state == stateDone {
			d.mu.Unlock()
			return Chunk{}, io.EOF
		}
		if d.state == stateUnopened {
			d.mu.Unlock()
			if err := d.ensureOpen(ctx); err != nil && err != ErrDuplexDone {
				return Chunk{}, err
			}
			d.mu.Lock()
			continue
		}
		wake := d.wake
		d.mu.Unlock()
		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-wake:
		}
		d.mu.Lock()
	}
}

// Chunks ranges over chunk payloads until the stream ends.
func (d *Duplex) Chunks(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			c, err := d.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if len(c.Data) > 0 || !c.Done {
				if !yield(c.Data, nil) {
					return
				}
			}
			if c.Done {
				return
			}
		}
	}
}

// EventEmitter layers named events over the duplex.
func (d *Duplex) EventEmitter() *EventEmitter {
	return newEventEmitter(d)
}

func (d *Duplex) deliver(c Chunk) {
	d.mu.Lock()
	if d.state == stateDone {
		d.mu.Unlock()
		recordChunk("late")
		d.s.log.Warn("chunk after stream end dropped", zap.Uint8("stream", d.id))
		return
	}
	data := make([]func([]byte), len(d.onData))
	for i, sub := range d.onData {
		data[i] = sub.fn
	}
	d.queue = append(d.queue, c)
	d.signalLocked()
	var closers []func()
	if c.Done {
		d.state = stateDone
		closers = d.takeClosersLocked()
	}
	d.mu.Unlock()

	if len(c.Data) > 0 || !c.Done {
		for _, fn := range data {
			fn(c.Data)
		}
	}
	if c.Done {
		d.s.unregister(d)
		for _, fn := range closers {
			fn()
		}
	}
}

// terminate ends the duplex from the consumer side.
func (d *Duplex) terminate() {
	d.abandon()
	d.s.unregister(d)
}

// abandon ends a duplex whose id the core handed out again.
func (d *Duplex) abandon() {
	d.mu.Lock()
	d.state = stateDone
	d.signalLocked()
	closers := d.takeClosersLocked()
	d.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
}

// signalLocked wakes every Next waiting for a chunk or a state change.
func (d *Duplex) signalLocked() {
	close(d.wake)
	d.wake = make(chan struct{})
}

func (d *Duplex) takeClosersLocked() []func() {
	if d.closed {
		return nil
	}
	d.closed = true
	out := make([]func(), len(d.onClose))
	for i, sub := range d.onClose {
		out[i] = sub.fn
	}
	return out
}
