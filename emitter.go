// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
)

const eventLengthSize = 4

// noFramePending marks the accumulator as waiting for a length prefix.
const noFramePending = -1

// EventFunc receives the arguments of one event.
type EventFunc func(args []any)

// Listener is a handle returned by On and accepted by Off.
type Listener struct {
	fn EventFunc
}

// EventEmitter reassembles length-prefixed event frames from a duplex's
// chunks and dispatches them by name. A frame may span chunks and a chunk
// may carry several frames.
type EventEmitter struct {
	d *Duplex

	mu        sync.Mutex
	listeners map[string][]*Listener

	accMu      sync.Mutex
	acc        []byte
	sizeNeeded int
}

func newEventEmitter(d *Duplex) *EventEmitter {
	e := &EventEmitter{
		d:          d,
		listeners:  make(map[string][]*Listener),
		sizeNeeded: noFramePending,
	}
	d.OnData(e.feed)
	return e
}

// Duplex returns the underlying duplex.
func (e *EventEmitter) Duplex() *Duplex {
	return e.d
}

// On registers fn for events named name.
func (e *EventEmitter) On(name string, fn EventFunc) *Listener {
	l := &Listener{fn: fn}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = append(e.listeners[name], l)
	return l
}

// Off removes a listener registered with On.
func (e *EventEmitter) Off(name string, l *Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[name]
	for i, cur := range ls {
		if cur == l {
			ls = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) == 0 {
		delete(e.listeners, name)
		return
	}
	e.listeners[name] = ls
}

// WriteEvent frames name and args and writes them to the duplex.
func (e *EventEmitter) WriteEvent(ctx context.Context, name string, args ...any) error {
	frame, err := EncodeEvent(name, args...)
	if err != nil {
		return err
	}
	return e.d.Write(ctx, frame)
}

// EncodeEvent builds one event frame: a 4-byte big-endian length followed by
// the serialized name and arguments.
func EncodeEvent(name string, args ...any) ([]byte, error) {
	body, err := SerializeAll(append([]any{name}, args...)...)
	if err != nil {
		return nil, err
	}
	if uint64(len(body)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: event frame of %d bytes", ErrValueTooLarge, len(body))
	}
	out := make([]byte, eventLengthSize, eventLengthSize+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...), nil
}

// DecodeEvent splits a frame body into event name and arguments.
func DecodeEvent(body []byte) (string, []any, error) {
	name, n, err := DecodeString(body, 0)
	if err != nil {
		return "", nil, fmt.Errorf("bridge: event name: %w", err)
	}
	args, err := DeserializeAll(body[n:])
	if err != nil {
		return "", nil, fmt.Errorf("bridge: event %q args: %w", name, err)
	}
	return name, args, nil
}

type event struct {
	name string
	args []any
}

// feed appends a chunk and dispatches every complete frame it finishes.
func (e *EventEmitter) feed(chunk []byte) {
	e.accMu.Lock()
	e.acc = append(e.acc, chunk...)
	events := e.drainLocked()
	e.accMu.Unlock()

	for _, ev := range events {
		e.dispatch(ev)
	}
}

func (e *EventEmitter) drainLocked() []event {
	var out []event
	for {
		if e.sizeNeeded == noFramePending {
			if len(e.acc) < eventLengthSize {
				break
			}
			e.sizeNeeded = int(binary.BigEndian.Uint32(e.acc[:eventLengthSize]))
			e.acc = e.acc[eventLengthSize:]
		}
		if len(e.acc) < e.sizeNeeded {
			break
		}
		body := e.acc[:e.sizeNeeded]
		e.acc = e.acc[e.sizeNeeded:]
		e.sizeNeeded = noFramePending

		name, args, err := DecodeEvent(body)
		if err != nil {
			e.d.s.log.Warn("malformed event frame skipped", zap.Uint8("stream", e.d.id), zap.Error(err))
			continue
		}
		out = append(out, event{name: name, args: args})
	}
	if len(e.acc) == 0 {
		e.acc = nil
	}
	return out
}

func (e *EventEmitter) dispatch(ev event) {
	e.mu.Lock()
	ls := append([]*Listener(nil), e.listeners[ev.name]...)
	e.mu.Unlock()
	for _, l := range ls {
		l.fn(ev.args)
	}
}
