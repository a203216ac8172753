// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stream module control functions, used by Duplex to drive its lifecycle.
const (
	ModuleStream uint8 = 0

	StreamOpen  uint8 = 0
	StreamWrite uint8 = 1
	StreamClose uint8 = 2
)

// Result is the outcome of a successful call: a value, no value, or a duplex.
type Result struct {
	Value    any
	HasValue bool
	Duplex   *Duplex
}

// IsStream reports whether the core answered with a stream handle.
func (r Result) IsStream() bool {
	return r.Duplex != nil
}

// Decode converts the decoded value into v by way of the OBJECT codec.
func (r Result) Decode(v any) error {
	if !r.HasValue {
		return fmt.Errorf("bridge: result carries no value")
	}
	if dst, ok := v.(*[]byte); ok {
		if b, ok := r.Value.([]byte); ok {
			*dst = b
			return nil
		}
	}
	raw, err := defaultCodec.Encode(r.Value)
	if err != nil {
		return err
	}
	return defaultCodec.Decode(raw, v)
}

// Session owns one context's call ids and duplex registry. Sessions are
// independent: tests and multi-instance hosts may run several at once.
type Session struct {
	id   uuid.UUID
	t    Transport
	opts *options
	log  *zap.Logger

	ids *idPool

	ready       chan struct{}
	readyErr    error
	ctxID       uint8
	established atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	duplexes map[uint8]*Duplex
	closed   bool

	ownTrace *Trace
}

// NewSession wraps an already selected transport. The context id is fetched
// in the background; async calls wait for it, sync calls fail until it
// arrives.
func NewSession(t Transport, opts ...Option) *Session {
	return newSession(t, newOptions(opts))
}

func newSession(t Transport, o *options) *Session {
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.New(),
		t:        t,
		opts:     o,
		ids:      newIDPool(),
		ready:    make(chan struct{}),
		baseCtx:  baseCtx,
		cancel:   cancel,
		duplexes: make(map[uint8]*Duplex),
	}
	s.log = o.log().With(zap.String("session", s.id.String()))

	if p, ok := t.(Pusher); ok {
		p.Subscribe(s.Deliver)
	}
	go s.establish()
	return s
}

func (s *Session) establish() {
	defer close(s.ready)
	ctxID, err := s.t.Context(s.baseCtx)
	if err != nil {
		s.readyErr = fmt.Errorf("bridge: fetch context: %w", err)
		s.log.Warn("context fetch failed", zap.Error(err))
		return
	}
	s.ctxID = ctxID
	s.established.Store(true)
	s.log.Debug("session established", zap.Uint8("ctx", ctxID))
}

// ID is the session's unique id, used in logs and traces.
func (s *Session) ID() string {
	return s.id.String()
}

// Ready is closed once the context fetch has finished, successfully or not.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// Context returns the context id once established.
func (s *Session) Context() (uint8, bool) {
	if !s.established.Load() {
		return 0, false
	}
	return s.ctxID, true
}

// Wait blocks until the context id is known.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready:
		return s.readyErr
	}
}

// Transport returns the transport selected for this session.
func (s *Session) Transport() Transport {
	return s.t
}

// InFlight reports how many call ids are currently reserved.
func (s *Session) InFlight() int {
	return s.ids.inFlight()
}

// Call performs an asynchronous call: it waits for the transport to be
// ready, sends the frame and blocks the calling goroutine until the
// response arrives or ctx ends.
func (s *Session) Call(ctx context.Context, module, function uint8, args ...any) (Result, error) {
	fail := func(id uint8, err error) (Result, error) {
		return Result{}, &CallError{Module: module, Function: function, ID: id, Err: err}
	}
	if s.isClosed() {
		return fail(0, ErrSessionClosed)
	}
	payload, err := SerializeAll(args...)
	if err != nil {
		return fail(0, err)
	}
	if err := s.Wait(ctx); err != nil {
		return fail(0, err)
	}
	id, err := s.ids.acquire(ctx)
	if err != nil {
		return fail(0, err)
	}
	var sendErr error
	defer func() { s.releaseID(id, sendErr) }()

	frame := Frame{Context: s.ctxID, ID: id, Module: module, Function: function, Payload: payload}
	start := time.Now()
	s.traceCall(frame, false)
	resp, err := s.t.Async(ctx, EncodeFrame(frame))
	if err != nil {
		sendErr = err
		recordCall(module, function, false, "transport_error", time.Since(start))
		return fail(id, err)
	}
	return s.finish(frame, resp, false, start)
}

// CallSync performs a blocking call for contexts that cannot wait on a
// goroutine. It fails immediately if the context id is not yet known.
func (s *Session) CallSync(module, function uint8, args ...any) (Result, error) {
	fail := func(id uint8, err error) (Result, error) {
		return Result{}, &CallError{Module: module, Function: function, ID: id, Sync: true, Err: err}
	}
	if s.isClosed() {
		return fail(0, ErrSessionClosed)
	}
	if !s.established.Load() {
		return fail(0, ErrNotReady)
	}
	payload, err := SerializeAll(args...)
	if err != nil {
		return fail(0, err)
	}
	id, ok := s.ids.tryAcquire()
	if !ok {
		return fail(0, ErrCallsExhausted)
	}
	var sendErr error
	defer func() { s.releaseID(id, sendErr) }()

	frame := Frame{Context: s.ctxID, ID: id, Module: module, Function: function, Payload: payload}
	start := time.Now()
	s.traceCall(frame, true)
	resp, err := s.t.Sync(EncodeFrame(frame))
	if err == nil && resp == nil {
		if ds, ok := s.t.(DeferredSync); ok {
			resp, err = ds.GetResponseSync(s.ctxID, id)
		} else {
			err = ErrNoResponse
		}
	}
	if err != nil {
		sendErr = err
		recordCall(module, function, true, "transport_error", time.Since(start))
		return fail(id, err)
	}
	return s.finish(frame, resp, true, start)
}

// releaseID frees a call id. After a failed send the id stays reserved
// until a Drainer transport has seen the core's answer for it.
func (s *Session) releaseID(id uint8, sendErr error) {
	d, ok := s.t.(Drainer)
	if sendErr == nil || !ok {
		s.ids.release(id)
		return
	}
	drained := d.Drain(id)
	select {
	case <-drained:
		s.ids.release(id)
	default:
		s.log.Debug("call id held until the core answers", zap.Uint8("id", id), zap.Error(sendErr))
		go func() {
			<-drained
			s.ids.release(id)
		}()
	}
}

func (s *Session) finish(frame Frame, resp []byte, sync bool, start time.Time) (Result, error) {
	res, kind, err := s.resolve(resp)
	s.traceResponse(frame, resp, sync, err)
	result := kind.String()
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			result = "protocol_error"
		}
		recordCall(frame.Module, frame.Function, sync, result, time.Since(start))
		return Result{}, &CallError{Module: frame.Module, Function: frame.Function, ID: frame.ID, Sync: sync, Err: err}
	}
	recordCall(frame.Module, frame.Function, sync, result, time.Since(start))
	s.log.Debug("call complete",
		zap.Uint8("ctx", frame.Context),
		zap.Uint8("id", frame.ID),
		zap.Uint8("module", frame.Module),
		zap.Uint8("function", frame.Function),
		zap.Bool("sync", sync),
		zap.Stringer("kind", kind),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// resolve turns a classified envelope into a Result.
func (s *Session) resolve(resp []byte) (Result, ResponseKind, error) {
	r, err := Classify(resp)
	if err != nil {
		return Result{}, r.Kind, err
	}
	switch r.Kind {
	case KindError:
		return Result{}, r.Kind, &RemoteError{Message: r.Message}
	case KindData:
		return Result{Value: r.Value, HasValue: r.HasValue}, r.Kind, nil
	case KindStream:
		return Result{Duplex: s.register(r.StreamID)}, r.Kind, nil
	case KindEventEmitter:
		return Result{}, r.Kind, ErrEventEmitterUnsupported
	default:
		return Result{}, r.Kind, &UnknownResponseError{Kind: byte(r.Kind)}
	}
}

func (s *Session) register(streamID uint8) *Duplex {
	d := newDuplex(s, streamID)
	s.mu.Lock()
	prev, replaced := s.duplexes[streamID]
	s.duplexes[streamID] = d
	s.mu.Unlock()
	if replaced {
		s.log.Warn("core reused a live stream id", zap.Uint8("stream", streamID))
		prev.abandon()
	} else {
		duplexesActive.Inc()
	}
	return d
}

func (s *Session) unregister(d *Duplex) {
	s.mu.Lock()
	cur, ok := s.duplexes[d.id]
	if ok && cur == d {
		delete(s.duplexes, d.id)
	}
	s.mu.Unlock()
	if ok && cur == d {
		duplexesActive.Dec()
	}
}

// Duplex looks up a registered duplex.
func (s *Session) Duplex(streamID uint8) (*Duplex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.duplexes[streamID]
	return d, ok
}

// Duplexes reports how many duplexes are registered.
func (s *Session) Duplexes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.duplexes)
}

// Deliver routes one pushed chunk to its duplex. chunk begins with the
// done-marker byte. Unknown stream ids and malformed chunks are logged and
// dropped so one bad frame cannot stall the push channel.
func (s *Session) Deliver(streamID uint8, chunk []byte) {
	d, ok := s.Duplex(streamID)
	if !ok {
		recordChunk("unknown_stream")
		s.log.Warn("chunk for unknown stream dropped", zap.Uint8("stream", streamID), zap.Int("bytes", len(chunk)))
		return
	}
	c, err := splitDoneMarker(chunk)
	if err != nil {
		recordChunk("malformed")
		s.log.Warn("malformed chunk dropped", zap.Uint8("stream", streamID), zap.Error(err))
		return
	}
	if s.opts.trace != nil {
		ctxID, _ := s.Context()
		_ = s.opts.trace.Record(TraceRecord{
			Kind:    TraceChunk,
			Session: s.ID(),
			Context: ctxID,
			Stream:  streamID,
			Data:    chunk,
		})
	}
	recordChunk("delivered")
	d.deliver(c)
}

// Close stops the session and closes its transport. Outstanding streams at
// the core are not torn down.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	err := s.t.Close()
	if s.ownTrace != nil {
		err = errors.Join(err, s.ownTrace.Close())
	}
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) traceCall(f Frame, sync bool) {
	if s.opts.trace == nil {
		return
	}
	_ = s.opts.trace.Record(TraceRecord{
		Kind:     TraceCall,
		Session:  s.ID(),
		Context:  f.Context,
		ID:       f.ID,
		Module:   f.Module,
		Function: f.Function,
		Sync:     sync,
		Data:     f.Payload,
	})
}

func (s *Session) traceResponse(f Frame, resp []byte, sync bool, err error) {
	if s.opts.trace == nil {
		return
	}
	rec := TraceRecord{
		Kind:     TraceResponse,
		Session:  s.ID(),
		Context:  f.Context,
		ID:       f.ID,
		Module:   f.Module,
		Function: f.Function,
		Sync:     sync,
		Data:     resp,
	}
	if err != nil {
		rec.Err = err.Error()
	}
	_ = s.opts.trace.Record(rec)
}
