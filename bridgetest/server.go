// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridgetest runs a fake core in-process, in the manner of
// net/http/httptest. One Server answers calls over HTTP with WebSocket
// push, over the framed socket protocol and, with the grpc build tag,
// over gRPC.
package bridgetest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luxfi/bridge"
)

// Call is one decoded call as a handler sees it.
type Call struct {
	Context  uint8
	ID       uint8
	Module   uint8
	Function uint8
	Sync     bool
	Args     []any
}

// Envelope is a handler result sent to the client verbatim.
type Envelope []byte

// HandlerFunc answers a call. A nil value produces a Data response without
// a value, an Envelope is sent as is, and an error becomes an Error
// response carrying its message.
type HandlerFunc func(ctx context.Context, c *Call) (any, error)

// StreamHandlerFunc drives a stream once the client has opened it. ctx ends
// when either side closes the stream or the server shuts down.
type StreamHandlerFunc func(ctx context.Context, st *Stream)

type handler struct {
	value  HandlerFunc
	stream StreamHandlerFunc
}

type pushSink interface {
	push(ctxID, streamID uint8, chunk []byte) error
}

// Option configures a Server.
type Option func(*Server)

// WithPlatform sets the name served on GET /platform.
func WithPlatform(name string) Option {
	return func(s *Server) { s.platform = name }
}

// WithDeferredSync makes synchronous HTTP calls answer 204 and park the
// response for POST /sync/<id>.
func WithDeferredSync() Option {
	return func(s *Server) { s.deferSync = true }
}

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.log = l }
}

// Server is a fake core.
type Server struct {
	// URL is the base URL of the HTTP layer.
	URL string

	http      *httptest.Server
	platform  string
	deferSync bool
	log       *zap.Logger
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	nextCtx atomic.Uint32
	calls   atomic.Uint64

	mu        sync.Mutex
	handlers  map[uint16]handler
	streams   map[uint8]*Stream
	counts    map[uint16]int
	deferred  map[uint16][]byte
	wsConns   map[*wsConn]struct{}
	sinks     map[uint8]pushSink
	contexts  map[uint8]struct{}
	listeners []net.Listener
	closeFns  []func()
	wg        sync.WaitGroup
}

// NewServer starts a fake core listening on a loopback HTTP port.
func NewServer(opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		platform: bridge.PlatformWeb,
		log:      zap.NewNop(),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[uint16]handler),
		streams:  make(map[uint8]*Stream),
		counts:   make(map[uint16]int),
		deferred: make(map[uint16][]byte),
		wsConns:  make(map[*wsConn]struct{}),
		sinks:    make(map[uint8]pushSink),
		contexts: make(map[uint8]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(&StatusService{s: s}, "Bridge"); err != nil {
		panic(fmt.Sprintf("bridgetest: register status service: %v", err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(bridge.PathCall, s.serveCall)
	mux.HandleFunc(bridge.PathSync, s.serveDeferred)
	mux.HandleFunc(bridge.PathContext, s.serveContext)
	mux.HandleFunc(bridge.PathPlatform, s.servePlatform)
	mux.HandleFunc(bridge.PathPush, s.servePush)
	mux.Handle(bridge.PathRPC, rpcServer)

	s.http = httptest.NewServer(mux)
	s.URL = s.http.URL
	return s
}

func key(module, function uint8) uint16 {
	return uint16(module)<<8 | uint16(function)
}

// Handle registers h for module.function. Module 0 is the stream control
// module and cannot be overridden.
func (s *Server) Handle(module, function uint8, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[key(module, function)] = handler{value: h}
}

// HandleStream registers a call that answers with a new stream. The lowest
// free stream id is assigned and h runs after the client opens it.
func (s *Server) HandleStream(module, function uint8, h StreamHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[key(module, function)] = handler{stream: h}
}

// SetPlatform changes the name served on GET /platform.
func (s *Server) SetPlatform(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.platform = name
}

// CallCount reports how many calls module.function received.
func (s *Server) CallCount(module, function uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key(module, function)]
}

// Stream returns the live stream with id.
func (s *Server) Stream(id uint8) (*Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

// PushClients reports how many WebSocket push channels are connected.
func (s *Server) PushClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wsConns)
}

// Attached reports whether a socket or gRPC client holds a push channel
// for ctxID.
func (s *Server) Attached(ctxID uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sinks[ctxID] != nil
}

// Push sends a raw chunk to every client of ctxID, bypassing stream
// bookkeeping.
func (s *Server) Push(ctxID, streamID uint8, done bool, data []byte) error {
	return s.pushChunk(ctxID, streamID, bridge.EncodeChunk(streamID, done, data)[1:])
}

func (s *Server) pushChunk(ctxID, streamID uint8, chunk []byte) error {
	s.mu.Lock()
	sink := s.sinks[ctxID]
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	if sink != nil {
		errs = append(errs, sink.push(ctxID, streamID, chunk))
	}
	for _, c := range conns {
		errs = append(errs, c.push(ctxID, streamID, chunk))
	}
	return errors.Join(errs...)
}

func (s *Server) newContext() uint8 {
	id := uint8(s.nextCtx.Add(1))
	s.mu.Lock()
	s.contexts[id] = struct{}{}
	s.mu.Unlock()
	return id
}

func (s *Server) attachSink(ctxID uint8, sink pushSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks[ctxID] = sink
}

func (s *Server) detachSink(ctxID uint8, sink pushSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sinks[ctxID] == sink {
		delete(s.sinks, ctxID)
	}
}

// dispatch answers one call frame with a response envelope.
func (s *Server) dispatch(ctx context.Context, frame []byte, sync bool) []byte {
	f, err := bridge.DecodeFrame(frame)
	if err != nil {
		return bridge.EncodeError(err.Error())
	}
	args, err := f.Args()
	if err != nil {
		return bridge.EncodeError(err.Error())
	}
	s.calls.Add(1)

	s.mu.Lock()
	s.counts[key(f.Module, f.Function)]++
	h, ok := s.handlers[key(f.Module, f.Function)]
	s.mu.Unlock()

	if f.Module == bridge.ModuleStream {
		return s.streamControl(f, args)
	}
	if !ok {
		return bridge.EncodeError(fmt.Sprintf("no handler for %d.%d", f.Module, f.Function))
	}

	c := &Call{
		Context:  f.Context,
		ID:       f.ID,
		Module:   f.Module,
		Function: f.Function,
		Sync:     sync,
		Args:     args,
	}
	if h.stream != nil {
		st, err := s.newStream(c, h.stream)
		if err != nil {
			return bridge.EncodeError(err.Error())
		}
		return bridge.EncodeStream(st.id)
	}

	v, err := h.value(ctx, c)
	if err != nil {
		return bridge.EncodeError(err.Error())
	}
	switch v := v.(type) {
	case nil:
		return bridge.EncodeEmpty()
	case Envelope:
		return v
	default:
		env, err := bridge.EncodeData(v)
		if err != nil {
			return bridge.EncodeError(err.Error())
		}
		return env
	}
}

func (s *Server) streamControl(f bridge.Frame, args []any) []byte {
	if len(args) == 0 {
		return bridge.EncodeError("stream control needs a stream id")
	}
	n, ok := args[0].(float64)
	if !ok || n < 0 || n > 255 {
		return bridge.EncodeError(fmt.Sprintf("bad stream id %v", args[0]))
	}
	st, ok := s.Stream(uint8(n))
	if !ok {
		return bridge.EncodeError(fmt.Sprintf("unknown stream %d", uint8(n)))
	}
	switch f.Function {
	case bridge.StreamOpen:
		st.open()
	case bridge.StreamWrite:
		var data []byte
		if len(args) > 1 {
			if b, ok := args[1].([]byte); ok {
				data = b
			}
		}
		st.received(data)
	case bridge.StreamClose:
		st.end()
	default:
		return bridge.EncodeError(fmt.Sprintf("unknown stream function %d", f.Function))
	}
	return bridge.EncodeEmpty()
}

func (s *Server) serveCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	frame, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sync := r.Header.Get(bridge.HeaderSync) != ""
	env := s.dispatch(r.Context(), frame, sync)

	if sync && s.deferSync && len(frame) >= bridge.CallHeaderLen {
		s.mu.Lock()
		s.deferred[key(frame[0], frame[1])] = env
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(env)
}

func (s *Server) serveDeferred(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, bridge.PathSync))
	if err != nil || id < 0 || id > 255 {
		http.Error(w, "bad call id", http.StatusBadRequest)
		return
	}
	ctxID, err := strconv.Atoi(r.URL.Query().Get("ctx"))
	if err != nil || ctxID < 0 || ctxID > 255 {
		http.Error(w, "bad context id", http.StatusBadRequest)
		return
	}
	k := key(uint8(ctxID), uint8(id))
	s.mu.Lock()
	env, ok := s.deferred[k]
	delete(s.deferred, k)
	s.mu.Unlock()
	if !ok {
		http.Error(w, "no parked response", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(env)
}

func (s *Server) serveContext(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, "%d", s.newContext())
}

func (s *Server) servePlatform(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	name := s.platform
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, "%q", name)
}

// ServeSocket accepts socket-protocol clients on l until the server closes.
func (s *Server) ServeSocket(l net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serveSocketConn(conn)
			}()
		}
	}()
}

// ListenSocket serves the socket protocol on a loopback TCP port and
// returns its address.
func (s *Server) ListenSocket() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	s.ServeSocket(l)
	return l.Addr().String(), nil
}

// Close shuts every listener down and ends running stream handlers.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	closeFns := s.closeFns
	s.closeFns = nil
	s.mu.Unlock()

	for _, l := range listeners {
		_ = l.Close()
	}
	for _, c := range conns {
		_ = c.conn.Close()
	}
	for _, fn := range closeFns {
		fn()
	}
	s.http.Close()
	s.wg.Wait()
}

func (s *Server) onClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeFns = append(s.closeFns, fn)
}

// StatusService serves Bridge.Status over JSON-RPC.
type StatusService struct {
	s *Server
}

// Status reports the server's counters.
func (svc *StatusService) Status(_ *http.Request, _ *bridge.StatusArgs, reply *bridge.Status) error {
	s := svc.s
	s.mu.Lock()
	defer s.mu.Unlock()
	reply.Platform = s.platform
	reply.Platforms = bridge.AvailablePlatforms()
	reply.Contexts = len(s.contexts)
	reply.Streams = len(s.streams)
	reply.Calls = s.calls.Load()
	return nil
}
