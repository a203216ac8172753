// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package bridge is the client side of the binary call bridge to a core
// process: it encodes calls, correlates their responses and exposes the
// streams the core opens as duplexes.
//
// # Transport Selection
//
// The platform is picked once per session. Dial asks the host
// (GET /platform) unless WithPlatform is given:
//
//	web      HTTP calls + WebSocket push (default)
//	socket   framed unix/tcp socket
//	wasm     core compiled to WebAssembly, run in-process
//	grpc     go build -tags grpc
//
// Hosts that link the core directly wrap it with NewFuncTransport and call
// NewSession.
//
// # Usage
//
//	s, err := bridge.Dial(ctx, bridge.WithURL("http://127.0.0.1:4500"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	// Data response
//	res, err := s.Call(ctx, module, function, "arg", 42)
//	var out MyReply
//	err = res.Decode(&out)
//
//	// Stream response
//	res, err = s.Call(ctx, module, openFeed)
//	for chunk, err := range res.Duplex.Chunks(ctx) {
//	    ...
//	}
//
//	// Named events over a stream
//	em := res.Duplex.EventEmitter()
//	em.On("tick", func(args []any) { ... })
//
// CallSync is for callers that must not park on a goroutine handoff; it
// fails with ErrNotReady until the context id is known.
//
// # Wire Format
//
// Call frame:    [ctx][id][module][function][serialized args...]
// Response:      [kind][body]       kind: 0 error, 1 data, 2 stream, 3 event emitter
// Pushed chunk:  [streamId][done][payload]
// Event frame:   [u32 length][name][args...]
//
// Values are tagged: 0 undefined, 1 boolean, 2 string, 3 number (float64),
// 4 buffer, 5 object (JSON). Sized values carry a 4-byte big-endian length.
//
// # Architecture
//
//   - codec.go: value serialization
//   - frame.go, response.go: call frames, chunks and response envelopes
//   - session.go, ids.go: call correlation and the duplex registry
//   - duplex.go, emitter.go: streams and named events
//   - transport.go: Transport interfaces and the platform registry
//   - http.go, push_ws.go, socket.go, transport_wasm.go, func_transport.go:
//     transports
//   - transport_grpc.go: gRPC transport (requires -tags grpc)
//
// The bridgetest package serves a fake core over every transport for tests.
package bridge
