// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"fmt"
)

// CallHeaderLen is the fixed [ctx][id][module][function] prefix of a call frame.
const CallHeaderLen = 4

// Frame is one call sent to the core.
type Frame struct {
	Context  uint8
	ID       uint8
	Module   uint8
	Function uint8
	Payload  []byte
}

// EncodeFrame lays out the call header followed by the serialized arguments.
func EncodeFrame(f Frame) []byte {
	buf := make([]byte, CallHeaderLen, CallHeaderLen+len(f.Payload))
	buf[0] = f.Context
	buf[1] = f.ID
	buf[2] = f.Module
	buf[3] = f.Function
	return append(buf, f.Payload...)
}

// NewFrame serializes args into a frame.
func NewFrame(ctx, id, module, function uint8, args ...any) (Frame, error) {
	payload, err := SerializeAll(args...)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Context: ctx, ID: id, Module: module, Function: function, Payload: payload}, nil
}

// DecodeFrame is the core-side parse of a call frame.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < CallHeaderLen {
		return Frame{}, fmt.Errorf("%w: call frame of %d bytes", ErrTruncated, len(b))
	}
	return Frame{
		Context:  b[0],
		ID:       b[1],
		Module:   b[2],
		Function: b[3],
		Payload:  b[CallHeaderLen:],
	}, nil
}

// Args decodes the frame payload.
func (f Frame) Args() ([]any, error) {
	return DeserializeAll(f.Payload)
}

// Chunk is one piece of a stream as delivered to consumers.
type Chunk struct {
	Data []byte
	Done bool
}

// EncodeChunk builds the pushed form [streamId][done][payload].
func EncodeChunk(streamID uint8, done bool, data []byte) []byte {
	buf := make([]byte, 2, 2+len(data))
	buf[0] = streamID
	if done {
		buf[1] = 1
	}
	return append(buf, data...)
}

// DecodeChunk splits a pushed chunk into stream id and the payload that
// still carries its done-marker byte.
func DecodeChunk(b []byte) (uint8, []byte, error) {
	if len(b) < 2 {
		return 0, nil, fmt.Errorf("%w: stream chunk of %d bytes", ErrTruncated, len(b))
	}
	return b[0], b[1:], nil
}

func splitDoneMarker(payload []byte) (Chunk, error) {
	if len(payload) < 1 {
		return Chunk{}, fmt.Errorf("%w: chunk without done-marker", ErrTruncated)
	}
	return Chunk{Data: payload[1:], Done: payload[0] == 1}, nil
}
