// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"fmt"
	"math"
)

// ResponseKind is the first byte of every response envelope.
type ResponseKind uint8

const (
	KindError        ResponseKind = 0
	KindData         ResponseKind = 1
	KindStream       ResponseKind = 2
	KindEventEmitter ResponseKind = 3
)

func (k ResponseKind) String() string {
	switch k {
	case KindError:
		return "error"
	case KindData:
		return "data"
	case KindStream:
		return "stream"
	case KindEventEmitter:
		return "event_emitter"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Response is a classified envelope. Only the fields of its Kind are set.
type Response struct {
	Kind     ResponseKind
	Message  string
	Value    any
	HasValue bool
	StreamID uint8
}

// Classify reads the envelope discriminant and decodes the body for it.
func Classify(buf []byte) (Response, error) {
	if len(buf) == 0 {
		return Response{}, ErrEmptyResponse
	}
	kind := ResponseKind(buf[0])
	switch kind {
	case KindError:
		msg, _, err := DecodeString(buf, 1)
		if err != nil {
			return Response{}, fmt.Errorf("bridge: error response: %w", err)
		}
		return Response{Kind: kind, Message: msg}, nil
	case KindData:
		if len(buf) == 1 {
			return Response{Kind: kind}, nil
		}
		v, _, err := Deserialize(buf, 1)
		if err != nil {
			return Response{}, fmt.Errorf("bridge: data response: %w", err)
		}
		return Response{Kind: kind, Value: v, HasValue: true}, nil
	case KindStream:
		n, _, err := DecodeNumber(buf, 1)
		if err != nil {
			return Response{}, fmt.Errorf("bridge: stream response: %w", err)
		}
		id, err := streamIDFromNumber(n)
		if err != nil {
			return Response{}, err
		}
		return Response{Kind: kind, StreamID: id}, nil
	case KindEventEmitter:
		return Response{Kind: kind}, ErrEventEmitterUnsupported
	default:
		return Response{Kind: kind}, &UnknownResponseError{Kind: buf[0]}
	}
}

func streamIDFromNumber(n float64) (uint8, error) {
	if n < 0 || n > math.MaxUint8 || n != math.Trunc(n) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidStreamID, n)
	}
	return uint8(n), nil
}

// EncodeError builds an Error envelope.
func EncodeError(msg string) []byte {
	out, _ := appendSized([]byte{byte(KindError)}, TagString, []byte(msg))
	return out
}

// EncodeData builds a Data envelope carrying v.
func EncodeData(v any) ([]byte, error) {
	return AppendValue([]byte{byte(KindData)}, v)
}

// EncodeEmpty builds a Data envelope with no value.
func EncodeEmpty() []byte {
	return []byte{byte(KindData)}
}

// EncodeStream builds a Stream envelope announcing streamID.
func EncodeStream(streamID uint8) []byte {
	return appendNumber([]byte{byte(KindStream)}, float64(streamID))
}
