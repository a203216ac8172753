// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedType         = errors.New("bridge: unsupported value type")
	ErrValueTooLarge           = errors.New("bridge: value exceeds 4-byte length field")
	ErrTruncated               = errors.New("bridge: truncated buffer")
	ErrUnknownTag              = errors.New("bridge: unknown value tag")
	ErrEmptyResponse           = errors.New("bridge: empty response")
	ErrUnknownResponse         = errors.New("bridge: unknown response type")
	ErrEventEmitterUnsupported = errors.New("bridge: event emitter responses are not implemented")
	ErrInvalidStreamID         = errors.New("bridge: invalid stream id")
	ErrNotReady                = errors.New("bridge: transport context not established")
	ErrCallsExhausted          = errors.New("bridge: all 256 call ids are in flight")
	ErrNoResponse              = errors.New("bridge: transport returned no response")
	ErrAlreadyOpen             = errors.New("bridge: duplex already open")
	ErrDuplexDone              = errors.New("bridge: duplex is done")
	ErrSessionClosed           = errors.New("bridge: session closed")
	ErrUnknownPlatform         = errors.New("bridge: unknown platform")
)

// TagError reports a value whose tag does not match the decoder it was fed to.
type TagError struct {
	Want Tag
	Got  Tag
}

func (e *TagError) Error() string {
	return fmt.Sprintf("bridge: wrong data type for %s: got %s", e.Want, e.Got)
}

// RemoteError carries the message of an Error response sent by the core.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "bridge: core error: " + e.Message
}

// UnknownResponseError reports a response discriminant outside the known set.
type UnknownResponseError struct {
	Kind byte
}

func (e *UnknownResponseError) Error() string {
	return fmt.Sprintf("bridge: unknown response type %d", e.Kind)
}

func (e *UnknownResponseError) Is(target error) bool {
	return target == ErrUnknownResponse
}

// CallError attributes a failure to the call that produced it.
type CallError struct {
	Module   uint8
	Function uint8
	ID       uint8
	Sync     bool
	Err      error
}

func (e *CallError) Error() string {
	mode := "async"
	if e.Sync {
		mode = "sync"
	}
	return fmt.Sprintf("bridge: %s call module=%d function=%d id=%d: %v", mode, e.Module, e.Function, e.ID, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}
