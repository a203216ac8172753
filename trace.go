// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// TraceKind identifies what a trace record captured.
type TraceKind uint8

const (
	TraceCall     TraceKind = 1
	TraceResponse TraceKind = 2
	TraceChunk    TraceKind = 3
)

func (k TraceKind) String() string {
	switch k {
	case TraceCall:
		return "call"
	case TraceResponse:
		return "response"
	case TraceChunk:
		return "chunk"
	default:
		return fmt.Sprintf("trace(%d)", uint8(k))
	}
}

// TraceRecord is one exchange on the wire. Records are CBOR encoded back to
// back, one per exchange.
type TraceRecord struct {
	Kind     TraceKind `cbor:"1,keyasint"`
	Session  string    `cbor:"2,keyasint"`
	At       int64     `cbor:"3,keyasint"`
	Context  uint8     `cbor:"4,keyasint"`
	ID       uint8     `cbor:"5,keyasint"`
	Module   uint8     `cbor:"6,keyasint"`
	Function uint8     `cbor:"7,keyasint"`
	Sync     bool      `cbor:"8,keyasint,omitempty"`
	Stream   uint8     `cbor:"9,keyasint,omitempty"`
	Data     []byte    `cbor:"10,keyasint"`
	Err      string    `cbor:"11,keyasint,omitempty"`
}

// Time returns when the record was taken.
func (r TraceRecord) Time() time.Time {
	return time.Unix(0, r.At)
}

// Trace writes trace records. A nil *Trace records nothing.
type Trace struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
}

func NewTrace(w io.Writer) *Trace {
	t := &Trace{enc: cbor.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t
}

// CreateTrace truncates path and records into it.
func CreateTrace(path string) (*Trace, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("bridge: create trace: %w", err)
	}
	return NewTrace(f), nil
}

func (t *Trace) Record(r TraceRecord) error {
	if t == nil {
		return nil
	}
	if r.At == 0 {
		r.At = time.Now().UnixNano()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enc.Encode(r)
}

func (t *Trace) Close() error {
	if t == nil || t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// ReadTrace decodes every record in r.
func ReadTrace(r io.Reader) ([]TraceRecord, error) {
	dec := cbor.NewDecoder(r)
	var out []TraceRecord
	for {
		var rec TraceRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("bridge: read trace record %d: %w", len(out), err)
		}
		out = append(out, rec)
	}
}
