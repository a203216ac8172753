// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package bridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Tag is the leading byte of a serialized value.
type Tag uint8

const (
	TagUndefined Tag = 0
	TagBoolean   Tag = 1
	TagString    Tag = 2
	TagNumber    Tag = 3
	TagBuffer    Tag = 4
	TagObject    Tag = 5
)

const (
	lengthFieldSize = 4
	numberSize      = 8
	maxValueLength  = math.MaxUint32
)

func (t Tag) String() string {
	switch t {
	case TagUndefined:
		return "undefined"
	case TagBoolean:
		return "boolean"
	case TagString:
		return "string"
	case TagNumber:
		return "number"
	case TagBuffer:
		return "buffer"
	case TagObject:
		return "object"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Codec encodes OBJECT payloads.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is the OBJECT codec; the core expects JSON text.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

var defaultCodec Codec = JSONCodec{}

// Serialize encodes one value.
func Serialize(v any) ([]byte, error) {
	return AppendValue(nil, v)
}

// SerializeAll encodes values back to back, the layout of call payloads
// and event frames.
func SerializeAll(vs ...any) ([]byte, error) {
	var out []byte
	for i, v := range vs {
		var err error
		out, err = AppendValue(out, v)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
	}
	return out, nil
}

// AppendValue appends the encoding of v to dst.
func AppendValue(dst []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		return append(dst, byte(TagUndefined)), nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return append(dst, byte(TagBoolean), b), nil
	case string:
		return appendSized(dst, TagString, []byte(x))
	case []byte:
		return appendSized(dst, TagBuffer, x)
	case json.RawMessage:
		if !json.Valid(x) {
			return nil, fmt.Errorf("%w: invalid json.RawMessage", ErrUnsupportedType)
		}
		return appendSized(dst, TagObject, x)
	case float64:
		return appendNumber(dst, x), nil
	case float32:
		return appendNumber(dst, float64(x)), nil
	case int:
		return appendNumber(dst, float64(x)), nil
	case int8:
		return appendNumber(dst, float64(x)), nil
	case int16:
		return appendNumber(dst, float64(x)), nil
	case int32:
		return appendNumber(dst, float64(x)), nil
	case int64:
		return appendNumber(dst, float64(x)), nil
	case uint:
		return appendNumber(dst, float64(x)), nil
	case uint8:
		return appendNumber(dst, float64(x)), nil
	case uint16:
		return appendNumber(dst, float64(x)), nil
	case uint32:
		return appendNumber(dst, float64(x)), nil
	case uint64:
		return appendNumber(dst, float64(x)), nil
	}
	return appendReflect(dst, reflect.ValueOf(v))
}

// appendReflect handles named types and the JSON catch-all.
func appendReflect(dst []byte, rv reflect.Value) ([]byte, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return append(dst, byte(TagUndefined)), nil
		}
		return appendReflect(dst, rv.Elem())
	case reflect.Bool:
		return AppendValue(dst, rv.Bool())
	case reflect.String:
		return AppendValue(dst, rv.String())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return appendNumber(dst, float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return appendNumber(dst, float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return appendNumber(dst, rv.Float()), nil
	case reflect.Slice:
		if rv.IsNil() {
			return append(dst, byte(TagUndefined)), nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return appendSized(dst, TagBuffer, rv.Bytes())
		}
		return appendObject(dst, rv.Interface())
	case reflect.Map:
		if rv.IsNil() {
			return append(dst, byte(TagUndefined)), nil
		}
		return appendObject(dst, rv.Interface())
	case reflect.Array, reflect.Struct:
		return appendObject(dst, rv.Interface())
	case reflect.Invalid:
		return append(dst, byte(TagUndefined)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
	}
}

func appendObject(dst []byte, v any) ([]byte, error) {
	body, err := defaultCodec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	return appendSized(dst, TagObject, body)
}

func appendNumber(dst []byte, f float64) []byte {
	dst = append(dst, byte(TagNumber))
	return binary.BigEndian.AppendUint64(dst, math.Float64bits(f))
}

func appendSized(dst []byte, tag Tag, body []byte) ([]byte, error) {
	if uint64(len(body)) > maxValueLength {
		return nil, fmt.Errorf("%w: %s of %d bytes", ErrValueTooLarge, tag, len(body))
	}
	dst = append(dst, byte(tag))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...), nil
}

// Deserialize decodes the value starting at off and reports how many bytes
// it occupied.
func Deserialize(buf []byte, off int) (any, int, error) {
	if off < 0 || off >= len(buf) {
		return nil, 0, fmt.Errorf("%w: no tag at offset %d of %d", ErrTruncated, off, len(buf))
	}
	switch tag := Tag(buf[off]); tag {
	case TagUndefined:
		return nil, 1, nil
	case TagBoolean:
		return DecodeBool(buf, off)
	case TagString:
		return DecodeString(buf, off)
	case TagNumber:
		return DecodeNumber(buf, off)
	case TagBuffer:
		return DecodeBuffer(buf, off)
	case TagObject:
		var v any
		n, err := DecodeObject(buf, off, &v)
		if err != nil {
			return nil, 0, err
		}
		return v, n, nil
	default:
		return nil, 0, fmt.Errorf("%w: %d at offset %d", ErrUnknownTag, uint8(tag), off)
	}
}

// DeserializeAll decodes every value in buf.
func DeserializeAll(buf []byte) ([]any, error) {
	var out []any
	for off := 0; off < len(buf); {
		v, n, err := Deserialize(buf, off)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		off += n
	}
	return out, nil
}

func checkTag(buf []byte, off int, want Tag) error {
	if off < 0 || off >= len(buf) {
		return fmt.Errorf("%w: no %s tag at offset %d of %d", ErrTruncated, want, off, len(buf))
	}
	if got := Tag(buf[off]); got != want {
		return &TagError{Want: want, Got: got}
	}
	return nil
}

func need(buf []byte, off, n int, t Tag) error {
	if len(buf)-off < n {
		return fmt.Errorf("%w: %s needs %d bytes, %d available", ErrTruncated, t, n, len(buf)-off)
	}
	return nil
}

func DecodeBool(buf []byte, off int) (bool, int, error) {
	if err := checkTag(buf, off, TagBoolean); err != nil {
		return false, 0, err
	}
	if err := need(buf, off, 2, TagBoolean); err != nil {
		return false, 0, err
	}
	return buf[off+1] != 0, 2, nil
}

func DecodeNumber(buf []byte, off int) (float64, int, error) {
	if err := checkTag(buf, off, TagNumber); err != nil {
		return 0, 0, err
	}
	if err := need(buf, off, 1+numberSize, TagNumber); err != nil {
		return 0, 0, err
	}
	bits := binary.BigEndian.Uint64(buf[off+1 : off+1+numberSize])
	return math.Float64frombits(bits), 1 + numberSize, nil
}

func decodeSized(buf []byte, off int, t Tag) ([]byte, int, error) {
	if err := checkTag(buf, off, t); err != nil {
		return nil, 0, err
	}
	if err := need(buf, off, 1+lengthFieldSize, t); err != nil {
		return nil, 0, err
	}
	l := binary.BigEndian.Uint32(buf[off+1 : off+1+lengthFieldSize])
	start := off + 1 + lengthFieldSize
	if uint64(len(buf)-start) < uint64(l) {
		return nil, 0, fmt.Errorf("%w: %s declares %d bytes, %d available", ErrTruncated, t, l, len(buf)-start)
	}
	end := start + int(l)
	return buf[start:end], end - off, nil
}

func DecodeString(buf []byte, off int) (string, int, error) {
	b, n, err := decodeSized(buf, off, TagString)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}

// DecodeBuffer returns a copy of the buffer body.
func DecodeBuffer(buf []byte, off int) ([]byte, int, error) {
	b, n, err := decodeSized(buf, off, TagBuffer)
	if err != nil {
		return nil, 0, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, n, nil
}

// DecodeObject unmarshals an OBJECT value into v.
func DecodeObject(buf []byte, off int, v any) (int, error) {
	b, n, err := decodeSized(buf, off, TagObject)
	if err != nil {
		return 0, err
	}
	if err := defaultCodec.Decode(b, v); err != nil {
		return 0, fmt.Errorf("bridge: decode object: %w", err)
	}
	return n, nil
}
