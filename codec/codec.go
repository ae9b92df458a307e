// Package codec implements the msgpack envelope used for rest_rpc calls.
//
// A request envelope is a msgpack array whose first element is the function
// name and whose remaining elements are the arguments, in order:
//
//	┌────────────┬──────────┬────────┬─────┬────────┐
//	│ array(1+n) │ str name │ arg 1  │ ... │ arg n  │
//	└────────────┴──────────┴────────┴─────┴────────┘
//
// A reply mirrors that shape. Its leading field is skipped and the element
// after it is decoded against the Type the caller asked for.
//
// Integers keep their width on the wire: int32 is always written as msgpack
// "int 32" and int64 as "int 64", so decoding one as the other fails instead
// of widening or truncating. The same holds for the fields of structs, which
// travel as arrays (see record.go).
package codec

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Codec turns calls into envelopes and replies into values.
type Codec interface {
	Encode(name string, args ...any) ([]byte, error)
	Decode(data []byte, rt Type) (any, error)
}

var _ Codec = (*Registry)(nil)

// Encode builds a request envelope using DefaultRegistry.
func Encode(name string, args ...any) ([]byte, error) {
	return DefaultRegistry.Encode(name, args...)
}

// Decode decodes a reply envelope using DefaultRegistry.
func Decode(data []byte, rt Type) (any, error) {
	return DefaultRegistry.Decode(data, rt)
}

// Encode writes [name, args...] as a msgpack array.
func (r *Registry) Encode(name string, args ...any) ([]byte, error) {
	if name == "" {
		return nil, errors.Wrap(ErrEncoding, "empty function name")
	}

	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(&buf)

	if err := enc.EncodeArrayLen(1 + len(args)); err != nil {
		return nil, errors.Wrapf(ErrEncoding, "header: %v", err)
	}
	if err := enc.EncodeString(name); err != nil {
		return nil, errors.Wrapf(ErrEncoding, "function name: %v", err)
	}
	for i, arg := range args {
		if err := r.encodeValue(enc, arg); err != nil {
			return nil, errors.Wrapf(ErrEncoding, "argument %d: %v", i, err)
		}
	}
	return buf.Bytes(), nil
}

func (r *Registry) encodeValue(enc *msgpack.Encoder, v any) error {
	if v == nil {
		return enc.EncodeNil()
	}
	// The type is checked even for nil pointers so a rejected type fails the same way either way.
	rv := reflect.ValueOf(v)
	t, err := r.TypeOf(rv.Type())
	if err != nil {
		return err
	}
	if rv.Kind() == reflect.Ptr && rv.IsNil() {
		return enc.EncodeNil()
	}
	switch t.kind {
	case KindInt32:
		return enc.EncodeInt32(int32(rv.Int()))
	case KindInt64:
		return enc.EncodeInt64(rv.Int())
	case KindString:
		return enc.EncodeString(rv.String())
	}
	return encodeRecord(enc, rv)
}

// Decode reads a reply envelope and returns its value as rt's Go type.
// A msgpack nil in the value position decodes to nil for every rt.
func (r *Registry) Decode(data []byte, rt Type) (any, error) {
	if !r.knows(rt) {
		return nil, errors.Wrapf(ErrDecoding, "no decoding rule for %s", rt)
	}
	if len(data) == 0 {
		return nil, errors.Wrap(ErrDecoding, "empty reply")
	}

	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(data))

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, errors.Wrapf(ErrDecoding, "header: %v", err)
	}
	if n < 2 {
		return nil, errors.Wrapf(ErrDecoding, "header: %d elements, need at least 2", n)
	}
	// The leading field is irrelevant to the caller.
	if err := dec.Skip(); err != nil {
		return nil, errors.Wrapf(ErrDecoding, "header: %v", err)
	}

	v, err := r.decodeValue(dec, rt)
	if err != nil {
		return nil, errors.Wrapf(ErrDecoding, "%s: %v", rt, err)
	}
	return v, nil
}

func (r *Registry) decodeValue(dec *msgpack.Decoder, rt Type) (any, error) {
	code, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	if code == msgpcode.Nil {
		return nil, dec.DecodeNil()
	}

	switch rt.kind {
	case KindNil:
		return nil, dec.Skip()
	case KindInt32:
		if code != msgpcode.Int32 {
			return nil, mismatch(code, rt)
		}
		n, err := dec.DecodeInt32()
		if err != nil {
			return nil, err
		}
		return convert(reflect.ValueOf(n), rt), nil
	case KindInt64:
		if code != msgpcode.Int64 {
			return nil, mismatch(code, rt)
		}
		n, err := dec.DecodeInt64()
		if err != nil {
			return nil, err
		}
		return convert(reflect.ValueOf(n), rt), nil
	case KindString:
		if !isString(code) {
			return nil, mismatch(code, rt)
		}
		s, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		return convert(reflect.ValueOf(s), rt), nil
	}

	v := reflect.New(rt.rt).Elem()
	if err := decodeRecord(dec, v); err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

func convert(v reflect.Value, rt Type) any {
	if v.Type() == rt.rt {
		return v.Interface()
	}
	return v.Convert(rt.rt).Interface()
}

func isString(c byte) bool {
	return msgpcode.IsFixedString(c) || c == msgpcode.Str8 || c == msgpcode.Str16 || c == msgpcode.Str32
}

func mismatch(code byte, rt Type) error {
	return errors.Errorf("wire value %s does not match %s", codeName(code), rt.kind)
}

func codeName(c byte) string {
	switch {
	case c == msgpcode.Int32:
		return "int32"
	case c == msgpcode.Int64:
		return "int64"
	case c == msgpcode.Int8, c == msgpcode.Int16, c == msgpcode.Uint8, c == msgpcode.Uint16,
		c == msgpcode.Uint32, c == msgpcode.Uint64, msgpcode.IsFixedNum(c):
		return "compact integer"
	case isString(c):
		return "string"
	}
	return fmt.Sprintf("code 0x%02x", c)
}
