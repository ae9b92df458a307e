package codec

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// Structured values travel as msgpack arrays of their exported fields in
// declaration order; fields tagged `msgpack:"-"` are left out. Fields obey
// the same width rules as top-level values: int32 and int64 are written
// fixed width and must come back with that exact width. Smaller integer and
// float fields are range checked instead of silently truncated.

// recordFields returns the indexes of the fields of struct type t that travel on the wire.
func recordFields(t reflect.Type) []int {
	var idx []int
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.IsExported() && f.Tag.Get("msgpack") != "-" {
			idx = append(idx, i)
		}
	}
	return idx
}

func encodeRecord(enc *msgpack.Encoder, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return enc.EncodeNil()
		}
		return encodeRecord(enc, v.Elem())
	case reflect.Int32:
		return enc.EncodeInt32(int32(v.Int()))
	case reflect.Int64:
		return enc.EncodeInt64(v.Int())
	case reflect.Int, reflect.Int8, reflect.Int16:
		return enc.EncodeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return enc.EncodeUint(v.Uint())
	case reflect.Float32:
		return enc.EncodeFloat32(float32(v.Float()))
	case reflect.Float64:
		return enc.EncodeFloat64(v.Float())
	case reflect.Bool:
		return enc.EncodeBool(v.Bool())
	case reflect.String:
		return enc.EncodeString(v.String())
	case reflect.Slice:
		if v.IsNil() {
			return enc.EncodeNil()
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return enc.EncodeBytes(v.Bytes())
		}
		return encodeList(enc, v)
	case reflect.Array:
		return encodeList(enc, v)
	case reflect.Map:
		if v.IsNil() {
			return enc.EncodeNil()
		}
		if err := enc.EncodeMapLen(v.Len()); err != nil {
			return err
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := enc.EncodeString(iter.Key().String()); err != nil {
				return err
			}
			if err := encodeRecord(enc, iter.Value()); err != nil {
				return errors.Wrapf(err, "[%q]", iter.Key().String())
			}
		}
		return nil
	case reflect.Struct:
		fields := recordFields(v.Type())
		if err := enc.EncodeArrayLen(len(fields)); err != nil {
			return err
		}
		for _, i := range fields {
			if err := encodeRecord(enc, v.Field(i)); err != nil {
				return errors.Wrapf(err, "%s.%s", v.Type(), v.Type().Field(i).Name)
			}
		}
		return nil
	}
	return errors.Wrapf(ErrUnsupportedType, "%s", v.Type())
}

func encodeList(enc *msgpack.Encoder, v reflect.Value) error {
	if err := enc.EncodeArrayLen(v.Len()); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := encodeRecord(enc, v.Index(i)); err != nil {
			return errors.Wrapf(err, "[%d]", i)
		}
	}
	return nil
}

// decodeRecord decodes the next value into v, which must be settable.
// A wire nil leaves v at its zero value.
func decodeRecord(dec *msgpack.Decoder, v reflect.Value) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}
	if code == msgpcode.Nil {
		if err := dec.DecodeNil(); err != nil {
			return err
		}
		v.SetZero()
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr:
		p := reflect.New(v.Type().Elem())
		if err := decodeRecord(dec, p.Elem()); err != nil {
			return err
		}
		v.Set(p)
		return nil
	case reflect.Int32:
		if code != msgpcode.Int32 {
			return fieldMismatch(code, v.Type())
		}
		n, err := dec.DecodeInt32()
		if err != nil {
			return err
		}
		v.SetInt(int64(n))
		return nil
	case reflect.Int64:
		if code != msgpcode.Int64 {
			return fieldMismatch(code, v.Type())
		}
		n, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		v.SetInt(n)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16:
		n, err := dec.DecodeInt64()
		if err != nil {
			return err
		}
		if v.OverflowInt(n) {
			return errors.Errorf("%d overflows %s", n, v.Type())
		}
		v.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := dec.DecodeUint64()
		if err != nil {
			return err
		}
		if v.OverflowUint(n) {
			return errors.Errorf("%d overflows %s", n, v.Type())
		}
		v.SetUint(n)
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := dec.DecodeFloat64()
		if err != nil {
			return err
		}
		if v.OverflowFloat(f) {
			return errors.Errorf("%g overflows %s", f, v.Type())
		}
		v.SetFloat(f)
		return nil
	case reflect.Bool:
		b, err := dec.DecodeBool()
		if err != nil {
			return err
		}
		v.SetBool(b)
		return nil
	case reflect.String:
		if !isString(code) {
			return fieldMismatch(code, v.Type())
		}
		s, err := dec.DecodeString()
		if err != nil {
			return err
		}
		v.SetString(s)
		return nil
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b, err := dec.DecodeBytes()
			if err != nil {
				return err
			}
			v.SetBytes(b)
			return nil
		}
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		s := reflect.MakeSlice(v.Type(), n, n)
		if err := decodeList(dec, s); err != nil {
			return err
		}
		v.Set(s)
		return nil
	case reflect.Array:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		if n != v.Len() {
			return errors.Errorf("%s: wire array has %d elements", v.Type(), n)
		}
		return decodeList(dec, v)
	case reflect.Map:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		m := reflect.MakeMapWithSize(v.Type(), n)
		for i := 0; i < n; i++ {
			k, err := dec.DecodeString()
			if err != nil {
				return err
			}
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := decodeRecord(dec, elem); err != nil {
				return errors.Wrapf(err, "[%q]", k)
			}
			m.SetMapIndex(reflect.ValueOf(k).Convert(v.Type().Key()), elem)
		}
		v.Set(m)
		return nil
	case reflect.Struct:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		fields := recordFields(v.Type())
		if n != len(fields) {
			return errors.Errorf("%s has %d fields, wire record has %d", v.Type(), len(fields), n)
		}
		for _, i := range fields {
			if err := decodeRecord(dec, v.Field(i)); err != nil {
				return errors.Wrapf(err, "%s.%s", v.Type(), v.Type().Field(i).Name)
			}
		}
		return nil
	}
	return errors.Wrapf(ErrUnsupportedType, "%s", v.Type())
}

func decodeList(dec *msgpack.Decoder, v reflect.Value) error {
	for i := 0; i < v.Len(); i++ {
		if err := decodeRecord(dec, v.Index(i)); err != nil {
			return errors.Wrapf(err, "[%d]", i)
		}
	}
	return nil
}

func fieldMismatch(code byte, t reflect.Type) error {
	return errors.Errorf("wire value %s does not match %s field", codeName(code), t)
}
