package codec

import (
	"fmt"
	"reflect"
)

// Kind is the closed set of value shapes the envelope codec knows how to write.
type Kind uint8

const (
	KindNil    Kind = iota // explicit nil marker
	KindInt32              // fixed-width 32-bit integer
	KindInt64              // fixed-width 64-bit integer
	KindString             // length-prefixed UTF-8 string
	KindStruct             // array-encoded record, fields in declaration order
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindInt32:
		return "int32"
	case KindInt64:
		return "int64"
	case KindString:
		return "string"
	case KindStruct:
		return "struct"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Type describes the value a caller expects back from a remote function.
// The zero value is Nil.
type Type struct {
	kind Kind
	rt   reflect.Type // concrete Go type; nil for Nil
}

var (
	Nil    = Type{kind: KindNil}
	Int32  = Type{kind: KindInt32, rt: reflect.TypeOf(int32(0))}
	Int64  = Type{kind: KindInt64, rt: reflect.TypeOf(int64(0))}
	String = Type{kind: KindString, rt: reflect.TypeOf("")}
)

// Kind returns the wire shape of t.
func (t Type) Kind() Kind { return t.kind }

// GoType returns the Go type a decoded value has. It is nil for Nil.
func (t Type) GoType() reflect.Type { return t.rt }

func (t Type) String() string {
	if t.rt == nil || t.rt == primitives[t.kind] {
		return t.kind.String()
	}
	return t.kind.String() + "(" + t.rt.String() + ")"
}

// TypeFor returns the Type for T resolved against the default registry.
// It panics if T has no encoding rule; use DefaultRegistry.TypeOf to get an error instead.
func TypeFor[T any]() Type {
	t, err := DefaultRegistry.TypeOf(reflect.TypeFor[T]())
	if err != nil {
		panic(err)
	}
	return t
}

var primitives = map[Kind]reflect.Type{
	KindInt32:  reflect.TypeOf(int32(0)),
	KindInt64:  reflect.TypeOf(int64(0)),
	KindString: reflect.TypeOf(""),
}
