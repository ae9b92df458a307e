package codec

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Registry maps Go types onto the closed set of wire kinds.
//
// int32, int64 and string are preregistered. Other named types reach a
// primitive rule only through Register; anything that is not registered
// falls back to the structured rule, which accepts structs (or pointers to
// structs) whose exported fields are all encodable.
type Registry struct {
	mu      sync.RWMutex
	aliases map[reflect.Type]Kind

	structs sync.Map // reflect.Type -> error, nil when the type is structural
}

// DefaultRegistry backs the package-level Encode, Decode, TypeOf and TypeFor.
var DefaultRegistry = NewRegistry()

// NewRegistry returns a registry with the int32, int64 and string fast paths.
func NewRegistry() *Registry {
	r := &Registry{aliases: make(map[reflect.Type]Kind)}
	for k, t := range primitives {
		r.aliases[t] = k
	}
	return r
}

// Register binds t to a primitive kind, e.g. `type UserID int64` to KindInt64.
// The underlying kind of t must agree with k.
func (r *Registry) Register(t reflect.Type, k Kind) error {
	want, ok := primitives[k]
	if !ok {
		return errors.Errorf("codec: %s is not a primitive kind", k)
	}
	if t == nil || t.Kind() != want.Kind() {
		return errors.Errorf("codec: cannot register %v as %s", t, k)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.aliases[t]; ok && prev != k {
		return errors.Errorf("codec: %s already registered as %s", t, prev)
	}
	r.aliases[t] = k
	return nil
}

// TypeOf resolves the wire Type for t. A nil t resolves to Nil.
func (r *Registry) TypeOf(t reflect.Type) (Type, error) {
	if t == nil {
		return Nil, nil
	}
	if k, ok := r.lookup(t); ok {
		return Type{kind: k, rt: t}, nil
	}

	s := t
	if s.Kind() == reflect.Ptr {
		s = s.Elem()
	}
	if s.Kind() != reflect.Struct {
		return Type{}, errors.Wrapf(ErrUnsupportedType, "%s", t)
	}
	if err := r.structural(s); err != nil {
		return Type{}, err
	}
	return Type{kind: KindStruct, rt: t}, nil
}

// TypeOf resolves the wire Type of v's dynamic type against DefaultRegistry.
func TypeOf(v any) (Type, error) {
	return DefaultRegistry.TypeOf(reflect.TypeOf(v))
}

func (r *Registry) lookup(t reflect.Type) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.aliases[t]
	return k, ok
}

// knows reports whether rt was produced by this registry's rules.
func (r *Registry) knows(rt Type) bool {
	switch rt.kind {
	case KindNil:
		return true
	case KindInt32, KindInt64, KindString:
		k, ok := r.lookup(rt.rt)
		return ok && k == rt.kind
	case KindStruct:
		if rt.rt == nil {
			return false
		}
		got, err := r.TypeOf(rt.rt)
		return err == nil && got.kind == KindStruct
	}
	return false
}

func (r *Registry) structural(t reflect.Type) error {
	if v, ok := r.structs.Load(t); ok {
		if v == nil {
			return nil
		}
		return v.(error)
	}
	err := checkStructural(t, make(map[reflect.Type]bool))
	if err == nil {
		r.structs.Store(t, nil)
	} else {
		r.structs.Store(t, err)
	}
	return err
}

// checkStructural walks t and rejects anything without a finite, introspectable shape.
func checkStructural(t reflect.Type, seen map[reflect.Type]bool) error {
	switch t.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Ptr, reflect.Slice, reflect.Array:
		return checkStructural(t.Elem(), seen)
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return errors.Wrapf(ErrUnsupportedType, "%s: map key must be a string", t)
		}
		return checkStructural(t.Elem(), seen)
	case reflect.Struct:
		if seen[t] {
			return nil
		}
		seen[t] = true

		fields := recordFields(t)
		for _, i := range fields {
			f := t.Field(i)
			if err := checkStructural(f.Type, seen); err != nil {
				return errors.Wrapf(err, "%s.%s", t, f.Name)
			}
		}
		if len(fields) == 0 {
			return errors.Wrapf(ErrUnsupportedType, "%s has no exported fields", t)
		}
		return nil
	}
	return errors.Wrapf(ErrUnsupportedType, "%s", t)
}
