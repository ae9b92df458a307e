package server

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"restrpc/codec"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// function is one registered handler, checked once at Register time so
// dispatch only has to decode and call.
type function struct {
	name      string
	fn        reflect.Value
	withCtx   bool           // first parameter is a context.Context
	args      []reflect.Type // remaining parameters, in envelope order
	result    reflect.Type   // nil when the handler returns no value
	returnErr bool           // last result is an error
}

// newFunction validates fn. Accepted shapes:
//
//	func([ctx context.Context,] args...)
//	func([ctx context.Context,] args...) error
//	func([ctx context.Context,] args...) R
//	func([ctx context.Context,] args...) (R, error)
//
// R must have an encoding rule in reg.
func newFunction(name string, fn any, reg *codec.Registry) (*function, error) {
	if name == "" {
		return nil, errors.New("rpc: empty function name")
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return nil, errors.Errorf("rpc: %s: handler must be a func, got %T", name, fn)
	}
	typ := v.Type()
	if typ.IsVariadic() {
		return nil, errors.Errorf("rpc: %s: variadic handlers are not supported", name)
	}

	f := &function{name: name, fn: v}
	for i := 0; i < typ.NumIn(); i++ {
		in := typ.In(i)
		if i == 0 && in == contextType {
			f.withCtx = true
			continue
		}
		switch in.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.UnsafePointer:
			return nil, errors.Errorf("rpc: %s: parameter %d has undecodable type %s", name, i, in)
		}
		f.args = append(f.args, in)
	}

	switch typ.NumOut() {
	case 0:
	case 1:
		if typ.Out(0) == errorType {
			f.returnErr = true
		} else {
			f.result = typ.Out(0)
		}
	case 2:
		if typ.Out(1) != errorType {
			return nil, errors.Errorf("rpc: %s: second result must be error, got %s", name, typ.Out(1))
		}
		f.result = typ.Out(0)
		f.returnErr = true
	default:
		return nil, errors.Errorf("rpc: %s: too many results", name)
	}

	if f.result != nil {
		if _, err := reg.TypeOf(f.result); err != nil {
			return nil, errors.Wrapf(err, "rpc: %s: result", name)
		}
	}
	return f, nil
}

// call invokes the handler. A panic is turned into an error so one bad
// request cannot take the connection down.
func (f *function) call(ctx context.Context, args []reflect.Value) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("rpc: %s panicked: %v", f.name, p)
		}
	}()

	in := args
	if f.withCtx {
		in = append([]reflect.Value{reflect.ValueOf(ctx)}, args...)
	}
	out := f.fn.Call(in)

	if f.returnErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	if f.result != nil {
		return out[0].Interface(), nil
	}
	return nil, nil
}
