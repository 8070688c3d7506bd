package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType = reflect.TypeOf((*error)(nil)).Elem()
)

// Bind fills the exported func fields of the struct pointed to by target
// with forwarding stubs, one per declared method. Each field must have the
// shape
//
//	func(ctx context.Context, args...) error
//	func(ctx context.Context, args...) (T, error)
//
// and forwards to the remote method named by the field's `call` tag, or the
// field name itself when untagged. Binding is purely structural: nothing
// checks that the remote target actually has the method; an unknown name is
// only rejected worker-side.
func Bind(p *Proxy, target any) error {
	v := reflect.ValueOf(target)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct, got %T", target)
	}

	s := v.Elem()
	t := s.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Type.Kind() != reflect.Func {
			continue
		}
		method := field.Tag.Get("call")
		if method == "" {
			method = field.Name
		}
		stub, err := makeStub(p, method, field.Type)
		if err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
		s.Field(i).Set(stub)
	}
	return nil
}

func makeStub(p *Proxy, method string, ft reflect.Type) (reflect.Value, error) {
	if ft.NumIn() == 0 || ft.In(0) != ctxType {
		return reflect.Value{}, fmt.Errorf("first parameter must be context.Context")
	}
	if ft.NumOut() == 0 || ft.NumOut() > 2 || ft.Out(ft.NumOut()-1) != errType {
		return reflect.Value{}, fmt.Errorf("results must be (T, error) or (error)")
	}

	return reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		ctx := in[0].Interface().(context.Context)
		args := stubArgs(ft, in[1:])

		raw, err := p.Call(method, args...).Wait(ctx)

		errVal := reflect.New(errType).Elem()
		if ft.NumOut() == 1 {
			if err != nil {
				errVal.Set(reflect.ValueOf(err))
			}
			return []reflect.Value{errVal}
		}

		out := reflect.New(ft.Out(0))
		if err == nil && len(raw) > 0 {
			err = json.Unmarshal(raw, out.Interface())
			if err != nil {
				err = fmt.Errorf("decoding result of %q: %w", method, err)
			}
		}
		if err != nil {
			errVal.Set(reflect.ValueOf(err))
		}
		return []reflect.Value{out.Elem(), errVal}
	}), nil
}

// stubArgs flattens the reflected parameters, expanding a trailing variadic
// slice.
func stubArgs(ft reflect.Type, in []reflect.Value) []any {
	args := make([]any, 0, len(in))
	for i, v := range in {
		if ft.IsVariadic() && i == len(in)-1 {
			for j := 0; j < v.Len(); j++ {
				args = append(args, v.Index(j).Interface())
			}
			continue
		}
		args = append(args, v.Interface())
	}
	return args
}
