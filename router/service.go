package router

import (
	"encoding/json"
	"fmt"
	"reflect"

	"swarm-rpc/message"
	"swarm-rpc/rpcerr"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*Context)(nil))
)

// typedHandler calls a plain Go function with decoded arguments.
type typedHandler struct {
	fn       reflect.Value
	argTypes []reflect.Type
	hasReply bool
}

// Bind turns fn into a Handler. fn must look like
//
//	func(ctx *Context, a A, b B, ...) (R, error)
//	func(ctx *Context, a A, b B, ...) error
//
// Argument i of the request is decoded into parameter i+1. Missing arguments
// are left as zero values; arguments that fail to decode yield a
// protocol/malformed error.
func Bind(fn any) (Handler, error) {
	v := reflect.ValueOf(fn)
	typ := v.Type()
	if typ.Kind() != reflect.Func {
		return nil, fmt.Errorf("router: handler must be a func, got %s", typ.Kind())
	}
	if typ.IsVariadic() {
		return nil, fmt.Errorf("router: variadic handlers are not supported")
	}
	if typ.NumIn() < 1 || typ.In(0) != contextType {
		return nil, fmt.Errorf("router: first parameter must be *router.Context")
	}

	th := &typedHandler{fn: v}
	switch {
	case typ.NumOut() == 1 && typ.Out(0) == errorType:
	case typ.NumOut() == 2 && typ.Out(1) == errorType:
		th.hasReply = true
	default:
		return nil, fmt.Errorf("router: handler must return (R, error) or error")
	}
	for i := 1; i < typ.NumIn(); i++ {
		th.argTypes = append(th.argTypes, typ.In(i))
	}
	return th.call, nil
}

func (th *typedHandler) call(ctx *Context, args message.Args) (any, error) {
	in := make([]reflect.Value, 0, len(th.argTypes)+1)
	in = append(in, reflect.ValueOf(ctx))
	for i, t := range th.argTypes {
		argv := reflect.New(t)
		if i < len(args) {
			if err := json.Unmarshal(args[i], argv.Interface()); err != nil {
				return nil, rpcerr.Malformed(fmt.Sprintf("%s: arg %d: %v", ctx.Route, i, err))
			}
		}
		in = append(in, argv.Elem())
	}

	out := th.fn.Call(in)
	errv := out[len(out)-1]
	if !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if th.hasReply {
		return out[0].Interface(), nil
	}
	return nil, nil
}

// Handle binds fn with Bind and appends it to the route. It panics when fn has
// the wrong shape, the same way a bad route table would fail at startup.
func (r *Router) Handle(name string, fn any) {
	h, err := Bind(fn)
	if err != nil {
		panic(fmt.Sprintf("router: route %q: %v", name, err))
	}
	r.On(name, h)
}

// Register binds every exported method of rcvr that has a handler shape. Each
// method becomes the route "Type.Method", where Type is the receiver's struct name.
func (r *Router) Register(rcvr any) error {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("router: rcvr must point to a struct, got %T", rcvr)
	}
	val := reflect.ValueOf(rcvr)
	name := typ.Elem().Name()

	n := 0
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		h, err := Bind(val.Method(i).Interface())
		if err != nil {
			continue
		}
		r.On(name+"."+method.Name, h)
		n++
	}
	if n == 0 {
		return fmt.Errorf("router: %s has no handler methods", name)
	}
	return nil
}
