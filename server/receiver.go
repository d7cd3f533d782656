package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"unary-rpc/dispatch"
	"unary-rpc/status"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// A Receiver exposes the exported methods of a struct pointer as handlers.
// A method is exposed if it has one of the forms
//
//	func (T) Name(args *A, reply *R) error
//	func (T) Name(ctx context.Context, args *A, reply *R) error
//
// and other methods are ignored. The service name is the type name of the
// struct.
type Receiver struct {
	id      dispatch.Identity
	rcvr    reflect.Value
	typ     reflect.Type
	order   []string
	methods map[string]*methodType
}

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

// NewReceiver scans rcvr for methods. It reports an error if rcvr is not a
// pointer to a struct, or exposes no methods.
func NewReceiver(rcvr any) (*Receiver, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, fmt.Errorf("server: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: receiver must point to a struct, got %s", typ.Elem().Kind())
	}
	r := &Receiver{
		id:      dispatch.Identity{Kind: dispatch.KindController, Name: typ.Elem().Name()},
		rcvr:    reflect.ValueOf(rcvr),
		typ:     typ,
		methods: make(map[string]*methodType),
	}
	r.registerMethods()
	if len(r.methods) == 0 {
		return nil, fmt.Errorf("server: type %s has no exported methods of suitable type", typ)
	}
	return r, nil
}

func (r *Receiver) registerMethods() {
	for i := range r.typ.NumMethod() {
		m := r.typ.Method(i)
		mt := m.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		in := 1
		switch mt.NumIn() {
		case 3:
		case 4:
			if mt.In(1) != contextType {
				continue
			}
			in = 2
		default:
			continue
		}
		if mt.In(in).Kind() != reflect.Pointer || mt.In(in+1).Kind() != reflect.Pointer {
			continue
		}
		r.methods[m.Name] = &methodType{
			method:    m,
			withCtx:   in == 2,
			ArgType:   mt.In(in).Elem(),
			ReplyType: mt.In(in + 1).Elem(),
		}
		r.order = append(r.order, m.Name)
	}
}

// Name returns the service name of r.
func (r *Receiver) Name() string { return r.id.Name }

// Methods returns the exposed method names in sorted order.
func (r *Receiver) Methods() []string { return append([]string(nil), r.order...) }

// Identity implements dispatch.Routable.
func (r *Receiver) Identity() dispatch.Identity { return r.id }

// Routes implements dispatch.Controller.
func (r *Receiver) Routes(rt *dispatch.Router) {
	for _, name := range r.order {
		rt.Handle(name, r.handler(r.methods[name]))
	}
}

func (r *Receiver) handler(mt *methodType) dispatch.Handler {
	return func(c *dispatch.Context) (any, error) {
		argv, err := mt.args(c.Request())
		if err != nil {
			return nil, err
		}
		replyv := reflect.New(mt.ReplyType)

		args := []reflect.Value{r.rcvr, argv, replyv}
		if mt.withCtx {
			args = []reflect.Value{r.rcvr, reflect.ValueOf(c.Context()), argv, replyv}
		}
		if out := mt.method.Func.Call(args); !out[0].IsNil() {
			return nil, out[0].Interface().(error)
		}
		return replyv.Interface(), nil
	}
}

// args returns a *ArgType populated from the request payload.
func (mt *methodType) args(req any) (reflect.Value, error) {
	argv := reflect.New(mt.ArgType)
	switch v := req.(type) {
	case nil:
		return argv, nil
	case json.RawMessage:
		return argv, unmarshalArgs(v, argv)
	case []byte:
		return argv, unmarshalArgs(v, argv)
	}
	rv := reflect.ValueOf(req)
	switch rv.Type() {
	case argv.Type():
		return rv, nil
	case mt.ArgType:
		argv.Elem().Set(rv)
		return argv, nil
	}
	return argv, status.Newf(status.InvalidArgument, "request has type %T, want %v", req, argv.Type())
}

func unmarshalArgs(data []byte, argv reflect.Value) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, argv.Interface()); err != nil {
		return status.Newf(status.InvalidArgument, "decoding request: %v", err)
	}
	return nil
}
