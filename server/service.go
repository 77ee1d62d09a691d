package server

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/pkg/errors"
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

type methodType struct {
	method    reflect.Method
	withCtx   bool // first parameter is a context.Context
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService scans rcvr for methods callable remotely: exported methods of
// the form
//
//	func (*T) Name(args *A, reply *R) error
//	func (*T) Name(ctx context.Context, args *A, reply *R) error
//
// The service is named after T.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return nil, errors.Errorf("rpc: receiver must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("rpc: receiver must point to a struct, got %s", typ.Elem().Kind())
	}

	s := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.method) == 0 {
		return nil, errors.Errorf("rpc: %s has no methods of the form Name(*Args, *Reply) error", s.name)
	}
	return s, nil
}

func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}

		// In(0) is the receiver.
		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		argType, replyType := mt.In(first), mt.In(first+1)
		if argType.Kind() != reflect.Pointer || replyType.Kind() != reflect.Pointer {
			continue
		}

		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   argType.Elem(),
			ReplyType: replyType.Elem(),
		}
	}
}

// panicError is what call returns when the method panicked.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// call invokes the method via reflection. A panic in the method comes back as
// a *panicError.
func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = &panicError{value: x, stack: debug.Stack()}
		}
	}()

	args := []reflect.Value{s.rcvr, argv, replyv}
	if mType.withCtx {
		args = []reflect.Value{s.rcvr, reflect.ValueOf(ctx), argv, replyv}
	}
	results := mType.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
