package callback

import (
	"context"
	"encoding/json"

	"github.com/hack0303/ice/errs"
)

// Funcs adapts plain functions to Handler. Nil fields are skipped.
type Funcs struct {
	OnResponse func(result []byte)
	OnLocal    func(e *errs.LocalError)
	OnRemote   func(e *errs.RemoteError)
}

func (f Funcs) Response(result []byte) {
	if f.OnResponse != nil {
		f.OnResponse(result)
	}
}

func (f Funcs) Exception(failure errs.Failure) {
	switch e := failure.(type) {
	case *errs.LocalError:
		if f.OnLocal != nil {
			f.OnLocal(e)
		}
	case *errs.RemoteError:
		if f.OnRemote != nil {
			f.OnRemote(e)
		}
	}
}

// OnewayFunc adapts a function to OnewayHandler.
type OnewayFunc func(e *errs.LocalError)

func (f OnewayFunc) Exception(e *errs.LocalError) { f(e) }

// Decoder turns result bytes into a typed value.
type Decoder func(data []byte, v any) error

// Typed decodes the result into T before handing it on. A result that fails to
// decode is reported as a local unmarshal failure instead, so the handler
// still sees exactly one completion.
type Typed[T any] struct {
	Op          string
	Decode      Decoder
	OnResponse  func(result T)
	OnException func(f errs.Failure)
}

// NewTyped builds a Typed handler using encoding/json.
func NewTyped[T any](op string, onResponse func(T), onException func(errs.Failure)) *Typed[T] {
	return &Typed[T]{Op: op, Decode: json.Unmarshal, OnResponse: onResponse, OnException: onException}
}

func (h *Typed[T]) Response(result []byte) {
	var v T
	decode := h.Decode
	if decode == nil {
		decode = json.Unmarshal
	}
	if err := decode(result, &v); err != nil {
		h.Exception(errs.NewLocal(errs.LocalUnmarshal, h.Op, err))
		return
	}
	if h.OnResponse != nil {
		h.OnResponse(v)
	}
}

func (h *Typed[T]) Exception(f errs.Failure) {
	if h.OnException != nil {
		h.OnException(f)
	}
}

// Waiter is a Handler that parks the outcome on a channel, for callers that
// want to block.
type Waiter struct {
	done chan Outcome
}

func NewWaiter() *Waiter {
	return &Waiter{done: make(chan Outcome, 1)}
}

func (w *Waiter) Response(result []byte) { w.done <- Success(result) }

func (w *Waiter) Exception(f errs.Failure) { w.done <- Failed(f) }

// Done yields the outcome once it arrives.
func (w *Waiter) Done() <-chan Outcome { return w.done }

// Wait blocks for the outcome. If ctx ends first, Wait returns the matching
// local failure; the invocation itself is cancelled separately by the runtime.
func (w *Waiter) Wait(ctx context.Context) ([]byte, error) {
	select {
	case o := <-w.done:
		if o.Failure != nil {
			return nil, o.Failure
		}
		return o.Result, nil
	case <-ctx.Done():
		return nil, errs.Classify(errs.Raw{Err: ctx.Err()})
	}
}
