// Package callback defines what a caller hands to the runtime when it issues a
// call, and the Outcome the runtime hands back.
//
// A Handler is invoked exactly once per twoway call, from a goroutine it did
// not create. It must not block for long: the goroutine belongs to the
// dispatcher (often a connection's read loop), so slow work should be moved
// elsewhere by the handler itself.
package callback

import (
	"github.com/hack0303/ice/errs"
)

// Handler receives the completion of a twoway call.
//
// Exception receives an errs.Failure, which is either *errs.LocalError or
// *errs.RemoteError; a type switch tells the two apart.
type Handler interface {
	Response(result []byte)
	Exception(f errs.Failure)
}

// OnewayHandler receives the only thing a oneway call can report: a local
// failure while sending.
type OnewayHandler interface {
	Exception(e *errs.LocalError)
}

// Kind tags an Outcome.
type Kind uint8

const (
	KindSuccess Kind = iota
	KindRemoteFailure
	KindLocalFailure
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRemoteFailure:
		return "remote"
	case KindLocalFailure:
		return "local"
	}
	return "invalid"
}

// Outcome is the terminal result of an invocation. Failure is nil on success.
type Outcome struct {
	Result  []byte
	Failure errs.Failure
}

// Success builds a successful Outcome.
func Success(result []byte) Outcome {
	return Outcome{Result: result}
}

// Failed builds a failed Outcome.
func Failed(f errs.Failure) Outcome {
	return Outcome{Failure: f}
}

// Kind reports which variant o is.
func (o Outcome) Kind() Kind {
	switch o.Failure.(type) {
	case nil:
		return KindSuccess
	case *errs.RemoteError:
		return KindRemoteFailure
	default:
		return KindLocalFailure
	}
}

// Deliver invokes the entry point of h matching o.
func (o Outcome) Deliver(h Handler) {
	if o.Failure != nil {
		h.Exception(o.Failure)
		return
	}
	h.Response(o.Result)
}
