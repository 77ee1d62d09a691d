// Package errs classifies every failure an invocation can produce.
//
// There are exactly two categories and they never overlap:
//
//	LocalError   detected by this process: timeout, connection loss, codec errors, shutdown...
//	RemoteError  reported by the callee or by the protocol layer on its behalf
//
// Failure is sealed: only *LocalError and *RemoteError implement it, so a type
// switch over a Failure is always exhaustive.
package errs

import (
	"fmt"
)

// Category is the top-level split of the taxonomy.
type Category uint8

const (
	CategoryLocal  Category = 1
	CategoryRemote Category = 2
)

func (c Category) String() string {
	switch c {
	case CategoryLocal:
		return "local"
	case CategoryRemote:
		return "remote"
	default:
		return "invalid"
	}
}

// Failure is the only failure shape handed to a handler.
type Failure interface {
	error
	Category() Category
	failure()
}

// LocalCode identifies a caller-side failure.
type LocalCode uint8

const (
	LocalUnknown        LocalCode = iota
	LocalTimeout                  // deadline passed before a reply arrived
	LocalConnectionLost           // connection dropped with the call outstanding
	LocalConnectFailed            // could not establish a connection
	LocalNoEndpoint               // discovery returned nothing usable
	LocalMarshal                  // request could not be encoded
	LocalUnmarshal                // reply could not be decoded
	LocalCancelled                // caller's context was cancelled
	LocalExhausted                // out of identities or other resources
	LocalShutdown                 // the runtime was torn down
	LocalInvariant                // internal invariant violation, e.g. duplicate identity
)

var localNames = [...]string{
	LocalUnknown:        "unknown",
	LocalTimeout:        "timeout",
	LocalConnectionLost: "connection lost",
	LocalConnectFailed:  "connect failed",
	LocalNoEndpoint:     "no endpoint",
	LocalMarshal:        "marshal",
	LocalUnmarshal:      "unmarshal",
	LocalCancelled:      "cancelled",
	LocalExhausted:      "exhausted",
	LocalShutdown:       "shutdown",
	LocalInvariant:      "invariant violation",
}

func (c LocalCode) String() string {
	if int(c) < len(localNames) {
		return localNames[c]
	}
	return fmt.Sprintf("local(%d)", uint8(c))
}

// LocalError is a failure detected entirely on the caller side. It carries no
// information about remote state.
type LocalError struct {
	Code LocalCode
	Op   string // "Service.Method", may be empty
	Err  error  // underlying cause, may be nil
}

// NewLocal builds a LocalError for op.
func NewLocal(code LocalCode, op string, err error) *LocalError {
	return &LocalError{Code: code, Op: op, Err: err}
}

func (e *LocalError) Error() string {
	msg := "local: " + e.Code.String()
	if e.Op != "" {
		msg += " calling " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LocalError) Unwrap() error { return e.Err }

func (e *LocalError) Category() Category { return CategoryLocal }

func (e *LocalError) failure() {}

// RemoteCode is the status the remote side put on the reply. The values are
// the wire status byte; zero means success and is never a RemoteCode.
type RemoteCode uint8

const (
	RemoteUser              RemoteCode = 1 // the operation itself failed
	RemoteOperationNotExist RemoteCode = 2
	RemoteObjectNotExist    RemoteCode = 3
	RemoteProtocol          RemoteCode = 4 // request rejected as malformed
	RemoteOverloaded        RemoteCode = 5
	RemoteTimeout           RemoteCode = 6 // callee gave up processing
	RemoteUnknown           RemoteCode = 7 // uncaught failure in the callee
)

var remoteNames = map[RemoteCode]string{
	RemoteUser:              "user exception",
	RemoteOperationNotExist: "operation does not exist",
	RemoteObjectNotExist:    "object does not exist",
	RemoteProtocol:          "protocol error",
	RemoteOverloaded:        "overloaded",
	RemoteTimeout:           "timeout",
	RemoteUnknown:           "unknown exception",
}

func (c RemoteCode) String() string {
	if s, ok := remoteNames[c]; ok {
		return s
	}
	return fmt.Sprintf("remote(%d)", uint8(c))
}

// RemoteError is a failure the callee (or the protocol layer in front of it)
// explicitly reported.
type RemoteError struct {
	Code    RemoteCode
	Message string
	Payload []byte
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return "remote: " + e.Code.String()
	}
	return "remote: " + e.Code.String() + ": " + e.Message
}

// Application reports whether the operation raised the failure, as opposed to
// the protocol layer rejecting the request.
func (e *RemoteError) Application() bool { return e.Code == RemoteUser }

func (e *RemoteError) Category() Category { return CategoryRemote }

func (e *RemoteError) failure() {}
