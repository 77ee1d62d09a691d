package errs

import (
	"context"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// Raw is failure information as it comes off the transport or out of a codec,
// before classification.
type Raw struct {
	Err     error  // set for anything detected locally
	Status  uint8  // wire status of a decoded reply; 0 is success
	Message string // remote message, if any
	Payload []byte
}

// Classify maps raw failure information onto the taxonomy. It returns nil when
// raw describes a success.
func Classify(raw Raw) Failure {
	if raw.Err != nil {
		return classifyLocal(raw.Err)
	}
	if raw.Status == 0 {
		return nil
	}

	code := RemoteCode(raw.Status)
	if _, ok := remoteNames[code]; !ok {
		code = RemoteUnknown
	}
	return &RemoteError{Code: code, Message: raw.Message, Payload: raw.Payload}
}

func classifyLocal(err error) *LocalError {
	var le *LocalError
	if errors.As(err, &le) {
		return le
	}

	code := LocalUnknown
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		code = LocalTimeout
	case errors.Is(err, context.Canceled):
		code = LocalCancelled
	case errors.As(err, &opErr) && opErr.Op == "dial":
		code = LocalConnectFailed
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE), errors.Is(err, io.ErrClosedPipe):
		code = LocalConnectionLost
	}
	return &LocalError{Code: code, Err: err}
}

// AsLocal extracts a *LocalError from err.
func AsLocal(err error) (*LocalError, bool) {
	var le *LocalError
	ok := errors.As(err, &le)
	return le, ok
}

// AsRemote extracts a *RemoteError from err.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	ok := errors.As(err, &re)
	return re, ok
}

// IsRetryable reports whether f is a local failure that happened before the
// callee could have seen the request, so reissuing it is safe.
func IsRetryable(f Failure) bool {
	le, ok := f.(*LocalError)
	if !ok {
		return false
	}
	switch le.Code {
	case LocalConnectFailed, LocalNoEndpoint:
		return true
	}
	return false
}
