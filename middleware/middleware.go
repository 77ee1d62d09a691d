// Package middleware wraps the server's request handler.
//
// A middleware that rejects a request answers with a remote failure status
// instead of calling next, so the caller sees a structured error.
package middleware

import (
	"context"

	"github.com/hack0303/ice/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one runs outermost:
// Chain(A, B, C)(h) is A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
