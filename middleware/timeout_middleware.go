package middleware

import (
	"context"
	"time"

	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/message"
)

// TimeOutMiddleware answers RemoteTimeout if next has not returned within
// timeout. next keeps running with a cancelled context; its reply is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failure(req.ServiceMethod, errs.RemoteTimeout, "request timed out after "+timeout.String())
			}
		}
	}
}
