package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/message"
)

// RateLimitMiddleware admits r requests per second with bursts of burst
// (token bucket) and answers RemoteOverloaded beyond that.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return message.Failure(req.ServiceMethod, errs.RemoteOverloaded, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
