package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/message"
)

// LoggingMiddleware logs every request at debug and every failed one at warn.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)

			if resp.Failed() {
				log.Warn("request failed",
					zap.String("method", req.ServiceMethod),
					zap.Duration("duration", duration),
					zap.Stringer("status", errs.RemoteCode(resp.Status)),
					zap.String("error", resp.Error))
				return resp
			}
			log.Debug("request served", zap.String("method", req.ServiceMethod), zap.Duration("duration", duration))
			return resp
		}
	}
}
