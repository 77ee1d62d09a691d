package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/message"
)

// TracingMiddleware records a server span per request, parented on the trace
// context prop extracts from the request metadata. A nil prop uses the global
// propagator.
func TracingMiddleware(tracer trace.Tracer, prop propagation.TextMapPropagator) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			p := prop
			if p == nil {
				p = otel.GetTextMapPropagator()
			}
			ctx = p.Extract(ctx, propagation.MapCarrier(req.Metadata))

			ctx, span := tracer.Start(ctx, req.ServiceMethod,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("rpc.method", req.ServiceMethod)))
			defer span.End()

			resp := next(ctx, req)
			if resp.Failed() {
				span.SetAttributes(attribute.String("rpc.status", errs.RemoteCode(resp.Status).String()))
				span.SetStatus(codes.Error, resp.Error)
			}
			return resp
		}
	}
}
