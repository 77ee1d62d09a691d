package client

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hack0303/ice/callback"
	"github.com/hack0303/ice/errs"
)

// traced ends the call's span when the outcome arrives.
type traced struct {
	next callback.Handler
	span trace.Span
}

func (t *traced) Response(result []byte) {
	t.span.End()
	t.next.Response(result)
}

func (t *traced) Exception(f errs.Failure) {
	t.span.SetAttributes(attribute.String("rpc.failure.category", f.Category().String()))
	t.span.RecordError(f)
	t.span.SetStatus(codes.Error, f.Error())
	t.span.End()
	t.next.Exception(f)
}
