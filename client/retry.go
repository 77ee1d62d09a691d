package client

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hack0303/ice/callback"
	"github.com/hack0303/ice/errs"
)

// RetryPolicy retries calls whose failure errs.IsRetryable reports, i.e.
// calls that never left this process. The n-th retry waits
// BaseDelay * 2^(n-1), capped at MaxDelay when that is set.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

// retrying sits between the transport and the caller's handler. A retryable
// failure schedules another attempt instead of reaching next, so next still
// sees exactly one outcome. Attempts are sequential, so attempt needs no lock.
type retrying struct {
	client        *Client
	ctx           context.Context
	serviceMethod string
	args          any
	next          callback.Handler
	attempt       int
}

func (r *retrying) Response(result []byte) {
	r.next.Response(result)
}

func (r *retrying) Exception(f errs.Failure) {
	if r.attempt >= r.client.retry.MaxRetries || !errs.IsRetryable(f) || r.ctx.Err() != nil || r.client.closed.Load() {
		r.next.Exception(f)
		return
	}

	delay := r.client.retry.backoff(r.attempt)
	r.attempt++
	r.client.log.Debug("retrying call",
		zap.String("method", r.serviceMethod), zap.Int("attempt", r.attempt),
		zap.Duration("delay", delay), zap.Error(f))

	time.AfterFunc(delay, func() {
		r.client.send(r.ctx, r.serviceMethod, r.args, r)
	})
}
