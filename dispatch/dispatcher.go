// Package dispatch turns whatever ends an invocation into exactly one handler
// call.
//
// Transports call Deliver with a correlation id and a raw outcome, or
// ConnectionLost when a connection dies. Timers and context watchers armed at
// registration resolve the invocation record they were armed for, and
// Shutdown tears everything down. All of them resolve through the same
// pending.Table, so whichever arrives first wins and the others find
// ErrUnknownIdentity and are dropped.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hack0303/ice/callback"
	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/metrics"
	"github.com/hack0303/ice/pending"
)

type Dispatcher struct {
	table   *pending.Table
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Dispatcher)

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithMetrics records registrations and outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTable uses t instead of a fresh table.
func WithTable(t *pending.Table) Option {
	return func(d *Dispatcher) { d.table = t }
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table: pending.NewTable(),
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register allocates an identity for a call on conn and starts tracking it.
//
// The invocation expires after timeout (if positive) or at ctx's deadline,
// whichever is first, and is cancelled when ctx is. If Register fails, h has
// already received the returned failure and the caller must not send anything.
func (d *Dispatcher) Register(ctx context.Context, conn pending.ConnID, op string, h callback.Handler, timeout time.Duration) (pending.ID, error) {
	inv := &pending.Invocation{Conn: conn, Op: op, Handler: h}
	if err := d.register(ctx, inv, timeout, true); err != nil {
		return 0, err
	}
	return inv.ID, nil
}

// RegisterID is Register for callers that assign identities themselves.
func (d *Dispatcher) RegisterID(ctx context.Context, id pending.ID, conn pending.ConnID, op string, h callback.Handler, timeout time.Duration) error {
	inv := &pending.Invocation{ID: id, Conn: conn, Op: op, Handler: h}
	return d.register(ctx, inv, timeout, false)
}

func (d *Dispatcher) register(ctx context.Context, inv *pending.Invocation, timeout time.Duration, allocate bool) error {
	inv.Started = time.Now()
	if timeout > 0 {
		inv.Deadline = inv.Started.Add(timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (inv.Deadline.IsZero() || dl.Before(inv.Deadline)) {
		inv.Deadline = dl
	}

	var err error
	if allocate {
		_, err = d.table.Allocate(inv)
	} else {
		err = d.table.Register(inv)
	}
	if err != nil {
		f := errs.NewLocal(registerCode(err), inv.Op, err)
		d.log.Warn("rejecting invocation", zap.String("op", inv.Op), zap.Uint32("id", uint32(inv.ID)), zap.Error(err))
		d.invoke(inv, callback.Failed(f))
		return f
	}
	d.metrics.Registered()

	// The watchers hold inv, not its identity: the identity may be reused
	// once inv is resolved, and a late watcher must not touch the newcomer.
	if !inv.Deadline.IsZero() {
		timer := time.AfterFunc(time.Until(inv.Deadline), func() { d.expire(inv) })
		if !d.table.Attach(inv, timer.Stop) {
			timer.Stop()
		}
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { d.cancel(inv, ctx.Err()) })
		if !d.table.Attach(inv, stop) {
			stop()
		}
	}
	return nil
}

func (d *Dispatcher) expire(inv *pending.Invocation) {
	res, err := d.table.ExpireInvocation(inv)
	if err != nil {
		d.drop(inv.ID, "expire", err)
		return
	}
	d.fire(res)
}

func (d *Dispatcher) cancel(inv *pending.Invocation, cause error) {
	res, err := d.table.ResolveInvocation(inv, callback.Failed(errs.Classify(errs.Raw{Err: cause})))
	if err != nil {
		d.drop(inv.ID, "cancel", err)
		return
	}
	d.fire(res)
}

func registerCode(err error) errs.LocalCode {
	switch {
	case errors.Is(err, pending.ErrClosed):
		return errs.LocalShutdown
	case errors.Is(err, pending.ErrExhausted):
		return errs.LocalExhausted
	default:
		return errs.LocalInvariant
	}
}

// Deliver completes id with what the transport received.
func (d *Dispatcher) Deliver(id pending.ID, raw errs.Raw) {
	outcome := callback.Success(raw.Payload)
	if f := errs.Classify(raw); f != nil {
		outcome = callback.Failed(f)
	}
	d.resolve(id, outcome)
}

// Fail completes id with f, e.g. when the request could not be written.
func (d *Dispatcher) Fail(id pending.ID, f errs.Failure) {
	d.resolve(id, callback.Failed(f))
}

// Expire completes id with a local timeout if it is still pending.
func (d *Dispatcher) Expire(id pending.ID) {
	res, err := d.table.Expire(id)
	if err != nil {
		d.drop(id, "expire", err)
		return
	}
	d.fire(res)
}

// Cancel completes id with the local failure matching cause.
func (d *Dispatcher) Cancel(id pending.ID, cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	d.resolve(id, callback.Failed(errs.Classify(errs.Raw{Err: cause})))
}

func (d *Dispatcher) resolve(id pending.ID, outcome callback.Outcome) {
	res, err := d.table.Resolve(id, outcome)
	if err != nil {
		d.drop(id, outcome.Kind().String(), err)
		return
	}
	d.fire(res)
}

// ConnectionLost completes every invocation sent on conn with a local
// connection-lost failure. Invocations on other connections are untouched.
func (d *Dispatcher) ConnectionLost(conn pending.ConnID, cause error) {
	resolved := d.table.CancelAll(conn, callback.Failed(errs.NewLocal(errs.LocalConnectionLost, "", cause)))
	if len(resolved) > 0 {
		d.log.Info("connection lost with invocations outstanding",
			zap.String("conn", string(conn)), zap.Int("count", len(resolved)), zap.Error(cause))
	}
	for _, res := range resolved {
		d.fire(res)
	}
}

// Shutdown completes every outstanding invocation with a local shutdown
// failure and refuses new ones.
func (d *Dispatcher) Shutdown() {
	resolved := d.table.Close(callback.Failed(errs.NewLocal(errs.LocalShutdown, "", nil)))
	for _, res := range resolved {
		d.fire(res)
	}
}

// Pending reports how many invocations are outstanding.
func (d *Dispatcher) Pending() int {
	return d.table.Len()
}

func (d *Dispatcher) drop(id pending.ID, what string, err error) {
	d.metrics.Dropped()
	d.log.Debug("dropping outcome", zap.Uint32("id", uint32(id)), zap.String("outcome", what), zap.Error(err))
}

func (d *Dispatcher) fire(res pending.Resolution) {
	category, code := "success", "ok"
	switch f := res.Outcome.Failure.(type) {
	case *errs.LocalError:
		category, code = errs.CategoryLocal.String(), f.Code.String()
	case *errs.RemoteError:
		category, code = errs.CategoryRemote.String(), f.Code.String()
	}
	d.metrics.Resolved(category, code, res.Started)

	if ce := d.log.Check(zap.DebugLevel, "invocation resolved"); ce != nil {
		ce.Write(zap.Uint32("id", uint32(res.ID)), zap.String("op", res.Op),
			zap.String("category", category), zap.String("code", code),
			zap.Duration("elapsed", time.Since(res.Started)))
	}

	d.invoke(res.Invocation, res.Outcome)
}

// invoke runs the handler, keeping a panic inside it from taking down the
// goroutine that delivered the outcome.
func (d *Dispatcher) invoke(inv *pending.Invocation, outcome callback.Outcome) {
	defer func() {
		if x := recover(); x != nil {
			d.metrics.Panicked()
			d.log.Error("handler panicked",
				zap.String("op", inv.Op), zap.Uint32("id", uint32(inv.ID)),
				zap.String("panic", fmt.Sprint(x)), zap.ByteString("stack", debug.Stack()))
		}
	}()
	if inv.Handler == nil {
		return
	}
	outcome.Deliver(inv.Handler)
}
