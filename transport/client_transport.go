// Package transport implements the client side of a multiplexed connection.
//
// Many goroutines issue calls over one TCP connection. Each call is registered
// with the dispatcher before its frame is written, and the frame carries the
// call's identity as Seq. A single recvLoop reads replies and hands them to the
// dispatcher, which finds the handler by Seq:
//
//	goroutine-1 ──Go(seq=1)──┐
//	goroutine-2 ──Go(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Go(seq=3)──┘
//
//	recvLoop: ←── response(seq=2) → dispatcher.Deliver(2) → handler-2.Response
//
// When the connection breaks, every call still outstanding on it completes
// with a local connection-lost failure.
package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/hack0303/ice/callback"
	"github.com/hack0303/ice/codec"
	"github.com/hack0303/ice/dispatch"
	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/message"
	"github.com/hack0303/ice/pending"
	"github.com/hack0303/ice/protocol"
)

const defaultHeartbeat = 30 * time.Second

// ClientTransport owns one connection. It is safe for concurrent use.
type ClientTransport struct {
	id         pending.ConnID
	conn       net.Conn
	codec      codec.Codec
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger
	timeout    time.Duration
	heartbeat  time.Duration
	propagator propagation.TextMapPropagator // nil means the global one

	sending sync.Mutex // one frame at a time on conn

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

type Option func(*ClientTransport)

// WithCodec selects the envelope codec. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(t *ClientTransport) { t.codec = c }
}

// WithTimeout sets the default per-call timeout. Zero means calls only end
// with a reply, their context, or the connection.
func WithTimeout(d time.Duration) Option {
	return func(t *ClientTransport) { t.timeout = d }
}

// WithHeartbeat sets the heartbeat interval; zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(t *ClientTransport) { t.heartbeat = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(t *ClientTransport) { t.log = l }
}

// WithPropagator sets how the caller's trace context is written into request
// metadata. Defaults to the global propagator at send time.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(t *ClientTransport) { t.propagator = p }
}

// NewClientTransport takes ownership of conn and starts its read and
// heartbeat loops. Replies are delivered through d.
func NewClientTransport(conn net.Conn, d *dispatch.Dispatcher, opts ...Option) *ClientTransport {
	t := &ClientTransport{
		id:         pending.ConnID(uuid.NewString()),
		conn:       conn,
		codec:      &codec.JSONCodec{},
		dispatcher: d,
		log:        zap.NewNop(),
		heartbeat:  defaultHeartbeat,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With(zap.String("conn", string(t.id)), zap.Stringer("remote", conn.RemoteAddr()))

	go t.recvLoop()
	if t.heartbeat > 0 {
		go t.heartbeatLoop(t.heartbeat)
	}
	return t
}

// ID identifies the connection in the pending table.
func (t *ClientTransport) ID() pending.ConnID {
	return t.id
}

// Go issues a twoway call and returns without waiting for the reply. h is
// invoked exactly once with the outcome, possibly before Go returns if the
// request cannot be sent. The returned identity is zero if the call failed
// before it was registered.
func (t *ClientTransport) Go(ctx context.Context, serviceMethod string, args any, h callback.Handler) pending.ID {
	body, err := t.encodeRequest(ctx, serviceMethod, args)
	if err != nil {
		h.Exception(errs.NewLocal(errs.LocalMarshal, serviceMethod, err))
		return 0
	}

	// Register before writing so the reply cannot beat the registration.
	id, err := t.dispatcher.Register(ctx, t.id, serviceMethod, h, t.timeout)
	if err != nil {
		return 0
	}

	// A registration that raced with the read loop shutting down would never
	// be cancelled by it.
	if t.Closed() {
		t.dispatcher.Fail(id, errs.NewLocal(errs.LocalConnectionLost, serviceMethod, t.Err()))
		return id
	}

	header := &protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       uint32(id),
	}
	if err := t.write(header, body); err != nil {
		t.dispatcher.Fail(id, errs.NewLocal(errs.LocalConnectionLost, serviceMethod, err))
		t.closeWith(err)
	}
	return id
}

// Oneway sends a request the server will not answer. Only local failures to
// send are reported, through h, which may be nil.
func (t *ClientTransport) Oneway(ctx context.Context, serviceMethod string, args any, h callback.OnewayHandler) {
	report := func(code errs.LocalCode, err error) {
		if h != nil {
			h.Exception(errs.NewLocal(code, serviceMethod, err))
		}
	}

	if err := ctx.Err(); err != nil {
		report(errs.LocalCancelled, err)
		return
	}
	body, err := t.encodeRequest(ctx, serviceMethod, args)
	if err != nil {
		report(errs.LocalMarshal, err)
		return
	}
	if t.Closed() {
		report(errs.LocalConnectionLost, t.Err())
		return
	}

	header := &protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeOneway,
	}
	if err := t.write(header, body); err != nil {
		report(errs.LocalConnectionLost, err)
		t.closeWith(err)
	}
}

func (t *ClientTransport) encodeRequest(ctx context.Context, serviceMethod string, args any) ([]byte, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	prop := t.propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	md := propagation.MapCarrier{}
	prop.Inject(ctx, md)

	msg := &message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}
	if len(md) > 0 {
		msg.Metadata = md
	}
	return t.codec.Encode(msg)
}

func (t *ClientTransport) write(h *protocol.Header, body []byte) error {
	t.sending.Lock()
	defer t.sending.Unlock()
	return protocol.Encode(t.conn, h, body)
}

// recvLoop is the only reader of conn; frame boundaries require a single
// sequential reader.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.closeWith(err)
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeResponse:
		case protocol.MsgTypeHeartbeat:
			continue
		default:
			t.log.Warn("ignoring unexpected frame", zap.Uint8("type", uint8(header.MsgType)), zap.Uint32("seq", header.Seq))
			continue
		}

		id := pending.ID(header.Seq)
		var reply message.RPCMessage
		c, err := codec.GetCodec(codec.CodecType(header.CodecType))
		if err == nil {
			err = c.Decode(body, &reply)
		}
		if err != nil {
			t.dispatcher.Deliver(id, errs.Raw{Err: errs.NewLocal(errs.LocalUnmarshal, "", err)})
			continue
		}
		t.dispatcher.Deliver(id, reply.Raw())
	}
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		if err := t.write(&protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil); err != nil {
			t.closeWith(err)
			return
		}
	}
}

// Close closes the connection. Outstanding calls complete with a local
// connection-lost failure.
func (t *ClientTransport) Close() error {
	t.closeWith(net.ErrClosed)
	return nil
}

func (t *ClientTransport) closeWith(cause error) {
	t.closeOnce.Do(func() {
		t.closeErr = cause
		// done must be closed before ConnectionLost; Go relies on the order.
		close(t.done)
		if err := t.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.log.Debug("closing connection", zap.Error(err))
		}
		t.log.Debug("connection closed", zap.Error(cause))
		t.dispatcher.ConnectionLost(t.id, cause)
	})
}

// Closed reports whether the connection has been closed.
func (t *ClientTransport) Closed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection is.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Err is why the connection closed, or nil while it is open.
func (t *ClientTransport) Err() error {
	if !t.Closed() {
		return nil
	}
	return t.closeErr
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
