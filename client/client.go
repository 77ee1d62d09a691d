// Package client issues calls to services found through a registry.
//
// Go is the primitive: it resolves an endpoint, registers the call with the
// client's dispatcher and writes the request, then returns. The handler hears
// about the outcome exactly once, later, on another goroutine, or before Go
// returns if the call could not even be sent. Call and Oneway are built on the
// same path.
package client

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hack0303/ice/callback"
	"github.com/hack0303/ice/codec"
	"github.com/hack0303/ice/dispatch"
	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/loadbalance"
	"github.com/hack0303/ice/metrics"
	"github.com/hack0303/ice/registry"
	"github.com/hack0303/ice/transport"
)

const tracerName = "github.com/hack0303/ice/client"

type Client struct {
	registry   registry.Registry
	balancer   loadbalance.Balancer
	dispatcher *dispatch.Dispatcher
	pool       *transport.Pool

	log       *zap.Logger
	tracer    trace.Tracer
	prop      propagation.TextMapPropagator
	metrics   *metrics.Metrics
	codec     codec.Codec
	retry     RetryPolicy
	timeout   time.Duration
	heartbeat time.Duration
	poolSize  int
	dial      transport.Dialer

	mu       sync.Mutex
	watched  map[string][]registry.ServiceInstance // latest list per watched service
	stop     context.CancelFunc                    // ends the watches
	watchCtx context.Context
	closed   atomic.Bool
}

type Option func(*Client)

// WithCodec selects the envelope codec for requests. Defaults to JSON.
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithTimeout bounds every call. Zero leaves calls bounded only by their
// context.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// WithPoolSize sets how many connections are kept per server address.
func WithPoolSize(n int) Option {
	return func(cl *Client) { cl.poolSize = n }
}

// WithHeartbeat sets the connection heartbeat interval; zero disables it.
func WithHeartbeat(d time.Duration) Option {
	return func(cl *Client) { cl.heartbeat = d }
}

func WithDialer(d transport.Dialer) Option {
	return func(cl *Client) { cl.dial = d }
}

func WithRetry(p RetryPolicy) Option {
	return func(cl *Client) { cl.retry = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// WithTracer records a client span per call. Defaults to the global
// TracerProvider.
func WithTracer(t trace.Tracer) Option {
	return func(cl *Client) { cl.tracer = t }
}

// WithPropagator sets how span context travels to the server. Defaults to the
// global propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(cl *Client) { cl.prop = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry:  reg,
		balancer:  bal,
		log:       zap.NewNop(),
		codec:     &codec.JSONCodec{},
		heartbeat: 30 * time.Second,
		poolSize:  1,
		dial:      transport.DialTCP(5 * time.Second),
		watched:   make(map[string][]registry.ServiceInstance),
	}
	for _, o := range opts {
		o(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	c.watchCtx, c.stop = context.WithCancel(context.Background())

	c.dispatcher = dispatch.New(dispatch.WithLogger(c.log), dispatch.WithMetrics(c.metrics))
	c.pool = transport.NewPool(c.poolSize, c.dial, func(conn net.Conn) *transport.ClientTransport {
		return transport.NewClientTransport(conn, c.dispatcher,
			transport.WithCodec(c.codec),
			transport.WithTimeout(c.timeout),
			transport.WithHeartbeat(c.heartbeat),
			transport.WithPropagator(c.prop),
			transport.WithLogger(c.log))
	})
	return c
}

// Go starts a twoway call to serviceMethod ("Service.Method") with args
// encoded as JSON. h receives exactly one outcome. Retryable failures are
// retried per the client's RetryPolicy before h sees them.
func (c *Client) Go(ctx context.Context, serviceMethod string, args any, h callback.Handler) {
	ctx, span := c.tracer.Start(ctx, serviceMethod, trace.WithSpanKind(trace.SpanKindClient))
	h = &traced{next: h, span: span}
	if c.retry.MaxRetries > 0 {
		h = &retrying{client: c, ctx: ctx, serviceMethod: serviceMethod, args: args, next: h}
	}
	c.send(ctx, serviceMethod, args, h)
}

// send makes one attempt.
func (c *Client) send(ctx context.Context, serviceMethod string, args any, h callback.Handler) {
	if err := ctx.Err(); err != nil {
		h.Exception(errs.Classify(errs.Raw{Err: err}))
		return
	}
	t, f := c.transport(ctx, serviceMethod)
	if f != nil {
		h.Exception(f)
		return
	}
	t.Go(ctx, serviceMethod, args, h)
}

// Call is Go, waiting for the outcome. The result is decoded into reply
// unless reply is nil. The returned error is an errs.Failure.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	w := callback.NewWaiter()
	c.Go(ctx, serviceMethod, args, w)

	result, err := w.Wait(ctx)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(result, reply); err != nil {
		return errs.NewLocal(errs.LocalUnmarshal, serviceMethod, err)
	}
	return nil
}

// Oneway sends a request nobody answers. h, which may be nil, hears only
// about local failures to send it.
func (c *Client) Oneway(ctx context.Context, serviceMethod string, args any, h callback.OnewayHandler) {
	t, f := c.transport(ctx, serviceMethod)
	if f != nil {
		if h != nil {
			h.Exception(f)
		}
		return
	}
	t.Oneway(ctx, serviceMethod, args, h)
}

// transport resolves serviceMethod to a connection.
func (c *Client) transport(ctx context.Context, serviceMethod string) (*transport.ClientTransport, *errs.LocalError) {
	if c.closed.Load() {
		return nil, errs.NewLocal(errs.LocalShutdown, serviceMethod, nil)
	}

	serviceName, _, ok := strings.Cut(serviceMethod, ".")
	if !ok || serviceName == "" {
		return nil, errs.NewLocal(errs.LocalNoEndpoint, serviceMethod, errors.Errorf("malformed service method %q", serviceMethod))
	}

	instances, err := c.instances(ctx, serviceName)
	if err != nil {
		return nil, errs.NewLocal(errs.LocalNoEndpoint, serviceMethod, err)
	}
	instance, err := c.balancer.Pick(serviceMethod, instances)
	if err != nil {
		return nil, errs.NewLocal(errs.LocalNoEndpoint, serviceMethod, err)
	}

	t, err := c.pool.Get(ctx, instance.Addr)
	if errors.Is(err, transport.ErrPoolClosed) {
		return nil, errs.NewLocal(errs.LocalShutdown, serviceMethod, err)
	}
	if err != nil {
		return nil, errs.NewLocal(errs.LocalConnectFailed, serviceMethod, err)
	}
	return t, nil
}

// instances returns the known instances of a service. The first lookup asks
// the registry and starts watching it; later lookups use the watched list.
func (c *Client) instances(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	list := c.watched[serviceName]
	c.mu.Unlock()
	if len(list) > 0 {
		return list, nil
	}

	list, err := c.registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, errors.Wrapf(err, "discover %s", serviceName)
	}
	if len(list) == 0 {
		return nil, errors.Wrapf(registry.ErrNotFound, "discover %s", serviceName)
	}

	c.mu.Lock()
	_, watching := c.watched[serviceName]
	c.watched[serviceName] = list
	c.mu.Unlock()
	if !watching {
		go c.watch(serviceName)
	}
	return list, nil
}

func (c *Client) watch(serviceName string) {
	for list := range c.registry.Watch(c.watchCtx, serviceName) {
		c.log.Debug("instances changed", zap.String("service", serviceName), zap.Int("count", len(list)))
		c.mu.Lock()
		c.watched[serviceName] = list
		c.mu.Unlock()
	}
}

// Pending reports how many calls are awaiting their outcome.
func (c *Client) Pending() int {
	return c.dispatcher.Pending()
}

// Close completes every outstanding call with a local shutdown failure and
// closes all connections. Calls made after Close fail the same way.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.stop()
	c.dispatcher.Shutdown()
	return c.pool.Close()
}
