package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/hack0303/ice/callback"
	"github.com/hack0303/ice/codec"
	"github.com/hack0303/ice/errs"
	"github.com/hack0303/ice/loadbalance"
	"github.com/hack0303/ice/middleware"
	"github.com/hack0303/ice/registry"
	"github.com/hack0303/ice/server"
	"github.com/hack0303/ice/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct {
	served atomic.Int32
	notes  chan int
}

func (a *Arith) Add(args *Args, reply *Reply) error {
	a.served.Add(1)
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	a.served.Add(1)
	reply.Result = args.A * args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Sleep waits A milliseconds or until the request is abandoned.
func (a *Arith) Sleep(ctx context.Context, args *Args, reply *Reply) error {
	select {
	case <-time.After(time.Duration(args.A) * time.Millisecond):
	case <-ctx.Done():
	}
	return nil
}

func (a *Arith) Note(args *Args, reply *Reply) error {
	a.notes <- args.A
	return nil
}

func startServer(t *testing.T) (*server.Server, *Arith, string) {
	t.Helper()

	svr := server.NewServer()
	arith := &Arith{notes: make(chan int, 8)}
	require.NoError(t, svr.Register(arith))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l, "", nil)
	t.Cleanup(func() { svr.Shutdown(100 * time.Millisecond) })

	return svr, arith, l.Addr().String()
}

func newClient(t *testing.T, addrs []string, opts ...Option) *Client {
	t.Helper()
	cli := NewClient(registry.StaticFor(addrs, "Arith"), &loadbalance.RoundRobinBalancer{}, opts...)
	t.Cleanup(func() { cli.Close() })
	return cli
}

func localCode(t *testing.T, err error) errs.LocalCode {
	t.Helper()
	le, ok := errs.AsLocal(err)
	require.True(t, ok, "expected a local failure, got %v", err)
	return le.Code
}

func TestClientCall(t *testing.T) {
	_, _, addr := startServer(t)

	for _, cdc := range []codec.Codec{&codec.JSONCodec{}, &codec.BinaryCodec{}, &codec.CBORCodec{}} {
		t.Run(cdc.Type().String(), func(t *testing.T) {
			r := require.New(t)
			cli := newClient(t, []string{addr}, WithCodec(cdc))

			reply := &Reply{}
			r.NoError(cli.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, reply))
			r.Equal(3, reply.Result)

			reply = &Reply{}
			r.NoError(cli.Call(context.Background(), "Arith.Multiply", &Args{A: 10, B: 20}, reply))
			r.Equal(200, reply.Result)
		})
	}
}

func TestClientGoConcurrent(t *testing.T) {
	r := require.New(t)

	_, _, addr := startServer(t)
	cli := newClient(t, []string{addr}, WithPoolSize(2))

	const n = 200
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[int]int)
		failed  []errs.Failure
	)
	wg.Add(n)
	for i := range n {
		h := callback.NewTyped("Arith.Add",
			func(reply Reply) {
				mu.Lock()
				results[i] = reply.Result
				mu.Unlock()
				wg.Done()
			},
			func(f errs.Failure) {
				mu.Lock()
				failed = append(failed, f)
				mu.Unlock()
				wg.Done()
			})
		cli.Go(context.Background(), "Arith.Add", &Args{A: i, B: 1000}, h)
	}
	wg.Wait()

	r.Empty(failed)
	r.Len(results, n)
	for i := range n {
		r.Equal(i+1000, results[i])
	}
	r.Zero(cli.Pending())
}

func TestClientRemoteFailures(t *testing.T) {
	r := require.New(t)

	_, _, addr := startServer(t)
	cli := newClient(t, []string{addr})

	err := cli.Call(context.Background(), "Arith.Div", &Args{A: 1, B: 0}, &Reply{})
	re, ok := errs.AsRemote(err)
	r.True(ok, "got %v", err)
	r.True(re.Application())
	r.Equal("divide by zero", re.Message)

	err = cli.Call(context.Background(), "Arith.Pow", &Args{}, &Reply{})
	re, ok = errs.AsRemote(err)
	r.True(ok, "got %v", err)
	r.False(re.Application())
	r.Equal(errs.RemoteOperationNotExist, re.Code)
}

func TestClientTimeout(t *testing.T) {
	r := require.New(t)

	_, _, addr := startServer(t)
	cli := newClient(t, []string{addr}, WithTimeout(50*time.Millisecond))

	err := cli.Call(context.Background(), "Arith.Sleep", &Args{A: 500}, nil)
	r.Equal(errs.LocalTimeout, localCode(t, err))
	r.Zero(cli.Pending())

	// The connection survives a timed-out call.
	r.NoError(cli.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, nil))
}

func TestClientContext(t *testing.T) {
	_, _, addr := startServer(t)
	cli := newClient(t, []string{addr})

	t.Run("cancel", func(t *testing.T) {
		r := require.New(t)

		ctx, cancel := context.WithCancel(context.Background())
		w := callback.NewWaiter()
		cli.Go(ctx, "Arith.Sleep", &Args{A: 500}, w)
		cancel()

		select {
		case out := <-w.Done():
			r.Equal(callback.KindLocalFailure, out.Kind())
			r.Equal(errs.LocalCancelled, localCode(t, out.Failure))
		case <-time.After(2 * time.Second):
			t.Fatal("cancelled call never completed")
		}
		r.Zero(cli.Pending())
	})

	t.Run("deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := cli.Call(ctx, "Arith.Sleep", &Args{A: 500}, nil)
		require.Equal(t, errs.LocalTimeout, localCode(t, err))
	})
}

func TestClientNoEndpoint(t *testing.T) {
	r := require.New(t)
	cli := newClient(t, nil)

	err := cli.Call(context.Background(), "Arith.Add", &Args{}, nil)
	r.Equal(errs.LocalNoEndpoint, localCode(t, err))
	r.ErrorIs(err, registry.ErrNotFound)

	err = cli.Call(context.Background(), "ArithAdd", &Args{}, nil)
	r.Equal(errs.LocalNoEndpoint, localCode(t, err))
}

// flakyDialer fails the first failures dials.
func flakyDialer(failures int32, dials *atomic.Int32) transport.Dialer {
	dial := transport.DialTCP(time.Second)
	return func(ctx context.Context, addr string) (net.Conn, error) {
		if dials.Add(1) <= failures {
			return nil, errors.New("connection refused")
		}
		return dial(ctx, addr)
	}
}

func TestClientRetry(t *testing.T) {
	_, _, addr := startServer(t)
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: 5 * time.Millisecond}

	t.Run("recovers", func(t *testing.T) {
		r := require.New(t)

		var dials atomic.Int32
		cli := newClient(t, []string{addr}, WithRetry(policy), WithDialer(flakyDialer(2, &dials)))

		reply := &Reply{}
		r.NoError(cli.Call(context.Background(), "Arith.Add", &Args{A: 2, B: 3}, reply))
		r.Equal(5, reply.Result)
		r.Equal(int32(3), dials.Load())
	})

	t.Run("gives up once", func(t *testing.T) {
		r := require.New(t)

		var dials atomic.Int32
		cli := newClient(t, []string{addr}, WithRetry(policy), WithDialer(flakyDialer(100, &dials)))

		var calls atomic.Int32
		done := make(chan errs.Failure, 4)
		cli.Go(context.Background(), "Arith.Add", &Args{}, callback.Funcs{
			OnLocal: func(e *errs.LocalError) {
				calls.Add(1)
				done <- e
			},
		})

		select {
		case f := <-done:
			r.Equal(errs.LocalConnectFailed, localCode(t, f))
		case <-time.After(2 * time.Second):
			t.Fatal("no outcome")
		}
		time.Sleep(50 * time.Millisecond)
		r.Equal(int32(1), calls.Load())
		r.Equal(int32(3), dials.Load())
	})

	t.Run("remote failures are not retried", func(t *testing.T) {
		r := require.New(t)

		var dials atomic.Int32
		cli := newClient(t, []string{addr}, WithRetry(policy), WithDialer(flakyDialer(0, &dials)))

		err := cli.Call(context.Background(), "Arith.Div", &Args{A: 1}, nil)
		_, remote := errs.AsRemote(err)
		r.True(remote)
		r.Equal(int32(1), dials.Load())
	})
}

func TestClientConnectionLost(t *testing.T) {
	r := require.New(t)

	svr, _, addr := startServer(t)
	cli := newClient(t, []string{addr})

	w := callback.NewWaiter()
	cli.Go(context.Background(), "Arith.Sleep", &Args{A: 2000}, w)
	r.Eventually(func() bool { return cli.Pending() == 1 }, time.Second, 5*time.Millisecond)

	// Shutdown gives up waiting and drops the connection under the call.
	r.Error(svr.Shutdown(50 * time.Millisecond))

	_, err := w.Wait(context.Background())
	r.Equal(errs.LocalConnectionLost, localCode(t, err))
	r.Zero(cli.Pending())
}

func TestClientClose(t *testing.T) {
	r := require.New(t)

	_, _, addr := startServer(t)
	cli := NewClient(registry.StaticFor([]string{addr}, "Arith"), &loadbalance.RoundRobinBalancer{})

	w := callback.NewWaiter()
	cli.Go(context.Background(), "Arith.Sleep", &Args{A: 2000}, w)
	r.Eventually(func() bool { return cli.Pending() == 1 }, time.Second, 5*time.Millisecond)

	r.NoError(cli.Close())
	_, err := w.Wait(context.Background())
	r.Equal(errs.LocalShutdown, localCode(t, err))

	err = cli.Call(context.Background(), "Arith.Add", &Args{}, nil)
	r.Equal(errs.LocalShutdown, localCode(t, err))
	r.NoError(cli.Close())
}

func TestClientOneway(t *testing.T) {
	r := require.New(t)

	_, arith, addr := startServer(t)
	cli := newClient(t, []string{addr})

	var failed *errs.LocalError
	cli.Oneway(context.Background(), "Arith.Note", &Args{A: 7}, callback.OnewayFunc(func(e *errs.LocalError) { failed = e }))
	r.Nil(failed)

	select {
	case a := <-arith.notes:
		r.Equal(7, a)
	case <-time.After(2 * time.Second):
		t.Fatal("oneway request never arrived")
	}
	r.Zero(cli.Pending())

	noEndpoint := newClient(t, nil)
	noEndpoint.Oneway(context.Background(), "Arith.Note", &Args{}, callback.OnewayFunc(func(e *errs.LocalError) { failed = e }))
	r.NotNil(failed)
	r.Equal(errs.LocalNoEndpoint, failed.Code)
}

func TestClientTracing(t *testing.T) {
	r := require.New(t)

	_, _, addr := startServer(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	cli := newClient(t, []string{addr}, WithTracer(tp.Tracer("test")))

	r.NoError(cli.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, nil))
	r.Error(cli.Call(context.Background(), "Arith.Div", &Args{A: 1}, nil))

	spans := recorder.Ended()
	r.Len(spans, 2)
	r.Equal("Arith.Add", spans[0].Name())
	r.Equal(codes.Unset, spans[0].Status().Code)
	r.Equal("Arith.Div", spans[1].Name())
	r.Equal(codes.Error, spans[1].Status().Code)
}

// The server span continues the client's trace for every codec.
func TestClientTracePropagation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prop := propagation.TraceContext{}

	svr := server.NewServer()
	svr.Use(middleware.TracingMiddleware(tp.Tracer("server"), prop))
	require.NoError(t, svr.Register(&Arith{notes: make(chan int, 8)}))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l, "", nil)
	t.Cleanup(func() { svr.Shutdown(100 * time.Millisecond) })

	for _, cdc := range []codec.Codec{&codec.JSONCodec{}, &codec.BinaryCodec{}, &codec.CBORCodec{}} {
		t.Run(cdc.Type().String(), func(t *testing.T) {
			r := require.New(t)
			cli := newClient(t, []string{l.Addr().String()},
				WithCodec(cdc), WithTracer(tp.Tracer("client")), WithPropagator(prop))

			before := len(recorder.Ended())
			r.NoError(cli.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, nil))

			spans := recorder.Ended()[before:]
			r.Len(spans, 2)
			var clientSpan, serverSpan sdktrace.ReadOnlySpan
			for _, s := range spans {
				if s.SpanKind() == trace.SpanKindServer {
					serverSpan = s
				} else {
					clientSpan = s
				}
			}
			r.NotNil(clientSpan)
			r.NotNil(serverSpan)
			r.Equal(clientSpan.SpanContext().TraceID(), serverSpan.SpanContext().TraceID())
			r.Equal(clientSpan.SpanContext().SpanID(), serverSpan.Parent().SpanID())
		})
	}
}

// Two servers behind one registry; round robin spreads the calls.
func TestMultiServer(t *testing.T) {
	r := require.New(t)

	_, arith1, addr1 := startServer(t)
	_, arith2, addr2 := startServer(t)
	cli := newClient(t, []string{addr1, addr2})

	for i := 1; i <= 10; i++ {
		reply := &Reply{}
		r.NoError(cli.Call(context.Background(), "Arith.Add", &Args{A: i, B: i * 10}, reply), "request %d", i)
		r.Equal(i+i*10, reply.Result)
	}
	r.Equal(int32(5), arith1.served.Load())
	r.Equal(int32(5), arith2.served.Load())
}

// Instances added to the registry after the first call are picked up.
func TestClientFollowsRegistry(t *testing.T) {
	r := require.New(t)

	_, arith1, addr1 := startServer(t)
	_, arith2, addr2 := startServer(t)

	reg := registry.StaticFor([]string{addr1}, "Arith")
	cli := NewClient(reg, &loadbalance.RoundRobinBalancer{})
	t.Cleanup(func() { cli.Close() })

	r.NoError(cli.Call(context.Background(), "Arith.Add", &Args{}, nil))
	r.NoError(reg.Register(context.Background(), "Arith", registry.ServiceInstance{Addr: addr2}, 0))
	r.NoError(reg.Deregister(context.Background(), "Arith", addr1))

	r.Eventually(func() bool {
		return cli.Call(context.Background(), "Arith.Add", &Args{}, nil) == nil && arith2.served.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)

	before := arith1.served.Load()
	for range 5 {
		r.NoError(cli.Call(context.Background(), "Arith.Add", &Args{}, nil))
	}
	r.Equal(before, arith1.served.Load())
}
