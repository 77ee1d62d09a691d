package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/hack0303/ice/dispatch"
)

// listen accepts connections and holds them open until the test ends.
func listen(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { c.Close() })
		}
	}()
	return l.Addr().String()
}

func newTestPool(size int, dials *atomic.Int32) *Pool {
	d := dispatch.New()
	dial := DialTCP(time.Second)
	counted := func(ctx context.Context, addr string) (net.Conn, error) {
		dials.Add(1)
		return dial(ctx, addr)
	}
	return NewPool(size, counted, func(c net.Conn) *ClientTransport {
		return NewClientTransport(c, d, WithHeartbeat(0))
	})
}

func TestPoolRoundRobin(t *testing.T) {
	r := require.New(t)

	addr := listen(t)
	var dials atomic.Int32
	p := newTestPool(2, &dials)
	defer p.Close()

	first, err := p.Get(context.Background(), addr)
	r.NoError(err)
	second, err := p.Get(context.Background(), addr)
	r.NoError(err)
	r.NotSame(first, second)
	r.Equal(2, p.Len(addr))

	seen := map[*ClientTransport]int{}
	for range 4 {
		ct, err := p.Get(context.Background(), addr)
		r.NoError(err)
		seen[ct]++
	}
	r.Equal(map[*ClientTransport]int{first: 2, second: 2}, seen)
	r.Equal(int32(2), dials.Load())
}

func TestPoolRedialsClosedTransport(t *testing.T) {
	r := require.New(t)

	addr := listen(t)
	var dials atomic.Int32
	p := newTestPool(1, &dials)
	defer p.Close()

	ct, err := p.Get(context.Background(), addr)
	r.NoError(err)
	r.NoError(ct.Close())
	r.Zero(p.Len(addr))

	fresh, err := p.Get(context.Background(), addr)
	r.NoError(err)
	r.NotSame(ct, fresh)
	r.False(fresh.Closed())
	r.Equal(int32(2), dials.Load())
}

func TestPoolDialFailure(t *testing.T) {
	r := require.New(t)

	refused := errors.New("refused")
	p := NewPool(1, func(context.Context, string) (net.Conn, error) { return nil, refused }, nil)

	_, err := p.Get(context.Background(), "127.0.0.1:1")
	r.ErrorIs(err, refused)
	r.Contains(err.Error(), "dial 127.0.0.1:1")
}

func TestPoolClose(t *testing.T) {
	r := require.New(t)

	addr := listen(t)
	var dials atomic.Int32
	p := newTestPool(1, &dials)

	ct, err := p.Get(context.Background(), addr)
	r.NoError(err)
	r.NoError(p.Close())

	select {
	case <-ct.Done():
	case <-time.After(time.Second):
		t.Fatal("transport still open after pool close")
	}

	_, err = p.Get(context.Background(), addr)
	r.ErrorIs(err, ErrPoolClosed)
}
