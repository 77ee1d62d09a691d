package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// Dialer opens a connection to addr.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// DialTCP is the default Dialer.
func DialTCP(timeout time.Duration) Dialer {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Pool keeps up to size multiplexed transports per address and hands them out
// round-robin. Transports are shared, not borrowed: one transport carries many
// calls at once. Closed transports are dropped and replaced lazily.
type Pool struct {
	mu           sync.Mutex
	size         int
	dial         Dialer
	newTransport func(net.Conn) *ClientTransport
	transports   map[string][]*ClientTransport
	next         map[string]int
	closed       bool
}

// NewPool creates an empty pool. newTransport wraps each dialed connection.
func NewPool(size int, dial Dialer, newTransport func(net.Conn) *ClientTransport) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:         size,
		dial:         dial,
		newTransport: newTransport,
		transports:   make(map[string][]*ClientTransport),
		next:         make(map[string]int),
	}
}

// Get returns a live transport to addr, dialing one if the pool for addr is
// not full yet.
func (p *Pool) Get(ctx context.Context, addr string) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	live := p.prune(addr)
	if len(live) >= p.size {
		t := p.pick(addr, live)
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	// Dial without the lock so one slow address does not stall the others.
	conn, err := p.dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	t := p.newTransport(conn)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		t.Close()
		return nil, ErrPoolClosed
	}
	live = p.prune(addr)
	if len(live) >= p.size {
		// Lost a race with another dial; keep the pool at size.
		t.Close()
		return p.pick(addr, live), nil
	}
	p.transports[addr] = append(live, t)
	return t, nil
}

func (p *Pool) prune(addr string) []*ClientTransport {
	current := p.transports[addr]
	live := current[:0]
	for _, t := range current {
		if !t.Closed() {
			live = append(live, t)
		}
	}
	clear(current[len(live):])
	p.transports[addr] = live
	return live
}

func (p *Pool) pick(addr string, live []*ClientTransport) *ClientTransport {
	i := p.next[addr] % len(live)
	p.next[addr] = i + 1
	return live[i]
}

// Len reports the number of live transports to addr.
func (p *Pool) Len(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.prune(addr))
}

// Close closes every transport. Their outstanding calls fail with a local
// connection-lost failure.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	all := p.transports
	p.transports = make(map[string][]*ClientTransport)
	p.mu.Unlock()

	for _, ts := range all {
		for _, t := range ts {
			t.Close()
		}
	}
	return nil
}
