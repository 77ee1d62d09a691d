// Package pending implements the table of outstanding twoway invocations.
//
// The table correlates a reply arriving on some connection with the handler the
// caller registered. Every way an invocation can end (reply, timeout,
// cancellation, connection loss, shutdown) goes through the same atomic
// remove, so exactly one of them wins:
//
//	Register ──► map[id] ──► Resolve / Expire / CancelAll / Close ──► Resolution.Fire()
//	                              (under mu)                          (outside mu)
//
// The table never calls handlers. It hands back Resolutions and the caller
// fires them after the lock is released, so a handler that issues a new call
// cannot deadlock on the table.
package pending

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hack0303/ice/callback"
	"github.com/hack0303/ice/errs"
)

var (
	// ErrDuplicateIdentity means an identity was registered while still live.
	ErrDuplicateIdentity = errors.New("pending: duplicate identity")
	// ErrUnknownIdentity means the identity is not live: a late or duplicate
	// reply, or one that lost the race to a timeout or cancellation.
	ErrUnknownIdentity = errors.New("pending: unknown identity")
	// ErrClosed means the table has been torn down.
	ErrClosed = errors.New("pending: table closed")
	// ErrExhausted means every identity is live.
	ErrExhausted = errors.New("pending: identities exhausted")
)

// ID correlates a request with its reply. It is the frame sequence number.
type ID uint32

// ConnID names the connection an invocation was sent on.
type ConnID string

// Invocation is the record of one outstanding twoway call.
type Invocation struct {
	ID       ID
	Conn     ConnID
	Op       string // "Service.Method"
	Handler  callback.Handler
	Deadline time.Time // zero means none
	Started  time.Time

	stops []func() bool
}

// Resolution pairs a removed invocation with the outcome it ended with.
type Resolution struct {
	*Invocation
	Outcome callback.Outcome
}

// Fire hands the outcome to the handler. Call it without holding any lock.
func (r Resolution) Fire() {
	r.Outcome.Deliver(r.Handler)
}

// Table is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	entries map[ID]*Invocation
	next    ID
	closed  bool
}

func NewTable() *Table {
	return &Table{entries: make(map[ID]*Invocation)}
}

// Register inserts inv under inv.ID.
func (t *Table) Register(inv *Invocation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if _, ok := t.entries[inv.ID]; ok {
		return ErrDuplicateIdentity
	}
	t.insert(inv)
	return nil
}

// Allocate picks the next identity that is not live, stores it in inv.ID and
// registers inv. Zero is never handed out.
func (t *Table) Allocate(inv *Invocation) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	// With fewer than 2^32-1 live entries a free id exists; bound the scan anyway.
	for range len(t.entries) + 1 {
		t.next++
		if t.next == 0 {
			t.next = 1
		}
		if _, ok := t.entries[t.next]; !ok {
			inv.ID = t.next
			t.insert(inv)
			return inv.ID, nil
		}
	}
	return 0, ErrExhausted
}

func (t *Table) insert(inv *Invocation) {
	if inv.Started.IsZero() {
		inv.Started = time.Now()
	}
	inv.stops = nil
	t.entries[inv.ID] = inv
}

// Attach ties stop to inv while inv is live; stop runs when inv is removed,
// whichever way. It returns false, without calling stop, if inv is no longer
// the entry registered under inv.ID.
func (t *Table) Attach(inv *Invocation, stop func() bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries[inv.ID] != inv {
		return false
	}
	inv.stops = append(inv.stops, stop)
	return true
}

// Resolve removes id and returns it paired with outcome. Once Resolve returns,
// no other caller can observe or resolve id again.
func (t *Table) Resolve(id ID, outcome callback.Outcome) (Resolution, error) {
	return t.remove(id, nil, outcome)
}

// ResolveInvocation is Resolve for a caller holding the record itself, such
// as a timer armed at registration. It fails with ErrUnknownIdentity once inv
// is gone, even if a newer invocation has since been registered under inv.ID.
func (t *Table) ResolveInvocation(inv *Invocation, outcome callback.Outcome) (Resolution, error) {
	return t.remove(inv.ID, inv, outcome)
}

// remove deletes id, and only if it is still want when want is set.
func (t *Table) remove(id ID, want *Invocation, outcome callback.Outcome) (Resolution, error) {
	t.mu.Lock()
	inv, ok := t.entries[id]
	if ok && want != nil && inv != want {
		ok = false
	}
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if !ok {
		return Resolution{}, ErrUnknownIdentity
	}
	inv.stop()
	return Resolution{Invocation: inv, Outcome: outcome}, nil
}

// Expire resolves id with a local timeout failure.
func (t *Table) Expire(id ID) (Resolution, error) {
	t.mu.Lock()
	inv, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return Resolution{}, ErrUnknownIdentity
	}
	// inv.Op is immutable once registered; the removal re-checks that inv is live.
	return t.ExpireInvocation(inv)
}

// ExpireInvocation resolves inv with a local timeout failure if it is still live.
func (t *Table) ExpireInvocation(inv *Invocation) (Resolution, error) {
	return t.ResolveInvocation(inv, callback.Failed(errs.NewLocal(errs.LocalTimeout, inv.Op, nil)))
}

// CancelAll removes every invocation owned by conn, in no particular order.
func (t *Table) CancelAll(conn ConnID, outcome callback.Outcome) []Resolution {
	t.mu.Lock()
	var removed []*Invocation
	for id, inv := range t.entries {
		if inv.Conn == conn {
			removed = append(removed, inv)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()

	return resolutions(removed, outcome)
}

// Close drains the table and rejects later registrations. Calling it again
// returns nothing.
func (t *Table) Close(outcome callback.Outcome) []Resolution {
	t.mu.Lock()
	t.closed = true
	removed := make([]*Invocation, 0, len(t.entries))
	for _, inv := range t.entries {
		removed = append(removed, inv)
	}
	clear(t.entries)
	t.mu.Unlock()

	return resolutions(removed, outcome)
}

// Len reports the number of outstanding invocations.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Owned reports the number of outstanding invocations sent on conn.
func (t *Table) Owned(conn ConnID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, inv := range t.entries {
		if inv.Conn == conn {
			n++
		}
	}
	return n
}

func resolutions(removed []*Invocation, outcome callback.Outcome) []Resolution {
	out := make([]Resolution, 0, len(removed))
	for _, inv := range removed {
		inv.stop()
		out = append(out, Resolution{Invocation: inv, Outcome: withOp(outcome, inv.Op)})
	}
	return out
}

// withOp stamps op onto a shared local failure so each handler sees its own call.
func withOp(o callback.Outcome, op string) callback.Outcome {
	if le, ok := o.Failure.(*errs.LocalError); ok && le.Op == "" && op != "" {
		cp := *le
		cp.Op = op
		o.Failure = &cp
	}
	return o
}

func (inv *Invocation) stop() {
	for _, s := range inv.stops {
		s()
	}
	inv.stops = nil
}
