package pending

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hack0303/ice/callback"
	"github.com/hack0303/ice/errs"
)

type recorder struct {
	mu       sync.Mutex
	results  [][]byte
	failures []errs.Failure
}

func (h *recorder) Response(result []byte) {
	h.mu.Lock()
	h.results = append(h.results, result)
	h.mu.Unlock()
}

func (h *recorder) Exception(f errs.Failure) {
	h.mu.Lock()
	h.failures = append(h.failures, f)
	h.mu.Unlock()
}

func (h *recorder) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.results) + len(h.failures)
}

func TestRegisterResolve(t *testing.T) {
	t.Run("resolves once", func(t *testing.T) {
		r := require.New(t)

		tbl := NewTable()
		h := &recorder{}
		r.NoError(tbl.Register(&Invocation{ID: 42, Conn: "c1", Handler: h}))

		res, err := tbl.Resolve(42, callback.Success([]byte{1, 2, 3}))
		r.NoError(err)
		res.Fire()

		_, err = tbl.Resolve(42, callback.Success([]byte{4}))
		r.ErrorIs(err, ErrUnknownIdentity)

		r.Equal([][]byte{{1, 2, 3}}, h.results)
		r.Zero(tbl.Len())
	})

	t.Run("duplicate identity leaves the table intact", func(t *testing.T) {
		r := require.New(t)

		tbl := NewTable()
		first := &recorder{}
		r.NoError(tbl.Register(&Invocation{ID: 7, Handler: first}))
		r.ErrorIs(tbl.Register(&Invocation{ID: 7, Handler: &recorder{}}), ErrDuplicateIdentity)

		res, err := tbl.Resolve(7, callback.Success(nil))
		r.NoError(err)
		r.Same(first, res.Handler)
	})

	t.Run("allocate skips live identities", func(t *testing.T) {
		r := require.New(t)

		tbl := NewTable()
		r.NoError(tbl.Register(&Invocation{ID: 1}))
		r.NoError(tbl.Register(&Invocation{ID: 2}))

		id, err := tbl.Allocate(&Invocation{})
		r.NoError(err)
		r.Equal(ID(3), id)
	})

	t.Run("allocate wraps without handing out zero", func(t *testing.T) {
		r := require.New(t)

		tbl := NewTable()
		tbl.next = ^ID(0)

		id, err := tbl.Allocate(&Invocation{})
		r.NoError(err)
		r.Equal(ID(1), id)
	})
}

func TestExpire(t *testing.T) {
	r := require.New(t)

	tbl := NewTable()
	h := &recorder{}
	r.NoError(tbl.Register(&Invocation{ID: 7, Op: "Arith.Slow", Handler: h}))

	res, err := tbl.Expire(7)
	r.NoError(err)
	res.Fire()

	_, err = tbl.Expire(7)
	r.ErrorIs(err, ErrUnknownIdentity)

	r.Len(h.failures, 1)
	le, ok := h.failures[0].(*errs.LocalError)
	r.True(ok)
	r.Equal(errs.LocalTimeout, le.Code)
	r.Equal("Arith.Slow", le.Op)
}

func TestAttach(t *testing.T) {
	r := require.New(t)

	tbl := NewTable()
	inv := &Invocation{ID: 1}
	r.NoError(tbl.Register(inv))

	var stopped int
	r.True(tbl.Attach(inv, func() bool { stopped++; return true }))
	r.False(tbl.Attach(&Invocation{ID: 1}, func() bool { stopped++; return true }))
	r.False(tbl.Attach(&Invocation{ID: 2}, func() bool { stopped++; return true }))

	_, err := tbl.Resolve(1, callback.Success(nil))
	r.NoError(err)
	r.Equal(1, stopped)
}

func TestResolveInvocationIgnoresReusedIdentity(t *testing.T) {
	r := require.New(t)

	tbl := NewTable()
	old := &Invocation{ID: 5, Op: "Arith.Add"}
	r.NoError(tbl.Register(old))
	_, err := tbl.Resolve(5, callback.Success(nil))
	r.NoError(err)

	current := &Invocation{ID: 5, Op: "Arith.Add"}
	r.NoError(tbl.Register(current))

	_, err = tbl.ResolveInvocation(old, callback.Success(nil))
	r.ErrorIs(err, ErrUnknownIdentity)
	_, err = tbl.ExpireInvocation(old)
	r.ErrorIs(err, ErrUnknownIdentity)
	r.Equal(1, tbl.Len())

	res, err := tbl.ExpireInvocation(current)
	r.NoError(err)
	r.Same(current, res.Invocation)
	r.Zero(tbl.Len())
}

func TestCancelAll(t *testing.T) {
	r := require.New(t)

	tbl := NewTable()
	lost := []*recorder{{}, {}, {}}
	other := &recorder{}

	for i, h := range lost {
		r.NoError(tbl.Register(&Invocation{ID: ID(i + 1), Conn: "a", Op: "Arith.Add", Handler: h}))
	}
	r.NoError(tbl.Register(&Invocation{ID: 9, Conn: "b", Handler: other}))

	outcome := callback.Failed(errs.NewLocal(errs.LocalConnectionLost, "", nil))
	resolved := tbl.CancelAll("a", outcome)
	r.Len(resolved, 3)
	for _, res := range resolved {
		res.Fire()
	}

	for _, h := range lost {
		r.Len(h.failures, 1)
		le := h.failures[0].(*errs.LocalError)
		r.Equal(errs.LocalConnectionLost, le.Code)
		r.Equal("Arith.Add", le.Op)
	}
	r.Zero(other.calls())
	r.Equal(1, tbl.Len())
	r.Equal(1, tbl.Owned("b"))
	r.Zero(tbl.Owned("a"))
}

func TestClose(t *testing.T) {
	r := require.New(t)

	tbl := NewTable()
	r.NoError(tbl.Register(&Invocation{ID: 1, Conn: "a", Handler: &recorder{}}))
	r.NoError(tbl.Register(&Invocation{ID: 2, Conn: "b", Handler: &recorder{}}))

	resolved := tbl.Close(callback.Failed(errs.NewLocal(errs.LocalShutdown, "", nil)))
	r.Len(resolved, 2)
	r.Empty(tbl.Close(callback.Success(nil)))

	r.ErrorIs(tbl.Register(&Invocation{ID: 3}), ErrClosed)
	_, err := tbl.Allocate(&Invocation{})
	r.ErrorIs(err, ErrClosed)
}

func TestConcurrentNoCrossDelivery(t *testing.T) {
	r := require.New(t)

	const n = 500
	tbl := NewTable()
	handlers := make([]*recorder, n)
	ids := make([]ID, n)

	var wg sync.WaitGroup
	for i := range n {
		handlers[i] = &recorder{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := tbl.Allocate(&Invocation{Handler: handlers[i]})
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := range n {
		wg.Add(2)
		// A reply and an expiry race for every identity.
		go func(i int) {
			defer wg.Done()
			if res, err := tbl.Resolve(ids[i], callback.Success([]byte{byte(i), byte(i >> 8)})); err == nil {
				res.Fire()
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if res, err := tbl.Expire(ids[i]); err == nil {
				res.Fire()
			}
		}(i)
	}
	wg.Wait()

	for i, h := range handlers {
		r.Equal(1, h.calls(), "handler %d", i)
		if len(h.results) == 1 {
			r.Equal([]byte{byte(i), byte(i >> 8)}, h.results[0])
		}
	}
	r.Zero(tbl.Len())
}
