package pool

import "sync/atomic"

// Handle owns one connection taken from a Pool. Release returns it; the
// handle must not be used afterwards.
//
//	h, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
type Handle[C Connection] struct {
	pool     *Pool[C]
	conn     C
	released atomic.Bool
}

// Conn returns the underlying connection.
func (h *Handle[C]) Conn() C {
	return h.conn
}

// Release hands the connection back to the pool, or drops it if it broke
// while in use. It is safe to call more than once and on a nil handle.
func (h *Handle[C]) Release() {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return
	}
	h.pool.release(h.conn)
}

// Released reports whether Release has been called.
func (h *Handle[C]) Released() bool {
	return h.released.Load()
}
