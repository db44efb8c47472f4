package server

import (
	"net"
	"sync"
	"sync/atomic"

	apperrors "github.com/go-i2p/netcore/lib/errors"
)

// DefaultMaxConnections is the default maximum concurrent connections.
const DefaultMaxConnections = 1024

// ErrTooManyConnections is reported when the connection limit is reached.
var ErrTooManyConnections = apperrors.ErrTooManyConnections

// ConnectionLimiter caps the number of concurrently served sockets.
type ConnectionLimiter struct {
	maxConns    atomic.Int32
	activeConns atomic.Int32
	mu          sync.RWMutex
	onReject    func(addr net.Addr)
}

// NewConnectionLimiter creates a limiter. maxConns <= 0 selects
// DefaultMaxConnections.
func NewConnectionLimiter(maxConns int) *ConnectionLimiter {
	cl := &ConnectionLimiter{}
	cl.SetMaxConnections(maxConns)
	return cl
}

// SetOnReject sets a callback invoked with the peer address of every
// refused connection.
func (cl *ConnectionLimiter) SetOnReject(fn func(addr net.Addr)) {
	cl.mu.Lock()
	cl.onReject = fn
	cl.mu.Unlock()
}

// Acquire takes a slot, reporting false when none is free.
func (cl *ConnectionLimiter) Acquire() bool {
	for {
		current := cl.activeConns.Load()
		if current >= cl.maxConns.Load() {
			return false
		}
		if cl.activeConns.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release frees a slot.
func (cl *ConnectionLimiter) Release() {
	cl.activeConns.Add(-1)
}

// TryAccept takes a slot for conn. Over the limit, conn is closed and
// false is returned. The caller releases the slot when it is done with conn.
func (cl *ConnectionLimiter) TryAccept(conn net.Conn) bool {
	if cl.Acquire() {
		return true
	}

	cl.mu.RLock()
	onReject := cl.onReject
	cl.mu.RUnlock()
	if onReject != nil {
		onReject(conn.RemoteAddr())
	}
	_ = conn.Close()
	return false
}

// ActiveConnections returns the number of held slots.
func (cl *ConnectionLimiter) ActiveConnections() int {
	return int(cl.activeConns.Load())
}

// MaxConnections returns the limit.
func (cl *ConnectionLimiter) MaxConnections() int {
	return int(cl.maxConns.Load())
}

// SetMaxConnections changes the limit at runtime. Connections above a
// lowered limit are not closed.
func (cl *ConnectionLimiter) SetMaxConnections(max int) {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	cl.maxConns.Store(int32(max))
}
