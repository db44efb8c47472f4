package pool

import "sync/atomic"

// Statistics holds the pool's live counters.
type Statistics struct {
	created  atomic.Uint64
	closed   atomic.Uint64
	overload atomic.Uint64
	active   atomic.Int64
	busy     atomic.Int64
}

// Stats is a point-in-time snapshot of pool statistics.
type Stats struct {
	// Name is the pool name.
	Name string
	// MaxSize is the configured maximum.
	MaxSize int
	// Size is the number of live connections, queued or handed out.
	Size int
	// Idle is the approximate number of queued connections.
	Idle int
	// Created is the total number of connections dialed.
	Created uint64
	// Closed is the total number of connections dropped.
	Closed uint64
	// Active is Created minus Closed.
	Active int64
	// Busy is the number of connections currently handed out.
	Busy int64
	// Overload is the number of Acquire calls rejected for lack of a slot.
	Overload uint64
	// Available mirrors IsAvailable.
	Available bool
}

// Stats returns current pool statistics.
func (p *Pool[C]) Stats() Stats {
	return Stats{
		Name:      p.cfg.Name,
		MaxSize:   p.cfg.MaxSize,
		Size:      int(p.size.Load()),
		Idle:      p.idle.Len(),
		Created:   p.stats.created.Load(),
		Closed:    p.stats.closed.Load(),
		Active:    p.stats.active.Load(),
		Busy:      p.stats.busy.Load(),
		Overload:  p.stats.overload.Load(),
		Available: p.monitor.IsAvailable(),
	}
}
