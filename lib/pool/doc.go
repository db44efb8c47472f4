// Package pool provides a generic pool of connections to one endpoint.
//
// The pool supports:
//   - Bounded admission: at most MaxSize connections are handed out, and at
//     most MaxConnecting dials run on behalf of callers at once
//   - Bounded waiting: Acquire gives up after QueueTimeout with
//     ErrPoolOverloaded, or ErrConnectingOverloaded when only the dial slots
//     were exhausted
//   - Self-reported breakage: a connection that reports IsBroken is closed
//     on release instead of being queued
//   - Maintenance: every MaintenanceInterval one idle connection is pinged
//     and the pool is topped up to InitialSize
//   - Availability: IsAvailable is false once the last successful exchange
//     is older than UnavailableThreshold
//
// # Basic Usage
//
//	factory := dialer.Factory(connector, endpoint)
//
//	cfg := pool.DefaultConfig()
//	cfg.Name = "upstream"
//	cfg.MaxSize = 10
//
//	p, err := pool.New(ctx, factory, cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.StartMaintenance(ctx)
//
//	h, err := p.Acquire(ctx)
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
//
//	// Use h.Conn()...
//
// # Metrics
//
// Each pool registers its families in the default metrics registry under
// netcore_pool_<name>_*: connection gauges (max, size, idle, active, busy),
// availability, created/closed/overload/dial-failure counters and an
// acquire latency histogram.
package pool
