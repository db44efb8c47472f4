package pool

import (
	"strings"

	"github.com/go-i2p/netcore/lib/metrics"
)

// poolMetrics are the metric families of one pool. Names embed the pool
// name since the registry has no labels.
type poolMetrics struct {
	maxSize        *metrics.Gauge
	size           *metrics.Gauge
	idle           *metrics.Gauge
	active         *metrics.Gauge
	busy           *metrics.Gauge
	available      *metrics.Gauge
	created        *metrics.Counter
	closed         *metrics.Counter
	overload       *metrics.Counter
	dialFailures   *metrics.Counter
	acquireLatency *metrics.Histogram
}

func newPoolMetrics(name string) *poolMetrics {
	r := metrics.Default()
	prefix := "netcore_pool_" + metricName(name) + "_"
	return &poolMetrics{
		maxSize:        r.Gauge(prefix+"connections_max", "Maximum number of connections in the pool"),
		size:           r.Gauge(prefix+"connections_size", "Connections queued or handed out"),
		idle:           r.Gauge(prefix+"connections_idle", "Connections waiting in the queue"),
		active:         r.Gauge(prefix+"connections_active", "Connections created and not yet closed"),
		busy:           r.Gauge(prefix+"connections_busy", "Connections handed out to callers"),
		available:      r.Gauge(prefix+"available", "Whether the endpoint answered recently (1=yes, 0=no)"),
		created:        r.Counter(prefix+"connections_created_total", "Total connections dialed"),
		closed:         r.Counter(prefix+"connections_closed_total", "Total connections dropped"),
		overload:       r.Counter(prefix+"overload_total", "Acquire calls rejected for lack of a slot"),
		dialFailures:   r.Counter(prefix+"dial_failures_total", "Failed connection attempts"),
		acquireLatency: r.Histogram(prefix+"acquire_duration_seconds", "Time spent acquiring a connection", metrics.DefaultLatencyBuckets),
	}
}

// metricName maps a pool name onto the metric name alphabet.
func metricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, name)
}

// UpdateMetrics refreshes the pool gauges from Stats. Maintenance calls it
// every tick.
func (p *Pool[C]) UpdateMetrics() {
	stats := p.Stats()
	p.metrics.maxSize.Set(int64(stats.MaxSize))
	p.metrics.size.Set(int64(stats.Size))
	p.metrics.idle.Set(int64(stats.Idle))
	p.metrics.active.Set(stats.Active)
	p.metrics.busy.Set(stats.Busy)
	if stats.Available {
		p.metrics.available.Set(1)
	} else {
		p.metrics.available.Set(0)
	}
}
