package resilience

import (
	"github.com/go-i2p/netcore/lib/metrics"
)

// Breaker metrics, shared by every breaker in the process.
var (
	BreakerTrips = metrics.NewCounter(
		"netcore_breaker_trips_total",
		"Total number of times dial circuit breakers have opened",
	)

	BreakerOpen = metrics.NewGauge(
		"netcore_breakers_open",
		"Number of dial circuit breakers currently open",
	)
)

// MetricsCallback is an OnStateChange callback that keeps the breaker
// metrics current.
func MetricsCallback(from, to CircuitState) {
	if to == CircuitOpen {
		BreakerTrips.Inc()
		BreakerOpen.Inc()
	}
	if from == CircuitOpen {
		BreakerOpen.Dec()
	}
}
