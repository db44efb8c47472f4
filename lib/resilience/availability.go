package resilience

import (
	"fmt"
	"sync/atomic"
	"time"

	apperrors "github.com/go-i2p/netcore/lib/errors"
)

// Default availability settings.
const (
	DefaultUnavailableThreshold = 60 * time.Second
	DefaultMaintenanceInterval  = 2 * time.Second
)

// AvailabilityMonitor tracks when a pooled endpoint last answered.
//
// The endpoint is available if nothing was ever attempted, or if the most
// recent success is younger than the threshold. Failures alone never flip
// the state back; only the age of the last success matters once any
// communication has happened.
type AvailabilityMonitor struct {
	threshold time.Duration
	now       func() time.Time

	// unix nanoseconds, zero means never
	lastSuccess atomic.Int64
	lastFailure atomic.Int64
}

// MonitorOption configures an AvailabilityMonitor.
type MonitorOption func(*AvailabilityMonitor)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *AvailabilityMonitor) {
		m.now = now
	}
}

// NewAvailabilityMonitor creates a monitor. The threshold must be strictly
// greater than the maintenance interval, otherwise an idle but healthy pool
// whose only traffic is the maintenance ping would flap.
func NewAvailabilityMonitor(threshold, maintenanceInterval time.Duration, opts ...MonitorOption) (*AvailabilityMonitor, error) {
	if threshold <= maintenanceInterval {
		return nil, fmt.Errorf("%w: unavailable threshold %s must exceed maintenance interval %s",
			apperrors.ErrConfiguration, threshold, maintenanceInterval)
	}
	m := &AvailabilityMonitor{
		threshold: threshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AccountSuccess records a successful exchange with the endpoint.
func (m *AvailabilityMonitor) AccountSuccess() {
	m.lastSuccess.Store(m.now().UnixNano())
}

// AccountFailure records a failed exchange with the endpoint.
func (m *AvailabilityMonitor) AccountFailure() {
	m.lastFailure.Store(m.now().UnixNano())
}

// IsAvailable reports whether the endpoint is considered reachable.
func (m *AvailabilityMonitor) IsAvailable() bool {
	success := m.lastSuccess.Load()
	if success == 0 {
		return m.lastFailure.Load() == 0
	}
	return m.now().UnixNano()-success < int64(m.threshold)
}

// LastSuccess returns the time of the last success, or the zero time.
func (m *AvailabilityMonitor) LastSuccess() time.Time {
	return fromNanos(m.lastSuccess.Load())
}

// LastFailure returns the time of the last failure, or the zero time.
func (m *AvailabilityMonitor) LastFailure() time.Time {
	return fromNanos(m.lastFailure.Load())
}

// Threshold returns the staleness threshold.
func (m *AvailabilityMonitor) Threshold() time.Duration {
	return m.threshold
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
