package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("dial refused")

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := newFakeClock()
	b := NewBreaker("test", BreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         time.Second,
		HalfOpenProbes:   1,
	})
	b.SetClock(clock.Now)
	return b, clock
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker("defaults", BreakerConfig{})
	if b.cfg != DefaultBreakerConfig() {
		t.Errorf("zero config should take defaults, got %+v", b.cfg)
	}
	if b.State() != CircuitClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
	if b.Name() != "defaults" {
		t.Errorf("Name() = %q", b.Name())
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3)

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d rejected early: %v", i, err)
		}
		b.Record(errDial)
	}

	if b.State() != CircuitOpen {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Allow() = %v, want ErrCircuitOpen", err)
	}
	if b.Trips() != 1 {
		t.Errorf("Trips() = %d, want 1", b.Trips())
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.Record(errDial)
	b.Record(errDial)
	b.Record(nil)
	b.Record(errDial)
	b.Record(errDial)

	if b.State() != CircuitClosed {
		t.Errorf("failures are not consecutive, state = %v", b.State())
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.Record(errDial)

	clock.Advance(time.Second)
	if b.State() != CircuitHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", b.State())
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("first probe rejected: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe should be rejected, got %v", err)
	}

	b.Record(nil)
	if b.State() != CircuitClosed {
		t.Errorf("state after successful probe = %v, want closed", b.State())
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.Record(errDial)
	clock.Advance(time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	b.Record(errDial)

	if b.State() != CircuitOpen {
		t.Errorf("state = %v, want open", b.State())
	}
	if b.Trips() != 2 {
		t.Errorf("Trips() = %d, want 2", b.Trips())
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.Record(context.Canceled)
	if b.State() != CircuitClosed {
		t.Errorf("cancellation should not count, state = %v", b.State())
	}
}

func TestBreakerDo(t *testing.T) {
	b, _ := newTestBreaker(1)

	err := b.Do(context.Background(), func(context.Context) error { return errDial })
	if !errors.Is(err, errDial) {
		t.Fatalf("Do() = %v, want errDial", err)
	}

	called := false
	err = b.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open breaker should short-circuit, err=%v called=%v", err, called)
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	b, _ := newTestBreaker(1)

	var transitions []CircuitState
	b.OnStateChange(func(from, to CircuitState) {
		transitions = append(transitions, to)
	})

	b.Record(errDial)
	b.Reset()

	if len(transitions) != 2 || transitions[0] != CircuitOpen || transitions[1] != CircuitClosed {
		t.Errorf("transitions = %v, want [open closed]", transitions)
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
