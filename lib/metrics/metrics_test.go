package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	c := NewRegistry().Counter("test_counter", "A test counter")

	if c.Value() != 0 {
		t.Errorf("initial value = %d, want 0", c.Value())
	}

	c.Inc()
	if c.Value() != 1 {
		t.Errorf("after Inc() = %d, want 1", c.Value())
	}

	c.Add(5)
	if c.Value() != 6 {
		t.Errorf("after Add(5) = %d, want 6", c.Value())
	}
}

func TestGauge(t *testing.T) {
	g := NewRegistry().Gauge("test_gauge", "A test gauge")

	g.Set(10)
	g.Inc()
	g.Dec()
	g.Add(-5)
	if g.Value() != 5 {
		t.Errorf("Value() = %d, want 5", g.Value())
	}
}

func TestHistogram(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("test_histogram", "A test histogram", []float64{1.0, 0.1, 5.0, 0.5})

	h.Observe(0.05)
	h.Observe(0.3)
	h.Observe(0.8)
	h.Observe(3.0)
	h.Observe(10.0)

	output := r.Expose()

	if !strings.Contains(output, "# TYPE test_histogram histogram") {
		t.Error("missing TYPE line")
	}
	if !strings.Contains(output, `test_histogram_bucket{le="0.1"} 1`) {
		t.Errorf("wrong 0.1 bucket count, got: %s", output)
	}
	if !strings.Contains(output, `test_histogram_bucket{le="1"} 3`) {
		t.Errorf("buckets should be sorted and cumulative, got: %s", output)
	}
	if !strings.Contains(output, `test_histogram_bucket{le="+Inf"} 5`) {
		t.Errorf("wrong +Inf bucket, got: %s", output)
	}
	if h.Count() != 5 {
		t.Errorf("Count() = %d, want 5", h.Count())
	}
}

func TestHistogramDefaultBuckets(t *testing.T) {
	h := NewRegistry().Histogram("latency", "latency", nil)
	if len(h.buckets) != len(DefaultLatencyBuckets) {
		t.Fatalf("got %d buckets, want %d", len(h.buckets), len(DefaultLatencyBuckets))
	}

	h.ObserveDuration(2 * time.Millisecond)
	h.Since(time.Now())
	if h.Count() != 2 {
		t.Errorf("Count() = %d, want 2", h.Count())
	}
}

func TestRegistryReturnsExisting(t *testing.T) {
	r := NewRegistry()

	a := r.Counter("dup_total", "first")
	b := r.Counter("dup_total", "second")
	if a != b {
		t.Error("registering the same name twice should return the same counter")
	}
}

func TestRegistryExposeSorted(t *testing.T) {
	r := NewRegistry()
	r.Gauge("zz_gauge", "last").Set(42)
	r.Counter("aa_counter", "first").Inc()

	output := r.Expose()

	if !strings.Contains(output, "# HELP aa_counter first") {
		t.Errorf("missing HELP line: %s", output)
	}
	if strings.Index(output, "aa_counter 1") > strings.Index(output, "zz_gauge 42") {
		t.Errorf("metrics should be sorted by name: %s", output)
	}
}

func TestHandler(t *testing.T) {
	r := NewRegistry()
	r.Counter("handler_test_counter", "Test counter").Add(100)

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("Content-Type"); got != ContentType {
		t.Errorf("Content-Type = %q, want %q", got, ContentType)
	}
	if !strings.Contains(w.Body.String(), "handler_test_counter 100") {
		t.Errorf("missing counter in body: %s", w.Body.String())
	}
}

func TestRecordStartTime(t *testing.T) {
	RecordStartTime()

	if StartTime.Value() == 0 {
		t.Error("StartTime should be non-zero after RecordStartTime()")
	}
	if !strings.Contains(Default().Expose(), "netcore_start_time_seconds") {
		t.Error("StartTime should be in the default registry")
	}
}
