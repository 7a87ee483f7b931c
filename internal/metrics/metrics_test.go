package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCounter(t *testing.T) {
	r := NewRegistry("sentryd")
	c := r.Counter("readings_total", "sensor readings", nil)
	c.Inc()
	c.Add(4)
	if got := c.Value(); got != 5 {
		t.Fatalf("counter value %d, want 5", got)
	}

	// Registering the same name returns the same counter.
	if r.Counter("readings_total", "sensor readings", nil) != c {
		t.Fatal("re-registration returned a new counter")
	}
}

func TestCounterLabelVariants(t *testing.T) {
	r := NewRegistry("sentryd")
	ok := r.Counter("integrity_checks_total", "integrity checks", Labels{"result": "ok"})
	bad := r.Counter("integrity_checks_total", "integrity checks", Labels{"result": "corrupted"})
	if ok == bad {
		t.Fatal("distinct label sets must get distinct counters")
	}
	ok.Add(3)
	bad.Inc()
	if ok.Value() != 3 || bad.Value() != 1 {
		t.Fatalf("variant values %d/%d, want 3/1", ok.Value(), bad.Value())
	}
}

func TestGauge(t *testing.T) {
	r := NewRegistry("sentryd")
	g := r.Gauge("security_state", "current state", nil)
	g.Set(2)
	g.Inc()
	g.Dec()
	g.Dec()
	if got := g.Value(); got != 1 {
		t.Fatalf("gauge value %d, want 1", got)
	}
}

func TestHistogram(t *testing.T) {
	r := NewRegistry("sentryd")
	h := r.Histogram("verification_seconds", "full verification time", nil, DurationBuckets)

	h.Observe(0.003)
	h.Observe(0.05)
	h.Observe(3.0)
	if h.Count() != 3 {
		t.Fatalf("count %d, want 3", h.Count())
	}
	mean := h.Mean()
	if mean < 1.0 || mean > 1.1 {
		t.Fatalf("mean %f outside expected range", mean)
	}
}

func TestHistogramTimer(t *testing.T) {
	r := NewRegistry("")
	h := r.Histogram("op_seconds", "operation time", nil, DurationBuckets)

	timer := h.Timer()
	time.Sleep(2 * time.Millisecond)
	d := timer.Stop()
	if d < 2*time.Millisecond {
		t.Fatalf("timer recorded %v, want at least 2ms", d)
	}
	if h.Count() != 1 {
		t.Fatalf("count %d, want 1", h.Count())
	}
}

func TestLabelsStringSorted(t *testing.T) {
	l := Labels{"result": "ok", "component": "integrity"}
	want := `{component="integrity",result="ok"}`
	if got := l.String(); got != want {
		t.Fatalf("labels %s, want %s", got, want)
	}
	if got := (Labels{}).String(); got != "" {
		t.Fatalf("empty labels rendered %q", got)
	}
}

func TestWritePrometheus(t *testing.T) {
	r := NewRegistry("sentryd")
	r.Counter("readings_total", "sensor readings", nil).Add(42)
	r.Gauge("security_state", "current state", nil).Set(1)
	r.Counter("attestations_total", "attestation cycles", Labels{"result": "success"}).Inc()
	h := r.Histogram("verification_seconds", "full verification time", nil, []float64{0.1, 1})
	h.Observe(0.05)
	h.Observe(0.5)

	var sb strings.Builder
	if err := r.WritePrometheus(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()

	for _, want := range []string{
		"# TYPE sentryd_readings_total counter",
		"sentryd_readings_total 42",
		"sentryd_security_state 1",
		`sentryd_attestations_total{result="success"} 1`,
		`sentryd_verification_seconds_bucket{le="0.1"} 1`,
		`sentryd_verification_seconds_bucket{le="1"} 2`,
		`sentryd_verification_seconds_bucket{le="+Inf"} 2`,
		"sentryd_verification_seconds_count 2",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	// Registration order is preserved.
	if strings.Index(out, "sentryd_readings_total") > strings.Index(out, "sentryd_security_state") {
		t.Fatal("metrics not written in registration order")
	}
}
