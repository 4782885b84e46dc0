package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveHold("ok")
	m.ObserveHold("ok")
	m.ObserveHold("conflict")
	m.ObserveExpiredHolds(3)
	m.ObserveExpiredHolds(0)
	m.ObserveRegeneration(nil)
	m.ObserveRegeneration(errors.New("boom"))

	if got := testutil.ToFloat64(m.holdsTotal.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 successful holds, got %v", got)
	}
	if got := testutil.ToFloat64(m.holdsExpiredTotal); got != 3 {
		t.Fatalf("expected 3 expired holds, got %v", got)
	}
	if got := testutil.ToFloat64(m.regenerationsTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed regeneration, got %v", got)
	}
}

func TestMetricsObserveAll(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveTransition("held", "awaiting-payment")
	m.ObservePayment("paid")
	m.ObserveSession("active")
	m.ObserveHTTP("GET", "/health", "200", 0.01)
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveHold("ok")
	m.ObserveTransition("a", "b")
	m.ObservePayment("paid")
	m.ObserveExpiredHolds(1)
	m.ObserveRegeneration(nil)
	m.ObserveSession("ended")
	m.ObserveHTTP("GET", "/", "200", 0.1)
}
