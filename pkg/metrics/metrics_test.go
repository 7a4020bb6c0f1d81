// Unit tests for Prometheus metrics implementation
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCounterWithLabels(t *testing.T) {
	c := NewCounter("requests_total", "Total requests")
	get := Labels{"method": "GET"}

	c.Inc(get)
	c.Add(get, 4)
	c.Inc(Labels{"method": "POST"})

	if v := c.Get(get); v != 5 {
		t.Errorf("GET = %d, want 5", v)
	}
	if v := c.Get(Labels{"method": "PUT"}); v != 0 {
		t.Errorf("PUT = %d, want 0", v)
	}
	if c.Type() != TypeCounter || c.Type().String() != "counter" {
		t.Errorf("type = %v", c.Type())
	}
}

func TestCounterConcurrency(t *testing.T) {
	c := NewCounter("concurrent_counter", "Test concurrent access")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Inc(nil)
			}
		}()
	}
	wg.Wait()
	if v := c.Get(nil); v != 10000 {
		t.Errorf("count = %d, want 10000", v)
	}
}

func TestGauge(t *testing.T) {
	g := NewGauge("temp", "Temperature")
	g.Set(nil, 20)
	g.Add(nil, 2.5)
	if v := g.Get(nil); v != 22.5 {
		t.Errorf("gauge = %v, want 22.5", v)
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := NewHistogram("latency", "Latency", []float64{1, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.2, 0.3, 0.7, 3} {
		h.Observe(nil, v)
	}
	s := h.GetSnapshot(nil)
	if s.Count != 5 {
		t.Errorf("count = %d", s.Count)
	}
	want := map[float64]uint64{0.1: 1, 0.5: 3, 1: 4}
	for bound, n := range want {
		if s.Buckets[bound] != n {
			t.Errorf("bucket le=%v = %d, want %d", bound, s.Buckets[bound], n)
		}
	}
	if got := h.GetSnapshot(Labels{"x": "y"}); got.Count != 0 {
		t.Errorf("unknown series count = %d", got.Count)
	}
}

func TestRegistryGather(t *testing.T) {
	r := NewRegistry()
	c := NewCounter("b_total", "B")
	g := NewGauge("a_value", "A")
	r.MustRegister(c)
	r.MustRegister(g)
	if err := r.Register(NewCounter("b_total", "dup")); err == nil {
		t.Error("duplicate registration should fail")
	}

	c.Inc(Labels{"k": `q"uote`})
	g.Set(nil, 1.5)
	out := r.Gather()

	for _, want := range []string{
		"# TYPE b_total counter",
		`b_total{k="q\"uote"} 1`,
		"# HELP a_value A",
		"a_value 1.5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "b_total") > strings.Index(out, "a_value") {
		t.Error("registration order not preserved")
	}
}

func TestDeltaMetrics(t *testing.T) {
	m := NewDeltaMetrics()
	m.RecordHoming(true, 3*time.Second)
	m.RecordHoming(false, time.Second)
	m.SetTowerOffsets([3]int32{8, 0, 5})
	m.RecordRejected("out_of_bounds")
	m.SetEndstops([3]bool{true, false, true}, false)

	if v := m.HomingAttempts.Get(Labels{"result": "success"}); v != 1 {
		t.Errorf("successful homings = %d", v)
	}
	if v := m.Homed.Get(nil); v != 0 {
		t.Errorf("homed after failure = %v", v)
	}
	if v := m.TowerOffset.Get(Labels{"tower": "c"}); v != 5 {
		t.Errorf("tower c offset = %v", v)
	}
	out := m.Gather()
	if !strings.Contains(out, `delta_endstop_hit{endstop="a_max"} 1`) {
		t.Errorf("endstop gauge missing:\n%s", out)
	}
	if !strings.Contains(out, `delta_moves_rejected_total{reason="out_of_bounds"} 1`) {
		t.Errorf("rejection counter missing")
	}
}

func TestNilDeltaMetrics(t *testing.T) {
	var m *DeltaMetrics
	m.RecordHoming(true, time.Second)
	m.RecordMove()
	m.SetGridEnabled(true)
	if m.Gather() != "" {
		t.Error("nil metrics should gather nothing")
	}
}
