// Prometheus text exposition for the calibration core
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// MetricType is the exposition TYPE of a metric.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

var typeNames = [...]string{"counter", "gauge", "histogram"}

func (t MetricType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "unknown"
}

// Labels is one label set of a metric.
type Labels map[string]string

func (l Labels) keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Key identifies the label set independent of map order.
func (l Labels) Key() string {
	parts := make([]string, 0, len(l))
	for _, k := range l.keys() {
		parts = append(parts, k+"="+l[k])
	}
	return strings.Join(parts, ",")
}

// String renders {k="v",...}, or nothing for an empty set.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	parts := make([]string, 0, len(l))
	for _, k := range l.keys() {
		parts = append(parts, k+`="`+escapeLabel(l[k])+`"`)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (l Labels) with(k, v string) Labels {
	out := make(Labels, len(l)+1)
	for lk, lv := range l {
		out[lk] = lv
	}
	out[k] = v
	return out
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabel(s string) string { return labelEscaper.Replace(s) }

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// Metric is anything the registry can expose.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	Write(sb *strings.Builder)
}

// desc is the common part of every metric. It keeps one value per label
// set, created on first use.
type desc[V any] struct {
	name, help string
	typ        MetricType

	mu     sync.Mutex
	series map[string]*entry[V]
}

type entry[V any] struct {
	labels Labels
	value  V
}

func (d *desc[V]) Name() string     { return d.name }
func (d *desc[V]) Help() string     { return d.help }
func (d *desc[V]) Type() MetricType { return d.typ }

// update runs fn on the series for labels under the lock.
func (d *desc[V]) update(labels Labels, init func() V, fn func(*V)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.series == nil {
		d.series = make(map[string]*entry[V])
	}
	key := labels.Key()
	e, ok := d.series[key]
	if !ok {
		e = &entry[V]{labels: maps.Clone(labels)}
		if init != nil {
			e.value = init()
		}
		d.series[key] = e
	}
	fn(&e.value)
}

// view runs fn on an existing series under the lock.
func (d *desc[V]) view(labels Labels, fn func(V)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.series[labels.Key()]; ok {
		fn(e.value)
	}
}

// each visits the series in key order under the lock.
func (d *desc[V]) each(sb *strings.Builder, fn func(Labels, V)) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, d.typ)
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.series))
	for k := range d.series {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fn(d.series[k].labels, d.series[k].value)
	}
}

// Counter only goes up.
type Counter struct{ desc[uint64] }

// NewCounter creates a counter.
func NewCounter(name, help string) *Counter {
	return &Counter{desc[uint64]{name: name, help: help, typ: TypeCounter}}
}

// Inc adds one.
func (c *Counter) Inc(labels Labels) { c.Add(labels, 1) }

// Add adds delta.
func (c *Counter) Add(labels Labels, delta uint64) {
	c.update(labels, nil, func(v *uint64) { *v += delta })
}

// Get returns the count for labels, zero if never touched.
func (c *Counter) Get(labels Labels) (n uint64) {
	c.view(labels, func(v uint64) { n = v })
	return n
}

func (c *Counter) Write(sb *strings.Builder) {
	c.each(sb, func(l Labels, v uint64) { fmt.Fprintf(sb, "%s%s %d\n", c.name, l, v) })
}

// Gauge holds the last value set.
type Gauge struct{ desc[float64] }

// NewGauge creates a gauge.
func NewGauge(name, help string) *Gauge {
	return &Gauge{desc[float64]{name: name, help: help, typ: TypeGauge}}
}

// Set replaces the value.
func (g *Gauge) Set(labels Labels, value float64) {
	g.update(labels, nil, func(v *float64) { *v = value })
}

// Add shifts the value by delta.
func (g *Gauge) Add(labels Labels, delta float64) {
	g.update(labels, nil, func(v *float64) { *v += delta })
}

// Get returns the value for labels, zero if never set.
func (g *Gauge) Get(labels Labels) (x float64) {
	g.view(labels, func(v float64) { x = v })
	return x
}

func (g *Gauge) Write(sb *strings.Builder) {
	g.each(sb, func(l Labels, v float64) { fmt.Fprintf(sb, "%s%s %s\n", g.name, l, formatFloat(v)) })
}

// Histogram counts observations into fixed upper bounds.
type Histogram struct {
	desc[histogramValue]
	bounds []float64
}

type histogramValue struct {
	count  uint64
	sum    float64
	counts []uint64 // per bucket, not cumulative
}

// NewHistogram creates a histogram; bounds need not be sorted.
func NewHistogram(name, help string, bounds []float64) *Histogram {
	b := slices.Clone(bounds)
	slices.Sort(b)
	return &Histogram{desc: desc[histogramValue]{name: name, help: help, typ: TypeHistogram}, bounds: b}
}

// LinearBuckets returns count bounds spaced width apart from start.
func LinearBuckets(start, width float64, count int) []float64 {
	b := make([]float64, count)
	for i := range b {
		b[i] = start + float64(i)*width
	}
	return b
}

// Observe records one value.
func (h *Histogram) Observe(labels Labels, value float64) {
	init := func() histogramValue { return histogramValue{counts: make([]uint64, len(h.bounds))} }
	h.update(labels, init, func(v *histogramValue) {
		v.count++
		v.sum += value
		if i, _ := slices.BinarySearch(h.bounds, value); i < len(h.bounds) {
			v.counts[i]++
		}
	})
}

// HistogramSnapshot is one series at a point in time.
type HistogramSnapshot struct {
	Count   uint64
	Sum     float64
	Buckets map[float64]uint64 // cumulative
}

func (h *Histogram) cumulative(v histogramValue) []uint64 {
	out := make([]uint64, len(h.bounds))
	var n uint64
	for i := range h.bounds {
		n += v.counts[i]
		out[i] = n
	}
	return out
}

// GetSnapshot returns the series for labels.
func (h *Histogram) GetSnapshot(labels Labels) HistogramSnapshot {
	snap := HistogramSnapshot{Buckets: make(map[float64]uint64, len(h.bounds))}
	h.view(labels, func(v histogramValue) {
		snap.Count, snap.Sum = v.count, v.sum
		for i, n := range h.cumulative(v) {
			snap.Buckets[h.bounds[i]] = n
		}
	})
	return snap
}

func (h *Histogram) Write(sb *strings.Builder) {
	h.each(sb, func(l Labels, v histogramValue) {
		for i, n := range h.cumulative(v) {
			fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", formatFloat(h.bounds[i])), n)
		}
		fmt.Fprintf(sb, "%s_bucket%s %d\n", h.name, l.with("le", "+Inf"), v.count)
		fmt.Fprintf(sb, "%s_sum%s %s\n", h.name, l, formatFloat(v.sum))
		fmt.Fprintf(sb, "%s_count%s %d\n", h.name, l, v.count)
	})
}

// Registry exposes metrics in registration order.
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]Metric
	ordered []Metric
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Metric)}
}

// Register adds m; names must be unique.
func (r *Registry) Register(m Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[m.Name()]; dup {
		return fmt.Errorf("metric %q already registered", m.Name())
	}
	r.byName[m.Name()] = m
	r.ordered = append(r.ordered, m)
	return nil
}

// MustRegister is Register that panics on a duplicate.
func (r *Registry) MustRegister(m Metric) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Get returns the metric named name, or nil.
func (r *Registry) Get(name string) Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// Gather renders every metric.
func (r *Registry) Gather() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sb strings.Builder
	for _, m := range r.ordered {
		m.Write(&sb)
	}
	return sb.String()
}
