// Delta calibration metrics
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"time"
)

// DeltaMetrics holds the metrics of the calibration core. Every method is
// safe on a nil receiver so components may run without metrics.
type DeltaMetrics struct {
	// Homing
	HomingAttempts *Counter
	HomingTime     *Histogram
	TowerOffset    *Gauge
	Homed          *Gauge

	// Motion
	MovesQueued   *Counter
	MovesRejected *Counter
	Position      *Gauge

	// Distortion
	Measurements *Counter
	GridEnabled  *Gauge

	// Endstops
	EndstopState *Gauge

	registry *Registry
}

var towerNames = [3]string{"a", "b", "c"}

// NewDeltaMetrics creates and registers all metrics
func NewDeltaMetrics() *DeltaMetrics {
	m := &DeltaMetrics{
		HomingAttempts: NewCounter("delta_homing_attempts_total",
			"Homing runs by result"),
		HomingTime: NewHistogram("delta_homing_seconds",
			"Duration of homing runs", LinearBuckets(1, 2, 10)),
		TowerOffset: NewGauge("delta_tower_offset_steps",
			"Normalized tower offset from the last successful homing"),
		Homed: NewGauge("delta_homed",
			"1 when the machine is homed"),
		MovesQueued: NewCounter("delta_moves_queued_total",
			"Absolute moves accepted by the motion queue"),
		MovesRejected: NewCounter("delta_moves_rejected_total",
			"Moves dropped by reason"),
		Position: NewGauge("delta_position_mm",
			"Current position in millimeters"),
		Measurements: NewCounter("delta_grid_measurements_total",
			"Distortion measurements by result"),
		GridEnabled: NewGauge("delta_grid_enabled",
			"1 when distortion correction is applied"),
		EndstopState: NewGauge("delta_endstop_hit",
			"1 when the endstop reports hit"),
		registry: NewRegistry(),
	}
	for _, metric := range []Metric{
		m.HomingAttempts, m.HomingTime, m.TowerOffset, m.Homed,
		m.MovesQueued, m.MovesRejected, m.Position,
		m.Measurements, m.GridEnabled, m.EndstopState,
	} {
		m.registry.MustRegister(metric)
	}
	return m
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func result(ok bool) Labels {
	if ok {
		return Labels{"result": "success"}
	}
	return Labels{"result": "failure"}
}

// RecordHoming records a finished homing run
func (m *DeltaMetrics) RecordHoming(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.HomingAttempts.Inc(result(ok))
	m.HomingTime.Observe(nil, d.Seconds())
	m.Homed.Set(nil, boolValue(ok))
}

// SetTowerOffsets records the normalized tower offsets in steps
func (m *DeltaMetrics) SetTowerOffsets(norm [3]int32) {
	if m == nil {
		return
	}
	for i, v := range norm {
		m.TowerOffset.Set(Labels{"tower": towerNames[i]}, float64(v))
	}
}

// RecordMove counts an accepted move
func (m *DeltaMetrics) RecordMove() {
	if m == nil {
		return
	}
	m.MovesQueued.Inc(nil)
}

// RecordRejected counts a dropped move
func (m *DeltaMetrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.MovesRejected.Inc(Labels{"reason": reason})
}

// SetPosition updates the current position
func (m *DeltaMetrics) SetPosition(x, y, z float64) {
	if m == nil {
		return
	}
	m.Position.Set(Labels{"axis": "x"}, x)
	m.Position.Set(Labels{"axis": "y"}, y)
	m.Position.Set(Labels{"axis": "z"}, z)
}

// RecordMeasurement counts a finished grid measurement
func (m *DeltaMetrics) RecordMeasurement(ok bool) {
	if m == nil {
		return
	}
	m.Measurements.Inc(result(ok))
}

// SetGridEnabled updates the correction state
func (m *DeltaMetrics) SetGridEnabled(enabled bool) {
	if m == nil {
		return
	}
	m.GridEnabled.Set(nil, boolValue(enabled))
}

// SetEndstops updates the endstop states; probe is reported as "probe"
func (m *DeltaMetrics) SetEndstops(maxHit [3]bool, probe bool) {
	if m == nil {
		return
	}
	for i, hit := range maxHit {
		m.EndstopState.Set(Labels{"endstop": towerNames[i] + "_max"}, boolValue(hit))
	}
	m.EndstopState.Set(Labels{"endstop": "probe"}, boolValue(probe))
}

// Gather returns all metrics in Prometheus text format
func (m *DeltaMetrics) Gather() string {
	if m == nil {
		return ""
	}
	return m.registry.Gather()
}

// Registry returns the internal registry
func (m *DeltaMetrics) Registry() *Registry {
	return m.registry
}
