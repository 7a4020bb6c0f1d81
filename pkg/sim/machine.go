// Simulated delta machine
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package sim is a simulated delta machine. It executes tower moves one
// tick at a time, closes its max endstops when a carriage reaches them and
// answers z-probe readings from a configurable bed surface.
package sim

import (
	"deltacore/pkg/endstop"
	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
	"deltacore/pkg/kinematics"
	"deltacore/pkg/log"
	"deltacore/pkg/motion"
)

// Config describes the simulated hardware.
type Config struct {
	Endstops endstop.Config
	// EndstopOffsetSteps is how far above the ideal top position each
	// endstop closes.
	EndstopOffsetSteps [geometry.NumTowers]int32
	// StartBelowSteps is how far below the top the carriages start.
	StartBelowSteps int32
	StepsPerTick    int32
	TickInterval    float64
	// Bed returns the bed height in millimeters; nil is a flat bed at 0.
	Bed func(x, y float64) float64

	// Fault injection.
	StuckEndstop [geometry.NumTowers]bool
	DeadEndstop  [geometry.NumTowers]bool
	ProbeError   error
}

// DefaultConfig returns a machine with level endstops and a flat bed.
func DefaultConfig() Config {
	return Config{
		Endstops:        endstop.DefaultConfig(),
		StartBelowSteps: 8000,
		StepsPerTick:    200,
		TickInterval:    0.001,
	}
}

type move struct {
	remaining motion.TowerSteps
	check     bool
}

// Machine implements motion.Queue and distortion.Prober. It is driven from
// the loop goroutine.
type Machine struct {
	cfg   Config
	model *geometry.Model
	kin   *kinematics.Delta
	pins  *endstop.MockPins

	endstopAt [geometry.NumTowers]int32
	carriage  [geometry.NumTowers]int32
	believed  motion.TowerSteps
	pending   []move
	probeHit  bool

	ticks  uint64
	probes uint64
	log    *log.Logger
}

// New creates a machine whose top position matches model.
func New(cfg Config, model *geometry.Model) *Machine {
	if cfg.StepsPerTick <= 0 {
		cfg.StepsPerTick = 200
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 0.001
	}
	m := &Machine{
		cfg:   cfg,
		model: model,
		kin:   kinematics.NewDelta(),
		pins:  endstop.NewMockPins(),
		log:   log.Get("sim"),
	}
	d := model.Derived()
	top, _ := m.kin.CartesianToTower(d, [3]int32{0, 0, d.ZMaxSteps})
	for i := range top {
		m.endstopAt[i] = top[i] + cfg.EndstopOffsetSteps[i]
		m.carriage[i] = top[i] - cfg.StartBelowSteps
	}
	m.believed = motion.TowerSteps(m.carriage)
	m.updatePins()
	return m
}

// Pins returns the endstop inputs; hand them to an endstop.Sampler.
func (m *Machine) Pins() endstop.PinReader { return m.pins }

// Carriages returns the physical carriage heights.
func (m *Machine) Carriages() [geometry.NumTowers]int32 { return m.carriage }

// Believed returns the queue's notion of the carriage heights.
func (m *Machine) Believed() motion.TowerSteps { return m.believed }

// EndstopHeights returns where each endstop closes.
func (m *Machine) EndstopHeights() [geometry.NumTowers]int32 { return m.endstopAt }

// Ticks returns the number of executed ticks.
func (m *Machine) Ticks() uint64 { return m.ticks }

// Probes returns the number of probe readings taken.
func (m *Machine) Probes() uint64 { return m.probes }

func (m *Machine) hit(i int) bool {
	switch {
	case m.cfg.StuckEndstop[i]:
		return true
	case m.cfg.DeadEndstop[i]:
		return false
	}
	return m.carriage[i] >= m.endstopAt[i]
}

func (m *Machine) updatePins() {
	for i, pc := range m.cfg.Endstops.Towers {
		if pc.Pin != endstop.NoPin {
			m.pins.Set(pc.Pin, m.hit(i) != pc.Inverted)
		}
	}
	if pc := m.cfg.Endstops.Probe; pc.Pin != endstop.NoPin {
		m.pins.Set(pc.Pin, m.probeHit != pc.Inverted)
	}
}

// QueueDelta converts dest to carriage heights and queues the difference.
func (m *Machine) QueueDelta(dest motion.Steps, feedrate float64, flags motion.DeltaFlags) error {
	cart := [3]int32{dest[geometry.X], dest[geometry.Y], dest[geometry.Z]}
	tower, ok := m.kin.CartesianToTower(m.model.Derived(), cart)
	if !ok {
		return errors.Unreachable(cart[0], cart[1], cart[2]).SetComponent("sim")
	}
	target := motion.TowerSteps(tower)
	m.pending = append(m.pending, move{remaining: target.Sub(m.believed), check: flags.CheckEndstops})
	m.believed = target
	return nil
}

// MoveRelative queues a carriage move.
func (m *Machine) MoveRelative(delta motion.TowerSteps, feedrate float64, flags motion.RelativeFlags) error {
	m.pending = append(m.pending, move{remaining: delta, check: flags.CheckEndstops})
	m.believed = m.believed.Add(delta)
	return nil
}

// SetTowerPosition overwrites the believed carriage heights.
func (m *Machine) SetTowerPosition(pos motion.TowerSteps) { m.believed = pos }

// HasPendingMoves reports whether queued moves remain.
func (m *Machine) HasPendingMoves() bool { return len(m.pending) > 0 }

func clampStep(v, limit int32) int32 {
	switch {
	case v > limit:
		return limit
	case v < -limit:
		return -limit
	}
	return v
}

// step advances the head move by at most StepsPerTick per carriage.
// Carriages moving up under endstop checking stop at their endstop.
func (m *Machine) step() {
	if len(m.pending) == 0 {
		return
	}
	mv := &m.pending[0]
	busy := false
	for i := range mv.remaining {
		r := mv.remaining[i]
		if r == 0 {
			continue
		}
		if mv.check && r > 0 && m.hit(i) {
			mv.remaining[i] = 0
			continue
		}
		s := clampStep(r, m.cfg.StepsPerTick)
		if mv.check && s > 0 && !m.cfg.DeadEndstop[i] && m.carriage[i]+s > m.endstopAt[i] {
			s = m.endstopAt[i] - m.carriage[i]
		}
		m.carriage[i] += s
		mv.remaining[i] -= s
		if mv.remaining[i] != 0 {
			busy = true
		}
	}
	if !busy {
		m.pending = m.pending[1:]
	}
	m.updatePins()
}

// Tick executes one tick of motion. It fits a loop task.
func (m *Machine) Tick(eventtime float64) float64 {
	m.ticks++
	m.step()
	return eventtime + m.cfg.TickInterval
}

// Flush executes every queued move.
func (m *Machine) Flush() {
	for len(m.pending) > 0 {
		m.step()
	}
}

// Effector returns the physical effector position in millimeters.
func (m *Machine) Effector() (x, y, z float64, ok bool) {
	d := m.model.Derived()
	cart, ok := m.kin.TowerToCartesian(d, m.carriage)
	if !ok {
		return 0, 0, 0, false
	}
	return d.StepsToMM(geometry.X, cart[0]), d.StepsToMM(geometry.Y, cart[1]), d.StepsToMM(geometry.Z, cart[2]), true
}

// RunProbe finishes pending motion and returns the distance from the
// effector down to the bed.
func (m *Machine) RunProbe(first, last bool, repetitions int) (float64, error) {
	m.Flush()
	if m.cfg.ProbeError != nil {
		return 0, m.cfg.ProbeError
	}
	x, y, z, ok := m.Effector()
	if !ok {
		return 0, errors.New(errors.CodeProbe, "effector position unknown").SetComponent("sim")
	}
	if repetitions < 1 {
		repetitions = 1
	}
	bed := 0.0
	if m.cfg.Bed != nil {
		bed = m.cfg.Bed(x, y)
	}
	m.probeHit = true
	m.updatePins()
	sum := 0.0
	for i := 0; i < repetitions; i++ {
		sum += z - bed
		m.probes++
	}
	m.probeHit = false
	m.updatePins()
	if first || last {
		m.log.WithFields(log.Fields{"x": x, "y": y, "first": first, "last": last}).Debug("probe")
	}
	return sum / float64(repetitions), nil
}
