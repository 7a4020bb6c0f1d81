// Delta machine geometry
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package geometry derives the step-space constants of a linear delta
// machine from its configured lengths, angles and accelerations.
package geometry

import (
	"math"
	"sync/atomic"
)

// Axis indexes the per-axis arrays.
type Axis int

const (
	X Axis = iota
	Y
	Z
	E
)

// NumAxes is the length of per-axis arrays (X, Y, Z, E).
const NumAxes = 4

// Tower indexes the three towers.
type Tower int

const (
	TowerA Tower = iota
	TowerB
	TowerC
)

// NumTowers is the number of towers on a delta machine.
const NumTowers = 3

func (t Tower) String() string {
	switch t {
	case TowerA:
		return "A"
	case TowerB:
		return "B"
	case TowerC:
		return "C"
	default:
		return "?"
	}
}

// LargeMachineLimit is the largest rod or diameter step count whose square
// still fits in 32 bits.
const LargeMachineLimit = 65534

// RoundHalfUp rounds to the nearest integer with halves rounded up,
// floor(v + 0.5). Calibration results depend on this exact rule.
func RoundHalfUp(v float64) int32 {
	return int32(math.Floor(v + 0.5))
}

// Config holds the user-configured machine parameters.
type Config struct {
	// StepsPerMM for X, Y, Z, E. X and Y are forced to Z on derive.
	StepsPerMM [NumAxes]float64
	// Print and travel accelerations in mm/s². X and Y follow Z.
	MaxAccel       [NumAxes]float64
	MaxTravelAccel [NumAxes]float64
	MaxFeedrate    [NumAxes]float64
	HomingFeedrate float64

	HorizontalRadius   float64
	RadiusCorrection   [NumTowers]float64
	TowerAngleDeg      [NumTowers]float64
	DiagonalRodLength  float64
	DiagonalCorrection [NumTowers]float64

	ZLength             float64
	MaxRadius           float64
	FloorSafetyMarginMM float64
}

// DefaultConfig returns a typical small delta.
func DefaultConfig() Config {
	return Config{
		StepsPerMM:          [NumAxes]float64{80, 80, 80, 92.4},
		MaxAccel:            [NumAxes]float64{1500, 1500, 1500, 10000},
		MaxTravelAccel:      [NumAxes]float64{3000, 3000, 3000, 10000},
		MaxFeedrate:         [NumAxes]float64{200, 200, 200, 50},
		HomingFeedrate:      80,
		HorizontalRadius:    105,
		TowerAngleDeg:       [NumTowers]float64{210, 330, 90},
		DiagonalRodLength:   250,
		ZLength:             300,
		MaxRadius:           90,
		FloorSafetyMarginMM: 15,
	}
}

// TowerPosition is a tower base position in Cartesian steps.
type TowerPosition struct {
	X, Y int32
}

// Derived holds every constant computed by Derive. A published Derived is
// never mutated.
type Derived struct {
	StepsPerMM     [NumAxes]float64
	InvStepsPerMM  [NumAxes]float64
	MaxAccel       [NumAxes]float64
	MaxTravelAccel [NumAxes]float64
	MaxFeedrate    [NumAxes]float64
	HomingFeedrate float64

	TowerRadius   [NumTowers]float64
	TowerAngleDeg [NumTowers]float64
	Towers        [NumTowers]TowerPosition

	// DiagonalRodSteps is the raw (unsquared) rod length in steps per tower.
	DiagonalRodSteps   [NumTowers]uint32
	DiagonalRodSquared [NumTowers]RodSquared
	LargeMachine       bool

	ZLength         float64
	ZMaxSteps       int32
	MaxTravelStepsZ int32

	FloorSafetyMarginSteps int32
	MaxRadiusSquared       float64

	PrintAccelSteps  [NumAxes]float64
	TravelAccelSteps [NumAxes]float64
	MinimumSpeed     float64
	MinimumZSpeed    float64
}

// ZStepsPerMM is the shared horizontal/vertical resolution.
func (d *Derived) ZStepsPerMM() float64 { return d.StepsPerMM[Z] }

// MMToSteps converts millimeters on axis a to rounded steps.
func (d *Derived) MMToSteps(a Axis, mm float64) int32 {
	return RoundHalfUp(mm * d.StepsPerMM[a])
}

// StepsToMM converts steps on axis a to millimeters.
func (d *Derived) StepsToMM(a Axis, steps int32) float64 {
	return float64(steps) * d.InvStepsPerMM[a]
}

// Transform is the Cartesian-to-tower kinematics collaborator. It is called
// with the Derived being built, before that Derived is published.
type Transform interface {
	CartesianToTower(d *Derived, cart [3]int32) ([NumTowers]int32, bool)
}

// Model owns a machine configuration and its most recently derived
// constants.
type Model struct {
	cfg       Config
	transform Transform
	derived   atomic.Pointer[Derived]
	onDerive  []func(*Derived)
}

// NewModel creates a model and derives it once.
func NewModel(cfg Config, transform Transform) *Model {
	m := &Model{cfg: cfg, transform: transform}
	m.Derive()
	return m
}

// Config returns a copy of the configuration.
func (m *Model) Config() Config { return m.cfg }

// OnDerive registers fn to run with every newly published Derived, so
// dependents recompute together with the model.
func (m *Model) OnDerive(fn func(*Derived)) { m.onDerive = append(m.onDerive, fn) }

// Derived returns the current derived constants.
func (m *Model) Derived() *Derived { return m.derived.Load() }

// Derive recomputes every derived constant from the configuration and
// publishes the result in one step. Degenerate input yields silently wrong
// values, not an error.
func (m *Model) Derive() *Derived {
	cfg := m.cfg
	d := &Derived{
		StepsPerMM:     cfg.StepsPerMM,
		MaxAccel:       cfg.MaxAccel,
		MaxTravelAccel: cfg.MaxTravelAccel,
		MaxFeedrate:    cfg.MaxFeedrate,
		HomingFeedrate: cfg.HomingFeedrate,
		TowerAngleDeg:  cfg.TowerAngleDeg,
		ZLength:        cfg.ZLength,
	}
	for _, a := range []Axis{X, Y} {
		d.StepsPerMM[a] = d.StepsPerMM[Z]
		d.MaxAccel[a] = d.MaxAccel[Z]
		d.MaxTravelAccel[a] = d.MaxTravelAccel[Z]
		d.MaxFeedrate[a] = d.MaxFeedrate[Z]
	}
	spm := d.StepsPerMM[Z]
	d.ZMaxSteps = int32(spm * cfg.ZLength)

	for i := 0; i < NumTowers; i++ {
		r := cfg.HorizontalRadius + cfg.RadiusCorrection[i]
		rad := cfg.TowerAngleDeg[i] * math.Pi / 180.0
		d.TowerRadius[i] = r
		d.Towers[i] = TowerPosition{
			X: RoundHalfUp(r * math.Cos(rad) * spm),
			Y: RoundHalfUp(r * math.Sin(rad) * spm),
		}
		d.DiagonalRodSteps[i] = uint32((cfg.DiagonalRodLength + cfg.DiagonalCorrection[i]) * spm)
	}

	d.LargeMachine = 2*cfg.HorizontalRadius*spm > LargeMachineLimit
	for _, s := range d.DiagonalRodSteps {
		if s > LargeMachineLimit {
			d.LargeMachine = true
		}
	}
	for i, s := range d.DiagonalRodSteps {
		if d.LargeMachine {
			d.DiagonalRodSquared[i] = WideRodSquared(s)
		} else {
			d.DiagonalRodSquared[i] = NarrowRodSquared(s)
		}
	}

	d.MaxRadiusSquared = cfg.MaxRadius * cfg.MaxRadius
	d.FloorSafetyMarginSteps = int32(cfg.FloorSafetyMarginMM * spm)

	if m.transform != nil {
		if tower, ok := m.transform.CartesianToTower(d, [3]int32{0, 0, d.ZMaxSteps}); ok {
			d.MaxTravelStepsZ = tower[TowerA]
		}
	}

	for i := 0; i < NumAxes; i++ {
		d.InvStepsPerMM[i] = 1.0 / d.StepsPerMM[i]
		d.PrintAccelSteps[i] = d.MaxAccel[i] * d.StepsPerMM[i]
		d.TravelAccelSteps[i] = d.MaxTravelAccel[i] * d.StepsPerMM[i]
	}
	d.MinimumSpeed = minimumSpeed(math.Max(d.MaxAccel[X], d.MaxTravelAccel[X]), d.StepsPerMM[X])
	d.MinimumZSpeed = minimumSpeed(math.Max(d.MaxAccel[Z], d.MaxTravelAccel[Z]), d.StepsPerMM[Z])

	m.derived.Store(d)
	for _, fn := range m.onDerive {
		fn(d)
	}
	return d
}

// minimumSpeed is the speed at which one step takes one acceleration tick.
func minimumSpeed(accel, stepsPerMM float64) float64 {
	return accel * math.Sqrt(2.0/(stepsPerMM*accel))
}

// Recalibration setters. They only change configuration; call Derive
// afterwards.

func (m *Model) SetHorizontalRadius(r float64) { m.cfg.HorizontalRadius = r }

func (m *Model) SetRadiusCorrection(t Tower, mm float64) { m.cfg.RadiusCorrection[t] = mm }

func (m *Model) SetTowerAngle(t Tower, deg float64) { m.cfg.TowerAngleDeg[t] = deg }

func (m *Model) SetDiagonalRod(mm float64) { m.cfg.DiagonalRodLength = mm }

func (m *Model) SetDiagonalCorrection(t Tower, mm float64) { m.cfg.DiagonalCorrection[t] = mm }

func (m *Model) SetZLength(mm float64) { m.cfg.ZLength = mm }

func (m *Model) SetMaxRadius(mm float64) { m.cfg.MaxRadius = mm }

func (m *Model) SetStepsPerMM(a Axis, spm float64) { m.cfg.StepsPerMM[a] = spm }

func (m *Model) SetAcceleration(a Axis, print, travel float64) {
	m.cfg.MaxAccel[a] = print
	m.cfg.MaxTravelAccel[a] = travel
}
