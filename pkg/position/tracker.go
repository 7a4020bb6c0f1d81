// Position tracking for the delta core
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package position maps tool-space millimeter commands to machine step
// destinations and keeps the millimeter mirror of the step position.
package position

import (
	"deltacore/pkg/distortion"
	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
	"deltacore/pkg/log"
	"deltacore/pkg/metrics"
	"deltacore/pkg/motion"
)

// Ignore leaves an axis at its current position.
const Ignore = 999999.0

// Coords is a target in millimeters; fields set to Ignore are left alone.
type Coords struct {
	X, Y, Z, E, F float64
}

// XYZ returns coordinates for a move that leaves E and the feedrate alone.
func XYZ(x, y, z float64) Coords {
	return Coords{X: x, Y: y, Z: z, E: Ignore, F: Ignore}
}

// TemperatureSource reports the active extruder temperature.
type TemperatureSource interface {
	CurrentTemperature() float64
}

// Config holds the tracker options.
type Config struct {
	AlwaysCheckEndstops bool
	// MinExtruderTemp gates extrusion; 0 disables the gate.
	MinExtruderTemp float64
	// ExtrudeMaxLengthMM drops single extrusions longer than this.
	ExtrudeMaxLengthMM float64
	DefaultFeedrate    float64
}

// DefaultConfig returns the usual firmware defaults.
func DefaultConfig() Config {
	return Config{
		AlwaysCheckEndstops: true,
		MinExtruderTemp:     150,
		ExtrudeMaxLengthMM:  160,
		DefaultFeedrate:     50,
	}
}

// Tracker owns the current and destination position. It is driven from
// the main loop only.
type Tracker struct {
	cfg   Config
	model *geometry.Model
	queue motion.Queue
	grid  *distortion.Grid
	temps TemperatureSource

	current     motion.Steps
	destination motion.Steps
	// correction is the Z distortion term folded into current.
	correction int32

	currentMM [3]float64
	lastCmdMM [3]float64

	coordinateOffset [3]float64
	toolOffset       [3]float64

	feedrate         float64
	feedrateMultiply int
	extrusionFactor  float64

	autolevel       *Autolevel
	autolevelActive bool

	homed                bool
	noDestinationCheck   bool
	coldExtrusionAllowed bool
	dryRun               bool
	relative             bool
	relativeExtruder     bool
	inches               bool

	memory  [4]float64
	memoryF float64
	metrics *metrics.DeltaMetrics
	log     *log.Logger
}

// NewTracker creates a tracker. grid may be nil.
func NewTracker(cfg Config, model *geometry.Model, queue motion.Queue, grid *distortion.Grid) *Tracker {
	t := &Tracker{
		cfg:              cfg,
		model:            model,
		queue:            queue,
		grid:             grid,
		feedrate:         cfg.DefaultFeedrate,
		feedrateMultiply: 100,
		extrusionFactor:  1,
		memoryF:          -1,
		log:              log.Get("position"),
	}
	if grid != nil {
		grid.SetDisableHook(func() { t.UpdateCurrentPosition(false) })
	}
	return t
}

// SetTemperatureSource attaches the extruder temperature reading.
func (t *Tracker) SetTemperatureSource(s TemperatureSource) { t.temps = s }

// SetMetrics attaches metrics; nil detaches.
func (t *Tracker) SetMetrics(m *metrics.DeltaMetrics) { t.metrics = m }

func (t *Tracker) derived() *geometry.Derived { return t.model.Derived() }

// Homed reports whether the machine position is known.
func (t *Tracker) Homed() bool { return t.homed }

func (t *Tracker) SetHomed(v bool)                { t.homed = v }
func (t *Tracker) SetNoDestinationCheck(v bool)   { t.noDestinationCheck = v }
func (t *Tracker) SetColdExtrusionAllowed(v bool) { t.coldExtrusionAllowed = v }
func (t *Tracker) SetDryRun(v bool)               { t.dryRun = v }
func (t *Tracker) SetRelative(v bool)             { t.relative = v }
func (t *Tracker) SetRelativeExtruder(v bool)     { t.relativeExtruder = v }
func (t *Tracker) SetInches(v bool)               { t.inches = v }
func (t *Tracker) SetExtrusionFactor(f float64)   { t.extrusionFactor = f }

// SetFeedrateMultiply scales commanded feedrates by percent/100.
func (t *Tracker) SetFeedrateMultiply(percent int) { t.feedrateMultiply = percent }

// Feedrate returns the last requested feedrate in mm/s.
func (t *Tracker) Feedrate() float64 { return t.feedrate }

// CurrentSteps returns the step position including distortion correction.
func (t *Tracker) CurrentSteps() motion.Steps { return t.current }

// Destination returns the last computed destination in steps.
func (t *Tracker) Destination() motion.Steps { return t.destination }

// CurrentMM returns the tool position in millimeters.
func (t *Tracker) CurrentMM() [3]float64 { return t.currentMM }

// LastCommandedMM returns the last commanded tool position.
func (t *Tracker) LastCommandedMM() [3]float64 { return t.lastCmdMM }

// Correction returns the Z distortion term folded into the step position.
func (t *Tracker) Correction() int32 { return t.correction }

// SetOrigin sets the coordinate offset subtracted from commanded positions.
func (t *Tracker) SetOrigin(x, y, z float64) {
	t.coordinateOffset = [3]float64{x, y, z}
}

// CoordinateOffset returns the coordinate offset.
func (t *Tracker) CoordinateOffset() [3]float64 { return t.coordinateOffset }

// SetToolOffset sets the active tool offset in millimeters.
func (t *Tracker) SetToolOffset(x, y, z float64) {
	t.toolOffset = [3]float64{x, y, z}
}

// SetPositionSteps declares the machine to be at pos, uncorrected.
func (t *Tracker) SetPositionSteps(pos motion.Steps) {
	t.current = pos
	t.destination = pos
	t.correction = 0
}

// SetXYZSteps overwrites the XYZ step position and leaves E alone.
func (t *Tracker) SetXYZSteps(x, y, z int32) {
	t.SetPositionSteps(motion.Steps{x, y, z, t.current[geometry.E]})
}

// UpdateCurrentPosition recomputes the millimeter position from the step
// position; copyLastCmd also resets the last commanded position.
func (t *Tracker) UpdateCurrentPosition(copyLastCmd bool) {
	d := t.derived()
	x := float64(t.current[geometry.X]) * d.InvStepsPerMM[geometry.X]
	y := float64(t.current[geometry.Y]) * d.InvStepsPerMM[geometry.Y]
	z := float64(t.current[geometry.Z]-t.correction) * d.InvStepsPerMM[geometry.Z]
	if t.autolevelActive && t.autolevel != nil {
		x, y, z = t.autolevel.FromPrinter(x, y, z)
	}
	t.currentMM = [3]float64{x - t.toolOffset[0], y - t.toolOffset[1], z - t.toolOffset[2]}
	if copyLastCmd {
		t.lastCmdMM = t.currentMM
	}
	t.metrics.SetPosition(t.currentMM[0], t.currentMM[1], t.currentMM[2])
}

// toPrinter applies the tool offset and the autolevel transform.
func (t *Tracker) toPrinter(x, y, z float64) (float64, float64, float64) {
	x += t.toolOffset[0]
	y += t.toolOffset[1]
	z += t.toolOffset[2]
	if t.autolevelActive && t.autolevel != nil {
		return t.autolevel.ToPrinter(x, y, z)
	}
	return x, y, z
}

func (t *Tracker) setDestinationXYZ(d *geometry.Derived, x, y, z float64) {
	x, y, z = t.toPrinter(x, y, z)
	t.destination[geometry.X] = geometry.RoundHalfUp(x * d.StepsPerMM[geometry.X])
	t.destination[geometry.Y] = geometry.RoundHalfUp(y * d.StepsPerMM[geometry.Y])
	t.destination[geometry.Z] = geometry.RoundHalfUp(z * d.StepsPerMM[geometry.Z])
}

// queueDestination folds the distortion correction into the destination
// and hands it to the motion queue. On success the destination becomes
// the current position.
func (t *Tracker) queueDestination(op string, flags motion.DeltaFlags) error {
	dest := t.destination
	var corr int32
	if t.grid != nil {
		corr = t.grid.Correct(dest[geometry.X], dest[geometry.Y], dest[geometry.Z])
	}
	dest[geometry.Z] += corr
	if err := t.queue.QueueDelta(dest, t.feedrate, flags); err != nil {
		t.metrics.RecordRejected("queue")
		return errors.MotionRejected(op, err).SetComponent("position")
	}
	t.current = dest
	t.correction = corr
	t.metrics.RecordMove()
	return nil
}

func (t *Tracker) extrusionAllowed() bool {
	if t.coldExtrusionAllowed || t.cfg.MinExtruderTemp <= 0 || t.temps == nil {
		return true
	}
	return t.temps.CurrentTemperature() >= t.cfg.MinExtruderTemp
}

// MoveToReal moves the tool to target in tool coordinates. Ignored axes
// keep their current position. A rejected move leaves the position
// unchanged.
func (t *Tracker) MoveToReal(target Coords, pathOptimize bool) error {
	d := t.derived()
	pos := t.currentMM
	for i, v := range [3]float64{target.X, target.Y, target.Z} {
		if v != Ignore {
			pos[i] = v
		}
	}
	prevDest := t.destination
	t.setDestinationXYZ(d, pos[0], pos[1], pos[2])
	t.destination[geometry.E] = t.current[geometry.E]
	if target.E != Ignore && !t.dryRun && t.extrusionAllowed() {
		t.destination[geometry.E] = int32(target.E * d.StepsPerMM[geometry.E])
	}
	prevFeed := t.feedrate
	if target.F != Ignore {
		t.feedrate = target.F
	}

	flags := motion.DeltaFlags{CheckEndstops: t.cfg.AlwaysCheckEndstops, PathOptimize: pathOptimize, RealMove: true}
	if err := t.queueDestination("moveToReal", flags); err != nil {
		t.log.WithFields(log.Fields{"x": pos[0], "y": pos[1], "z": pos[2]}).
			WithError(err).Warn("moveToReal / queueDeltaMove returns error")
		t.destination = prevDest
		t.feedrate = prevFeed
		return err
	}
	t.currentMM = pos
	return nil
}

// MoveToXYZ moves to (x, y, z) at feedrate with path optimization.
func (t *Tracker) MoveToXYZ(x, y, z, feedrate float64) error {
	return t.MoveToReal(Coords{X: x, Y: y, Z: z, E: Ignore, F: feedrate}, true)
}

// IsPositionAllowed checks a tool position against the printable
// cylinder. A rejected position resynchronizes the millimeter position
// from the steps.
func (t *Tracker) IsPositionAllowed(x, y, z float64) bool {
	if t.noDestinationCheck {
		return true
	}
	allowed := t.inCylinder(x, y, z)
	if !allowed {
		t.UpdateCurrentPosition(true)
		t.metrics.RecordRejected("out_of_bounds")
		t.log.WithFields(log.Fields{
			"x": t.currentMM[0], "y": t.currentMM[1], "z": t.currentMM[2],
		}).Debug("isPositionAllowed")
	}
	return allowed
}

func (t *Tracker) inCylinder(x, y, z float64) bool {
	d := t.derived()
	return z >= 0 && z <= d.ZLength+0.05 && x*x+y*y <= d.MaxRadiusSquared
}

// Reachable reports whether a move to the tool position (x, y, z) would
// pass the destination check. It has no side effects.
func (t *Tracker) Reachable(x, y, z float64) bool {
	if t.noDestinationCheck {
		return true
	}
	return t.inCylinder(t.toPrinter(x, y, z))
}

// Remember stores the current position and feedrate.
func (t *Tracker) Remember() {
	t.UpdateCurrentPosition(false)
	d := t.derived()
	t.memory = [4]float64{
		t.currentMM[0], t.currentMM[1], t.currentMM[2],
		float64(t.current[geometry.E]) * d.InvStepsPerMM[geometry.E],
	}
	t.memoryF = t.feedrate
}

// Restore moves back to the remembered position. With no axis selected
// all of X, Y and Z are restored. It is a no-op before Remember.
func (t *Tracker) Restore(x, y, z, e bool, feedrate float64) error {
	if t.memoryF < 0 {
		return nil
	}
	all := !(x || y || z)
	target := Coords{X: Ignore, Y: Ignore, Z: Ignore, E: Ignore, F: feedrate}
	if all || x {
		target.X = t.memory[0]
		t.lastCmdMM[0] = target.X
	}
	if all || y {
		target.Y = t.memory[1]
		t.lastCmdMM[1] = target.Y
	}
	if all || z {
		target.Z = t.memory[2]
		t.lastCmdMM[2] = target.Z
	}
	if e {
		target.E = t.memory[3]
	}
	err := t.MoveToReal(target, true)
	t.feedrate = t.memoryF
	t.UpdateCurrentPosition(false)
	return err
}
