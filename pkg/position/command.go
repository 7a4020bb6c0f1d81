// Motion command parameters
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package position

import (
	"math"

	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
	"deltacore/pkg/log"
	"deltacore/pkg/motion"
)

// Field marks which words a Command carries.
type Field uint8

const (
	HasX Field = 1 << iota
	HasY
	HasZ
	HasE
	HasF
)

// Command is a parsed G0/G1 style move in user units.
type Command struct {
	X, Y, Z, E, F float64
	Has           Field
}

// Move returns an empty command to build on.
func Move() Command { return Command{} }

func (c Command) WithX(v float64) Command { c.X = v; c.Has |= HasX; return c }
func (c Command) WithY(v float64) Command { c.Y = v; c.Has |= HasY; return c }
func (c Command) WithZ(v float64) Command { c.Z = v; c.Has |= HasZ; return c }
func (c Command) WithE(v float64) Command { c.E = v; c.Has |= HasE; return c }
func (c Command) WithF(v float64) Command { c.F = v; c.Has |= HasF; return c }

func (c Command) has(f Field) bool { return c.Has&f != 0 }

const (
	mmPerInch = 25.4
	// Feedrates arrive per minute and scaled by a percentage.
	inchFeedFactor = 0.0042333
	mmFeedFactor   = 0.00016666666
)

func (t *Tracker) toMM(v float64) float64 {
	if t.inches {
		return v * mmPerInch
	}
	return v
}

// SetDestinationFromCommand computes the step destination for cmd. It
// reports whether the move does anything; an out-of-bounds target is
// dropped and reported as false.
func (t *Tracker) SetDestinationFromCommand(cmd Command) bool {
	productive, _ := t.setDestination(cmd)
	return productive
}

func (t *Tracker) setDestination(cmd Command) (bool, error) {
	d := t.derived()
	words := [3]Field{HasX, HasY, HasZ}
	values := [3]float64{cmd.X, cmd.Y, cmd.Z}
	hasXYZ := false
	for i, w := range words {
		if !cmd.has(w) {
			continue
		}
		hasXYZ = true
		if t.relative {
			t.lastCmdMM[i] += t.toMM(values[i])
		} else {
			t.lastCmdMM[i] = t.toMM(values[i]) - t.coordinateOffset[i]
			t.currentMM[i] = t.lastCmdMM[i]
		}
	}
	t.setDestinationXYZ(d, t.lastCmdMM[0], t.lastCmdMM[1], t.lastCmdMM[2])

	curE := t.current[geometry.E]
	t.destination[geometry.E] = curE
	if cmd.has(HasE) && !t.dryRun {
		spmE := d.StepsPerMM[geometry.E]
		p := int32(t.toMM(cmd.E) * spmE)
		maxSteps := t.cfg.ExtrudeMaxLengthMM * spmE
		if t.relative || t.relativeExtruder {
			if !t.extrusionAllowed() {
				p = 0
			} else if t.cfg.ExtrudeMaxLengthMM > 0 && math.Abs(float64(p))*t.extrusionFactor > maxSteps {
				t.log.WithField("steps", p).Warn("Extrusion longer than max length, ignored")
				p = 0
			}
			t.destination[geometry.E] = curE + p
		} else {
			if !t.extrusionAllowed() {
				t.current[geometry.E] = p
			} else if t.cfg.ExtrudeMaxLengthMM > 0 && math.Abs(float64(p-curE))*t.extrusionFactor > maxSteps {
				t.log.WithField("steps", p-curE).Warn("Extrusion longer than max length, ignored")
				t.current[geometry.E] = p
			}
			t.destination[geometry.E] = p
		}
	}

	if cmd.has(HasF) && cmd.F > 0 {
		mult := float64(t.feedrateMultiply)
		if t.inches {
			t.feedrate = cmd.F * inchFeedFactor * mult
		} else {
			t.feedrate = cmd.F * mult * mmFeedFactor
		}
	}

	x, y, z := t.lastCmdMM[0], t.lastCmdMM[1], t.lastCmdMM[2]
	if !t.IsPositionAllowed(x, y, z) {
		t.current[geometry.E] = t.destination[geometry.E]
		t.log.WithFields(log.Fields{"x": x, "y": y, "z": z}).Warn("Move to illegal position prevented")
		return false, errors.OutOfBounds(x, y, z).SetComponent("position")
	}
	return hasXYZ || (cmd.has(HasE) && t.destination[geometry.E] != t.current[geometry.E]), nil
}

// ExecuteCommand sets the destination from cmd and queues it. Moves that
// do nothing are skipped; an out-of-bounds target returns a
// CodeOutOfBounds error and leaves the position unchanged.
func (t *Tracker) ExecuteCommand(cmd Command) error {
	productive, err := t.setDestination(cmd)
	if err != nil || !productive {
		return err
	}
	flags := motion.DeltaFlags{CheckEndstops: t.cfg.AlwaysCheckEndstops, PathOptimize: true, RealMove: true}
	if err := t.queueDestination("executeCommand", flags); err != nil {
		t.log.WithError(err).Warn("queueDeltaMove rejected command")
		t.UpdateCurrentPosition(true)
		return err
	}
	t.currentMM = t.lastCmdMM
	return nil
}
