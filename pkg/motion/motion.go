// Line queue contract
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package motion defines the contract between the calibration core and the
// line queue that turns step destinations into stepper pulses.
package motion

import "deltacore/pkg/geometry"

// Steps is an absolute destination in Cartesian steps for X, Y, Z and E.
type Steps [geometry.NumAxes]int32

// TowerSteps is a per-tower carriage delta or position.
type TowerSteps [geometry.NumTowers]int32

// DeltaFlags qualify an absolute move.
type DeltaFlags struct {
	CheckEndstops bool
	PathOptimize  bool
	RealMove      bool
}

// RelativeFlags qualify a relative tower move.
type RelativeFlags struct {
	CheckEndstops     bool
	WaitForCompletion bool
}

// Queue accepts step-space moves. A rejected QueueDelta must leave the
// queue unchanged.
type Queue interface {
	// QueueDelta queues an absolute move to dest at feedrate (mm/s).
	QueueDelta(dest Steps, feedrate float64, flags DeltaFlags) error
	// MoveRelative moves each carriage by delta at feedrate (mm/s).
	MoveRelative(delta TowerSteps, feedrate float64, flags RelativeFlags) error
	// SetTowerPosition overwrites the queue's notion of carriage positions.
	SetTowerPosition(pos TowerSteps)
	// HasPendingMoves reports whether queued moves remain unexecuted.
	HasPendingMoves() bool
}

// Add returns a + b per tower.
func (t TowerSteps) Add(o TowerSteps) TowerSteps {
	return TowerSteps{t[0] + o[0], t[1] + o[1], t[2] + o[2]}
}

// Sub returns a - b per tower.
func (t TowerSteps) Sub(o TowerSteps) TowerSteps {
	return TowerSteps{t[0] - o[0], t[1] - o[1], t[2] - o[2]}
}

// Uniform returns a delta moving every tower by n.
func Uniform(n int32) TowerSteps {
	return TowerSteps{n, n, n}
}

// Recorder is a Queue that records every call and executes nothing.
type Recorder struct {
	Deltas    []RecordedDelta
	Relatives []RecordedRelative
	Positions []TowerSteps
	Pending   bool
	// Reject makes QueueDelta fail with this error.
	Reject error
}

// RecordedDelta is one QueueDelta call.
type RecordedDelta struct {
	Dest     Steps
	Feedrate float64
	Flags    DeltaFlags
}

// RecordedRelative is one MoveRelative call.
type RecordedRelative struct {
	Delta    TowerSteps
	Feedrate float64
	Flags    RelativeFlags
}

func (r *Recorder) QueueDelta(dest Steps, feedrate float64, flags DeltaFlags) error {
	if r.Reject != nil {
		return r.Reject
	}
	r.Deltas = append(r.Deltas, RecordedDelta{dest, feedrate, flags})
	return nil
}

func (r *Recorder) MoveRelative(delta TowerSteps, feedrate float64, flags RelativeFlags) error {
	r.Relatives = append(r.Relatives, RecordedRelative{delta, feedrate, flags})
	return nil
}

func (r *Recorder) SetTowerPosition(pos TowerSteps) {
	r.Positions = append(r.Positions, pos)
}

func (r *Recorder) HasPendingMoves() bool { return r.Pending }
