// Loop-owned machine state for the diagnostics server
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package diag

import (
	"context"
	"strings"

	"deltacore/pkg/distortion"
	"deltacore/pkg/endstop"
	"deltacore/pkg/homing"
	"deltacore/pkg/loop"
	"deltacore/pkg/position"
)

// Status is one view of the machine state.
type Status struct {
	Homed       bool       `json:"homed"`
	HomingState string     `json:"homing_state,omitempty"`
	Position    [3]float64 `json:"position_mm"`
	Steps       [4]int32   `json:"steps"`
	Endstops    Endstops   `json:"endstops"`
	GridEnabled bool       `json:"grid_enabled"`
	Grid        [][]int32  `json:"grid,omitempty"`
	Eventtime   float64    `json:"eventtime"`
}

// Endstops mirrors endstop.State for JSON.
type Endstops struct {
	XMax  bool `json:"x_max"`
	YMax  bool `json:"y_max"`
	ZMax  bool `json:"z_max"`
	Probe bool `json:"z_probe"`
}

// Source produces status views and reports.
type Source interface {
	Status(ctx context.Context) (Status, error)
	GridReport(ctx context.Context) (string, error)
	Endstops() endstop.State
}

// LoopSource reads machine state on the loop goroutine that owns it.
// Grid and Homing may be nil.
type LoopSource struct {
	Loop    *loop.Loop
	Tracker *position.Tracker
	Flags   *endstop.Flags
	Grid    *distortion.Grid
	Homing  *homing.Sequencer
}

// Endstops reads the flags directly; they are safe from any goroutine.
func (s *LoopSource) Endstops() endstop.State { return s.Flags.Snapshot() }

func (s *LoopSource) Status(ctx context.Context) (Status, error) {
	v, err := s.Loop.Call(ctx, func(eventtime float64) any {
		st := Status{
			Homed:     s.Tracker.Homed(),
			Position:  s.Tracker.CurrentMM(),
			Steps:     s.Tracker.CurrentSteps(),
			Eventtime: eventtime,
		}
		if s.Homing != nil {
			st.HomingState = s.Homing.State().String()
		}
		if s.Grid != nil {
			st.GridEnabled = s.Grid.Enabled()
			st.Grid = s.Grid.Rows()
		}
		return st
	})
	if err != nil {
		return Status{}, err
	}
	st := v.(Status)
	es := s.Flags.Snapshot()
	st.Endstops = Endstops{XMax: es.MaxHit[0], YMax: es.MaxHit[1], ZMax: es.MaxHit[2], Probe: es.Probe}
	return st, nil
}

func (s *LoopSource) GridReport(ctx context.Context) (string, error) {
	if s.Grid == nil {
		return "", nil
	}
	v, err := s.Loop.Call(ctx, func(float64) any {
		var sb strings.Builder
		sb.WriteString(s.Grid.ReportStatus())
		sb.WriteString("\n")
		s.Grid.Report(&sb)
		return sb.String()
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
