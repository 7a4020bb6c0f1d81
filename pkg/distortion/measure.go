// Distortion grid measurement
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package distortion

import (
	"fmt"
	"io"
	"math"
	"strings"

	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
)

// Mover positions the effector for a probe reading.
type Mover interface {
	MoveToXYZ(x, y, z, feedrate float64) error
}

// Reacher is implemented by movers that can tell ahead of time whether
// a position passes their destination check. Unreachable corners are then
// left out of the scan.
type Reacher interface {
	Reachable(x, y, z float64) bool
}

// Prober takes a z-probe reading at the current XY position and returns
// the trigger height in millimeters. first and last mark the opening and
// closing readings of a series.
type Prober interface {
	RunProbe(first, last bool, repetitions int) (float64, error)
}

// MeasureOptions override the configured probe parameters. Zero values
// select the configuration.
type MeasureOptions struct {
	HeightMM    float64
	SpeedMM     float64
	Repetitions int
}

func (g *Grid) measureOptions(opts MeasureOptions) MeasureOptions {
	if opts.HeightMM == 0 {
		opts.HeightMM = g.cfg.ProbeBedDistanceMM + math.Max(g.cfg.ProbeHeightMM, 0)
	}
	if opts.SpeedMM == 0 {
		opts.SpeedMM = g.cfg.ProbeXYSpeed
	}
	if opts.Repetitions <= 0 {
		opts.Repetitions = g.cfg.Repetitions
	}
	if opts.Repetitions <= 0 {
		opts.Repetitions = 1
	}
	return opts
}

// Measure probes every grid node and replaces the grid. Correction is off
// while measuring and is enabled permanently on success. On error the grid
// is left partially filled and correction stays off.
func (g *Grid) Measure(mover Mover, prober Prober, opts MeasureOptions) error {
	if !g.derived {
		return errors.New(errors.CodeDistortion, "grid constants not derived").SetComponent("distortion")
	}
	opts = g.measureOptions(opts)
	if err := g.Disable(false); err != nil {
		return err
	}

	offset := int32(g.cfg.ZBedOffsetMM * g.spm)
	if g.cfg.DoubleBedOffset {
		offset *= 2
	}
	z := opts.HeightMM
	log := g.log.WithField("height", z).WithField("points", g.n)
	log.Info("measuring distortion")

	nodes := g.scanNodes(mover, z)
	probed := 0
	for i, node := range nodes {
		ix, iy := node[0], node[1]
		x, y := g.NodePosition(ix, iy)
		if err := mover.MoveToXYZ(x, y, z, opts.SpeedMM); err != nil {
			if g.isCorner(ix, iy) {
				g.log.WithField("ix", ix).WithField("iy", iy).WithError(err).
					Warn("corner unreachable, will extrapolate")
				continue
			}
			g.metrics.RecordMeasurement(false)
			return errors.Wrap(err, errors.CodeDistortion,
				fmt.Sprintf("move to node %d,%d failed", ix, iy)).SetComponent("distortion")
		}
		g.probing = true
		measured, err := prober.RunProbe(probed == 0, i == len(nodes)-1, opts.Repetitions)
		g.probing = false
		probed++
		if err != nil {
			g.metrics.RecordMeasurement(false)
			return errors.ProbeFailed(err).
				SetContext("ix", ix).SetContext("iy", iy).SetComponent("distortion")
		}
		g.SetCell(ix, iy, geometry.RoundHalfUp(g.spm*(z-measured))+offset)
	}
	g.ExtrapolateCorners()

	if err := g.Save(); err != nil {
		g.log.WithError(err).Warn("could not persist grid")
	}
	var sb strings.Builder
	g.Report(&sb)
	g.log.Info("%s", strings.TrimRight(sb.String(), "\n"))
	g.metrics.RecordMeasurement(true)
	return g.Enable(true)
}

// scanNodes lists the nodes in probing order, back row first and left to
// right. Corners a Reacher rejects are dropped.
func (g *Grid) scanNodes(mover Mover, z float64) [][2]int {
	r, _ := mover.(Reacher)
	nodes := make([][2]int, 0, g.n*g.n)
	for iy := g.n - 1; iy >= 0; iy-- {
		for ix := 0; ix < g.n; ix++ {
			if r != nil && g.isCorner(ix, iy) {
				if x, y := g.NodePosition(ix, iy); !r.Reachable(x, y, z) {
					g.log.WithField("ix", ix).WithField("iy", iy).
						Warn("corner outside the printable area, will extrapolate")
					continue
				}
			}
			nodes = append(nodes, [2]int{ix, iy})
		}
	}
	return nodes
}

// Report writes the matrix in steps, back row first, followed by every node
// in millimeters.
func (g *Grid) Report(w io.Writer) {
	fmt.Fprintln(w, "Distortion correction matrix:")
	for _, row := range g.Rows() {
		for i, v := range row {
			if i > 0 {
				fmt.Fprint(w, ", ")
			}
			fmt.Fprint(w, v)
		}
		fmt.Fprintln(w)
	}
	for _, p := range g.Points() {
		fmt.Fprintf(w, "Distortion correction at px:%.2f py:%.2f zCorrection:%.3f\n", p.X, p.Y, p.Z)
	}
}
