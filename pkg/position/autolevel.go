// Three-point bed leveling
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package position

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"deltacore/pkg/errors"
)

// Autolevel is the rotation between the tool frame and the printer frame.
// Its rows are the tool X, Y and Z axes expressed in printer coordinates.
type Autolevel struct {
	m *mat.Dense
}

// IdentityAutolevel returns the transform of a perfectly level bed.
func IdentityAutolevel() *Autolevel {
	return &Autolevel{m: mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})}
}

// NewAutolevel wraps a row-major 3x3 rotation.
func NewAutolevel(rows [9]float64) *Autolevel {
	return &Autolevel{m: mat.NewDense(3, 3, rows[:])}
}

// AutolevelFromPlane builds the rotation that maps the level tool frame
// onto the plane z = a*x + b*y + c.
func AutolevelFromPlane(a, b float64) *Autolevel {
	z := normalize([3]float64{-a, -b, 1})
	y := normalize([3]float64{0, z[2], -z[1]})
	x := normalize([3]float64{
		y[1]*z[2] - y[2]*z[1],
		y[2]*z[0] - y[0]*z[2],
		y[0]*z[1] - y[1]*z[0],
	})
	return NewAutolevel([9]float64{x[0], x[1], x[2], y[0], y[1], y[2], z[0], z[1], z[2]})
}

func normalize(v [3]float64) [3]float64 {
	l := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
	return [3]float64{v[0] / l, v[1] / l, v[2] / l}
}

// Rows returns the matrix in row-major order.
func (a *Autolevel) Rows() [9]float64 {
	var out [9]float64
	copy(out[:], a.m.RawMatrix().Data)
	return out
}

func (a *Autolevel) apply(m mat.Matrix, x, y, z float64) (float64, float64, float64) {
	var v mat.VecDense
	v.MulVec(m, mat.NewVecDense(3, []float64{x, y, z}))
	return v.AtVec(0), v.AtVec(1), v.AtVec(2)
}

// ToPrinter maps tool coordinates to printer coordinates.
func (a *Autolevel) ToPrinter(x, y, z float64) (float64, float64, float64) {
	return a.apply(a.m.T(), x, y, z)
}

// FromPrinter maps printer coordinates back to tool coordinates.
func (a *Autolevel) FromPrinter(x, y, z float64) (float64, float64, float64) {
	return a.apply(a.m, x, y, z)
}

// FitPlane solves z = a*x + b*y + c for the probed points in the least
// squares sense. At least three non-collinear points are required.
func FitPlane(points [][3]float64) (a, b, c float64, err error) {
	if len(points) < 3 {
		return 0, 0, 0, errors.Newf(errors.CodeProbe, "plane fit needs 3 points, got %d", len(points))
	}
	A := mat.NewDense(len(points), 3, nil)
	z := mat.NewVecDense(len(points), nil)
	for i, p := range points {
		A.Set(i, 0, p[0])
		A.Set(i, 1, p[1])
		A.Set(i, 2, 1)
		z.SetVec(i, p[2])
	}
	var coef mat.VecDense
	if err := coef.SolveVec(A, z); err != nil {
		return 0, 0, 0, errors.Wrap(err, errors.CodeProbe, "plane fit failed")
	}
	return coef.AtVec(0), coef.AtVec(1), coef.AtVec(2), nil
}

// SetAutolevel installs the rotation used while autolevel is active.
func (t *Tracker) SetAutolevel(a *Autolevel) {
	t.autolevel = a
	if t.autolevelActive {
		t.UpdateCurrentPosition(false)
	}
}

// Autolevel returns the installed rotation, or nil.
func (t *Tracker) Autolevel() *Autolevel { return t.autolevel }

// AutolevelActive reports whether commanded positions are rotated.
func (t *Tracker) AutolevelActive() bool { return t.autolevelActive }

// SetAutolevelActive toggles the rotation and recomputes the millimeter
// position so it matches the new frame.
func (t *Tracker) SetAutolevelActive(on bool) {
	if on == t.autolevelActive {
		return
	}
	t.autolevelActive = on
	if on && t.autolevel == nil {
		t.autolevel = IdentityAutolevel()
	}
	t.UpdateCurrentPosition(false)
}
