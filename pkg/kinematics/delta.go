// Delta kinematics in step space for linear delta machines.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package kinematics converts between Cartesian step coordinates and the
// carriage heights of the three delta towers.
package kinematics

import (
	"math"

	"deltacore/pkg/geometry"
)

// Delta implements geometry.Transform for a linear delta.
// Each tower has a carriage that moves up/down, connected to the effector by a rod.
type Delta struct {
	// CheckFloor rejects targets whose carriage would sit below the floor
	// safety margin. Probing moves disable it.
	CheckFloor bool
}

// NewDelta returns a delta transform with floor checking enabled.
func NewDelta() *Delta {
	return &Delta{CheckFloor: true}
}

// narrowLimit is the largest horizontal distance² the narrow path accepts.
const narrowLimit = math.MaxUint32

// CartesianToTower computes the carriage height of every tower for the
// effector at cart (x, y, z in steps):
//
//	tower = sqrt(rod² - (towerX-x)² - (towerY-y)²) + z
//
// It reports false when a rod cannot reach the target.
func (k *Delta) CartesianToTower(d *geometry.Derived, cart [3]int32) ([geometry.NumTowers]int32, bool) {
	var out [geometry.NumTowers]int32
	for i := 0; i < geometry.NumTowers; i++ {
		dx := int64(d.Towers[i].X) - int64(cart[0])
		dy := int64(d.Towers[i].Y) - int64(cart[1])
		h2 := dx*dx + dy*dy

		rod := d.DiagonalRodSquared[i]
		var opp int64
		if rod.Wide() {
			opp = int64(rod.Uint64()) - h2
		} else {
			if h2 > narrowLimit {
				return out, false
			}
			opp = int64(rod.Narrow()) - h2
		}
		if opp < 0 {
			return out, false
		}
		out[i] = int32(math.Sqrt(float64(opp))) + cart[2]
		if k.CheckFloor && out[i] < d.FloorSafetyMarginSteps {
			return out, false
		}
	}
	return out, true
}

// TowerToCartesian finds the effector position for the given carriage
// heights by intersecting the three rod spheres. It reports false when the
// spheres do not meet.
func (k *Delta) TowerToCartesian(d *geometry.Derived, tower [geometry.NumTowers]int32) ([3]int32, bool) {
	var spheres [geometry.NumTowers][3]float64
	var rod2 [geometry.NumTowers]float64
	for i := 0; i < geometry.NumTowers; i++ {
		spheres[i] = [3]float64{float64(d.Towers[i].X), float64(d.Towers[i].Y), float64(tower[i])}
		rod2[i] = float64(d.DiagonalRodSquared[i].Uint64())
	}
	p, ok := trilaterate(spheres, rod2)
	if !ok {
		return [3]int32{}, false
	}
	return [3]int32{
		geometry.RoundHalfUp(p[0]),
		geometry.RoundHalfUp(p[1]),
		geometry.RoundHalfUp(p[2]),
	}, true
}

// trilaterate returns the lower intersection point of three spheres.
func trilaterate(c [3][3]float64, r2 [3]float64) ([3]float64, bool) {
	s21 := sub(c[1], c[0])
	s31 := sub(c[2], c[0])

	d := norm(s21)
	if d == 0 {
		return [3]float64{}, false
	}
	ex := scale(s21, 1/d)
	i := dot(ex, s31)
	vey := sub(s31, scale(ex, i))
	eyLen := norm(vey)
	if eyLen == 0 {
		return [3]float64{}, false
	}
	ey := scale(vey, 1/eyLen)
	ez := cross(ex, ey)
	j := dot(ey, s31)

	x := (r2[0] - r2[1] + d*d) / (2 * d)
	y := (r2[0] - r2[2] - x*x + (x-i)*(x-i) + j*j) / (2 * j)
	zz := r2[0] - x*x - y*y
	if zz < 0 {
		return [3]float64{}, false
	}
	z := -math.Sqrt(zz)

	var out [3]float64
	for n := 0; n < 3; n++ {
		out[n] = c[0][n] + ex[n]*x + ey[n]*y + ez[n]*z
	}
	return out, true
}

func sub(a, b [3]float64) [3]float64 { return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func scale(a [3]float64, s float64) [3]float64 { return [3]float64{a[0] * s, a[1] * s, a[2] * s} }

func dot(a, b [3]float64) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func norm(a [3]float64) float64 { return math.Sqrt(dot(a, a)) }

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
