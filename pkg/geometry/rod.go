// Squared diagonal rod lengths in steps
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package geometry

import "fmt"

// RodSquared is the squared diagonal rod length in steps², held either as a
// narrow 32-bit or a wide 64-bit value. Machines whose rod or diameter step
// count exceeds LargeMachineLimit need the wide form.
type RodSquared struct {
	wide   bool
	narrow uint32
	full   uint64
}

// NarrowRodSquared squares steps in 32-bit arithmetic.
func NarrowRodSquared(steps uint32) RodSquared {
	return RodSquared{narrow: steps * steps}
}

// WideRodSquared squares steps in 64-bit arithmetic.
func WideRodSquared(steps uint32) RodSquared {
	s := uint64(steps)
	return RodSquared{wide: true, full: s * s}
}

// Wide reports whether the 64-bit representation is in use.
func (r RodSquared) Wide() bool { return r.wide }

// Narrow returns the 32-bit value. Only meaningful when !Wide().
func (r RodSquared) Narrow() uint32 { return r.narrow }

// Uint64 returns the square widened to 64 bits regardless of representation.
func (r RodSquared) Uint64() uint64 {
	if r.wide {
		return r.full
	}
	return uint64(r.narrow)
}

func (r RodSquared) String() string {
	if r.wide {
		return fmt.Sprintf("wide(%d)", r.full)
	}
	return fmt.Sprintf("narrow(%d)", r.narrow)
}
