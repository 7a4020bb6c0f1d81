// Shared endstop signal word
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package endstop holds the tower max endstop and z-probe signals shared
// between asynchronous pin writers and the main loop.
package endstop

import (
	"strings"
	"sync/atomic"

	"deltacore/pkg/geometry"
)

const probeBit = 1 << geometry.NumTowers

// Flags packs the three tower max-hit signals and the probe signal into a
// single word. Writers may run on any goroutine; readers take a Snapshot.
// Every write advances Generation after the word is updated.
type Flags struct {
	word atomic.Uint32
	gen  atomic.Uint64
}

// Signals selects a subset of the flags for Update.
type Signals uint32

// ProbeSignal selects the z-probe flag.
const ProbeSignal Signals = probeBit

// TowerSignal selects the max endstop flag of tower t.
func TowerSignal(t geometry.Tower) Signals { return Signals(1) << uint(t) }

// SetMax records the max endstop of tower t as hit or released.
func (f *Flags) SetMax(t geometry.Tower, hit bool) {
	bit := uint32(1) << uint(t)
	if hit {
		f.word.Or(bit)
	} else {
		f.word.And(^bit)
	}
	f.gen.Add(1)
}

// SetProbe records the z-probe as triggered or released.
func (f *Flags) SetProbe(hit bool) {
	if hit {
		f.word.Or(probeBit)
	} else {
		f.word.And(^uint32(probeBit))
	}
	f.gen.Add(1)
}

// Store replaces every signal at once.
func (f *Flags) Store(s State) {
	f.word.Store(s.bits())
	f.gen.Add(1)
}

// Update writes the selected signals of s in one atomic step and leaves
// the others untouched.
func (f *Flags) Update(s State, which Signals) {
	mask := uint32(which)
	for {
		old := f.word.Load()
		if f.word.CompareAndSwap(old, old&^mask|s.bits()&mask) {
			break
		}
	}
	f.gen.Add(1)
}

// Generation counts completed writes. A Snapshot taken after Generation
// moves past g reflects at least one write that started after g was read.
func (f *Flags) Generation() uint64 { return f.gen.Load() }

// Snapshot reads all four signals in one load.
func (f *Flags) Snapshot() State {
	w := f.word.Load()
	var s State
	for i := 0; i < geometry.NumTowers; i++ {
		s.MaxHit[i] = w&(1<<uint(i)) != 0
	}
	s.Probe = w&probeBit != 0
	return s
}

// State is a consistent view of the endstop signals.
type State struct {
	MaxHit [geometry.NumTowers]bool
	Probe  bool
}

func (s State) bits() uint32 {
	var w uint32
	for i, hit := range s.MaxHit {
		if hit {
			w |= 1 << uint(i)
		}
	}
	if s.Probe {
		w |= probeBit
	}
	return w
}

// AllMaxHit reports whether every tower endstop is hit.
func (s State) AllMaxHit() bool {
	return s.MaxHit[0] && s.MaxHit[1] && s.MaxHit[2]
}

// AnyMaxHit reports whether at least one tower endstop is hit.
func (s State) AnyMaxHit() bool {
	return s.MaxHit[0] || s.MaxHit[1] || s.MaxHit[2]
}

func word(hit bool) string {
	if hit {
		return "H"
	}
	return "L"
}

// String renders the endstop report line, e.g.
// "endstops hit: x_max:H y_max:L z_max:L z_probe:L".
func (s State) String() string {
	var b strings.Builder
	b.WriteString("endstops hit:")
	for i, name := range []string{"x_max", "y_max", "z_max"} {
		b.WriteString(" " + name + ":" + word(s.MaxHit[i]))
	}
	b.WriteString(" z_probe:" + word(s.Probe))
	return b.String()
}
