// Slot store for calibration data
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package storage provides the non-volatile slot store holding the
// distortion grid and its enabled flag.
package storage

import (
	"encoding/binary"
	"fmt"

	"deltacore/pkg/errors"
)

// Store is a byte-addressed non-volatile image.
type Store interface {
	Uint8At(off int) (uint8, error)
	PutUint8(off int, v uint8) error
	Int32At(off int) (int32, error)
	PutInt32(off int, v int32) error
	// Sync flushes pending writes to the backing medium.
	Sync() error
	Size() int
}

// Layout assigns stable offsets to the enabled flag and grid cells. Cell
// values are little-endian int32 steps.
type Layout struct {
	Base   int
	Points int // grid side N
}

// EnabledOffset is the offset of the enabled flag byte.
func (l Layout) EnabledOffset() int { return l.Base }

// CellOffset is the offset of cell i (row-major, y*N+x).
func (l Layout) CellOffset(i int) int { return l.Base + 4 + 4*i }

// End is the first offset past the layout.
func (l Layout) End() int { return l.CellOffset(l.Points * l.Points) }

// Validate checks that the layout fits a store of the given size.
func (l Layout) Validate(size int) error {
	if l.Base < 0 || l.Points < 2 {
		return errors.Newf(errors.CodeStorage, "invalid layout base=%d points=%d", l.Base, l.Points)
	}
	if l.End() > size {
		return errors.Newf(errors.CodeStorage, "layout needs %d bytes, store has %d", l.End(), size)
	}
	return nil
}

// image implements the Store accessors over a byte slice.
type image []byte

func (b image) check(off, n int) error {
	if off < 0 || off+n > len(b) {
		return errors.Storage("access", fmt.Errorf("offset %d+%d outside %d bytes", off, n, len(b)))
	}
	return nil
}

func (b image) Uint8At(off int) (uint8, error) {
	if err := b.check(off, 1); err != nil {
		return 0, err
	}
	return b[off], nil
}

func (b image) PutUint8(off int, v uint8) error {
	if err := b.check(off, 1); err != nil {
		return err
	}
	b[off] = v
	return nil
}

func (b image) Int32At(off int) (int32, error) {
	if err := b.check(off, 4); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[off:])), nil
}

func (b image) PutInt32(off int, v int32) error {
	if err := b.check(off, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b[off:], uint32(v))
	return nil
}

func (b image) Size() int { return len(b) }

// Memory is a volatile Store for tests and dry runs.
type Memory struct {
	image
	syncs int
}

// NewMemory returns a zeroed store of size bytes.
func NewMemory(size int) *Memory {
	return &Memory{image: make(image, size)}
}

func (m *Memory) Sync() error {
	m.syncs++
	return nil
}

// Syncs returns how many times Sync was called.
func (m *Memory) Syncs() int { return m.syncs }
