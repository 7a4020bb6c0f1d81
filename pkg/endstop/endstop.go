// Endstop pin sampling
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package endstop

import (
	"fmt"
	"sync"

	"deltacore/pkg/geometry"
	"deltacore/pkg/log"
)

// PinReader reads the logical level of an input pin.
type PinReader interface {
	SetupInput(pin int, pullUp bool) error
	ReadPin(pin int) (bool, error)
	Close() error
}

// NoPin marks an unconnected signal.
const NoPin = -1

// PinConfig describes one endstop input.
type PinConfig struct {
	Pin      int
	PullUp   bool
	Inverted bool
}

// Config holds the tower max endstops and the probe input.
type Config struct {
	Towers   [geometry.NumTowers]PinConfig
	Probe    PinConfig
	Interval float64 // seconds between samples
}

// DefaultConfig returns BCM pin assignments for a Raspberry Pi header with
// normally-closed switches and the probe unconnected.
func DefaultConfig() Config {
	return Config{
		Towers: [geometry.NumTowers]PinConfig{
			{Pin: 17, PullUp: true, Inverted: true},
			{Pin: 27, PullUp: true, Inverted: true},
			{Pin: 22, PullUp: true, Inverted: true},
		},
		Probe:    PinConfig{Pin: NoPin},
		Interval: 0.001,
	}
}

// Sampler copies pin levels into Flags. It does the minimum work per
// sample and never touches motion state.
type Sampler struct {
	cfg   Config
	pins  PinReader
	flags *Flags
	log   *log.Logger

	errors uint64
}

// NewSampler configures the input pins and returns a sampler writing to
// flags.
func NewSampler(cfg Config, pins PinReader, flags *Flags) (*Sampler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	s := &Sampler{cfg: cfg, pins: pins, flags: flags, log: log.Get("endstop")}
	for i, pc := range cfg.Towers {
		if pc.Pin == NoPin {
			continue
		}
		if err := pins.SetupInput(pc.Pin, pc.PullUp); err != nil {
			return nil, fmt.Errorf("endstop: setup tower %v pin %d: %w", geometry.Tower(i), pc.Pin, err)
		}
	}
	if cfg.Probe.Pin != NoPin {
		if err := pins.SetupInput(cfg.Probe.Pin, cfg.Probe.PullUp); err != nil {
			return nil, fmt.Errorf("endstop: setup probe pin %d: %w", cfg.Probe.Pin, err)
		}
	}
	return s, nil
}

func (s *Sampler) read(pc PinConfig) (bool, error) {
	level, err := s.pins.ReadPin(pc.Pin)
	if err != nil {
		return false, err
	}
	return level != pc.Inverted, nil
}

// Sample reads every configured pin once and publishes the levels in a
// single update. Unreadable and unconnected pins keep their previous state.
func (s *Sampler) Sample() error {
	var (
		first error
		state State
		which Signals
	)
	for i, pc := range s.cfg.Towers {
		if pc.Pin == NoPin {
			continue
		}
		hit, err := s.read(pc)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		state.MaxHit[i] = hit
		which |= TowerSignal(geometry.Tower(i))
	}
	if s.cfg.Probe.Pin != NoPin {
		hit, err := s.read(s.cfg.Probe)
		if err != nil {
			if first == nil {
				first = err
			}
		} else {
			state.Probe = hit
			which |= ProbeSignal
		}
	}
	if which != 0 {
		s.flags.Update(state, which)
	}
	return first
}

// Poll samples once and returns the next wake time. It fits a loop task.
func (s *Sampler) Poll(eventtime float64) float64 {
	if err := s.Sample(); err != nil {
		s.errors++
		if s.errors == 1 || s.errors%1000 == 0 {
			s.log.Warn("pin read failed (%d times): %v", s.errors, err)
		}
	}
	return eventtime + s.cfg.Interval
}

// Errors returns the number of failed samples.
func (s *Sampler) Errors() uint64 { return s.errors }

// MockPins is an in-memory PinReader for development and tests.
type MockPins struct {
	mu     sync.Mutex
	levels map[int]bool
	setup  map[int]bool
	fail   map[int]error
}

// NewMockPins returns mock pins, all low.
func NewMockPins() *MockPins {
	return &MockPins{
		levels: make(map[int]bool),
		setup:  make(map[int]bool),
		fail:   make(map[int]error),
	}
}

func (m *MockPins) SetupInput(pin int, pullUp bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setup[pin] = true
	if pullUp {
		if _, ok := m.levels[pin]; !ok {
			m.levels[pin] = true
		}
	}
	return nil
}

func (m *MockPins) ReadPin(pin int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[pin]; err != nil {
		return false, err
	}
	return m.levels[pin], nil
}

func (m *MockPins) Close() error { return nil }

// Set drives a pin level.
func (m *MockPins) Set(pin int, level bool) {
	m.mu.Lock()
	m.levels[pin] = level
	m.mu.Unlock()
}

// Fail makes reads of pin return err; nil clears it.
func (m *MockPins) Fail(pin int, err error) {
	m.mu.Lock()
	m.fail[pin] = err
	m.mu.Unlock()
}

// IsSetup reports whether SetupInput was called for pin.
func (m *MockPins) IsSetup(pin int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setup[pin]
}
