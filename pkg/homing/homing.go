// Tower homing for linear delta machines.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package homing drives all three carriages to their max endstops,
// confirms the trigger with a slow retest and reconciles the per-tower
// endstop offsets into an absolute zero.
package homing

import (
	"context"
	"fmt"
	"time"

	"deltacore/pkg/endstop"
	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
	"deltacore/pkg/log"
	"deltacore/pkg/loop"
	"deltacore/pkg/metrics"
	"deltacore/pkg/motion"
	"deltacore/pkg/position"
)

// State is the sequencer state.
type State int

const (
	Idle State = iota
	SeekingTop
	Retracting
	Retesting
	Reconciling
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SeekingTop:
		return "seeking_top"
	case Retracting:
		return "retracting"
	case Retesting:
		return "retesting"
	case Reconciling:
		return "reconciling"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Finished reports whether s is terminal.
func (s State) Finished() bool { return s == Done || s == Failed }

// Config holds the homing parameters.
type Config struct {
	// TowerOffsetSteps moves each carriage down from its endstop to the
	// common zero.
	TowerOffsetSteps [geometry.NumTowers]int32
	// EndstopMinSteps is an additional per-tower correction from endstop
	// calibration.
	EndstopMinSteps [geometry.NumTowers]int32
	// RetractMM is the back-off distance before the retest.
	RetractMM float64
	// RetestReductionFactor divides the homing feedrate for the retract
	// and the retest.
	RetestReductionFactor float64
	// PollInterval is the delay between Poll calls in seconds.
	PollInterval float64
	// SampleTimeout bounds the wait for an endstop sample taken after a
	// move completes, in seconds.
	SampleTimeout float64
}

// DefaultConfig returns the usual homing parameters.
func DefaultConfig() Config {
	return Config{
		RetractMM:             5,
		RetestReductionFactor: 3,
		PollInterval:          0.001,
		SampleTimeout:         1,
	}
}

// Tracker is the position state the sequencer rewrites.
type Tracker interface {
	SetHomed(bool)
	AutolevelActive() bool
	SetAutolevelActive(bool)
	SetXYZSteps(x, y, z int32)
	SetOrigin(x, y, z float64)
	MoveToReal(target position.Coords, pathOptimize bool) error
	UpdateCurrentPosition(copyLastCmd bool)
}

// ToolSelector reselects the active tool once the position is known.
type ToolSelector interface {
	ReselectTool() error
}

// NormalizeTowerOffsets shifts raw so its smallest entry is zero and
// returns the shifted offsets with the removed minimum.
func NormalizeTowerOffsets(raw motion.TowerSteps) (motion.TowerSteps, int32) {
	lowest := raw[0]
	for _, v := range raw[1:] {
		if v < lowest {
			lowest = v
		}
	}
	return raw.Sub(motion.Uniform(lowest)), lowest
}

// Sequencer is the homing state machine. Poll advances it one state at a
// time whenever the motion queue is idle.
type Sequencer struct {
	cfg       Config
	model     *geometry.Model
	transform geometry.Transform
	queue     motion.Queue
	flags     *endstop.Flags
	tracker   Tracker
	tools     ToolSelector
	metrics   *metrics.DeltaMetrics
	log       *log.Logger

	state          State
	savedAutolevel bool
	started        time.Time
	top            motion.TowerSteps
	raw            motion.TowerSteps
	norm           motion.TowerSteps
	lowest         int32
	err            error

	// Set while waiting for the sampler after the queue went idle.
	awaiting  bool
	idleGen   uint64
	idleSince float64
}

// NewSequencer creates an idle sequencer.
func NewSequencer(cfg Config, model *geometry.Model, transform geometry.Transform,
	queue motion.Queue, flags *endstop.Flags, tracker Tracker) *Sequencer {
	if cfg.RetestReductionFactor <= 0 {
		cfg.RetestReductionFactor = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 0.001
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = 1
	}
	return &Sequencer{
		cfg:       cfg,
		model:     model,
		transform: transform,
		queue:     queue,
		flags:     flags,
		tracker:   tracker,
		log:       log.Get("homing"),
	}
}

// SetToolSelector attaches the optional tool collaborator.
func (s *Sequencer) SetToolSelector(t ToolSelector) { s.tools = t }

// SetMetrics attaches metrics; nil detaches.
func (s *Sequencer) SetMetrics(m *metrics.DeltaMetrics) { s.metrics = m }

// State returns the current state.
func (s *Sequencer) State() State { return s.state }

// Err returns the failure of the last run, or nil.
func (s *Sequencer) Err() error { return s.err }

// Offsets returns the normalized tower offsets and their minimum from the
// last successful reconcile.
func (s *Sequencer) Offsets() (motion.TowerSteps, int32) { return s.norm, s.lowest }

func (s *Sequencer) seekDistance(d *geometry.Derived) int32 {
	var rod uint32
	for _, r := range d.DiagonalRodSteps {
		if r > rod {
			rod = r
		}
	}
	return int32(1.5 * float64(int64(d.MaxTravelStepsZ)+int64(rod)))
}

func (s *Sequencer) seek(feedrate float64) error {
	d := s.model.Derived()
	s.tracker.SetXYZSteps(0, 0, 0)
	return s.queue.MoveRelative(motion.Uniform(s.seekDistance(d)), feedrate,
		motion.RelativeFlags{CheckEndstops: true, WaitForCompletion: true})
}

// Start begins a homing run. The tracker stays unhomed and autolevel is
// suspended until the run ends.
func (s *Sequencer) Start() error {
	if s.state != Idle && !s.state.Finished() {
		return errors.HomingFailed("homing already in progress")
	}
	s.err = nil
	s.awaiting = false
	s.started = time.Now()
	s.savedAutolevel = s.tracker.AutolevelActive()
	s.tracker.SetAutolevelActive(false)
	s.tracker.SetHomed(false)
	s.state = SeekingTop
	s.log.Info("homing towers")
	if err := s.seek(s.model.Derived().HomingFeedrate); err != nil {
		s.fail(fmt.Sprintf("seek rejected: %v", err))
		return s.err
	}
	return nil
}

func (s *Sequencer) fail(reason string) {
	s.state = Failed
	s.tracker.SetHomed(false)
	s.tracker.SetAutolevelActive(s.savedAutolevel)
	s.err = errors.HomingFailed(reason)
	s.log.WithField("reason", reason).Error("Homing failed!")
	s.metrics.RecordHoming(false, time.Since(s.started))
}

// Poll advances the state machine once the queue is idle. It fits a loop
// task and parks itself when the run ends.
func (s *Sequencer) Poll(eventtime float64) float64 {
	if s.state == Idle || s.state.Finished() {
		return loop.Never
	}
	if s.queue.HasPendingMoves() {
		return eventtime + s.cfg.PollInterval
	}
	d := s.model.Derived()
	slow := d.HomingFeedrate / s.cfg.RetestReductionFactor
	switch s.state {
	case SeekingTop:
		back := -int32(s.cfg.RetractMM * d.ZStepsPerMM())
		if err := s.queue.MoveRelative(motion.Uniform(back), slow,
			motion.RelativeFlags{WaitForCompletion: true}); err != nil {
			s.fail(fmt.Sprintf("retract rejected: %v", err))
			break
		}
		s.state = Retracting
	case Retracting:
		snap, ok := s.settledSnapshot(eventtime)
		if !ok {
			break
		}
		if snap.AnyMaxHit() {
			s.fail("endstop still triggered after retract, " + snap.String())
			break
		}
		if err := s.seek(slow); err != nil {
			s.fail(fmt.Sprintf("retest rejected: %v", err))
			break
		}
		s.state = Retesting
	case Retesting:
		if snap, ok := s.settledSnapshot(eventtime); ok {
			s.reconcile(d, snap)
		}
	case Reconciling:
		s.finish(d)
	}
	if s.state.Finished() {
		return loop.Never
	}
	return eventtime + s.cfg.PollInterval
}

// settledSnapshot returns an endstop snapshot written after the queue
// went idle. The first call after a move only records the flags
// generation; ok stays false until the sampler has published again. A
// sampler silent for SampleTimeout fails the run.
func (s *Sequencer) settledSnapshot(eventtime float64) (endstop.State, bool) {
	if !s.awaiting {
		s.awaiting = true
		s.idleGen = s.flags.Generation()
		s.idleSince = eventtime
		return endstop.State{}, false
	}
	if s.flags.Generation() == s.idleGen {
		if eventtime-s.idleSince >= s.cfg.SampleTimeout {
			s.awaiting = false
			s.fail(fmt.Sprintf("no endstop sample within %gs of %v", s.cfg.SampleTimeout, s.state))
		}
		return endstop.State{}, false
	}
	s.awaiting = false
	return s.flags.Snapshot(), true
}

// reconcile checks the retest on one snapshot, rebases the queue on the
// normalized offsets and moves every carriage down to the common zero.
func (s *Sequencer) reconcile(d *geometry.Derived, snap endstop.State) {
	if !snap.AllMaxHit() {
		s.fail("not all endstops triggered, " + snap.String())
		return
	}
	for i := range s.raw {
		s.raw[i] = -s.cfg.EndstopMinSteps[i] - s.cfg.TowerOffsetSteps[i]
	}
	s.norm, s.lowest = NormalizeTowerOffsets(s.raw)
	top, ok := s.transform.CartesianToTower(d, [3]int32{0, 0, d.ZMaxSteps})
	if !ok {
		s.fail("top position unreachable")
		return
	}
	s.top = motion.TowerSteps(top)
	s.queue.SetTowerPosition(s.top.Sub(s.norm))
	if err := s.queue.MoveRelative(s.raw, d.HomingFeedrate,
		motion.RelativeFlags{WaitForCompletion: true}); err != nil {
		s.fail(fmt.Sprintf("offset move rejected: %v", err))
		return
	}
	s.metrics.SetTowerOffsets(s.norm)
	s.log.WithFields(log.Fields{"raw": s.raw, "norm": s.norm, "min": s.lowest}).Debug("tower offsets")
	s.state = Reconciling
}

// finish declares the top position, re-syncs the queue and moves to the
// top of the printable volume.
func (s *Sequencer) finish(d *geometry.Derived) {
	s.tracker.SetXYZSteps(0, 0, d.ZMaxSteps)
	s.queue.SetTowerPosition(s.top)
	s.tracker.SetOrigin(0, 0, 0)
	if s.tools != nil {
		if err := s.tools.ReselectTool(); err != nil {
			s.log.WithError(err).Warn("tool reselect failed")
		}
	}
	s.tracker.UpdateCurrentPosition(true)
	target := position.XYZ(0, 0, d.ZLength)
	target.F = d.HomingFeedrate
	if err := s.tracker.MoveToReal(target, true); err != nil {
		s.log.WithError(err).Warn("move to top rejected")
	}
	s.tracker.UpdateCurrentPosition(true)
	s.tracker.SetAutolevelActive(s.savedAutolevel)
	s.tracker.SetHomed(true)
	s.state = Done
	s.metrics.RecordHoming(true, time.Since(s.started))
	s.log.WithField("offsets", s.norm).Info("homing done")
}

// Run starts a homing run on l and dispatches l until it ends. A nil l
// runs on a private wall-clock loop.
func (s *Sequencer) Run(ctx context.Context, l *loop.Loop) error {
	if l == nil {
		l = loop.New(nil)
	}
	if err := s.Start(); err != nil {
		return err
	}
	t := l.RegisterTimer("homing", s.Poll, loop.Now)
	defer l.UnregisterTimer(t)
	if err := l.RunUntil(ctx, func() bool { return s.state.Finished() }); err != nil {
		if !s.state.Finished() {
			s.fail(fmt.Sprintf("interrupted: %v", err))
		}
		return err
	}
	return s.err
}
