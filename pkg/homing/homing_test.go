package homing

import (
	"context"
	"testing"

	"deltacore/pkg/endstop"
	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
	"deltacore/pkg/kinematics"
	"deltacore/pkg/loop"
	"deltacore/pkg/metrics"
	"deltacore/pkg/motion"
	"deltacore/pkg/position"
	"deltacore/pkg/sim"
)

// Default geometry: top carriage height 42150, rod 20000 steps, zMax 24000.
const top = 42150

func TestNormalizeTowerOffsets(t *testing.T) {
	tests := []struct {
		raw      motion.TowerSteps
		wantNorm motion.TowerSteps
		wantMin  int32
	}{
		{motion.TowerSteps{5, -3, 2}, motion.TowerSteps{8, 0, 5}, -3},
		{motion.TowerSteps{0, 0, 0}, motion.TowerSteps{0, 0, 0}, 0},
		{motion.TowerSteps{-10, -20, -30}, motion.TowerSteps{20, 10, 0}, -30},
		{motion.TowerSteps{7, 7, 9}, motion.TowerSteps{0, 0, 2}, 7},
	}
	for _, tt := range tests {
		norm, lowest := NormalizeTowerOffsets(tt.raw)
		if norm != tt.wantNorm || lowest != tt.wantMin {
			t.Errorf("NormalizeTowerOffsets(%v) = %v, %d; want %v, %d",
				tt.raw, norm, lowest, tt.wantNorm, tt.wantMin)
		}
	}
}

// Step through the sequence against a recording queue.
func TestSequenceCommands(t *testing.T) {
	model := geometry.NewModel(geometry.DefaultConfig(), kinematics.NewDelta())
	q := &motion.Recorder{}
	flags := &endstop.Flags{}
	tr := position.NewTracker(position.DefaultConfig(), model, q, nil)
	cfg := DefaultConfig()
	cfg.TowerOffsetSteps = [3]int32{120, -40, 0}
	s := NewSequencer(cfg, model, kinematics.NewDelta(), q, flags, tr)

	if s.Poll(0) != loop.Never {
		t.Error("idle sequencer should park")
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if tr.Homed() {
		t.Error("homed while seeking")
	}
	if err := s.Start(); !errors.Is(err, errors.CodeHomingFailed) {
		t.Errorf("second Start err = %v", err)
	}
	seek := q.Relatives[0]
	if seek.Delta != motion.Uniform(93225) || !seek.Flags.CheckEndstops || seek.Feedrate != 80 {
		t.Errorf("seek = %+v", seek)
	}

	q.Pending = true
	if next := s.Poll(1); next < 1.0009 || next > 1.0011 || s.State() != SeekingTop {
		t.Errorf("busy poll advanced: next=%v state=%v", next, s.State())
	}
	q.Pending = false

	s.Poll(2)
	retract := q.Relatives[1]
	if retract.Delta != motion.Uniform(-400) || retract.Flags.CheckEndstops {
		t.Errorf("retract = %+v", retract)
	}
	if retract.Feedrate < 26.66 || retract.Feedrate > 26.67 {
		t.Errorf("retract feedrate = %v", retract.Feedrate)
	}

	// The retract is judged on a sample taken after it completed.
	flags.Store(endstop.State{MaxHit: [3]bool{true, true, true}})
	s.Poll(3)
	if s.State() != Retracting || len(q.Relatives) != 2 {
		t.Fatalf("decided on a stale sample: state = %v", s.State())
	}
	flags.Store(endstop.State{})
	s.Poll(3.001)
	if s.State() != Retesting || q.Relatives[2].Delta != motion.Uniform(93225) {
		t.Fatalf("state = %v, retest = %+v", s.State(), q.Relatives[2])
	}

	s.Poll(4)
	if s.State() != Retesting {
		t.Fatalf("decided on a stale sample: state = %v", s.State())
	}
	flags.Store(endstop.State{MaxHit: [3]bool{true, true, true}})
	s.Poll(4.001)
	if s.State() != Reconciling {
		t.Fatalf("state = %v", s.State())
	}
	if tr.Homed() {
		t.Error("homed before the run finished")
	}
	if want := (motion.TowerSteps{top, top - 160, top - 120}); q.Positions[0] != want {
		t.Errorf("rebased position = %v, want %v", q.Positions[0], want)
	}
	if want := (motion.TowerSteps{-120, 40, 0}); q.Relatives[3].Delta != want {
		t.Errorf("offset move = %v, want %v", q.Relatives[3].Delta, want)
	}

	if next := s.Poll(5); next != loop.Never || s.State() != Done {
		t.Fatalf("state = %v next = %v", s.State(), next)
	}
	if q.Positions[1] != motion.Uniform(top) {
		t.Errorf("final position = %v", q.Positions[1])
	}
	if q.Deltas[0].Dest != (motion.Steps{0, 0, 24000, 0}) {
		t.Errorf("final move = %v", q.Deltas[0].Dest)
	}
	if !tr.Homed() || s.Err() != nil {
		t.Errorf("homed = %v err = %v", tr.Homed(), s.Err())
	}
}

func TestSilentSamplerFails(t *testing.T) {
	model := geometry.NewModel(geometry.DefaultConfig(), kinematics.NewDelta())
	q := &motion.Recorder{}
	flags := &endstop.Flags{}
	tr := position.NewTracker(position.DefaultConfig(), model, q, nil)
	cfg := DefaultConfig()
	cfg.SampleTimeout = 0.5
	s := NewSequencer(cfg, model, kinematics.NewDelta(), q, flags, tr)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	s.Poll(1) // retract
	s.Poll(2)
	if s.Poll(2.4) == loop.Never || s.State() != Retracting {
		t.Fatalf("gave up early: state = %v", s.State())
	}
	if next := s.Poll(2.5); next != loop.Never || s.State() != Failed {
		t.Fatalf("state = %v next = %v", s.State(), next)
	}
	if !errors.Is(s.Err(), errors.CodeHomingFailed) || tr.Homed() {
		t.Errorf("err = %v homed = %v", s.Err(), tr.Homed())
	}
}

type rig struct {
	machine *sim.Machine
	tracker *position.Tracker
	seq     *Sequencer
	loop    *loop.Loop
	metrics *metrics.DeltaMetrics
}

func newRig(t *testing.T, simCfg sim.Config, cfg Config) *rig {
	t.Helper()
	model := geometry.NewModel(geometry.DefaultConfig(), kinematics.NewDelta())
	m := sim.New(simCfg, model)
	flags := &endstop.Flags{}
	sampler, err := endstop.NewSampler(simCfg.Endstops, m.Pins(), flags)
	if err != nil {
		t.Fatal(err)
	}
	tr := position.NewTracker(position.DefaultConfig(), model, m, nil)
	s := NewSequencer(cfg, model, kinematics.NewDelta(), m, flags, tr)
	dm := metrics.NewDeltaMetrics()
	s.SetMetrics(dm)
	l := loop.New(&loop.VirtualClock{})
	l.RegisterTimer("sim", m.Tick, loop.Now)
	l.RegisterTimer("endstops", sampler.Poll, loop.Now)
	return &rig{machine: m, tracker: tr, seq: s, loop: l, metrics: dm}
}

type countingTools struct{ calls int }

func (c *countingTools) ReselectTool() error { c.calls++; return nil }

func TestHomeSimulatedMachine(t *testing.T) {
	simCfg := sim.DefaultConfig()
	simCfg.EndstopOffsetSteps = [3]int32{120, -40, 0}
	cfg := DefaultConfig()
	cfg.TowerOffsetSteps = simCfg.EndstopOffsetSteps
	r := newRig(t, simCfg, cfg)
	tools := &countingTools{}
	r.seq.SetToolSelector(tools)
	r.tracker.SetAutolevelActive(true)

	if err := r.seq.Run(context.Background(), r.loop); err != nil {
		t.Fatalf("Run: %v", err)
	}
	r.machine.Flush()
	if got := r.machine.Carriages(); got != [3]int32{top, top, top} {
		t.Errorf("carriages = %v, want all %d", got, top)
	}
	if got := r.machine.Believed(); got != motion.Uniform(top) {
		t.Errorf("believed = %v", got)
	}
	norm, lowest := r.seq.Offsets()
	if norm != (motion.TowerSteps{0, 160, 120}) || lowest != -120 {
		t.Errorf("offsets = %v, %d", norm, lowest)
	}
	if pos := r.tracker.CurrentMM(); pos != [3]float64{0, 0, 300} {
		t.Errorf("position = %v", pos)
	}
	if !r.tracker.Homed() || !r.tracker.AutolevelActive() {
		t.Errorf("homed = %v autolevel = %v", r.tracker.Homed(), r.tracker.AutolevelActive())
	}
	if tools.calls != 1 {
		t.Errorf("tool reselected %d times", tools.calls)
	}
	if got := r.metrics.HomingAttempts.Get(metrics.Labels{"result": "success"}); got != 1 {
		t.Errorf("success count = %d", got)
	}
	if got := r.metrics.TowerOffset.Get(metrics.Labels{"tower": "b"}); got != 160 {
		t.Errorf("tower b offset gauge = %v", got)
	}
}

// Samplers slower than the homing poll must not see the pre-retract level.
func TestHomeWithSlowSampler(t *testing.T) {
	for _, interval := range []float64{0.005, 0.020} {
		simCfg := sim.DefaultConfig()
		simCfg.Endstops.Interval = interval
		r := newRig(t, simCfg, DefaultConfig())
		if err := r.seq.Run(context.Background(), r.loop); err != nil {
			t.Fatalf("interval %v: %v", interval, err)
		}
		if r.seq.State() != Done || !r.tracker.Homed() {
			t.Errorf("interval %v: state = %v homed = %v", interval, r.seq.State(), r.tracker.Homed())
		}
	}
}

func TestHomingFailures(t *testing.T) {
	tests := []struct {
		name   string
		faults func(*sim.Config)
	}{
		{"stuck endstop", func(c *sim.Config) { c.StuckEndstop[0] = true }},
		{"dead endstop", func(c *sim.Config) { c.DeadEndstop[2] = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			simCfg := sim.DefaultConfig()
			tt.faults(&simCfg)
			r := newRig(t, simCfg, DefaultConfig())
			r.tracker.SetAutolevelActive(true)
			err := r.seq.Run(context.Background(), r.loop)
			if !errors.Is(err, errors.CodeHomingFailed) {
				t.Fatalf("err = %v, want homing failed", err)
			}
			if r.seq.State() != Failed || r.tracker.Homed() {
				t.Errorf("state = %v homed = %v", r.seq.State(), r.tracker.Homed())
			}
			if !r.tracker.AutolevelActive() {
				t.Error("autolevel not restored")
			}
			if got := r.metrics.HomingAttempts.Get(metrics.Labels{"result": "failure"}); got != 1 {
				t.Errorf("failure count = %d", got)
			}
		})
	}
}

func TestRunCancelled(t *testing.T) {
	r := newRig(t, sim.DefaultConfig(), DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.seq.Run(ctx, r.loop); err != context.Canceled {
		t.Errorf("err = %v", err)
	}
	if r.seq.State() != Failed {
		t.Errorf("state = %v", r.seq.State())
	}
}
