package sim

import (
	stderrors "errors"
	"math"
	"testing"

	"deltacore/pkg/endstop"
	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
	"deltacore/pkg/kinematics"
	"deltacore/pkg/motion"
)

// Default geometry puts every carriage at 42150 steps for the top position.
const top = 42150

func newMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	model := geometry.NewModel(geometry.DefaultConfig(), kinematics.NewDelta())
	return New(cfg, model)
}

func TestNewPlacesCarriages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndstopOffsetSteps = [3]int32{0, 100, -50}
	m := newMachine(t, cfg)
	if got := m.EndstopHeights(); got != [3]int32{top, top + 100, top - 50} {
		t.Errorf("endstops = %v", got)
	}
	if got := m.Carriages(); got != [3]int32{top - 8000, top - 8000, top - 8000} {
		t.Errorf("carriages = %v", got)
	}
	if m.HasPendingMoves() {
		t.Error("new machine has pending moves")
	}
}

func TestMoveRelativeStopsAtEndstops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndstopOffsetSteps = [3]int32{0, 100, -50}
	m := newMachine(t, cfg)

	if err := m.MoveRelative(motion.Uniform(20000), 80, motion.RelativeFlags{CheckEndstops: true}); err != nil {
		t.Fatal(err)
	}
	m.Flush()
	if got := m.Carriages(); got != m.EndstopHeights() {
		t.Errorf("carriages = %v, want %v", got, m.EndstopHeights())
	}
	if got := m.Believed(); got != motion.Uniform(top-8000+20000) {
		t.Errorf("believed = %v", got)
	}

	flags := &endstop.Flags{}
	s, err := endstop.NewSampler(cfg.Endstops, m.Pins(), flags)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Sample(); err != nil {
		t.Fatal(err)
	}
	if !flags.Snapshot().AllMaxHit() {
		t.Errorf("flags = %v, want all hit", flags.Snapshot())
	}

	if err := m.MoveRelative(motion.Uniform(-400), 80, motion.RelativeFlags{}); err != nil {
		t.Fatal(err)
	}
	m.Flush()
	if err := s.Sample(); err != nil {
		t.Fatal(err)
	}
	if flags.Snapshot().AnyMaxHit() {
		t.Errorf("flags = %v, want released", flags.Snapshot())
	}
}

func TestTickAdvancesHeadMove(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	if err := m.MoveRelative(motion.Uniform(-1000), 80, motion.RelativeFlags{}); err != nil {
		t.Fatal(err)
	}
	et := 0.0
	for i := 0; i < 4; i++ {
		et = m.Tick(et)
	}
	if !m.HasPendingMoves() {
		t.Fatal("move finished early")
	}
	if next := m.Tick(et); math.Abs(next-0.005) > 1e-12 {
		t.Errorf("next tick = %v", next)
	}
	if m.HasPendingMoves() || m.Ticks() != 5 {
		t.Errorf("pending = %v ticks = %d", m.HasPendingMoves(), m.Ticks())
	}
	if got := m.Carriages()[0]; got != top-9000 {
		t.Errorf("carriage = %d", got)
	}
}

func TestStuckAndDeadEndstops(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StuckEndstop[0] = true
	cfg.DeadEndstop[2] = true
	m := newMachine(t, cfg)
	if err := m.MoveRelative(motion.Uniform(10000), 80, motion.RelativeFlags{CheckEndstops: true}); err != nil {
		t.Fatal(err)
	}
	m.Flush()
	got := m.Carriages()
	if got[0] != top-8000 {
		t.Errorf("stuck tower moved to %d", got[0])
	}
	if got[1] != top {
		t.Errorf("tower B = %d, want %d", got[1], top)
	}
	if got[2] != top+2000 {
		t.Errorf("dead tower = %d, want %d", got[2], top+2000)
	}
}

func TestQueueDelta(t *testing.T) {
	m := newMachine(t, DefaultConfig())
	if err := m.QueueDelta(motion.Steps{0, 0, 24000, 0}, 100, motion.DeltaFlags{}); err != nil {
		t.Fatal(err)
	}
	m.Flush()
	x, y, z, ok := m.Effector()
	if !ok {
		t.Fatal("effector unknown")
	}
	if math.Abs(x) > 0.05 || math.Abs(y) > 0.05 || math.Abs(z-300) > 0.05 {
		t.Errorf("effector = %v %v %v", x, y, z)
	}

	err := m.QueueDelta(motion.Steps{40000, 0, 0, 0}, 100, motion.DeltaFlags{})
	if !errors.Is(err, errors.CodeUnreachable) {
		t.Errorf("err = %v, want unreachable", err)
	}
	if m.HasPendingMoves() {
		t.Error("rejected move was queued")
	}
}

func TestRunProbe(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Bed = func(x, y float64) float64 { return 0.5 + 0.01*x }
	m := newMachine(t, cfg)
	if err := m.QueueDelta(motion.Steps{800, 0, 400, 0}, 100, motion.DeltaFlags{}); err != nil {
		t.Fatal(err)
	}
	got, err := m.RunProbe(true, false, 3)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-4.4) > 0.05 {
		t.Errorf("probe = %v, want about 4.4", got)
	}
	if m.HasPendingMoves() {
		t.Error("probe did not finish pending motion")
	}
	if m.Probes() != 3 {
		t.Errorf("probes = %d", m.Probes())
	}

	cfg.ProbeError = stderrors.New("no trigger")
	m = newMachine(t, cfg)
	if _, err := m.RunProbe(false, false, 1); err == nil {
		t.Error("expected probe error")
	}
}
