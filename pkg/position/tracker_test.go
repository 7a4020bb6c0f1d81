package position

import (
	stderrors "errors"
	"math"
	"testing"

	"deltacore/pkg/distortion"
	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
	"deltacore/pkg/metrics"
	"deltacore/pkg/motion"
)

var errBoom = stderrors.New("boom")

type fixedTemp float64

func (f fixedTemp) CurrentTemperature() float64 { return float64(f) }

// Default geometry: 80 steps/mm on XYZ, 92.4 on E, 300 mm tall, 90 mm radius.
func newTracker(t *testing.T, grid *distortion.Grid) (*Tracker, *motion.Recorder) {
	t.Helper()
	model := geometry.NewModel(geometry.DefaultConfig(), nil)
	q := &motion.Recorder{}
	tr := NewTracker(DefaultConfig(), model, q, grid)
	tr.SetTemperatureSource(fixedTemp(210))
	return tr, q
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestMoveToReal(t *testing.T) {
	tr, q := newTracker(t, nil)
	if err := tr.MoveToReal(XYZ(10, -5, 20), true); err != nil {
		t.Fatalf("MoveToReal: %v", err)
	}
	if len(q.Deltas) != 1 {
		t.Fatalf("queued %d moves, want 1", len(q.Deltas))
	}
	got := q.Deltas[0]
	if want := (motion.Steps{800, -400, 1600, 0}); got.Dest != want {
		t.Errorf("dest = %v, want %v", got.Dest, want)
	}
	if want := (motion.DeltaFlags{CheckEndstops: true, PathOptimize: true, RealMove: true}); got.Flags != want {
		t.Errorf("flags = %+v, want %+v", got.Flags, want)
	}
	if tr.CurrentSteps() != got.Dest {
		t.Errorf("current steps = %v, want %v", tr.CurrentSteps(), got.Dest)
	}
	if tr.CurrentMM() != [3]float64{10, -5, 20} {
		t.Errorf("current mm = %v", tr.CurrentMM())
	}
}

func TestMoveToRealIgnoredAxes(t *testing.T) {
	tr, q := newTracker(t, nil)
	if err := tr.MoveToReal(XYZ(10, 10, 10), true); err != nil {
		t.Fatal(err)
	}
	if err := tr.MoveToReal(Coords{X: Ignore, Y: Ignore, Z: 30, E: Ignore, F: 25}, false); err != nil {
		t.Fatal(err)
	}
	last := q.Deltas[1]
	if want := (motion.Steps{800, 800, 2400, 0}); last.Dest != want {
		t.Errorf("dest = %v, want %v", last.Dest, want)
	}
	if last.Feedrate != 25 || tr.Feedrate() != 25 {
		t.Errorf("feedrate = %v", last.Feedrate)
	}
	if last.Flags.PathOptimize {
		t.Error("path optimization not passed through")
	}
}

func TestToolOffset(t *testing.T) {
	tr, q := newTracker(t, nil)
	tr.SetToolOffset(1, 2, 3)
	if err := tr.MoveToReal(XYZ(0, 0, 0), true); err != nil {
		t.Fatal(err)
	}
	if want := (motion.Steps{80, 160, 240, 0}); q.Deltas[0].Dest != want {
		t.Errorf("dest = %v, want %v", q.Deltas[0].Dest, want)
	}
	tr.UpdateCurrentPosition(true)
	for i, v := range tr.CurrentMM() {
		if !near(v, 0) {
			t.Errorf("axis %d = %v, want 0", i, v)
		}
	}
}

func TestMoveToRealRejected(t *testing.T) {
	tr, q := newTracker(t, nil)
	m := metrics.NewDeltaMetrics()
	tr.SetMetrics(m)
	q.Reject = errBoom
	err := tr.MoveToReal(XYZ(10, 10, 10), true)
	if !errors.Is(err, errors.CodeMotionRejected) {
		t.Fatalf("err = %v, want motion rejected", err)
	}
	if !stderrors.Is(err, errBoom) {
		t.Error("cause not wrapped")
	}
	if tr.CurrentSteps() != (motion.Steps{}) || tr.CurrentMM() != [3]float64{} {
		t.Errorf("position changed: %v %v", tr.CurrentSteps(), tr.CurrentMM())
	}
	if tr.Destination() != (motion.Steps{}) {
		t.Errorf("destination changed: %v", tr.Destination())
	}
	if got := m.MovesRejected.Get(metrics.Labels{"reason": "queue"}); got != 1 {
		t.Errorf("rejected counter = %v", got)
	}
}

func TestMoveToRealExtrusionGate(t *testing.T) {
	tests := []struct {
		name   string
		temp   float64
		cold   bool
		dryRun bool
		wantE  int32
	}{
		{"hot", 210, false, false, 462},
		{"cold", 20, false, false, 0},
		{"cold allowed", 20, true, false, 462},
		{"dry run", 210, false, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, q := newTracker(t, nil)
			tr.SetTemperatureSource(fixedTemp(tt.temp))
			tr.SetColdExtrusionAllowed(tt.cold)
			tr.SetDryRun(tt.dryRun)
			if err := tr.MoveToReal(Coords{X: Ignore, Y: Ignore, Z: Ignore, E: 5, F: Ignore}, true); err != nil {
				t.Fatal(err)
			}
			if got := q.Deltas[0].Dest[geometry.E]; got != tt.wantE {
				t.Errorf("E = %d, want %d", got, tt.wantE)
			}
		})
	}
}

func TestDistortionFoldedIntoZ(t *testing.T) {
	d := geometry.NewModel(geometry.DefaultConfig(), nil).Derived()
	g := distortion.New(distortion.DefaultConfig(), nil, 0)
	if err := g.Init(d); err != nil {
		t.Fatal(err)
	}
	for y := 0; y < g.Size(); y++ {
		for x := 0; x < g.Size(); x++ {
			g.SetCell(x, y, 100)
		}
	}
	if err := g.Enable(false); err != nil {
		t.Fatal(err)
	}
	tr, q := newTracker(t, g)
	if err := tr.MoveToReal(XYZ(5, 5, 0), true); err != nil {
		t.Fatal(err)
	}
	if got := q.Deltas[0].Dest[geometry.Z]; got != 100 {
		t.Errorf("queued Z = %d, want 100", got)
	}
	if tr.Correction() != 100 {
		t.Errorf("correction = %d", tr.Correction())
	}
	tr.UpdateCurrentPosition(true)
	if !near(tr.CurrentMM()[2], 0) {
		t.Errorf("z = %v, want 0", tr.CurrentMM()[2])
	}

	// Disabling recomputes the position without a jump.
	if err := g.Disable(false); err != nil {
		t.Fatal(err)
	}
	if !near(tr.CurrentMM()[2], 0) {
		t.Errorf("z after disable = %v, want 0", tr.CurrentMM()[2])
	}

	// Above the fade end the grid contributes nothing.
	if err := g.Enable(false); err != nil {
		t.Fatal(err)
	}
	if err := tr.MoveToReal(XYZ(5, 5, 10), true); err != nil {
		t.Fatal(err)
	}
	if got := q.Deltas[1].Dest[geometry.Z]; got != 800 {
		t.Errorf("queued Z = %d, want 800", got)
	}
}

func TestIsPositionAllowed(t *testing.T) {
	tests := []struct {
		name    string
		x, y, z float64
		want    bool
	}{
		{"center", 0, 0, 0, true},
		{"below bed", 0, 0, -0.1, false},
		{"top tolerance", 0, 0, 300.04, true},
		{"above top", 0, 0, 300.1, false},
		{"on radius", 90, 0, 10, true},
		{"outside radius", 63.7, 63.7, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTracker(t, nil)
			if got := tr.IsPositionAllowed(tt.x, tt.y, tt.z); got != tt.want {
				t.Errorf("IsPositionAllowed(%v, %v, %v) = %v, want %v", tt.x, tt.y, tt.z, got, tt.want)
			}
			tr.SetNoDestinationCheck(true)
			if !tr.IsPositionAllowed(tt.x, tt.y, tt.z) {
				t.Error("check not disabled")
			}
		})
	}
}

func TestReachable(t *testing.T) {
	tr, _ := newTracker(t, nil)
	if !tr.Reachable(90, 0, 10) || tr.Reachable(63.7, 63.7, 10) {
		t.Error("cylinder check wrong")
	}
	tr.SetToolOffset(5, 0, 0)
	if tr.Reachable(90, 0, 10) {
		t.Error("tool offset ignored")
	}
	tr.SetNoDestinationCheck(true)
	if !tr.Reachable(63.7, 63.7, 10) {
		t.Error("check not disabled")
	}
}

func TestRememberRestore(t *testing.T) {
	tr, q := newTracker(t, nil)
	if err := tr.Restore(false, false, false, false, 100); err != nil || len(q.Deltas) != 0 {
		t.Fatalf("restore before remember queued %d moves, err %v", len(q.Deltas), err)
	}
	if err := tr.MoveToReal(Coords{X: 10, Y: 10, Z: 10, E: Ignore, F: 40}, true); err != nil {
		t.Fatal(err)
	}
	tr.Remember()
	if err := tr.MoveToReal(Coords{X: 0, Y: 0, Z: 50, E: Ignore, F: 120}, true); err != nil {
		t.Fatal(err)
	}
	if err := tr.Restore(false, false, false, false, 100); err != nil {
		t.Fatal(err)
	}
	last := q.Deltas[len(q.Deltas)-1]
	if want := (motion.Steps{800, 800, 800, 0}); last.Dest != want {
		t.Errorf("dest = %v, want %v", last.Dest, want)
	}
	if last.Feedrate != 100 {
		t.Errorf("restore feedrate = %v", last.Feedrate)
	}
	if tr.Feedrate() != 40 {
		t.Errorf("feedrate after restore = %v, want 40", tr.Feedrate())
	}
}
