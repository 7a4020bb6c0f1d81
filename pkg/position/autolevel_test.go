package position

import (
	"math"
	"testing"

	"deltacore/pkg/errors"
	"deltacore/pkg/motion"
)

func TestFitPlane(t *testing.T) {
	plane := func(x, y float64) float64 { return 0.01*x - 0.02*y + 1 }
	var pts [][3]float64
	for _, p := range [][2]float64{{-50, -50}, {50, -50}, {0, 60}, {20, 10}} {
		pts = append(pts, [3]float64{p[0], p[1], plane(p[0], p[1])})
	}
	a, b, c, err := FitPlane(pts)
	if err != nil {
		t.Fatal(err)
	}
	if !near(a, 0.01) || !near(b, -0.02) || !near(c, 1) {
		t.Errorf("plane = %v %v %v", a, b, c)
	}

	if _, _, _, err := FitPlane(pts[:2]); !errors.Is(err, errors.CodeProbe) {
		t.Errorf("two points: err = %v", err)
	}
}

func TestAutolevelFromPlane(t *testing.T) {
	if got := AutolevelFromPlane(0, 0).Rows(); got != IdentityAutolevel().Rows() {
		t.Errorf("level plane = %v, want identity", got)
	}

	a := 0.02
	al := AutolevelFromPlane(a, -0.01)
	x, y, z := al.ToPrinter(12, -7, 3)
	bx, by, bz := al.FromPrinter(x, y, z)
	if !near(bx, 12) || !near(by, -7) || !near(bz, 3) {
		t.Errorf("round trip = %v %v %v", bx, by, bz)
	}

	_, _, z = AutolevelFromPlane(a, 0).ToPrinter(10, 0, 0)
	if want := 10 * a / math.Sqrt(1+a*a); !near(z, want) {
		t.Errorf("tilt z = %v, want %v", z, want)
	}
}

func TestTrackerAutolevel(t *testing.T) {
	tr, q := newTracker(t, nil)
	tr.SetAutolevelActive(true)
	if tr.Autolevel() == nil {
		t.Fatal("activating without a matrix should install identity")
	}
	if err := tr.MoveToReal(XYZ(10, 10, 10), true); err != nil {
		t.Fatal(err)
	}
	if want := (motion.Steps{800, 800, 800, 0}); q.Deltas[0].Dest != want {
		t.Errorf("identity dest = %v, want %v", q.Deltas[0].Dest, want)
	}

	tr.SetAutolevel(AutolevelFromPlane(0.05, 0))
	if err := tr.MoveToReal(XYZ(40, 0, 10), true); err != nil {
		t.Fatal(err)
	}
	if dz := q.Deltas[1].Dest[2]; dz <= 800 {
		t.Errorf("tilted Z = %d, want above 800", dz)
	}
	tr.UpdateCurrentPosition(true)
	got := tr.CurrentMM()
	if math.Abs(got[0]-40) > 0.02 || math.Abs(got[2]-10) > 0.02 {
		t.Errorf("position = %v, want about (40, 0, 10)", got)
	}
}
