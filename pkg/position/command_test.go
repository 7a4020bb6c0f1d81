package position

import (
	"testing"

	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
	"deltacore/pkg/motion"
)

func TestCommandAbsolute(t *testing.T) {
	tr, q := newTracker(t, nil)
	tr.SetOrigin(1, 0, 0)
	cmd := Move().WithX(10).WithY(0).WithZ(5).WithF(3000)
	if err := tr.ExecuteCommand(cmd); err != nil {
		t.Fatal(err)
	}
	if len(q.Deltas) != 1 {
		t.Fatalf("queued %d moves", len(q.Deltas))
	}
	if want := (motion.Steps{720, 0, 400, 0}); q.Deltas[0].Dest != want {
		t.Errorf("dest = %v, want %v", q.Deltas[0].Dest, want)
	}
	if f := q.Deltas[0].Feedrate; f < 49.999 || f > 50.001 {
		t.Errorf("feedrate = %v, want 50", f)
	}
	if tr.LastCommandedMM() != [3]float64{9, 0, 5} {
		t.Errorf("last commanded = %v", tr.LastCommandedMM())
	}
}

func TestCommandRelative(t *testing.T) {
	tr, q := newTracker(t, nil)
	tr.SetRelative(true)
	for i := 0; i < 2; i++ {
		if err := tr.ExecuteCommand(Move().WithX(5)); err != nil {
			t.Fatal(err)
		}
	}
	if got := q.Deltas[1].Dest[geometry.X]; got != 800 {
		t.Errorf("X = %d, want 800", got)
	}
	if tr.CurrentMM()[0] != 10 {
		t.Errorf("current X = %v", tr.CurrentMM()[0])
	}
}

func TestCommandInches(t *testing.T) {
	tr, q := newTracker(t, nil)
	tr.SetInches(true)
	if err := tr.ExecuteCommand(Move().WithX(1)); err != nil {
		t.Fatal(err)
	}
	if got := q.Deltas[0].Dest[geometry.X]; got != 2032 {
		t.Errorf("X = %d, want 2032", got)
	}
}

func TestCommandOutOfBounds(t *testing.T) {
	tr, q := newTracker(t, nil)
	if tr.SetDestinationFromCommand(Move().WithZ(-1)) {
		t.Error("below-bed move reported productive")
	}
	err := tr.ExecuteCommand(Move().WithX(100))
	if !errors.Is(err, errors.CodeOutOfBounds) {
		t.Fatalf("err = %v, want out of bounds", err)
	}
	if len(q.Deltas) != 0 {
		t.Errorf("queued %d moves", len(q.Deltas))
	}
	if tr.LastCommandedMM() != [3]float64{} {
		t.Errorf("last commanded not resynchronized: %v", tr.LastCommandedMM())
	}
}

func TestCommandExtrusion(t *testing.T) {
	tests := []struct {
		name       string
		relative   bool
		temp       float64
		e          float64
		productive bool
		wantDestE  int32
		wantCurE   int32
	}{
		{"relative", true, 210, 2, true, 184, 0},
		{"relative cold", true, 20, 2, false, 0, 0},
		{"relative too long", true, 210, 200, false, 0, 0},
		{"absolute", false, 210, 5, true, 462, 0},
		{"absolute cold", false, 20, 5, false, 462, 462},
		{"absolute too long", false, 210, 200, false, 18480, 18480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTracker(t, nil)
			tr.SetRelativeExtruder(tt.relative)
			tr.SetTemperatureSource(fixedTemp(tt.temp))
			if got := tr.SetDestinationFromCommand(Move().WithE(tt.e)); got != tt.productive {
				t.Errorf("productive = %v, want %v", got, tt.productive)
			}
			if got := tr.Destination()[geometry.E]; got != tt.wantDestE {
				t.Errorf("destination E = %d, want %d", got, tt.wantDestE)
			}
			if got := tr.CurrentSteps()[geometry.E]; got != tt.wantCurE {
				t.Errorf("current E = %d, want %d", got, tt.wantCurE)
			}
		})
	}
}

func TestCommandNoWordsUnproductive(t *testing.T) {
	tr, q := newTracker(t, nil)
	if err := tr.ExecuteCommand(Move().WithF(1200)); err != nil {
		t.Fatal(err)
	}
	if len(q.Deltas) != 0 {
		t.Errorf("queued %d moves", len(q.Deltas))
	}
	if f := tr.Feedrate(); f < 19.999 || f > 20.001 {
		t.Errorf("feedrate = %v, want 20", f)
	}
}
