// Bed distortion correction
//
// A square grid of measured bed heights in Z steps, applied to every
// commanded position by bilinear interpolation and faded out with height.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package distortion

import (
	"fmt"

	"deltacore/pkg/errors"
	"deltacore/pkg/geometry"
	"deltacore/pkg/log"
	"deltacore/pkg/metrics"
	"deltacore/pkg/storage"
)

// Config holds the grid parameters.
type Config struct {
	Points      int     // grid side N, at least 3
	RadiusMM    float64 // half-width of the measured square
	FadeStartMM float64
	FadeEndMM   float64

	// Probe geometry used by Measure when the options leave them unset.
	ProbeBedDistanceMM float64
	ProbeHeightMM      float64
	ProbeXYSpeed       float64
	Repetitions        int

	// ZBedOffsetMM is added to every measured cell. DoubleBedOffset adds it
	// a second time for probes whose offset is reported relative to the
	// trigger point.
	ZBedOffsetMM    float64
	DoubleBedOffset bool

	// Permanent keeps the grid in the store across restarts; otherwise the
	// cells are cleared on Init.
	Permanent bool
}

// DefaultConfig returns a 9×9 grid over a 80 mm radius.
func DefaultConfig() Config {
	return Config{
		Points:             9,
		RadiusMM:           80,
		FadeStartMM:        0.5,
		FadeEndMM:          1.5,
		ProbeBedDistanceMM: 5,
		ProbeXYSpeed:       150,
		Repetitions:        1,
		Permanent:          true,
	}
}

// Grid is the distortion correction state. It is owned by the main loop.
type Grid struct {
	cfg    Config
	n      int
	points []int32

	enabled bool
	probing bool

	derived          bool
	spm, inv         float64
	step             int32
	radiusCorrection int32
	zStart, zEnd     int32

	store  storage.Store
	layout storage.Layout

	onDisable func()
	metrics   *metrics.DeltaMetrics
	log       *log.Logger
}

// New creates a zeroed, disabled grid. store may be nil.
func New(cfg Config, store storage.Store, base int) *Grid {
	if cfg.Points < 3 {
		cfg.Points = 3
	}
	return &Grid{
		cfg:    cfg,
		n:      cfg.Points,
		points: make([]int32, cfg.Points*cfg.Points),
		store:  store,
		layout: storage.Layout{Base: base, Points: cfg.Points},
		log:    log.Get("distortion"),
	}
}

// SetDisableHook registers the position recompute run on Disable.
func (g *Grid) SetDisableHook(fn func()) { g.onDisable = fn }

// SetMetrics attaches metrics; nil detaches.
func (g *Grid) SetMetrics(m *metrics.DeltaMetrics) { g.metrics = m }

// Layout returns the storage slots used by the grid.
func (g *Grid) Layout() storage.Layout { return g.layout }

// Init derives step constants, clears a non-permanent grid and restores the
// enabled flag and cells from the store.
func (g *Grid) Init(d *geometry.Derived) error {
	g.UpdateDerived(d)
	g.enabled = false
	if !g.cfg.Permanent {
		g.Reset()
	}
	if g.store == nil {
		return nil
	}
	if err := g.layout.Validate(g.store.Size()); err != nil {
		return err
	}
	if g.cfg.Permanent {
		if err := g.loadCells(); err != nil {
			return err
		}
	}
	flag, err := g.store.Uint8At(g.layout.EnabledOffset())
	if err != nil {
		return err
	}
	g.enabled = flag != 0
	g.log.Info("zDistortionCorrection: %d", flag)
	g.metrics.SetGridEnabled(g.enabled)
	return nil
}

// Follow keeps the step constants in line with m: every later Derive
// recomputes them.
func (g *Grid) Follow(m *geometry.Model) { m.OnDerive(g.UpdateDerived) }

// UpdateDerived recomputes the step-space constants from the Z resolution.
func (g *Grid) UpdateDerived(d *geometry.Derived) {
	g.spm = d.StepsPerMM[geometry.Z]
	g.inv = d.InvStepsPerMM[geometry.Z]
	g.step = int32((2 * g.spm * g.cfg.RadiusMM) / float64(g.n-1))
	g.radiusCorrection = int32(g.cfg.RadiusMM * g.spm)
	g.zStart = int32(g.cfg.FadeStartMM * g.spm)
	g.zEnd = int32(g.cfg.FadeEndMM * g.spm)
	g.derived = true
}

// Size returns the grid side N.
func (g *Grid) Size() int { return g.n }

// StepSize returns the cell size in steps.
func (g *Grid) StepSize() int32 { return g.step }

// Enabled reports whether corrections are applied.
func (g *Grid) Enabled() bool { return g.enabled }

// Probing reports whether a probe reading is in progress.
func (g *Grid) Probing() bool { return g.probing }

// SetProbing marks a probe reading in progress; Correct returns 0 meanwhile.
func (g *Grid) SetProbing(active bool) { g.probing = active }

func (g *Grid) index(x, y int) int { return y*g.n + x }

// Cell returns the stored correction of cell (x, y) in steps.
func (g *Grid) Cell(x, y int) int32 { return g.points[g.index(x, y)] }

// SetCell overwrites cell (x, y).
func (g *Grid) SetCell(x, y int, steps int32) { g.points[g.index(x, y)] = steps }

// Enable turns correction on. permanent also stores the flag.
func (g *Grid) Enable(permanent bool) error {
	g.enabled = true
	g.metrics.SetGridEnabled(true)
	g.log.Info("Z correction enabled")
	if permanent {
		return g.storeFlag()
	}
	return nil
}

// Disable turns correction off and recomputes the tracked position so it
// does not jump. permanent also stores the flag.
func (g *Grid) Disable(permanent bool) error {
	g.enabled = false
	g.metrics.SetGridEnabled(false)
	var err error
	if permanent {
		err = g.storeFlag()
	}
	if g.onDisable != nil {
		g.onDisable()
	}
	g.log.Info("Z correction disabled")
	return err
}

// ReportStatus returns the enabled state line.
func (g *Grid) ReportStatus() string {
	if g.enabled {
		return "Z correction enabled"
	}
	return "Z correction disabled"
}

// Reset zeroes every cell.
func (g *Grid) Reset() {
	g.log.Info("Resetting Z correction")
	for i := range g.points {
		g.points[i] = 0
	}
}

// Set stores zMM at the cell nearest to (xMM, yMM).
func (g *Grid) Set(xMM, yMM, zMM float64) {
	half := float64(g.step / 2)
	ix := int((xMM*g.spm + float64(g.radiusCorrection) + half) / float64(g.step))
	iy := int((yMM*g.spm + float64(g.radiusCorrection) + half) / float64(g.step))
	ix = clampIndex(ix, g.n-1)
	iy = clampIndex(iy, g.n-1)
	g.points[g.index(ix, iy)] = int32(zMM * g.spm)
}

func clampIndex(i, max int) int {
	if i < 0 {
		return 0
	}
	if i > max {
		return max
	}
	return i
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Correct returns the Z correction in steps for a position in Cartesian
// steps.
func (g *Grid) Correct(x, y, z int32) int32 {
	if !g.enabled || !g.derived || z > g.zEnd || g.probing || g.step <= 0 {
		return 0
	}
	x += g.radiusCorrection
	y += g.radiusCorrection
	cx := int(floorDiv(x, g.step))
	cy := int(floorDiv(y, g.step))
	cx = clampIndex(cx, g.n-2)
	cy = clampIndex(cy, g.n-2)

	step := int64(g.step)
	fx := int64(x) - int64(cx)*step
	fy := int64(y) - int64(cy)*step

	i := g.index(cx, cy)
	m11 := int64(g.points[i])
	m12 := int64(g.points[i+1])
	m21 := int64(g.points[i+g.n])
	m22 := int64(g.points[i+g.n+1])

	zx1 := m11 + (m12-m11)*fx/step
	zx2 := m21 + (m22-m21)*fx/step
	c := zx1 + (zx2-zx1)*fy/step

	if z > g.zStart && z > 0 {
		c = c * int64(g.zEnd-z) / int64(g.zEnd-g.zStart)
	}
	return int32(c)
}

func (g *Grid) isCorner(x, y int) bool {
	return (x == 0 || x == g.n-1) && (y == 0 || y == g.n-1)
}

// extrapolate continues the change from (x1,y1) to (x2,y2) one cell further.
func (g *Grid) extrapolate(x1, y1, x2, y2 int) int32 {
	return 2*g.Cell(x2, y2) - g.Cell(x1, y1)
}

func (g *Grid) extrapolateCorner(x, y, dx, dy int) {
	v := (g.extrapolate(x+2*dx, y, x+dx, y) + g.extrapolate(x, y+2*dy, x, y+dy)) / 2
	g.SetCell(x, y, v)
}

// ExtrapolateCorners replaces the four corner cells by linear
// extrapolation along both edges meeting at each corner.
func (g *Grid) ExtrapolateCorners() {
	m := g.n - 1
	g.extrapolateCorner(0, 0, 1, 1)
	g.extrapolateCorner(0, m, 1, -1)
	g.extrapolateCorner(m, 0, -1, 1)
	g.extrapolateCorner(m, m, -1, -1)
}

// Point is one grid node in millimeters.
type Point struct {
	X, Y, Z float64
}

// NodePosition returns the bed position of node (ix, iy) in millimeters.
func (g *Grid) NodePosition(ix, iy int) (float64, float64) {
	x := float64(int32(ix)*g.step-g.radiusCorrection) * g.inv
	y := float64(int32(iy)*g.step-g.radiusCorrection) * g.inv
	return x, y
}

// Points returns every node with its correction in millimeters, x-major.
func (g *Grid) Points() []Point {
	out := make([]Point, 0, len(g.points))
	for ix := 0; ix < g.n; ix++ {
		for iy := 0; iy < g.n; iy++ {
			x, y := g.NodePosition(ix, iy)
			out = append(out, Point{X: x, Y: y, Z: float64(g.Cell(ix, iy)) * g.inv})
		}
	}
	return out
}

// Rows returns the cells in steps with the back row (y = N-1) first, the
// order they are measured and printed.
func (g *Grid) Rows() [][]int32 {
	rows := make([][]int32, 0, g.n)
	for iy := g.n - 1; iy >= 0; iy-- {
		row := make([]int32, g.n)
		copy(row, g.points[g.index(0, iy):g.index(0, iy)+g.n])
		rows = append(rows, row)
	}
	return rows
}

func (g *Grid) storeFlag() error {
	if g.store == nil {
		return nil
	}
	var v uint8
	if g.enabled {
		v = 1
	}
	if err := g.store.PutUint8(g.layout.EnabledOffset(), v); err != nil {
		return err
	}
	return g.store.Sync()
}

func (g *Grid) loadCells() error {
	for i := range g.points {
		v, err := g.store.Int32At(g.layout.CellOffset(i))
		if err != nil {
			return err
		}
		g.points[i] = v
	}
	return nil
}

// Load restores the enabled flag and every cell from the store.
func (g *Grid) Load() error {
	if g.store == nil {
		return errors.New(errors.CodeStorage, "no store attached").SetComponent("distortion")
	}
	if err := g.layout.Validate(g.store.Size()); err != nil {
		return err
	}
	if err := g.loadCells(); err != nil {
		return err
	}
	flag, err := g.store.Uint8At(g.layout.EnabledOffset())
	if err != nil {
		return err
	}
	g.enabled = flag != 0
	return nil
}

// Save writes the enabled flag and every cell to the store.
func (g *Grid) Save() error {
	if g.store == nil {
		return nil
	}
	if err := g.layout.Validate(g.store.Size()); err != nil {
		return err
	}
	for i, v := range g.points {
		if err := g.store.PutInt32(g.layout.CellOffset(i), v); err != nil {
			return err
		}
	}
	var flag uint8
	if g.enabled {
		flag = 1
	}
	if err := g.store.PutUint8(g.layout.EnabledOffset(), flag); err != nil {
		return err
	}
	if err := g.store.Sync(); err != nil {
		return fmt.Errorf("distortion: save grid: %w", err)
	}
	return nil
}
