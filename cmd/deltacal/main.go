// deltacal homes a simulated delta machine, measures its bed distortion
// and prints the calibration report.
//
// Usage:
//
//	deltacal [-config delta.yaml] [options]
//
// Options:
//
//	-config string   Machine configuration file (default: built-in defaults)
//	-tilt-x float    Simulated bed slope along X in mm/mm
//	-tilt-y float    Simulated bed slope along Y in mm/mm
//	-bump float      Simulated bed bump height at the center in mm
//	-autolevel       Fit a plane from three probes and enable autolevel
//	-endstops        Sample the configured endstop pins once and exit
//	-serve           Keep running and serve diagnostics on diag.listen
//
// Examples:
//
//	# Calibrate against a tilted bed
//	deltacal -tilt-x 0.002 -tilt-y -0.001
//
//	# Read the real endstop switches on a Raspberry Pi
//	deltacal -config delta.yaml -endstops
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"

	"deltacore/pkg/config"
	"deltacore/pkg/diag"
	"deltacore/pkg/distortion"
	"deltacore/pkg/endstop"
	"deltacore/pkg/geometry"
	"deltacore/pkg/homing"
	"deltacore/pkg/kinematics"
	"deltacore/pkg/log"
	"deltacore/pkg/loop"
	"deltacore/pkg/metrics"
	"deltacore/pkg/position"
	"deltacore/pkg/sim"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func main() {
	configFile := flag.String("config", "", "Machine configuration file")
	tiltX := flag.Float64("tilt-x", 0, "Simulated bed slope along X (mm/mm)")
	tiltY := flag.Float64("tilt-y", 0, "Simulated bed slope along Y (mm/mm)")
	bump := flag.Float64("bump", 0, "Simulated bed bump at the center (mm)")
	autolevel := flag.Bool("autolevel", false, "Fit a bed plane and enable autolevel")
	endstops := flag.Bool("endstops", false, "Sample the endstop pins once and exit")
	serve := flag.Bool("serve", false, "Serve diagnostics after calibrating")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, errStyle.Render("Error: "+err.Error()))
			os.Exit(1)
		}
		cfg = loaded
	}
	logger := log.Root()
	logFile, err := cfg.ApplyLog(logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log.ConfigureFromEnv(logger)

	if *endstops {
		if err := sampleEndstops(cfg); err != nil {
			fmt.Fprintln(os.Stderr, errStyle.Render("Error: "+err.Error()))
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bed := bedSurface(*tiltX, *tiltY, *bump, cfg.Distortion.Radius)
	m, err := build(cfg, bed)
	if err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
	defer m.close()

	if err := m.calibrate(ctx, *autolevel); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("Calibration failed: "+err.Error()))
		os.Exit(1)
	}
	fmt.Println(m.report())

	if *serve {
		m.serve(ctx, cfg)
	}
}

// bedSurface returns a plane with an optional cosine bump of radius r.
func bedSurface(tiltX, tiltY, bump, r float64) func(x, y float64) float64 {
	return func(x, y float64) float64 {
		z := tiltX*x + tiltY*y
		if d := math.Hypot(x, y); bump != 0 && d < r {
			z += bump * 0.5 * (1 + math.Cos(math.Pi*d/r))
		}
		return z
	}
}

func sampleEndstops(cfg *config.Config) error {
	ecfg := cfg.EndstopConfig()
	var pins endstop.PinReader
	switch cfg.Endstops.Driver {
	case "rpio":
		p, err := endstop.OpenRPiPins()
		if err != nil {
			return err
		}
		pins = p
	default:
		pins = endstop.NewMockPins()
	}
	defer pins.Close()
	flags := &endstop.Flags{}
	s, err := endstop.NewSampler(ecfg, pins, flags)
	if err != nil {
		return err
	}
	if err := s.Sample(); err != nil {
		return err
	}
	fmt.Println(flags.Snapshot().String())
	return nil
}

// machine is the wired simulated printer.
type machine struct {
	model   *geometry.Model
	sim     *sim.Machine
	flags   *endstop.Flags
	sampler *endstop.Sampler
	tracker *position.Tracker
	grid    *distortion.Grid
	homing  *homing.Sequencer
	loop    *loop.Loop
	metrics *metrics.DeltaMetrics
	store   closer
	log     *log.Logger

	autolevelPlane [3]float64
	homingTime     time.Duration
}

type closer interface{ Close() error }

func build(cfg *config.Config, bed func(x, y float64) float64) (*machine, error) {
	kin := kinematics.NewDelta()
	model := geometry.NewModel(cfg.GeometryConfig(), kin)

	simCfg := sim.DefaultConfig()
	simCfg.Endstops = cfg.EndstopConfig()
	simCfg.EndstopOffsetSteps = cfg.Homing.TowerOffsetSteps
	for i := range simCfg.EndstopOffsetSteps {
		simCfg.EndstopOffsetSteps[i] += cfg.Homing.EndstopMinSteps[i]
	}
	simCfg.Bed = bed
	machineSim := sim.New(simCfg, model)

	flags := &endstop.Flags{}
	sampler, err := endstop.NewSampler(simCfg.Endstops, machineSim.Pins(), flags)
	if err != nil {
		return nil, err
	}

	store, err := openStore(cfg.Storage.Path, cfg.Storage.Size)
	if err != nil {
		return nil, err
	}
	dm := metrics.NewDeltaMetrics()
	grid := distortion.New(cfg.DistortionConfig(), store, cfg.Storage.Base)
	grid.SetMetrics(dm)
	if err := grid.Init(model.Derived()); err != nil {
		store.Close()
		return nil, err
	}
	grid.Follow(model)

	tracker := position.NewTracker(cfg.PositionConfig(), model, machineSim, grid)
	tracker.SetMetrics(dm)
	seq := homing.NewSequencer(cfg.HomingConfig(), model, kin, machineSim, flags, tracker)
	seq.SetMetrics(dm)

	l := loop.New(&loop.VirtualClock{})
	l.RegisterTimer("sim", machineSim.Tick, loop.Now)
	l.RegisterTimer("endstops", sampler.Poll, loop.Now)

	return &machine{
		model:   model,
		sim:     machineSim,
		flags:   flags,
		sampler: sampler,
		tracker: tracker,
		grid:    grid,
		homing:  seq,
		loop:    l,
		metrics: dm,
		store:   store,
		log:     log.Get("deltacal"),
	}, nil
}

func (m *machine) close() {
	if err := m.store.Close(); err != nil {
		m.log.WithError(err).Warn("closing storage")
	}
}

func (m *machine) calibrate(ctx context.Context, autolevel bool) error {
	start := time.Now()
	if err := m.homing.Run(ctx, m.loop); err != nil {
		return err
	}
	m.homingTime = time.Since(start)
	if autolevel {
		if err := m.level(); err != nil {
			return err
		}
	}
	return m.grid.Measure(m.tracker, m.sim, distortion.MeasureOptions{})
}

// level probes three points on a circle and rotates the tool frame onto
// the fitted plane.
func (m *machine) level() error {
	cfg := m.model.Config()
	r := cfg.MaxRadius * 0.7
	height := 10.0
	var pts [][3]float64
	for _, deg := range []float64{90, 210, 330} {
		x := r * math.Cos(deg*math.Pi/180)
		y := r * math.Sin(deg*math.Pi/180)
		if err := m.tracker.MoveToXYZ(x, y, height, cfg.HomingFeedrate); err != nil {
			return err
		}
		d, err := m.sim.RunProbe(len(pts) == 0, len(pts) == 2, 1)
		if err != nil {
			return err
		}
		pts = append(pts, [3]float64{x, y, height - d})
	}
	a, b, c, err := position.FitPlane(pts)
	if err != nil {
		return err
	}
	m.autolevelPlane = [3]float64{a, b, c}
	m.tracker.SetAutolevel(position.AutolevelFromPlane(a, b))
	m.tracker.SetAutolevelActive(true)
	return nil
}

func (m *machine) report() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Delta calibration") + "\n")
	norm, lowest := m.homing.Offsets()
	fmt.Fprintf(&sb, "%s homed in %v, tower offsets %v (min %d)\n",
		okStyle.Render("✓"), m.homingTime.Round(time.Millisecond), norm, lowest)
	if m.tracker.AutolevelActive() {
		p := m.autolevelPlane
		fmt.Fprintf(&sb, "%s autolevel plane z = %.5f*x + %.5f*y + %.3f\n", okStyle.Render("✓"), p[0], p[1], p[2])
	}
	pos := m.tracker.CurrentMM()
	fmt.Fprintf(&sb, "position x:%.2f y:%.2f z:%.2f\n", pos[0], pos[1], pos[2])
	sb.WriteString(m.flags.Snapshot().String() + "\n")

	var grid strings.Builder
	m.grid.Report(&grid)
	sb.WriteString(boxStyle.Render(strings.TrimRight(grid.String(), "\n")) + "\n")
	sb.WriteString(m.grid.ReportStatus() + "\n")
	sb.WriteString(helpStyle.Render(fmt.Sprintf("%d probes, %d ticks", m.sim.Probes(), m.sim.Ticks())))
	return sb.String()
}

// serve hands the machine to a wall-clock loop and serves diagnostics
// until ctx ends.
func (m *machine) serve(ctx context.Context, cfg *config.Config) {
	live := loop.New(nil)
	defer live.Close()
	live.RegisterTimer("sim", m.sim.Tick, loop.Now)
	live.RegisterTimer("endstops", m.sampler.Poll, loop.Now)

	dcfg := diag.DefaultConfig()
	if cfg.Diag.Listen != "" {
		dcfg.Address = cfg.Diag.Listen
	}
	if cfg.Diag.Interval > 0 {
		dcfg.Interval = time.Duration(cfg.Diag.Interval * float64(time.Second))
	}
	src := &diag.LoopSource{Loop: live, Tracker: m.tracker, Flags: m.flags, Grid: m.grid, Homing: m.homing}
	srv := diag.NewServer(dcfg, src, m.metrics)
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			m.log.WithError(err).Error("diagnostics stopped")
		}
	}()
	fmt.Println(helpStyle.Render("serving diagnostics on " + dcfg.Address))
	if err := live.Run(ctx); err != nil && ctx.Err() == nil {
		m.log.WithError(err).Error("loop stopped")
	}
}
