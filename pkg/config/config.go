// Package config loads the YAML machine description and converts it to
// the per-package configuration structs.
package config

import (
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"deltacore/pkg/distortion"
	"deltacore/pkg/endstop"
	"deltacore/pkg/geometry"
	"deltacore/pkg/homing"
	"deltacore/pkg/log"
	"deltacore/pkg/position"
)

// GeometrySection describes the machine.
type GeometrySection struct {
	StepsPerMM         [4]float64 `yaml:"steps_per_mm"`
	MaxAccel           [4]float64 `yaml:"max_accel"`
	MaxTravelAccel     [4]float64 `yaml:"max_travel_accel"`
	MaxFeedrate        [4]float64 `yaml:"max_feedrate"`
	HomingFeedrate     float64    `yaml:"homing_feedrate"`
	HorizontalRadius   float64    `yaml:"horizontal_radius"`
	RadiusCorrection   [3]float64 `yaml:"radius_correction"`
	TowerAngleDeg      [3]float64 `yaml:"tower_angle_deg"`
	DiagonalRod        float64    `yaml:"diagonal_rod"`
	DiagonalCorrection [3]float64 `yaml:"diagonal_correction"`
	ZLength            float64    `yaml:"z_length"`
	MaxRadius          float64    `yaml:"max_radius"`
	FloorSafetyMargin  float64    `yaml:"floor_safety_margin"`
}

// DistortionSection configures the correction grid.
type DistortionSection struct {
	Points           int     `yaml:"points"`
	Radius           float64 `yaml:"radius"`
	FadeStart        float64 `yaml:"fade_start"`
	FadeEnd          float64 `yaml:"fade_end"`
	ProbeBedDistance float64 `yaml:"probe_bed_distance"`
	ProbeHeight      float64 `yaml:"probe_height"`
	ProbeXYSpeed     float64 `yaml:"probe_xy_speed"`
	Repetitions      int     `yaml:"repetitions"`
	ZBedOffset       float64 `yaml:"z_bed_offset"`
	DoubleBedOffset  bool    `yaml:"double_bed_offset"`
	Permanent        bool    `yaml:"permanent"`
}

// HomingSection configures the homing sequence.
type HomingSection struct {
	TowerOffsetSteps      [3]int32 `yaml:"tower_offset_steps"`
	EndstopMinSteps       [3]int32 `yaml:"endstop_min_steps"`
	RetractMM             float64  `yaml:"retract_mm"`
	RetestReductionFactor float64  `yaml:"retest_reduction_factor"`
	PollInterval          float64  `yaml:"poll_interval"`
	SampleTimeout         float64  `yaml:"sample_timeout"`
}

// PositionSection configures the position tracker.
type PositionSection struct {
	AlwaysCheckEndstops bool    `yaml:"always_check_endstops"`
	MinExtruderTemp     float64 `yaml:"min_extruder_temp"`
	ExtrudeMaxLength    float64 `yaml:"extrude_max_length"`
	DefaultFeedrate     float64 `yaml:"default_feedrate"`
}

// EndstopSection selects the pin driver and the input pins.
type EndstopSection struct {
	Driver    string  `yaml:"driver"` // mock or rpio
	TowerPins [3]int  `yaml:"tower_pins"`
	ProbePin  int     `yaml:"probe_pin"`
	PullUp    bool    `yaml:"pull_up"`
	Inverted  bool    `yaml:"inverted"`
	Interval  float64 `yaml:"interval"`
}

// StorageSection locates the persisted calibration image. An empty path
// keeps it in memory.
type StorageSection struct {
	Path string `yaml:"path"`
	Size int    `yaml:"size"`
	Base int    `yaml:"base"`
}

// LogSection configures the root logger.
type LogSection struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Caller    bool   `yaml:"caller"`
	File      string `yaml:"file"` // empty logs to stderr only
	MaxSizeKB int    `yaml:"max_size_kb"`
	Backups   int    `yaml:"backups"`
}

// DiagSection configures the diagnostics server. An empty listen address
// disables it.
type DiagSection struct {
	Listen   string  `yaml:"listen"`
	Interval float64 `yaml:"interval"`
}

// Config is the whole configuration file.
type Config struct {
	Geometry   GeometrySection   `yaml:"geometry"`
	Distortion DistortionSection `yaml:"distortion"`
	Homing     HomingSection     `yaml:"homing"`
	Position   PositionSection   `yaml:"position"`
	Endstops   EndstopSection    `yaml:"endstops"`
	Storage    StorageSection    `yaml:"storage"`
	Log        LogSection        `yaml:"log"`
	Diag       DiagSection       `yaml:"diag"`
}

// Default returns the configuration used for omitted options.
func Default() *Config {
	g := geometry.DefaultConfig()
	d := distortion.DefaultConfig()
	h := homing.DefaultConfig()
	p := position.DefaultConfig()
	e := endstop.DefaultConfig()
	c := &Config{
		Geometry: GeometrySection{
			StepsPerMM:         g.StepsPerMM,
			MaxAccel:           g.MaxAccel,
			MaxTravelAccel:     g.MaxTravelAccel,
			MaxFeedrate:        g.MaxFeedrate,
			HomingFeedrate:     g.HomingFeedrate,
			HorizontalRadius:   g.HorizontalRadius,
			RadiusCorrection:   g.RadiusCorrection,
			TowerAngleDeg:      g.TowerAngleDeg,
			DiagonalRod:        g.DiagonalRodLength,
			DiagonalCorrection: g.DiagonalCorrection,
			ZLength:            g.ZLength,
			MaxRadius:          g.MaxRadius,
			FloorSafetyMargin:  g.FloorSafetyMarginMM,
		},
		Distortion: DistortionSection{
			Points:           d.Points,
			Radius:           d.RadiusMM,
			FadeStart:        d.FadeStartMM,
			FadeEnd:          d.FadeEndMM,
			ProbeBedDistance: d.ProbeBedDistanceMM,
			ProbeHeight:      d.ProbeHeightMM,
			ProbeXYSpeed:     d.ProbeXYSpeed,
			Repetitions:      d.Repetitions,
			ZBedOffset:       d.ZBedOffsetMM,
			DoubleBedOffset:  d.DoubleBedOffset,
			Permanent:        d.Permanent,
		},
		Homing: HomingSection{
			TowerOffsetSteps:      h.TowerOffsetSteps,
			EndstopMinSteps:       h.EndstopMinSteps,
			RetractMM:             h.RetractMM,
			RetestReductionFactor: h.RetestReductionFactor,
			PollInterval:          h.PollInterval,
			SampleTimeout:         h.SampleTimeout,
		},
		Position: PositionSection{
			AlwaysCheckEndstops: p.AlwaysCheckEndstops,
			MinExtruderTemp:     p.MinExtruderTemp,
			ExtrudeMaxLength:    p.ExtrudeMaxLengthMM,
			DefaultFeedrate:     p.DefaultFeedrate,
		},
		Endstops: EndstopSection{
			Driver:   "mock",
			ProbePin: e.Probe.Pin,
			PullUp:   e.Towers[0].PullUp,
			Inverted: e.Towers[0].Inverted,
			Interval: e.Interval,
		},
		Storage: StorageSection{Size: 4096},
		Log:     LogSection{Level: "info", Format: "text"},
		Diag:    DiagSection{Interval: 0.5},
	}
	for i, pc := range e.Towers {
		c.Endstops.TowerPins[i] = pc.Pin
	}
	return c
}

// Load reads and validates a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError("", "", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, WrapError("", "", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

var (
	logLevels      = []string{"debug", "info", "warn", "warning", "error"}
	logFormats     = []string{"text", "json"}
	endstopDrivers = []string{"mock", "rpio"}
)

// Validate checks the options the core cannot run without. Machine
// geometry itself is not checked for plausibility.
func (c *Config) Validate() error {
	for _, a := range []geometry.Axis{geometry.Z, geometry.E} {
		if c.Geometry.StepsPerMM[a] <= 0 {
			return ErrOutOfRange("geometry", "steps_per_mm", c.Geometry.StepsPerMM[a], "must be above 0")
		}
	}
	if c.Distortion.Points < 3 {
		return ErrOutOfRange("distortion", "points", float64(c.Distortion.Points), "must be at least 3")
	}
	if c.Distortion.Radius <= 0 {
		return ErrOutOfRange("distortion", "radius", c.Distortion.Radius, "must be above 0")
	}
	if c.Distortion.FadeEnd <= c.Distortion.FadeStart {
		return ErrOutOfRange("distortion", "fade_end", c.Distortion.FadeEnd, "must be above fade_start")
	}
	if c.Homing.RetestReductionFactor <= 0 {
		return ErrOutOfRange("homing", "retest_reduction_factor", c.Homing.RetestReductionFactor, "must be above 0")
	}
	if c.Storage.Size <= 0 {
		return ErrOutOfRange("storage", "size", float64(c.Storage.Size), "must be above 0")
	}
	if !slices.Contains(logLevels, c.Log.Level) {
		return ErrInvalidChoice("log", "level", c.Log.Level, logLevels)
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		return ErrInvalidChoice("log", "format", c.Log.Format, logFormats)
	}
	if !slices.Contains(endstopDrivers, c.Endstops.Driver) {
		return ErrInvalidChoice("endstops", "driver", c.Endstops.Driver, endstopDrivers)
	}
	return nil
}

// GeometryConfig converts the geometry section.
func (c *Config) GeometryConfig() geometry.Config {
	g := c.Geometry
	return geometry.Config{
		StepsPerMM:          g.StepsPerMM,
		MaxAccel:            g.MaxAccel,
		MaxTravelAccel:      g.MaxTravelAccel,
		MaxFeedrate:         g.MaxFeedrate,
		HomingFeedrate:      g.HomingFeedrate,
		HorizontalRadius:    g.HorizontalRadius,
		RadiusCorrection:    g.RadiusCorrection,
		TowerAngleDeg:       g.TowerAngleDeg,
		DiagonalRodLength:   g.DiagonalRod,
		DiagonalCorrection:  g.DiagonalCorrection,
		ZLength:             g.ZLength,
		MaxRadius:           g.MaxRadius,
		FloorSafetyMarginMM: g.FloorSafetyMargin,
	}
}

// DistortionConfig converts the distortion section.
func (c *Config) DistortionConfig() distortion.Config {
	d := c.Distortion
	return distortion.Config{
		Points:             d.Points,
		RadiusMM:           d.Radius,
		FadeStartMM:        d.FadeStart,
		FadeEndMM:          d.FadeEnd,
		ProbeBedDistanceMM: d.ProbeBedDistance,
		ProbeHeightMM:      d.ProbeHeight,
		ProbeXYSpeed:       d.ProbeXYSpeed,
		Repetitions:        d.Repetitions,
		ZBedOffsetMM:       d.ZBedOffset,
		DoubleBedOffset:    d.DoubleBedOffset,
		Permanent:          d.Permanent,
	}
}

// HomingConfig converts the homing section.
func (c *Config) HomingConfig() homing.Config {
	h := c.Homing
	return homing.Config{
		TowerOffsetSteps:      h.TowerOffsetSteps,
		EndstopMinSteps:       h.EndstopMinSteps,
		RetractMM:             h.RetractMM,
		RetestReductionFactor: h.RetestReductionFactor,
		PollInterval:          h.PollInterval,
		SampleTimeout:         h.SampleTimeout,
	}
}

// PositionConfig converts the position section.
func (c *Config) PositionConfig() position.Config {
	p := c.Position
	return position.Config{
		AlwaysCheckEndstops: p.AlwaysCheckEndstops,
		MinExtruderTemp:     p.MinExtruderTemp,
		ExtrudeMaxLengthMM:  p.ExtrudeMaxLength,
		DefaultFeedrate:     p.DefaultFeedrate,
	}
}

// EndstopConfig converts the endstop section.
func (c *Config) EndstopConfig() endstop.Config {
	e := c.Endstops
	cfg := endstop.Config{Interval: e.Interval}
	for i, pin := range e.TowerPins {
		cfg.Towers[i] = endstop.PinConfig{Pin: pin, PullUp: e.PullUp, Inverted: e.Inverted}
	}
	cfg.Probe = endstop.PinConfig{Pin: e.ProbePin, PullUp: e.PullUp, Inverted: e.Inverted}
	return cfg
}

// ApplyLog configures l from the log section. When a file is set the
// returned closer releases it; otherwise it is nil.
func (c *Config) ApplyLog(l *log.Logger) (io.Closer, error) {
	l.SetLevel(log.ParseLevel(c.Log.Level))
	l.SetFormat(log.ParseFormat(c.Log.Format))
	l.SetCaller(c.Log.Caller)
	if c.Log.File == "" {
		return nil, nil
	}
	f, err := log.TeeToFile(l, log.RotationConfig{
		Filename:  c.Log.File,
		MaxSizeKB: c.Log.MaxSizeKB,
		Backups:   c.Log.Backups,
	})
	if err != nil {
		return nil, WrapError("log", "file", err)
	}
	return f, nil
}
