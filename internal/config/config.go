// Package config loads and validates the core's configuration surface:
// one YAML file covering the array geometry plus every DOA/
// association/lock/beamform/bus tuning knob, generalized from a flat
// JSON preferences file to a nested YAML document sized for a
// human-edited operator config.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rilical/focusfield/internal/assoc"
	"github.com/rilical/focusfield/internal/beamform"
	"github.com/rilical/focusfield/internal/bus"
	"github.com/rilical/focusfield/internal/doa"
	"github.com/rilical/focusfield/internal/health"
	"github.com/rilical/focusfield/internal/lock"
)

// MicPosition is one microphone's (x, y) location in meters, as read from
// YAML (a plain two-element struct travels more legibly than a tuple).
type MicPosition struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// ArrayConfig describes the microphone array geometry shared by DOA and
// the beamformer.
type ArrayConfig struct {
	MicPositions    []MicPosition `yaml:"mic_positions_m"`
	SpeedOfSoundMps float64       `yaml:"speed_of_sound_mps"`
}

// DoaConfig mirrors doa.Config's YAML-exposed fields.
type DoaConfig struct {
	BinSizeDeg     float64 `yaml:"bin_size_deg"`
	UpdateHz       float64 `yaml:"update_hz"`
	FreqLoHz       float64 `yaml:"freq_lo_hz"`
	FreqHiHz       float64 `yaml:"freq_hi_hz"`
	SmoothingAlpha float64 `yaml:"smoothing_alpha"`
	TopKPeaks      int     `yaml:"top_k_peaks"`
	GateOnVAD      bool    `yaml:"gate_on_vad"`
}

// FusionWeights is fusion.weights.{mouth,face,doa}.
type FusionWeights struct {
	Mouth float64 `yaml:"mouth"`
	Face  float64 `yaml:"face"`
	Doa   float64 `yaml:"doa"`
}

// FusionConfig mirrors assoc.Config's YAML-exposed fields.
type FusionConfig struct {
	MaxAssocDeg   float64       `yaml:"max_assoc_deg"`
	Weights       FusionWeights `yaml:"weights"`
	RequireVAD    bool          `yaml:"require_vad"`
	FacesMaxAgeMs int64         `yaml:"faces_max_age_ms"`
}

// LockConfig mirrors lock.Config's YAML-exposed fields.
type LockConfig struct {
	AcquireThreshold float64 `yaml:"acquire_threshold"`
	DropThreshold    float64 `yaml:"drop_threshold"`
	AcquireDwellMs   int64   `yaml:"acquire_dwell_ms"`
	HoldMs           int64   `yaml:"hold_ms"`
	HandoffMinMs     int64   `yaml:"handoff_min_ms"`
	HandoffMargin    float64 `yaml:"handoff_margin"`
}

// BeamformConfig mirrors beamform.Config's YAML-exposed fields.
type BeamformConfig struct {
	UseLastLockMs  int64  `yaml:"use_last_lock_ms"`
	NoLockBehavior string `yaml:"no_lock_behavior"`
}

// BusConfig mirrors bus default capacity/overflow policy.
type BusConfig struct {
	DefaultCapacity int    `yaml:"default_capacity"`
	OverflowPolicy  string `yaml:"overflow_policy"`
}

// HealthConfig mirrors health.Config's YAML-exposed fields.
type HealthConfig struct {
	StaleYellowMs int64 `yaml:"stale_yellow_ms"`
	StaleRedMs    int64 `yaml:"stale_red_ms"`
}

// RuntimeConfig covers the concurrency-model knobs that are not owned by
// any single pipeline component: shutdown timing, subscriber heartbeat
// timeouts, and the health snapshot interval. MaxSkewMs is loaded and
// saved with the document but no component reads it; no cross-topic skew
// gate is applied.
type RuntimeConfig struct {
	ShutdownDeadlineMs int64 `yaml:"shutdown_deadline_ms"`
	HeartbeatMs        int64 `yaml:"heartbeat_ms"`
	MaxSkewMs          int64 `yaml:"max_skew_ms"`
	HealthIntervalMs   int64 `yaml:"health_interval_ms"`
}

// Config is the full configuration document.
type Config struct {
	Array    ArrayConfig    `yaml:"array"`
	Doa      DoaConfig      `yaml:"doa"`
	Fusion   FusionConfig   `yaml:"fusion"`
	Lock     LockConfig     `yaml:"lock"`
	Beamform BeamformConfig `yaml:"beamform"`
	Bus      BusConfig      `yaml:"bus"`
	Health   HealthConfig   `yaml:"health"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

// Default returns a Config populated with sensible defaults for every
// component. Array geometry has no universal default and is left empty;
// Validate rejects fewer than 2 mic positions.
func Default() Config {
	doaCfg := doa.DefaultConfig()
	fusionCfg := assoc.DefaultConfig()
	lockCfg := lock.DefaultConfig()
	beamCfg := beamform.DefaultConfig()
	healthCfg := health.DefaultConfig()

	return Config{
		Array: ArrayConfig{SpeedOfSoundMps: doaCfg.SpeedOfSoundMps},
		Doa: DoaConfig{
			BinSizeDeg:     doaCfg.BinSizeDeg,
			UpdateHz:       doaCfg.UpdateHz,
			FreqLoHz:       doaCfg.FreqLoHz,
			FreqHiHz:       doaCfg.FreqHiHz,
			SmoothingAlpha: doaCfg.SmoothingAlpha,
			TopKPeaks:      doaCfg.TopKPeaks,
			GateOnVAD:      doaCfg.GateOnVAD,
		},
		Fusion: FusionConfig{
			MaxAssocDeg:   fusionCfg.MaxAssocDeg,
			Weights:       FusionWeights{Mouth: fusionCfg.WeightMouth, Face: fusionCfg.WeightFace, Doa: fusionCfg.WeightDoa},
			RequireVAD:    fusionCfg.RequireVAD,
			FacesMaxAgeMs: fusionCfg.FacesMaxAgeMs,
		},
		Lock: LockConfig{
			AcquireThreshold: lockCfg.AcquireThreshold,
			DropThreshold:    lockCfg.DropThreshold,
			AcquireDwellMs:   lockCfg.AcquireDwellMs,
			HoldMs:           lockCfg.HoldMs,
			HandoffMinMs:     lockCfg.HandoffMinMs,
			HandoffMargin:    lockCfg.HandoffMargin,
		},
		Beamform: BeamformConfig{
			UseLastLockMs:  beamCfg.UseLastLockMs,
			NoLockBehavior: string(beamCfg.NoLockBehavior),
		},
		Bus: BusConfig{DefaultCapacity: 32, OverflowPolicy: bus.DropNewest.String()},
		Health: HealthConfig{
			StaleYellowMs: healthCfg.StaleYellowMs,
			StaleRedMs:    healthCfg.StaleRedMs,
		},
		Runtime: RuntimeConfig{
			ShutdownDeadlineMs: 2000,
			HeartbeatMs:        200,
			MaxSkewMs:          250,
			HealthIntervalMs:   1000,
		},
	}
}

// Load reads and parses a YAML config file at path, starting from Default
// so any field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the configuration for the startup-fatal (kind-2)
// conditions: missing/degenerate array geometry, weights that don't sum to
// ~1, and an unrecognized overflow policy or no-lock behavior.
func (c Config) Validate() error {
	if len(c.Array.MicPositions) < 2 {
		return fmt.Errorf("config: array.mic_positions_m needs at least 2 microphones, got %d", len(c.Array.MicPositions))
	}
	if c.Array.SpeedOfSoundMps <= 0 {
		return fmt.Errorf("config: array.speed_of_sound_mps must be positive, got %v", c.Array.SpeedOfSoundMps)
	}

	wsum := c.Fusion.Weights.Mouth + c.Fusion.Weights.Face + c.Fusion.Weights.Doa
	if wsum < 0.99 || wsum > 1.01 {
		return fmt.Errorf("config: fusion.weights.{mouth,face,doa} must sum to ~1, got %v", wsum)
	}

	if _, ok := bus.ParseOverflowPolicy(c.Bus.OverflowPolicy); !ok {
		return fmt.Errorf("config: unrecognized bus.overflow_policy %q", c.Bus.OverflowPolicy)
	}

	switch beamform.NoLockBehavior(c.Beamform.NoLockBehavior) {
	case beamform.NoLockOmni, beamform.NoLockHoldLast, beamform.NoLockMute:
	default:
		return fmt.Errorf("config: unrecognized beamform.no_lock_behavior %q", c.Beamform.NoLockBehavior)
	}

	if c.Doa.BinSizeDeg <= 0 || 360/c.Doa.BinSizeDeg < float64(c.Doa.TopKPeaks) {
		return fmt.Errorf("config: doa.bin_size_deg %v too coarse for top_k_peaks %d", c.Doa.BinSizeDeg, c.Doa.TopKPeaks)
	}

	return nil
}

// MicPositions converts the YAML array geometry to doa.MicPosition.
func (c Config) MicPositions() []doa.MicPosition {
	out := make([]doa.MicPosition, len(c.Array.MicPositions))
	for i, m := range c.Array.MicPositions {
		out[i] = doa.MicPosition{X: m.X, Y: m.Y}
	}
	return out
}

// ToDoaConfig builds a doa.Config from the loaded document.
func (c Config) ToDoaConfig() doa.Config {
	return doa.Config{
		MicPositions:        c.MicPositions(),
		SpeedOfSoundMps:     c.Array.SpeedOfSoundMps,
		FreqLoHz:            c.Doa.FreqLoHz,
		FreqHiHz:            c.Doa.FreqHiHz,
		BinSizeDeg:          c.Doa.BinSizeDeg,
		UpdateHz:            c.Doa.UpdateHz,
		SmoothingAlpha:      c.Doa.SmoothingAlpha,
		TopKPeaks:           c.Doa.TopKPeaks,
		GateOnVAD:           c.Doa.GateOnVAD,
		LowConfidenceFactor: doa.DefaultConfig().LowConfidenceFactor,
	}
}

// ToAssocConfig builds an assoc.Config from the loaded document.
func (c Config) ToAssocConfig() assoc.Config {
	return assoc.Config{
		MaxAssocDeg:   c.Fusion.MaxAssocDeg,
		WeightMouth:   c.Fusion.Weights.Mouth,
		WeightFace:    c.Fusion.Weights.Face,
		WeightDoa:     c.Fusion.Weights.Doa,
		RequireVAD:    c.Fusion.RequireVAD,
		FacesMaxAgeMs: c.Fusion.FacesMaxAgeMs,
	}
}

// ToLockConfig builds a lock.Config from the loaded document.
func (c Config) ToLockConfig() lock.Config {
	base := lock.DefaultConfig()
	return lock.Config{
		AcquireThreshold: c.Lock.AcquireThreshold,
		DropThreshold:    c.Lock.DropThreshold,
		AcquireDwellMs:   c.Lock.AcquireDwellMs,
		HoldMs:           c.Lock.HoldMs,
		HandoffMinMs:     c.Lock.HandoffMinMs,
		HandoffMargin:    c.Lock.HandoffMargin,
		RequireVAD:       base.RequireVAD,
		SpeakingOnMouth:  base.SpeakingOnMouth,
	}
}

// ToBeamformConfig builds a beamform.Config from the loaded document.
func (c Config) ToBeamformConfig() beamform.Config {
	base := beamform.DefaultConfig()
	return beamform.Config{
		MicPositions:    c.MicPositions(),
		SpeedOfSoundMps: c.Array.SpeedOfSoundMps,
		UseLastLockMs:   c.Beamform.UseLastLockMs,
		NoLockBehavior:  beamform.NoLockBehavior(c.Beamform.NoLockBehavior),
		MuteFadeMs:      base.MuteFadeMs,
	}
}

// BusOverflowPolicy parses c.Bus.OverflowPolicy, already validated by
// Validate; it defaults to bus.DropNewest if called without validating.
func (c Config) BusOverflowPolicy() bus.OverflowPolicy {
	policy, _ := bus.ParseOverflowPolicy(c.Bus.OverflowPolicy)
	return policy
}

// ToHealthConfig builds a health.Config from the loaded document.
func (c Config) ToHealthConfig() health.Config {
	base := health.DefaultConfig()
	return health.Config{
		StaleYellowMs:     c.Health.StaleYellowMs,
		StaleRedMs:        c.Health.StaleRedMs,
		LatencyWindowSize: base.LatencyWindowSize,
	}
}
