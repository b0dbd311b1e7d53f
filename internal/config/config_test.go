package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	cfg := Default()
	cfg.Array.MicPositions = []MicPosition{{X: 0, Y: 0}, {X: 0.05, Y: 0}}
	return cfg
}

func TestDefaultFailsValidationWithoutGeometry(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject a config with no mic geometry")
	}
}

func TestValidConfigPasses(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config to pass, got: %v", err)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := validConfig()
	cfg.Fusion.Weights = FusionWeights{Mouth: 0.1, Face: 0.1, Doa: 0.1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject weights that don't sum to ~1")
	}
}

func TestValidateRejectsUnknownOverflowPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Bus.OverflowPolicy = "explode"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject unknown overflow policy")
	}
}

func TestValidateRejectsUnknownNoLockBehavior(t *testing.T) {
	cfg := validConfig()
	cfg.Beamform.NoLockBehavior = "shout"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected Validate to reject unknown no_lock_behavior")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := validConfig()
	cfg.Doa.TopKPeaks = 5

	path := filepath.Join(t.TempDir(), "focusfield.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Doa.TopKPeaks != 5 {
		t.Errorf("expected top_k_peaks 5 to round-trip, got %d", loaded.Doa.TopKPeaks)
	}
	if len(loaded.Array.MicPositions) != 2 {
		t.Errorf("expected 2 mic positions to round-trip, got %d", len(loaded.Array.MicPositions))
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("round-tripped config should still validate: %v", err)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(os.TempDir(), "focusfield-does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}

func TestDefaultsPropagateIntoComponentConfigs(t *testing.T) {
	cfg := validConfig()
	doaCfg := cfg.ToDoaConfig()
	if len(doaCfg.MicPositions) != 2 {
		t.Errorf("expected mic positions to propagate, got %d", len(doaCfg.MicPositions))
	}
	if doaCfg.BinSizeDeg != cfg.Doa.BinSizeDeg {
		t.Errorf("bin size mismatch: %v vs %v", doaCfg.BinSizeDeg, cfg.Doa.BinSizeDeg)
	}

	lockCfg := cfg.ToLockConfig()
	if lockCfg.HandoffMinMs != cfg.Lock.HandoffMinMs {
		t.Errorf("handoff_min_ms mismatch: %v vs %v", lockCfg.HandoffMinMs, cfg.Lock.HandoffMinMs)
	}
}
