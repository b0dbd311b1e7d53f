package beamform

import (
	"math"
	"testing"

	"github.com/rilical/focusfield/internal/doa"
	"github.com/rilical/focusfield/internal/protocol"
)

func mics4() []doa.MicPosition {
	return []doa.MicPosition{{X: 0, Y: 0}, {X: 0.02, Y: 0}, {X: 0.04, Y: 0}, {X: 0.06, Y: 0}}
}

func toneFrame(tNs int64, sampleRate, blockSamples, channels int, hz float64) protocol.AudioFrame {
	samples := make([]float32, blockSamples*channels)
	for n := 0; n < blockSamples; n++ {
		for ch := 0; ch < channels; ch++ {
			samples[n*channels+ch] = float32(math.Sin(2 * math.Pi * hz * float64(n) / float64(sampleRate)))
		}
	}
	return protocol.AudioFrame{TNs: tNs, Seq: 1, SampleRateHz: sampleRate, BlockSamples: blockSamples, Channels: channels, Samples: samples}
}

func bearingLock(tNs int64, deg float64) protocol.TargetLock {
	d := deg
	return protocol.TargetLock{TNs: tNs, State: protocol.LockLocked, TargetBearingDeg: &d}
}

func TestOmniIsChannelAverage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MicPositions = mics4()
	b := New(cfg)

	frame := toneFrame(0, 16000, 256, 4, 1000)
	out := b.Process(frame)

	if len(out.Samples) != frame.BlockSamples {
		t.Fatalf("expected %d samples, got %d", frame.BlockSamples, len(out.Samples))
	}
	for i, s := range out.Samples {
		want := frame.Samples[i*4] // all 4 channels carry the same identical tone
		if math.Abs(float64(s-want)) > 1e-4 {
			t.Errorf("sample %d: got %v want %v", i, s, want)
			break
		}
	}
}

func TestNoLockMuteFadesToZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MicPositions = mics4()
	cfg.NoLockBehavior = NoLockMute
	cfg.MuteFadeMs = 1
	b := New(cfg)

	frame := toneFrame(0, 16000, 512, 4, 1000)
	out := b.Process(frame)

	last := out.Samples[len(out.Samples)-1]
	if last != 0 {
		t.Errorf("expected output to fade fully to 0 within the block, got %v at end", last)
	}
}

func TestHoldLastKeepsSteeringAfterLockGoesStale(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MicPositions = mics4()
	cfg.NoLockBehavior = NoLockHoldLast
	cfg.UseLastLockMs = 100
	b := New(cfg)

	lock := bearingLock(0, 45)
	b.OnTargetLock(lock)

	frame1 := toneFrame(0, 16000, 256, 4, 1000)
	b.Process(frame1) // establishes lastBearing while lock is fresh

	// Lock is now stale (well past use_last_lock_ms), but hold_last should
	// keep steering at the last known bearing rather than falling back to
	// omni.
	staleFrame := toneFrame(10_000_000_000, 16000, 256, 4, 1000)
	bearing, behavior := b.resolveSteering(staleFrame.TNs)
	if behavior != steered {
		t.Fatalf("expected hold_last to keep steering, got behavior %v", behavior)
	}
	if bearing != 45 {
		t.Errorf("expected retained bearing 45, got %v", bearing)
	}
}

func TestDegenerateGeometryFallsBackToOmni(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MicPositions = nil
	b := New(cfg)
	if !b.degenerate {
		t.Fatal("expected no mic positions to be degenerate")
	}

	b.OnTargetLock(bearingLock(0, 45))
	frame := toneFrame(0, 16000, 128, 2, 1000)
	out := b.Process(frame)
	if len(out.Samples) != frame.BlockSamples {
		t.Fatalf("unexpected output length %d", len(out.Samples))
	}
}

func TestSteeringProducesBoundedOutputNoNaN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MicPositions = mics4()
	b := New(cfg)
	b.OnTargetLock(bearingLock(0, 30))

	frame := toneFrame(0, 16000, 512, 4, 1200)
	out := b.Process(frame)
	for i, s := range out.Samples {
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			t.Fatalf("sample %d is NaN/Inf: %v", i, s)
		}
		if math.Abs(float64(s)) > 2 {
			t.Errorf("sample %d unexpectedly large: %v", i, s)
		}
	}
	if out.Stats.RMS <= 0 {
		t.Errorf("expected nonzero RMS for a tone, got %v", out.Stats.RMS)
	}
}
