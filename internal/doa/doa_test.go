package doa

import (
	"math"
	"testing"

	"github.com/rilical/focusfield/internal/protocol"
)

// linearArray4 returns a 4-mic linear array spaced so that, at 16 kHz with
// SpeedOfSoundMps as configured, one spacing unit equals exactly one sample
// period: spacing = c / sampleRate.
func linearArray4(c float64, sampleRate int) []MicPosition {
	spacing := c / float64(sampleRate)
	return []MicPosition{
		{X: 0, Y: 0},
		{X: 1 * spacing, Y: 0},
		{X: 2 * spacing, Y: 0},
		{X: 3 * spacing, Y: 0},
	}
}

func makeFrame(sampleRate, blockSamples, channels int, fill func(n, ch int) float32) protocol.AudioFrame {
	samples := make([]float32, blockSamples*channels)
	for n := 0; n < blockSamples; n++ {
		for ch := 0; ch < channels; ch++ {
			samples[n*channels+ch] = fill(n, ch)
		}
	}
	return protocol.AudioFrame{
		TNs:          1,
		Seq:          1,
		SampleRateHz: sampleRate,
		BlockSamples: blockSamples,
		Channels:     channels,
		Samples:      samples,
	}
}

func TestSilenceYieldsZeroConfidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MicPositions = linearArray4(cfg.SpeedOfSoundMps, 16000)
	cfg.UpdateHz = float64(16000) / 512
	cfg.GateOnVAD = false

	e := New(cfg)
	frame := makeFrame(16000, 512, 4, func(n, ch int) float32 { return 0 })

	hm, ok := e.Process(frame, &protocol.VoiceActivity{Speech: false})
	if !ok {
		t.Fatal("expected an update from a single exactly-sized window")
	}
	if hm.BinCount != binCountFor(cfg.BinSizeDeg) {
		t.Errorf("bin count: got %d, want %d", hm.BinCount, binCountFor(cfg.BinSizeDeg))
	}
	if len(hm.Scores) != hm.BinCount {
		t.Errorf("scores length: got %d, want %d", len(hm.Scores), hm.BinCount)
	}
	for i, s := range hm.Scores {
		if s > 1.0 {
			t.Errorf("bin %d score %f exceeds 1.0", i, s)
		}
	}
	if hm.Confidence != 0 {
		t.Errorf("confidence: got %f, want 0 for silence", hm.Confidence)
	}
}

func TestSingleTalkerAt90Degrees(t *testing.T) {
	const sampleRate = 16000
	const blockSamples = 512
	const channels = 4
	const toneHz = 1000.0

	cfg := DefaultConfig()
	cfg.MicPositions = linearArray4(cfg.SpeedOfSoundMps, sampleRate)
	cfg.UpdateHz = float64(sampleRate) / float64(blockSamples)
	cfg.GateOnVAD = false

	e := New(cfg)
	if e.degenerate {
		t.Fatal("linear array must not be treated as degenerate")
	}

	// Channel c leads channel 0 by c samples, which (given linearArray4's
	// spacing along +X) corresponds to a plane wave arriving from azimuth
	// 90 degrees: the mics further along +X hear it first.
	frame := makeFrame(sampleRate, blockSamples, channels, func(n, ch int) float32 {
		return float32(math.Sin(2 * math.Pi * toneHz * float64(n+ch) / float64(sampleRate)))
	})

	hm, ok := e.Process(frame, &protocol.VoiceActivity{Speech: true})
	if !ok {
		t.Fatal("expected an update from a single exactly-sized window")
	}
	if len(hm.Peaks) == 0 {
		t.Fatal("expected at least one peak")
	}

	best := hm.Peaks[0]
	for _, p := range hm.Peaks {
		if p.Score > best.Score {
			best = p
		}
	}

	dist := math.Abs(best.AngleDeg - 90)
	if dist > 180 {
		dist = 360 - dist
	}
	if dist > 10 {
		t.Errorf("best peak at %.1f deg, want near 90 deg (within 10): score=%.3f", best.AngleDeg, best.Score)
	}
}

func TestAngleWrap(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0, 0}, {359.9, 359.9}, {360, 0}, {361, 1}, {-1, 359}, {-361, 359}, {720, 0},
	}
	for _, c := range cases {
		got := wrapDeg(c.in)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("wrapDeg(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestPickPeaksRespectsMinSeparation(t *testing.T) {
	binSize := 2.0
	scores := make([]float64, 180)
	// Two close peaks 4 degrees apart (2 bins) should not both survive; min
	// separation is max(3*binSize, 10) = 10 degrees = 5 bins.
	scores[10] = 1.0 // 20 deg
	scores[12] = 0.9 // 24 deg

	peaks := pickPeaks(scores, binSize, 3)
	if len(peaks) != 1 {
		t.Fatalf("expected 1 peak after separation filtering, got %d: %+v", len(peaks), peaks)
	}
	if peaks[0].AngleDeg != 20 {
		t.Errorf("expected surviving peak at 20 deg, got %v", peaks[0].AngleDeg)
	}
}

func TestDegenerateGeometryFallsBack(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MicPositions = []MicPosition{{X: 0, Y: 0}} // single mic: no baseline
	e := New(cfg)
	if !e.degenerate {
		t.Fatal("expected single-mic geometry to be degenerate")
	}

	cfg.UpdateHz = float64(16000) / 256
	e = New(cfg)
	frame := makeFrame(16000, 256, 1, func(n, ch int) float32 { return float32(math.Sin(float64(n))) })
	hm, ok := e.Process(frame, nil)
	if !ok {
		t.Fatal("expected an update")
	}
	if hm.Confidence != 0 {
		t.Errorf("degenerate confidence: got %f, want 0", hm.Confidence)
	}
	if !hm.LowConfident {
		t.Error("expected LowConfident to be set for degenerate geometry")
	}
	if len(hm.Peaks) != 1 {
		t.Errorf("expected exactly one broad peak, got %d", len(hm.Peaks))
	}
}
