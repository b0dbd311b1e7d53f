// Package beamform implements the delay-and-sum beamformer: it steers a
// multichannel AudioFrame toward the current target bearing and emits a
// monaural EnhancedAudio block per input block, using a small windowed-sinc
// FIR for the fractional-sample steering delay.
package beamform

import (
	"math"

	"github.com/rilical/focusfield/internal/doa"
	"github.com/rilical/focusfield/internal/protocol"
)

// NoLockBehavior selects how the beamformer steers when there is no
// current lock (or the lock is stale).
type NoLockBehavior string

const (
	NoLockOmni     NoLockBehavior = "omni"
	NoLockHoldLast NoLockBehavior = "hold_last"
	NoLockMute     NoLockBehavior = "mute"

	// steered is an internal resolveSteering result meaning "use bearingDeg",
	// distinct from the three configurable no-lock behaviors above.
	steered NoLockBehavior = "steered"
)

// sincTaps is the windowed-sinc FIR half-width used for fractional-sample
// delay: 4 taps on either side of the integer delay, matching the small
// fixed-length per-tap accumulation loop the NLMS echo canceller uses
// for its adaptive filter.
const sincTaps = 4

// Config configures the beamformer.
type Config struct {
	MicPositions    []doa.MicPosition
	SpeedOfSoundMps float64
	UseLastLockMs   int64
	NoLockBehavior  NoLockBehavior
	MuteFadeMs      float64
}

// DefaultConfig returns the default configuration surface.
func DefaultConfig() Config {
	return Config{
		SpeedOfSoundMps: 343.0,
		UseLastLockMs:   500,
		NoLockBehavior:  NoLockOmni,
		MuteFadeMs:      10,
	}
}

// Beamformer steers and sums one AudioFrame into one EnhancedAudio block at
// a time. Not safe for concurrent use; one Beamformer is owned by one
// beamform task.
type Beamformer struct {
	cfg Config

	degenerate bool

	lastLock    *protocol.TargetLock
	lastBearing float64
	haveBearing bool

	muteGain float64 // current fade gain while muting/unmuting, [0,1]

	seq uint64
}

// New returns a Beamformer for cfg.
func New(cfg Config) *Beamformer {
	return &Beamformer{
		cfg:        cfg,
		degenerate: len(cfg.MicPositions) < 1,
		muteGain:   1,
	}
}

// OnTargetLock records the most recent TargetLock. The beamform task calls
// this whenever fusion.target_lock publishes; Process then consults it.
func (b *Beamformer) OnTargetLock(lock protocol.TargetLock) {
	l := lock
	b.lastLock = &l
}

// Process steers frame toward the active bearing (or the configured
// no-lock behavior) and returns one EnhancedAudio block.
func (b *Beamformer) Process(frame protocol.AudioFrame) protocol.EnhancedAudio {
	bearing, behavior := b.resolveSteering(frame.TNs)

	var mono []float32
	switch {
	case behavior == NoLockMute:
		mono = b.muted(frame)
	case behavior == NoLockOmni || b.degenerate:
		mono = averageChannels(frame)
	default: // steered (AV/HOLD/HANDOFF lock, or hold_last) or VISION/AUDIO mode
		mono = b.steer(frame, bearing)
	}

	stats := computeStats(frame, mono)

	b.seq++
	return protocol.EnhancedAudio{
		TNs:          frame.TNs,
		Seq:          frame.Seq,
		SampleRateHz: frame.SampleRateHz,
		BlockSamples: frame.BlockSamples,
		Samples:      mono,
		Stats:        stats,
	}
}

// resolveSteering decides the effective bearing and no-lock behavior for
// this block: a fresh lock with a bearing always steers; a stale or
// missing lock falls back to the configured no_lock_behavior.
func (b *Beamformer) resolveSteering(nowNs int64) (bearingDeg float64, behavior NoLockBehavior) {
	lock := b.lastLock
	fresh := lock != nil && nowNs-lock.TNs <= b.cfg.UseLastLockMs*1_000_000
	if lock != nil && lock.State != protocol.LockNoLock && fresh && lock.TargetBearingDeg != nil {
		b.lastBearing = *lock.TargetBearingDeg
		b.haveBearing = true
		return b.lastBearing, steered
	}

	switch b.cfg.NoLockBehavior {
	case NoLockHoldLast:
		if b.haveBearing {
			return b.lastBearing, steered
		}
		return 0, NoLockOmni
	case NoLockMute:
		return 0, NoLockMute
	default:
		return 0, NoLockOmni
	}
}

// muted ramps the omni-averaged signal down to silence over mute_fade_ms,
// avoiding the click a hard jump to zero would cause, then stays silent.
func (b *Beamformer) muted(frame protocol.AudioFrame) []float32 {
	base := averageChannels(frame)
	fadeSamples := int(b.cfg.MuteFadeMs / 1000 * float64(frame.SampleRateHz))
	if fadeSamples < 1 {
		fadeSamples = 1
	}
	step := 1.0 / float64(fadeSamples)
	for i := range base {
		base[i] *= float32(b.muteGain)
		if b.muteGain > 0 {
			b.muteGain -= step
			if b.muteGain < 0 {
				b.muteGain = 0
			}
		}
	}
	return base
}

// steer applies per-channel fractional-sample delay and averages across
// channels.
func (b *Beamformer) steer(frame protocol.AudioFrame, bearingDeg float64) []float32 {
	n := frame.BlockSamples
	channels := frame.Channels
	out := make([]float32, n)
	if channels == 0 {
		return out
	}

	ux, uy := doa.AzimuthUnitVector(bearingDeg)
	delays := make([]float64, channels)
	for c := 0; c < channels && c < len(b.cfg.MicPositions); c++ {
		pos := b.cfg.MicPositions[c]
		delays[c] = (pos.X*ux + pos.Y*uy) / b.cfg.SpeedOfSoundMps
	}

	sampleRate := float64(frame.SampleRateHz)
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			delaySamples := delays[c] * sampleRate
			sum += fractionalSample(frame.Samples, channels, c, n, i, delaySamples)
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// fractionalSample evaluates channel c of an interleaved buffer at
// position (i - delaySamples) using a Hann-windowed sinc FIR, clamping to
// the block edges (no cross-block history is kept; the beamformer
// introduces no additional buffering beyond one block).
func fractionalSample(samples []float32, channels, c, blockSamples, i int, delaySamples float64) float32 {
	center := float64(i) - delaySamples
	base := int(math.Floor(center))
	frac := center - float64(base)

	var sum float64
	var weightSum float64
	for k := -sincTaps; k <= sincTaps; k++ {
		idx := base + k
		if idx < 0 {
			idx = 0
		}
		if idx >= blockSamples {
			idx = blockSamples - 1
		}
		x := float64(k) - frac
		s := sincWindowed(x)
		sum += s * float64(samples[idx*channels+c])
		weightSum += s
	}
	if weightSum < 1e-9 {
		return 0
	}
	return float32(sum / weightSum)
}

func sincWindowed(x float64) float64 {
	var sinc float64
	if math.Abs(x) < 1e-9 {
		sinc = 1
	} else {
		px := math.Pi * x
		sinc = math.Sin(px) / px
	}
	// Hann window over the [-sincTaps, sincTaps] support.
	hann := 0.5 + 0.5*math.Cos(math.Pi*x/float64(sincTaps+1))
	if hann < 0 {
		hann = 0
	}
	return sinc * hann
}

func averageChannels(frame protocol.AudioFrame) []float32 {
	n := frame.BlockSamples
	channels := frame.Channels
	out := make([]float32, n)
	if channels == 0 {
		return out
	}
	for i := 0; i < n; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += frame.Samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

func computeStats(frame protocol.AudioFrame, mono []float32) protocol.EnhancedAudioStats {
	var sumSq float64
	var clipping int
	for _, s := range mono {
		sumSq += float64(s) * float64(s)
		if s >= 1 || s <= -1 {
			clipping++
		}
	}
	rms := 0.0
	if len(mono) > 0 {
		rms = math.Sqrt(sumSq / float64(len(mono)))
	}

	inputRMS := inputChannelMeanRMS(frame)
	suppressionDB := 0.0
	if inputRMS > 1e-9 && rms > 1e-9 {
		suppressionDB = 20 * math.Log10(inputRMS/rms)
	}

	return protocol.EnhancedAudioStats{
		RMS:           rms,
		ClippingCount: clipping,
		SuppressionDB: suppressionDB,
	}
}

func inputChannelMeanRMS(frame protocol.AudioFrame) float64 {
	n := frame.BlockSamples
	channels := frame.Channels
	if n == 0 || channels == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		var mean float32
		for c := 0; c < channels; c++ {
			mean += frame.Samples[i*channels+c]
		}
		mean /= float32(channels)
		sumSq += float64(mean) * float64(mean)
	}
	return math.Sqrt(sumSq / float64(n))
}
