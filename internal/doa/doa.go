// Package doa implements the SRP-PHAT direction-of-arrival estimator: a
// per-block 360°-azimuth likelihood heatmap with temporal smoothing and
// top-K peak picking.
//
// The per-channel Hann-window + FFT step uses github.com/cwbudde/algo-fft's
// real-input FFT plan, the same library and call shape the pack's
// algo-piano spectral-compare tool uses for windowed spectral analysis. The
// steering-delay summation itself is hand-written loops over mic pairs and
// azimuth bins, matching the AEC/AGC/noisegate style of hand-rolled
// per-sample DSP.
package doa

import (
	"math"
	"math/cmplx"
	"sort"

	algofft "github.com/cwbudde/algo-fft"

	"github.com/rilical/focusfield/internal/protocol"
)

// MicPosition is one microphone's location in the array plane, in meters.
type MicPosition struct {
	X, Y float64
}

// Config configures the estimator. Zero value is not directly usable; call
// DefaultConfig and override fields.
type Config struct {
	MicPositions        []MicPosition
	SpeedOfSoundMps     float64
	FreqLoHz            float64
	FreqHiHz            float64
	BinSizeDeg          float64
	UpdateHz            float64
	SmoothingAlpha      float64
	TopKPeaks           int
	GateOnVAD           bool
	LowConfidenceFactor float64 // downweight applied to confidence when VAD says no speech
}

// DefaultConfig returns the default configuration surface.
func DefaultConfig() Config {
	return Config{
		SpeedOfSoundMps:     343.0,
		FreqLoHz:            300,
		FreqHiHz:            3800,
		BinSizeDeg:          2,
		UpdateHz:            10,
		SmoothingAlpha:      0.3,
		TopKPeaks:           3,
		GateOnVAD:           true,
		LowConfidenceFactor: 0.3,
	}
}

const epsilon = 1e-12

// Estimator accumulates audio blocks and produces one DoaHeatmap update per
// ceil(sampleRate/cfg.UpdateHz) samples, and never more than one per input
// block, so the update rate is at most cfg.UpdateHz. Not safe for
// concurrent use; one Estimator is owned by one DOA task.
type Estimator struct {
	cfg Config

	degenerate bool
	pairs      [][2]int // unordered mic-pair indices; empty when degenerate

	sampleRate    int
	channels      int
	windowSamples int

	accum    [][]float32 // per-channel accumulation buffer, len==channels
	accumLen int

	smoothed []float64 // EMA state per azimuth bin, nil until first update
	binCount int

	planSize int
	plan     *algofft.PlanReal64

	seq uint64
}

// New returns an Estimator for the given configuration. The FFT plan and
// accumulation buffers are sized lazily from the first AudioFrame.
func New(cfg Config) *Estimator {
	e := &Estimator{cfg: cfg}
	e.binCount = binCountFor(cfg.BinSizeDeg)
	e.pairs, e.degenerate = micPairs(cfg.MicPositions)
	return e
}

func binCountFor(binSizeDeg float64) int {
	n := int(math.Round(360.0 / binSizeDeg))
	if n < 1 {
		n = 1
	}
	return n
}

// micPairs returns every unordered mic-pair index and whether the geometry
// is degenerate (fewer than 2 mics, or all mics collapsed to one point).
// A straight linear array is NOT degenerate here: it is the common case
// and still yields a usable, if front/back-ambiguous, steered-response peak.
func micPairs(mics []MicPosition) ([][2]int, bool) {
	if len(mics) < 2 || zeroBaseline(mics) {
		return nil, true
	}
	var pairs [][2]int
	for i := 0; i < len(mics); i++ {
		for j := i + 1; j < len(mics); j++ {
			pairs = append(pairs, [2]int{i, j})
		}
	}
	return pairs, false
}

// zeroBaseline reports whether every mic sits at (or within numerical noise
// of) the same point, so no pair has a usable inter-mic delay.
func zeroBaseline(mics []MicPosition) bool {
	x0, y0 := mics[0].X, mics[0].Y
	for _, m := range mics[1:] {
		if math.Hypot(m.X-x0, m.Y-y0) > 1e-9 {
			return false
		}
	}
	return true
}

// AzimuthUnitVector returns the unit vector for azimuth deg, using the
// clockwise-from-reference convention in the glossary: 0° along +Y,
// increasing clockwise toward +X.
func AzimuthUnitVector(deg float64) (x, y float64) {
	rad := deg * math.Pi / 180
	return math.Sin(rad), math.Cos(rad)
}

// wrapDeg wraps an angle to [0, 360).
func wrapDeg(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Process accumulates frame's samples and, once enough samples have been
// collected to meet cfg.UpdateHz, runs one SRP-PHAT update and returns the
// resulting heatmap. ok is false when frame only contributed to the
// in-progress accumulation window and no update was produced yet.
func (e *Estimator) Process(frame protocol.AudioFrame, vad *protocol.VoiceActivity) (heatmap protocol.DoaHeatmap, ok bool) {
	e.ensureSized(frame)
	e.appendSamples(frame)

	if e.accumLen < e.windowSamples {
		return protocol.DoaHeatmap{}, false
	}

	scores, confidence := e.computeScores(frame.TNs)
	e.consumeWindow()

	gated := e.cfg.GateOnVAD && vad != nil && !vad.Speech
	if gated {
		confidence *= e.cfg.LowConfidenceFactor
	}

	peaks := pickPeaks(scores, e.cfg.BinSizeDeg, e.cfg.TopKPeaks)

	e.seq++
	return protocol.DoaHeatmap{
		TNs:          frame.TNs,
		Seq:          e.seq,
		BinCount:     e.binCount,
		BinSizeDeg:   e.cfg.BinSizeDeg,
		Scores:       append([]float64(nil), scores...),
		Peaks:        peaks,
		Confidence:   confidence,
		LowConfident: gated || e.degenerate,
	}, true
}

func (e *Estimator) ensureSized(frame protocol.AudioFrame) {
	if e.sampleRate == frame.SampleRateHz && e.channels == frame.Channels && e.windowSamples > 0 {
		return
	}
	e.sampleRate = frame.SampleRateHz
	e.channels = frame.Channels
	updateHz := e.cfg.UpdateHz
	if updateHz <= 0 {
		updateHz = 10
	}
	e.windowSamples = int(math.Ceil(float64(frame.SampleRateHz) / updateHz))
	if e.windowSamples < frame.BlockSamples {
		e.windowSamples = frame.BlockSamples
	}
	e.accum = make([][]float32, e.channels)
	for c := range e.accum {
		e.accum[c] = make([]float32, 0, e.windowSamples*2)
	}
	e.accumLen = 0
	e.smoothed = nil
}

func (e *Estimator) appendSamples(frame protocol.AudioFrame) {
	n := frame.BlockSamples
	for c := 0; c < e.channels; c++ {
		for i := 0; i < n; i++ {
			e.accum[c] = append(e.accum[c], frame.Samples[i*e.channels+c])
		}
	}
	e.accumLen += n
}

// consumeWindow drops the oldest windowSamples from each channel's
// accumulation buffer, keeping any surplus for the next update.
func (e *Estimator) consumeWindow() {
	for c := range e.accum {
		buf := e.accum[c]
		if len(buf) <= e.windowSamples {
			e.accum[c] = buf[:0]
			continue
		}
		e.accum[c] = append(buf[:0], buf[e.windowSamples:]...)
	}
	e.accumLen -= e.windowSamples
	if e.accumLen < 0 {
		e.accumLen = 0
	}
}

// computeScores runs one SRP-PHAT update over the first windowSamples of
// each channel's accumulation buffer and returns the normalized,
// temporally-smoothed score per azimuth bin plus an overall confidence.
// For degenerate geometry it returns degenerateScores with confidence 0;
// no GCC-PHAT pair correlation is computed in that case.
func (e *Estimator) computeScores(tNs int64) (scores []float64, confidence float64) {
	if e.degenerate {
		return e.degenerateScores(), 0
	}

	spectra, binHz, loBin, hiBin := e.channelSpectra()
	raw := make([]float64, e.binCount)

	for _, pair := range e.pairs {
		xi, xj := spectra[pair[0]], spectra[pair[1]]
		posI, posJ := e.cfg.MicPositions[pair[0]], e.cfg.MicPositions[pair[1]]

		for bin := 0; bin < e.binCount; bin++ {
			theta := float64(bin) * e.cfg.BinSizeDeg
			ux, uy := AzimuthUnitVector(theta)
			// A source at theta reaches mics with larger r·u first, so
			// channel i lags channel j by (r_j - r_i)·u / c.
			tau := ((posJ.X*ux+posJ.Y*uy)-(posI.X*ux+posI.Y*uy)) / e.cfg.SpeedOfSoundMps

			var sum float64
			for f := loBin; f <= hiBin; f++ {
				g := xi[f] * cmplx.Conj(xj[f])
				mag := cmplx.Abs(g)
				g /= complex(mag+epsilon, 0)
				freqHz := float64(f) * binHz
				phase := complex(0, 2*math.Pi*freqHz*tau)
				sum += real(g * cmplx.Exp(phase))
			}
			raw[bin] += sum
		}
	}

	normalized := normalize(raw)
	e.smooth(normalized)

	peak := 0.0
	for _, v := range e.smoothed {
		if v > peak {
			peak = v
		}
	}
	return append([]float64(nil), e.smoothed...), peak
}

// channelSpectra windows and FFTs the current window of every channel,
// returning the half-spectra plus the frequency resolution and the bin
// index range covering [FreqLoHz, FreqHiHz].
func (e *Estimator) channelSpectra() (spectra [][]complex128, binHz float64, loBin, hiBin int) {
	if e.plan == nil || e.planSize != e.windowSamples {
		plan, err := algofft.NewPlanReal64(e.windowSamples)
		if err == nil {
			e.plan = plan
			e.planSize = e.windowSamples
		}
	}

	hann := hannWindow(e.windowSamples)
	binHz = float64(e.sampleRate) / float64(e.windowSamples)
	nBins := e.windowSamples/2 + 1

	loBin = int(math.Floor(e.cfg.FreqLoHz / binHz))
	hiBin = int(math.Ceil(e.cfg.FreqHiHz / binHz))
	if loBin < 1 {
		loBin = 1 // skip DC
	}
	if hiBin > nBins-1 {
		hiBin = nBins - 1
	}
	if hiBin < loBin {
		hiBin = loBin
	}

	spectra = make([][]complex128, e.channels)
	windowed := make([]float64, e.windowSamples)
	for c := 0; c < e.channels; c++ {
		for i := 0; i < e.windowSamples; i++ {
			windowed[i] = float64(e.accum[c][i]) * hann[i]
		}
		spec := make([]complex128, nBins)
		if e.plan != nil {
			e.plan.Forward(spec, windowed)
		}
		spectra[c] = spec
	}
	return spectra, binHz, loBin, hiBin
}

// degenerateScores is the geometry-degraded failure path: it returns a
// broad single peak at 0 degrees instead of a real steered-response scan.
func (e *Estimator) degenerateScores() []float64 {
	scores := make([]float64, e.binCount)
	for i := range scores {
		// A broad bump so downstream peak-picking finds exactly one peak.
		d := circularBinDistance(i, 0, e.binCount)
		scores[i] = math.Max(0, 1-float64(d)/float64(e.binCount/4+1))
	}
	e.smooth(scores)
	return append([]float64(nil), e.smoothed...)
}

func (e *Estimator) smooth(normalized []float64) {
	if e.smoothed == nil {
		e.smoothed = append([]float64(nil), normalized...)
		return
	}
	alpha := e.cfg.SmoothingAlpha
	for i := range e.smoothed {
		e.smoothed[i] = (1-alpha)*normalized[i] + alpha*e.smoothed[i]
	}
}

func normalize(raw []float64) []float64 {
	min, max := raw[0], raw[0]
	for _, v := range raw {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	out := make([]float64, len(raw))
	span := max - min
	if span < epsilon {
		return out // all bins equal: flat noise floor, scores stay at 0
	}
	for i, v := range raw {
		out[i] = (v - min) / span
	}
	return out
}

func hannWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := 0; i < n; i++ {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func circularBinDistance(a, b, binCount int) int {
	d := a - b
	if d < 0 {
		d = -d
	}
	if d > binCount-d {
		d = binCount - d
	}
	return d
}

// pickPeaks returns up to topK local maxima at least minSeparation apart,
// where minSeparation = max(3*binSizeDeg, 10°), ties broken by higher raw
// score then smaller angle.
func pickPeaks(scores []float64, binSizeDeg float64, topK int) []protocol.DoaPeak {
	if topK <= 0 || len(scores) == 0 {
		return nil
	}
	minSepDeg := 3 * binSizeDeg
	if minSepDeg < 10 {
		minSepDeg = 10
	}
	minSepBins := int(math.Round(minSepDeg / binSizeDeg))

	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		if scores[ia] != scores[ib] {
			return scores[ia] > scores[ib]
		}
		return ia < ib
	})

	n := len(scores)
	isLocalMax := func(i int) bool {
		if n < 3 {
			return true
		}
		l, r := scores[(i-1+n)%n], scores[(i+1)%n]
		return scores[i] >= l && scores[i] >= r && (scores[i] > l || scores[i] > r)
	}

	var chosen []int
	for _, idx := range order {
		if !isLocalMax(idx) {
			continue
		}
		tooClose := false
		for _, c := range chosen {
			if circularBinDistance(idx, c, len(scores)) < minSepBins {
				tooClose = true
				break
			}
		}
		if tooClose {
			continue
		}
		chosen = append(chosen, idx)
		if len(chosen) == topK {
			break
		}
	}

	peaks := make([]protocol.DoaPeak, len(chosen))
	for i, idx := range chosen {
		peaks[i] = protocol.DoaPeak{
			AngleDeg: wrapDeg(float64(idx) * binSizeDeg),
			Score:    scores[idx],
		}
	}
	return peaks
}
