// Package assoc implements the audio-visual association stage: it matches
// each DOA peak to at most one face track and scores the pairing, falling
// back to audio-only candidates when faces are stale or unavailable.
package assoc

import (
	"math"
	"sort"

	"github.com/rilical/focusfield/internal/protocol"
)

// Config configures the association stage.
type Config struct {
	MaxAssocDeg   float64
	WeightMouth   float64
	WeightFace    float64
	WeightDoa     float64
	RequireVAD    bool
	FacesMaxAgeMs int64
}

// DefaultConfig returns the default configuration surface.
func DefaultConfig() Config {
	return Config{
		MaxAssocDeg:   20,
		WeightMouth:   0.4,
		WeightFace:    0.3,
		WeightDoa:     0.3,
		RequireVAD:    true,
		FacesMaxAgeMs: 300,
	}
}

// Associator produces one scored candidate batch per tick. Zero value is
// not usable; use New().
type Associator struct {
	cfg Config
	seq uint64
}

// New returns an Associator for cfg.
func New(cfg Config) *Associator {
	return &Associator{cfg: cfg}
}

type pairing struct {
	peakIdx int
	faceIdx int
	score   float64
	dist    float64
}

// Associate produces one candidate batch from the most recent heatmap and
// face-track batch. nowNs is used only to reject stale face tracks (no
// cross-topic timestamp equality is assumed).
func (a *Associator) Associate(nowNs int64, heatmap protocol.DoaHeatmap, faces []protocol.FaceTrack, vad *protocol.VoiceActivity) []protocol.AssociationCandidate {
	fresh := a.freshFaces(nowNs, faces)

	var pairings []pairing
	for pi, peak := range heatmap.Peaks {
		for fi, face := range fresh {
			dist := angularDistance(peak.AngleDeg, face.BearingDeg)
			if dist > a.cfg.MaxAssocDeg {
				continue
			}
			score := a.cfg.WeightMouth*face.MouthActivity + a.cfg.WeightFace*face.Confidence + a.cfg.WeightDoa*peak.Score
			pairings = append(pairings, pairing{peakIdx: pi, faceIdx: fi, score: score, dist: dist})
		}
	}

	sort.SliceStable(pairings, func(i, j int) bool { return pairings[i].score > pairings[j].score })

	usedPeak := make(map[int]bool)
	usedFace := make(map[int]bool)
	var candidates []protocol.AssociationCandidate

	for _, p := range pairings {
		if usedPeak[p.peakIdx] || usedFace[p.faceIdx] {
			continue
		}
		usedPeak[p.peakIdx] = true
		usedFace[p.faceIdx] = true

		face := fresh[p.faceIdx]
		peak := heatmap.Peaks[p.peakIdx]
		trackID := face.TrackID
		candidates = append(candidates, protocol.AssociationCandidate{
			TNs:                heatmap.TNs,
			TrackID:            &trackID,
			DoaPeakDeg:         peak.AngleDeg,
			AngularDistanceDeg: p.dist,
			MouthScore:         face.MouthActivity,
			FaceConfScore:      face.Confidence,
			DoaPeakScore:       peak.Score,
			CombinedScore:      clamp01(p.score),
		})
	}

	facesUsable := len(fresh) > 0
	speechActive := vad != nil && vad.Speech
	if speechActive && !facesUsable {
		for pi, peak := range heatmap.Peaks {
			if usedPeak[pi] {
				continue
			}
			score := clamp01(a.cfg.WeightDoa * peak.Score)
			candidates = append(candidates, protocol.AssociationCandidate{
				TNs:           heatmap.TNs,
				TrackID:       nil,
				DoaPeakDeg:    peak.AngleDeg,
				DoaPeakScore:  peak.Score,
				CombinedScore: score,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].CombinedScore > candidates[j].CombinedScore })

	a.seq++
	for i := range candidates {
		candidates[i].Seq = a.seq
	}
	return candidates
}

func (a *Associator) freshFaces(nowNs int64, faces []protocol.FaceTrack) []protocol.FaceTrack {
	if len(faces) == 0 {
		return nil
	}
	maxAgeNs := a.cfg.FacesMaxAgeMs * int64(1_000_000)
	fresh := make([]protocol.FaceTrack, 0, len(faces))
	for _, f := range faces {
		if nowNs-f.TNs <= maxAgeNs {
			fresh = append(fresh, f)
		}
	}
	return fresh
}

// angularDistance returns the smallest angular difference between two
// azimuths in [0, 180].
func angularDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	d = math.Mod(d, 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
