// Package lock implements the five-state hysteretic target-lock machine
// NO_LOCK, ACQUIRE, LOCKED, HOLD, HANDOFF. It selects and
// stabilizes a single target across ticks, using separate acquire/drop
// thresholds and minimum dwell times to avoid jitter.
package lock

import (
	"fmt"
	"math"

	"github.com/rilical/focusfield/internal/protocol"
)

// Config configures the lock machine.
type Config struct {
	AcquireThreshold float64
	DropThreshold    float64
	AcquireDwellMs   int64
	HoldMs           int64
	HandoffMinMs     int64
	HandoffMargin    float64
	RequireVAD       bool
	SpeakingOnMouth  float64 // mouth_activity threshold gating NO_LOCK -> ACQUIRE
}

// DefaultConfig returns the default configuration surface: acquire/drop
// thresholds, dwell times, and a speaking-on threshold consistent with
// typical VAD/mouth-activity scales.
func DefaultConfig() Config {
	return Config{
		AcquireThreshold: 0.6,
		DropThreshold:    0.35,
		AcquireDwellMs:   150,
		HoldMs:           800,
		HandoffMinMs:     700,
		HandoffMargin:    0.1,
		RequireVAD:       true,
		SpeakingOnMouth:  0.3,
	}
}

const nsPerMs = int64(1_000_000)

// Machine is the lock state machine. Zero value is not usable; use New().
type Machine struct {
	cfg Config

	state protocol.LockState

	targetIdentity string  // "" when no target; "track:<id>" or "bearing:<bucket>"
	targetID       *string // nil for audio-only or no-lock
	targetBearing  *float64
	confidence     float64
	stableSinceT   int64

	acquireIdentity string
	acquireStartT   int64

	holdStartT int64

	challengerIdentity string
	challengerID       *string
	challengerBearing  float64
	handoffStartT      int64
	origTargetSnapshot targetSnapshot

	lastCommitT int64

	seq uint64
}

type targetSnapshot struct {
	identity string
	id       *string
	bearing  *float64
	score    float64
}

// New returns a Machine starting in NO_LOCK.
func New(cfg Config) *Machine {
	return &Machine{cfg: cfg, state: protocol.LockNoLock}
}

// identity derives a stable comparison key for a candidate: the track ID
// when one exists, or a coarse bearing bucket for audio-only candidates
// Audio-only identity is not track-keyed, so churn detection falls back
// to bearing proximity.
func identity(c protocol.AssociationCandidate) string {
	if c.TrackID != nil {
		return "track:" + *c.TrackID
	}
	bucket := int(math.Round(c.DoaPeakDeg/5)) * 5
	return fmt.Sprintf("bearing:%d", bucket)
}

func pickBest(candidates []protocol.AssociationCandidate) *protocol.AssociationCandidate {
	var best *protocol.AssociationCandidate
	for i := range candidates {
		if best == nil || candidates[i].CombinedScore > best.CombinedScore {
			best = &candidates[i]
		}
	}
	return best
}

func findIdentity(candidates []protocol.AssociationCandidate, id string) *protocol.AssociationCandidate {
	for i := range candidates {
		if identity(candidates[i]) == id {
			return &candidates[i]
		}
	}
	return nil
}

// targetContinuityDeg bounds how far an audio-only candidate may sit from
// the last known target bearing and still count as the same physical
// target losing its face track, rather than a new challenger: target_id
// goes null but bearing is retained.
const targetContinuityDeg = 15.0

func angularDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	d = math.Mod(d, 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// findTarget locates the candidate continuing the current target: an exact
// identity match, or (when the face track has dropped out) an audio-only
// candidate near the last known bearing. A face-tracked candidate at a
// different identity is never treated as a continuation; it is a
// challenger.
func (m *Machine) findTarget(candidates []protocol.AssociationCandidate) *protocol.AssociationCandidate {
	if cand := findIdentity(candidates, m.targetIdentity); cand != nil {
		return cand
	}
	if m.targetBearing == nil {
		return nil
	}
	var best *protocol.AssociationCandidate
	for i := range candidates {
		c := &candidates[i]
		if c.TrackID != nil {
			continue
		}
		if angularDistance(c.DoaPeakDeg, *m.targetBearing) <= targetContinuityDeg {
			if best == nil || c.CombinedScore > best.CombinedScore {
				best = c
			}
		}
	}
	return best
}

// bestChallengerThan returns the highest-scoring candidate distinct from
// target (by value, not just identity string, since target may be an
// audio-only continuation with a different identity than before).
func bestChallengerThan(candidates []protocol.AssociationCandidate, target *protocol.AssociationCandidate) *protocol.AssociationCandidate {
	var best *protocol.AssociationCandidate
	for i := range candidates {
		c := &candidates[i]
		if target != nil && c.DoaPeakDeg == target.DoaPeakDeg && identity(*c) == identity(*target) {
			continue
		}
		if best == nil || c.CombinedScore > best.CombinedScore {
			best = c
		}
	}
	return best
}

// meetsEntryGate implements mouth >= speaking_on OR (require_vad => vad.speech):
// the implication is vacuously true when RequireVAD is false, so the gate
// passes on mouth activity alone in that configuration.
func (m *Machine) meetsEntryGate(c *protocol.AssociationCandidate, vad *protocol.VoiceActivity) bool {
	if c.MouthScore >= m.cfg.SpeakingOnMouth {
		return true
	}
	if !m.cfg.RequireVAD {
		return true
	}
	return vad != nil && vad.Speech
}

// Tick advances the machine by one association-batch tick and returns the
// resulting TargetLock. nowNs should be the timestamp carried by the
// message that drove the tick, not wall time, to preserve replay
// determinism.
func (m *Machine) Tick(nowNs int64, candidates []protocol.AssociationCandidate, vad *protocol.VoiceActivity) protocol.TargetLock {
	var reason string

	switch m.state {
	case protocol.LockNoLock:
		reason = m.tickNoLock(nowNs, candidates, vad)
	case protocol.LockAcquire:
		reason = m.tickAcquire(nowNs, candidates)
	case protocol.LockLocked:
		reason = m.tickLocked(nowNs, candidates)
	case protocol.LockHold:
		reason = m.tickHold(nowNs, candidates)
	case protocol.LockHandoff:
		reason = m.tickHandoff(nowNs, candidates)
	default:
		// Impossible state: programming fault, not a transient condition.
		panic(fmt.Sprintf("lock: impossible state %q", m.state))
	}

	m.seq++
	return protocol.TargetLock{
		TNs:              nowNs,
		Seq:              m.seq,
		State:            m.state,
		Mode:             m.mode(candidates),
		TargetID:         m.targetID,
		TargetBearingDeg: m.targetBearing,
		Confidence:       m.confidence,
		Reason:           reason,
		StableMs:         (nowNs - m.stableSinceT) / nsPerMs,
	}
}

func (m *Machine) tickNoLock(nowNs int64, candidates []protocol.AssociationCandidate, vad *protocol.VoiceActivity) string {
	best := pickBest(candidates)
	if best == nil || !m.meetsEntryGate(best, vad) {
		return "no candidate"
	}

	m.state = protocol.LockAcquire
	m.acquireIdentity = identity(*best)
	m.acquireStartT = nowNs
	m.confidence = best.CombinedScore
	m.targetBearing = float64Ptr(best.DoaPeakDeg)
	m.targetID = nil
	m.stableSinceT = nowNs
	return "acquiring: candidate detected"
}

func (m *Machine) tickAcquire(nowNs int64, candidates []protocol.AssociationCandidate) string {
	cand := findIdentity(candidates, m.acquireIdentity)
	if cand == nil {
		m.resetToNoLock()
		return "acquire_lost"
	}

	m.confidence = cand.CombinedScore
	m.targetBearing = float64Ptr(cand.DoaPeakDeg)

	dwelled := nowNs-m.acquireStartT >= m.cfg.AcquireDwellMs*nsPerMs
	if cand.CombinedScore >= m.cfg.AcquireThreshold && dwelled {
		m.commitTarget(nowNs, cand)
		return "acquired: high AV agreement"
	}
	return "acquiring: dwelling"
}

func (m *Machine) tickLocked(nowNs int64, candidates []protocol.AssociationCandidate) string {
	targetCand := m.findTarget(candidates)
	challenger := bestChallengerThan(candidates, targetCand)

	targetScore := 0.0
	if targetCand != nil {
		targetScore = targetCand.CombinedScore
	}

	if challenger != nil && challenger.CombinedScore-targetScore >= m.cfg.HandoffMargin {
		m.state = protocol.LockHandoff
		m.challengerIdentity = identity(*challenger)
		m.challengerID = challenger.TrackID
		m.challengerBearing = challenger.DoaPeakDeg
		m.handoffStartT = nowNs
		m.origTargetSnapshot = targetSnapshot{
			identity: m.targetIdentity,
			id:       m.targetID,
			bearing:  m.targetBearing,
			score:    targetScore,
		}
		return "handoff: stronger candidate detected"
	}

	if targetCand != nil && targetCand.CombinedScore >= m.cfg.DropThreshold {
		m.targetIdentity = identity(*targetCand)
		m.targetID = targetCand.TrackID
		m.confidence = targetCand.CombinedScore
		m.targetBearing = float64Ptr(targetCand.DoaPeakDeg)
		return "locked: stable"
	}

	// Target missing or too weak this tick: always pass through HOLD first.
	// HOLD's own timeout (hold_ms) is what ultimately drops to NO_LOCK,
	// whether the cause was a brief pause in speech or the face track
	// vanishing outright with no audio-only candidate to fall back on.
	m.state = protocol.LockHold
	m.holdStartT = nowNs
	if targetCand != nil {
		m.targetIdentity = identity(*targetCand)
		m.targetID = targetCand.TrackID
		m.confidence = targetCand.CombinedScore
	}
	return "dropped: below threshold"
}

func (m *Machine) tickHold(nowNs int64, candidates []protocol.AssociationCandidate) string {
	targetCand := m.findTarget(candidates)
	if targetCand != nil && targetCand.CombinedScore >= m.cfg.DropThreshold {
		m.state = protocol.LockLocked
		m.targetIdentity = identity(*targetCand)
		m.targetID = targetCand.TrackID
		m.confidence = targetCand.CombinedScore
		m.targetBearing = float64Ptr(targetCand.DoaPeakDeg)
		return "resumed: target returned"
	}

	if nowNs-m.holdStartT > m.cfg.HoldMs*nsPerMs {
		m.resetToNoLock()
		return "dropped: silence timeout"
	}
	return "held: brief silence"
}

func (m *Machine) tickHandoff(nowNs int64, candidates []protocol.AssociationCandidate) string {
	challenger := findIdentity(candidates, m.challengerIdentity)
	orig := findIdentity(candidates, m.origTargetSnapshot.identity)

	origScore := m.origTargetSnapshot.score
	if orig != nil {
		origScore = orig.CombinedScore
	}

	dominates := challenger != nil && challenger.CombinedScore-origScore >= m.cfg.HandoffMargin
	if !dominates {
		m.state = protocol.LockLocked
		m.targetIdentity = m.origTargetSnapshot.identity
		m.targetID = m.origTargetSnapshot.id
		m.targetBearing = m.origTargetSnapshot.bearing
		if orig != nil {
			m.confidence = orig.CombinedScore
		}
		return "handoff aborted: challenger lost dominance"
	}

	if nowNs-m.handoffStartT >= m.cfg.HandoffMinMs*nsPerMs {
		m.commitTarget(nowNs, challenger)
		return "handoff committed"
	}
	return "handoff: challenger dominating"
}

func (m *Machine) commitTarget(nowNs int64, cand *protocol.AssociationCandidate) {
	m.state = protocol.LockLocked
	m.targetIdentity = identity(*cand)
	m.targetID = cand.TrackID
	m.targetBearing = float64Ptr(cand.DoaPeakDeg)
	m.confidence = cand.CombinedScore
	m.stableSinceT = nowNs
	m.lastCommitT = nowNs
}

func (m *Machine) resetToNoLock() {
	m.state = protocol.LockNoLock
	m.targetIdentity = ""
	m.targetID = nil
	m.targetBearing = nil
	m.confidence = 0
	m.stableSinceT = 0
}

// mode derives the steering mode from the current state and, when locked,
// from the target candidate's component scores: AV_LOCK when the locked
// candidate carries both a face and a DOA peak, VISION_ONLY when the DOA
// contribution is weak but face/mouth evidence is strong, AUDIO_ONLY when
// the active candidate is the audio-only fallback, NO_LOCK otherwise.
func (m *Machine) mode(candidates []protocol.AssociationCandidate) protocol.LockMode {
	if m.state == protocol.LockNoLock {
		return protocol.ModeNoLock
	}

	const lowDoa = 0.3
	const strongFace = 0.5

	cand := m.findTarget(candidates)
	if cand == nil {
		if m.targetID == nil {
			return protocol.ModeAudio
		}
		return protocol.ModeVision
	}
	if cand.TrackID == nil {
		return protocol.ModeAudio
	}
	if cand.DoaPeakScore < lowDoa && cand.FaceConfScore >= strongFace && cand.MouthScore >= strongFace {
		return protocol.ModeVision
	}
	return protocol.ModeAVLock
}

func float64Ptr(v float64) *float64 { return &v }
