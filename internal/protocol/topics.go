// Package protocol defines the message types and topic names exchanged on
// the Bus between FocusField's fusion components.
package protocol

// Topic names used with bus.Subscribe / bus.Publish. Input topics are
// produced by external collaborators (capture adapters, face tracker,
// VAD); output topics are produced by the core.
const (
	// Input topics.
	TopicAudioFrames = "audio.frames"
	TopicVAD         = "audio.vad"
	TopicFaceTracks  = "vision.face_tracks"

	// Output topics.
	TopicDoaHeatmap = "audio.doa_heatmap"
	TopicCandidates = "fusion.candidates"
	TopicTargetLock = "fusion.target_lock"
	TopicEnhanced   = "audio.enhanced.beamformed"

	// Diagnostic topics.
	TopicLogEvents     = "log.events"
	TopicRuntimeHealth = "runtime.health"
	TopicPerf          = "runtime.perf"
)
