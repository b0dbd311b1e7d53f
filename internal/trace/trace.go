// Package trace implements the newline-delimited-JSON wire format used for
// persisted logs and bench-replay traces: one JSON record per line, angles
// wrapped to [0,360) before serialization, timestamps as integer
// nanoseconds. encoding/json is used consistently here for everything
// persisted or printed (cli.go's settings dump, store.go's details_json
// columns use the same package) rather than a third-party serialization
// format.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/rilical/focusfield/internal/protocol"
)

// Kind identifies which message type a Record carries, so a single NDJSON
// stream can interleave every topic the core publishes.
type Kind string

const (
	KindAudioFrame    Kind = "audio_frame"
	KindVAD           Kind = "voice_activity"
	KindFaceTrack     Kind = "face_track"
	KindDoaHeatmap    Kind = "doa_heatmap"
	KindCandidates    Kind = "candidates"
	KindTargetLock    Kind = "target_lock"
	KindEnhancedAudio Kind = "enhanced_audio"
	KindLogEvent      Kind = "log_event"
)

// Record is one NDJSON line: a kind tag plus the raw payload, deferring
// payload decoding until the caller knows which Go type to unmarshal into.
type Record struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// wrapAngle normalizes deg to [0,360), matching the core-wide angle-wrap
// invariant.
func wrapAngle(deg float64) float64 {
	w := math.Mod(deg, 360)
	if w < 0 {
		w += 360
	}
	return w
}

// Writer appends Records to an underlying io.Writer, one JSON object per
// line.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w for buffered NDJSON output. Callers must call Flush
// when done.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Flush writes any buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

func (w *Writer) writeRecord(kind Kind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("trace: marshal %s payload: %w", kind, err)
	}
	rec := Record{Kind: kind, Payload: raw}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("trace: marshal record: %w", err)
	}
	if _, err := w.w.Write(line); err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

// WriteAudioFrame appends one AudioFrame record.
func (w *Writer) WriteAudioFrame(f protocol.AudioFrame) error {
	return w.writeRecord(KindAudioFrame, f)
}

// WriteVAD appends one VoiceActivity record.
func (w *Writer) WriteVAD(v protocol.VoiceActivity) error {
	return w.writeRecord(KindVAD, v)
}

// WriteFaceTrack appends one FaceTrack record.
func (w *Writer) WriteFaceTrack(f protocol.FaceTrack) error {
	f.BearingDeg = wrapAngle(f.BearingDeg)
	return w.writeRecord(KindFaceTrack, f)
}

// WriteDoaHeatmap appends one DoaHeatmap record. Peak angles are wrapped to
// [0,360) before serialization.
func (w *Writer) WriteDoaHeatmap(h protocol.DoaHeatmap) error {
	wrapped := h
	wrapped.Peaks = make([]protocol.DoaPeak, len(h.Peaks))
	for i, p := range h.Peaks {
		wrapped.Peaks[i] = protocol.DoaPeak{AngleDeg: wrapAngle(p.AngleDeg), Score: p.Score}
	}
	return w.writeRecord(KindDoaHeatmap, wrapped)
}

// WriteCandidates appends one CandidateBatch record as a single line.
func (w *Writer) WriteCandidates(batch protocol.CandidateBatch) error {
	wrapped := batch
	wrapped.Candidates = make([]protocol.AssociationCandidate, len(batch.Candidates))
	for i, c := range batch.Candidates {
		c.DoaPeakDeg = wrapAngle(c.DoaPeakDeg)
		wrapped.Candidates[i] = c
	}
	return w.writeRecord(KindCandidates, wrapped)
}

// WriteTargetLock appends one TargetLock record.
func (w *Writer) WriteTargetLock(l protocol.TargetLock) error {
	if l.TargetBearingDeg != nil {
		wrapped := wrapAngle(*l.TargetBearingDeg)
		l.TargetBearingDeg = &wrapped
	}
	return w.writeRecord(KindTargetLock, l)
}

// WriteEnhancedAudio appends one EnhancedAudio record.
func (w *Writer) WriteEnhancedAudio(a protocol.EnhancedAudio) error {
	return w.writeRecord(KindEnhancedAudio, a)
}

// WriteLogEvent appends one LogEvent record.
func (w *Writer) WriteLogEvent(e protocol.LogEvent) error {
	return w.writeRecord(KindLogEvent, e)
}

// Reader decodes Records from an underlying NDJSON stream.
type Reader struct {
	sc *bufio.Scanner
}

// NewReader wraps r for reading NDJSON records one line at a time. The
// scanner's buffer grows to accommodate heatmap lines (hundreds of bins).
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &Reader{sc: sc}
}

// Next decodes the next Record, or returns io.EOF once the stream is
// exhausted.
func (r *Reader) Next() (Record, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return Record{}, err
		}
		return Record{}, io.EOF
	}
	var rec Record
	if err := json.Unmarshal(r.sc.Bytes(), &rec); err != nil {
		return Record{}, fmt.Errorf("trace: decode record: %w", err)
	}
	return rec, nil
}

// DecodeDoaHeatmap decodes a Record of KindDoaHeatmap's payload.
func DecodeDoaHeatmap(rec Record) (protocol.DoaHeatmap, error) {
	var h protocol.DoaHeatmap
	if rec.Kind != KindDoaHeatmap {
		return h, fmt.Errorf("trace: record kind %q is not %q", rec.Kind, KindDoaHeatmap)
	}
	if err := json.Unmarshal(rec.Payload, &h); err != nil {
		return h, fmt.Errorf("trace: decode doa_heatmap payload: %w", err)
	}
	return h, nil
}

// DecodeTargetLock decodes a Record of KindTargetLock's payload.
func DecodeTargetLock(rec Record) (protocol.TargetLock, error) {
	var l protocol.TargetLock
	if rec.Kind != KindTargetLock {
		return l, fmt.Errorf("trace: record kind %q is not %q", rec.Kind, KindTargetLock)
	}
	if err := json.Unmarshal(rec.Payload, &l); err != nil {
		return l, fmt.Errorf("trace: decode target_lock payload: %w", err)
	}
	return l, nil
}

// DecodeCandidates decodes a Record of KindCandidates' payload.
func DecodeCandidates(rec Record) (protocol.CandidateBatch, error) {
	var batch protocol.CandidateBatch
	if rec.Kind != KindCandidates {
		return batch, fmt.Errorf("trace: record kind %q is not %q", rec.Kind, KindCandidates)
	}
	if err := json.Unmarshal(rec.Payload, &batch); err != nil {
		return batch, fmt.Errorf("trace: decode candidates payload: %w", err)
	}
	return batch, nil
}

// DecodeEnhancedAudio decodes a Record of KindEnhancedAudio's payload.
func DecodeEnhancedAudio(rec Record) (protocol.EnhancedAudio, error) {
	var a protocol.EnhancedAudio
	if rec.Kind != KindEnhancedAudio {
		return a, fmt.Errorf("trace: record kind %q is not %q", rec.Kind, KindEnhancedAudio)
	}
	if err := json.Unmarshal(rec.Payload, &a); err != nil {
		return a, fmt.Errorf("trace: decode enhanced_audio payload: %w", err)
	}
	return a, nil
}
