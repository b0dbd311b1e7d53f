package beamform

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/rilical/focusfield/internal/protocol"
)

// Sink consumes EnhancedAudio blocks published on audio.enhanced.beamformed.
// A closed set of variants, chosen once at startup: VirtualMicSink (an
// external collaborator's responsibility, out of scope per the module's
// purpose) and FileSink (a real, testable implementation below).
type Sink interface {
	Write(protocol.EnhancedAudio) error
	Close() error
}

// VirtualMicSink is satisfied by whatever OS virtual-mic plumbing the host
// process wires in; FocusField only depends on this interface, never on a
// concrete virtual-mic implementation.
type VirtualMicSink interface {
	Sink
}

// FileSink writes raw little-endian float32 PCM, one EnhancedAudio block
// after another, to a file on disk. Same direct-to-file writer shape as
// store.go's Backup method.
type FileSink struct {
	f *os.File
}

// NewFileSink creates (or truncates) path and returns a FileSink writing to
// it.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("beamform: create sink file %s: %w", path, err)
	}
	return &FileSink{f: f}, nil
}

// Write appends one block's samples as raw little-endian float32 PCM.
func (s *FileSink) Write(a protocol.EnhancedAudio) error {
	buf := make([]byte, 4*len(a.Samples))
	for i, v := range a.Samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	_, err := s.f.Write(buf)
	return err
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	return s.f.Close()
}
