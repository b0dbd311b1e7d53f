package beamform

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rilical/focusfield/internal/protocol"
)

func TestFileSinkWritesRawFloat32PCM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcm")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	block := protocol.EnhancedAudio{Samples: []float32{0.5, -0.25, 1.0}}
	if err := sink.Write(block); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) != 12 {
		t.Fatalf("expected 12 bytes for 3 float32 samples, got %d", len(data))
	}
	for i, want := range block.Samples {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		got := math.Float32frombits(bits)
		if got != want {
			t.Errorf("sample %d: got %v want %v", i, got, want)
		}
	}
}
