package crashlog

import (
	"path/filepath"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crash", "crash.json")
	snap := Snapshot{
		TNs:    42,
		Module: "lock",
		Reason: "impossible state: HANDOFF with nil challenger",
		State: map[string]any{
			"state": "HANDOFF",
		},
	}
	if err := Write(path, snap); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Module != "lock" || got.Reason != snap.Reason {
		t.Errorf("round-trip mismatch: got %+v", got)
	}
	if got.State["state"] != "HANDOFF" {
		t.Errorf("expected state field to round-trip, got %+v", got.State)
	}
}

func TestWriteCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "crash.json")
	if err := Write(path, Snapshot{Module: "doa", Reason: "test"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := Read(path); err != nil {
		t.Fatalf("Read after Write: %v", err)
	}
}

func TestReadMissingFileErrors(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error reading a nonexistent crash file")
	}
}
