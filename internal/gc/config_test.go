package gc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestTunables_ValidateRejectsBadSchemaMajor(t *testing.T) {
	tun := DefaultTunables()
	tun.SchemaVersion = "2.0.0"
	if err := tun.validate(); err == nil {
		t.Fatal("validate should reject a schema major version this build doesn't understand")
	}
}

func TestTunables_ValidateRejectsNonPowerOfTwoRegionSize(t *testing.T) {
	tun := DefaultTunables()
	tun.RegionSizeBytes = 3 << 20
	if err := tun.validate(); err == nil {
		t.Fatal("validate should reject a non-power-of-two region size")
	}
}

func TestTunables_ValidateRejectsNonPositiveWorkerCount(t *testing.T) {
	tun := DefaultTunables()
	tun.ParallelWorkers = 0
	if err := tun.validate(); err == nil {
		t.Fatal("validate should reject zero parallel workers")
	}
}

func TestTunables_ValidateAcceptsDefaults(t *testing.T) {
	tun := DefaultTunables()
	if err := tun.validate(); err != nil {
		t.Fatalf("DefaultTunables() should validate cleanly: %v", err)
	}
}

func TestLoadTunables_ReadsAndOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.json")
	data, err := json.Marshal(map[string]interface{}{
		"schema_version": "1.0.0",
		"max_pause_millis": 123,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	tun, err := LoadTunables(path)
	if err != nil {
		t.Fatalf("LoadTunables: %v", err)
	}
	if tun.MaxPauseMillis != 123 {
		t.Fatalf("MaxPauseMillis = %d, want 123 (from the file)", tun.MaxPauseMillis)
	}
	if tun.RegionSizeBytes != DefaultTunables().RegionSizeBytes {
		t.Fatalf("RegionSizeBytes = %d, want the default (field not present in the file)", tun.RegionSizeBytes)
	}
}

func TestLoadTunables_RejectsInvalidOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.json")
	data := []byte(`{"schema_version": "1.0.0", "region_size_bytes": 12345}`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if _, err := LoadTunables(path); err == nil {
		t.Fatal("LoadTunables should reject a non-power-of-two region_size_bytes override")
	}
}
