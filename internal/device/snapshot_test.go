package device

import "testing"

func TestSnapshotLookup(t *testing.T) {
	snap := Snapshot{
		"power": 87,
		"keypad": map[string]any{
			"power": 55,
		},
		"device_params": map[string]any{
			"electricity": map[string]any{"level": 3},
		},
	}

	tests := []struct {
		name  string
		path  string
		want  any
		found bool
	}{
		{name: "top_level", path: "power", want: 87, found: true},
		{name: "nested", path: "keypad.power", want: 55, found: true},
		{name: "deeply_nested", path: "device_params.electricity.level", want: 3, found: true},
		{name: "missing_top", path: "rssi", found: false},
		{name: "missing_nested", path: "keypad.rssi", found: false},
		{name: "through_scalar", path: "power.level", found: false},
		{name: "empty_path", path: "", found: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := snap.Lookup(tt.path)
			if ok != tt.found {
				t.Fatalf("Lookup(%q) found = %v, want %v", tt.path, ok, tt.found)
			}
			if ok && got != tt.want {
				t.Errorf("Lookup(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestSnapshotLookup_Nil(t *testing.T) {
	var snap Snapshot
	if _, ok := snap.Lookup("power"); ok {
		t.Error("nil snapshot should not resolve any key")
	}
}

func TestHandleReplace(t *testing.T) {
	h := NewHandle("AA:BB", "", Snapshot{"power": 1})
	if h.Name() != "AA:BB" {
		t.Errorf("Name() = %q, want id fallback", h.Name())
	}

	snap, at := h.Snapshot()
	if snap["power"] != 1 || !at.IsZero() {
		t.Errorf("initial snapshot = %v at %v", snap, at)
	}

	next := Snapshot{"rssi": -50}
	h.Replace(next, at.AddDate(2020, 0, 0))
	snap, at = h.Snapshot()
	if _, ok := snap["power"]; ok {
		t.Error("Replace should swap the snapshot wholesale, old keys must be gone")
	}
	if snap["rssi"] != -50 || at.IsZero() {
		t.Errorf("replaced snapshot = %v at %v", snap, at)
	}
}
