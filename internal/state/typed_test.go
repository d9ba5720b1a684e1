package state

import (
	"path/filepath"
	"testing"

	"github.com/dokzlo13/meterd/internal/db"
)

type checkpoint struct {
	Total float64 `json:"total"`
	Date  string  `json:"date"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewStore(database.DB)
}

func TestTyped_SaveLoad(t *testing.T) {
	store := newTestStore(t)
	energy := NewTyped[checkpoint](store, "energy")

	if _, found, err := energy.Load("plug-1"); found || err != nil {
		t.Fatalf("Load() before Save = found %v, err %v", found, err)
	}

	if err := energy.Save("plug-1", checkpoint{Total: 1.5, Date: "2026-05-04"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := energy.Save("plug-1", checkpoint{Total: 1.75, Date: "2026-05-04"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, found, err := energy.Load("plug-1")
	if err != nil || !found {
		t.Fatalf("Load() = found %v, err %v", found, err)
	}
	if got.Total != 1.75 {
		t.Errorf("Total = %v, want 1.75", got.Total)
	}

	if rec, _, _ := store.Get("energy", "plug-1"); rec.Version != 2 {
		t.Errorf("version = %d, want 2", rec.Version)
	}
}

func TestTyped_KindsAreSeparate(t *testing.T) {
	store := newTestStore(t)
	energy := NewTyped[checkpoint](store, "energy")
	other := NewTyped[checkpoint](store, "other")

	_ = energy.Save("plug-1", checkpoint{Total: 1})
	_ = energy.Save("plug-2", checkpoint{Total: 2})
	_ = other.Save("plug-1", checkpoint{Total: 9})

	all, err := energy.All()
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(all) != 2 || all["plug-2"].Total != 2 {
		t.Errorf("All() = %v", all)
	}

	if err := energy.Forget("plug-1"); err != nil {
		t.Fatalf("Forget() error = %v", err)
	}
	if err := energy.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if all, _ := energy.All(); len(all) != 0 {
		t.Errorf("All() after Clear = %v, want empty", all)
	}
	if got, found, _ := other.Load("plug-1"); !found || got.Total != 9 {
		t.Errorf("other kind lost its value: %v found=%v", got, found)
	}
}
