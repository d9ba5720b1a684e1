package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dokzlo13/meterd/internal/db"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestLedger_AppendAndQuery(t *testing.T) {
	l := newTestLedger(t)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_ = l.Append(EventTimerStarted, "plug-1", map[string]any{"interval": "2m0s"})
	now = now.Add(time.Minute)
	_ = l.Append(EventPollFailed, "plug-1", map[string]any{"error": "timeout"})
	_ = l.Append(EventTimerStarted, "lock-1", nil)

	entries, err := l.GetByDevice("plug-1", 10)
	if err != nil {
		t.Fatalf("GetByDevice() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("GetByDevice() returned %d entries, want 2", len(entries))
	}
	if entries[0].EventType != EventPollFailed || entries[0].Payload["error"] != "timeout" {
		t.Errorf("newest entry = %+v", entries[0])
	}
	if !entries[0].Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", entries[0].Timestamp, now)
	}

	started, err := l.GetByType(EventTimerStarted, 10)
	if err != nil {
		t.Fatalf("GetByType() error = %v", err)
	}
	if len(started) != 2 {
		t.Fatalf("GetByType() returned %d entries, want 2", len(started))
	}
	if started[0].DeviceID != "lock-1" || started[0].Payload != nil {
		t.Errorf("newest started = %+v, want lock-1 without payload", started[0])
	}
}

func TestLedger_DeleteOlderThan(t *testing.T) {
	l := newTestLedger(t)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_ = l.Append(EventTimerStarted, "plug-1", nil)
	now = now.Add(48 * time.Hour)
	_ = l.Append(EventTimerStopped, "plug-1", nil)

	deleted, err := l.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	entries, _ := l.GetByDevice("plug-1", 10)
	if len(entries) != 1 || entries[0].EventType != EventTimerStopped {
		t.Errorf("remaining entries = %+v", entries)
	}
}
