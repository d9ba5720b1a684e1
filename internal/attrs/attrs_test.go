package attrs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dokzlo13/meterd/internal/device"
	"github.com/dokzlo13/meterd/internal/eventbus"
	"github.com/dokzlo13/meterd/internal/scheduler"
)

type capture struct {
	events []eventbus.Event
}

func (c *capture) Publish(e eventbus.Event) {
	c.events = append(c.events, e)
}

func fresh(seq uint64, snap device.Snapshot) scheduler.Update {
	return scheduler.Update{DeviceID: "lock-1", Seq: seq, At: time.Now(), Snapshot: snap}
}

func TestAttribute_UnavailableUntilSeen(t *testing.T) {
	pub := &capture{}
	a := NewAttribute("lock-1", "keypad_battery", "keypad.power", pub)

	steps := []struct {
		update        scheduler.Update
		wantEvents    int
		wantAvailable bool
		wantValue     any
	}{
		{fresh(1, device.Snapshot{"open": false}), 1, false, nil},
		{fresh(2, device.Snapshot{"keypad": map[string]any{"power": 80.0}}), 2, true, 80.0},
		// Key missing again: keep the last value.
		{fresh(3, device.Snapshot{"open": true}), 3, true, 80.0},
		{scheduler.Update{DeviceID: "lock-1", Seq: 4, Stale: true, Err: errors.New("timeout")}, 3, true, 80.0},
		{fresh(5, device.Snapshot{"keypad": map[string]any{"power": 75.0}}), 4, true, 75.0},
	}

	for i, step := range steps {
		a.HandleUpdate(context.Background(), step.update)
		if len(pub.events) != step.wantEvents {
			t.Fatalf("step %d: %d events, want %d", i, len(pub.events), step.wantEvents)
		}
		st := pub.events[len(pub.events)-1].State
		if st.Available != step.wantAvailable || st.Value != step.wantValue {
			t.Errorf("step %d: state = (%v, available %v), want (%v, %v)", i, st.Value, st.Available, step.wantValue, step.wantAvailable)
		}
		if st.Entity != "keypad_battery" || st.DeviceID != "lock-1" {
			t.Errorf("step %d: published %s/%s", i, st.DeviceID, st.Entity)
		}
	}

	v, seen := a.Value()
	if !seen || v != 75.0 {
		t.Errorf("Value() = %v, %v", v, seen)
	}
}

func TestAttribute_DefaultsKeyToEntity(t *testing.T) {
	pub := &capture{}
	a := NewAttribute("lock-1", "power", "", pub)
	a.HandleUpdate(context.Background(), fresh(1, device.Snapshot{"power": 42.0}))

	if got := pub.events[0].State.Value; got != 42.0 {
		t.Errorf("value = %v, want 42", got)
	}
}

func TestStatus(t *testing.T) {
	pub := &capture{}
	s := NewStatus("plug-1", pub)

	s.HandleUpdate(context.Background(), fresh(1, device.Snapshot{}))
	s.HandleUpdate(context.Background(), scheduler.Update{DeviceID: "plug-1", Seq: 2, Stale: true, Err: errors.New("connection refused")})

	if len(pub.events) != 2 {
		t.Fatalf("got %d events, want 2", len(pub.events))
	}
	online, offline := pub.events[0].State, pub.events[1].State
	if !online.Available || online.Value != StatusOnline {
		t.Errorf("fresh update published %v (available %v)", online.Value, online.Available)
	}
	if offline.Available || offline.Value != StatusUnreachable {
		t.Errorf("stale update published %v (available %v)", offline.Value, offline.Available)
	}
	if offline.Attributes["error"] != "connection refused" {
		t.Errorf("error attribute = %v", offline.Attributes["error"])
	}
}
