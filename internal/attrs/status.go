package attrs

import (
	"context"

	"github.com/dokzlo13/meterd/internal/eventbus"
	"github.com/dokzlo13/meterd/internal/scheduler"
)

// StatusEntity is the entity name of the device reachability state.
const StatusEntity = "status"

// Status values.
const (
	StatusOnline      = "online"
	StatusUnreachable = "unreachable"
)

// Status publishes whether the last poll of a device succeeded.
type Status struct {
	deviceID  string
	publisher eventbus.Publisher
}

// NewStatus creates a reachability observer for deviceID.
func NewStatus(deviceID string, publisher eventbus.Publisher) *Status {
	return &Status{deviceID: deviceID, publisher: publisher}
}

// HandleUpdate implements scheduler.Observer.
func (s *Status) HandleUpdate(ctx context.Context, u scheduler.Update) {
	st := eventbus.State{
		DeviceID:   s.deviceID,
		Entity:     StatusEntity,
		Value:      StatusOnline,
		Available:  true,
		Attributes: map[string]any{"tick": u.Seq},
		At:         u.At,
	}
	if u.Stale {
		st.Value = StatusUnreachable
		st.Available = false
		if u.Err != nil {
			st.Attributes["error"] = u.Err.Error()
		}
	}
	s.publisher.Publish(eventbus.Event{Type: eventbus.EventTypeState, State: st})
}
