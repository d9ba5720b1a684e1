// Package sink forwards published entity states to the presentation layer:
// an in-memory cache served over HTTP, the log, MQTT, InfluxDB and Kafka.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dokzlo13/meterd/internal/eventbus"
)

var (
	// ErrNotConnected is returned when a sink's transport is down.
	ErrNotConnected = errors.New("sink: not connected")

	// ErrConnectionFailed is returned when a sink cannot reach its backend on start.
	ErrConnectionFailed = errors.New("sink: connection failed")

	// ErrPublishFailed is returned when a state could not be handed to the backend.
	ErrPublishFailed = errors.New("sink: publish failed")
)

// Sink receives every published entity state from the event bus.
type Sink interface {
	Name() string
	Handle(event eventbus.Event)
	Close(ctx context.Context) error
}

// Payload is the wire form of an entity state.
type Payload struct {
	Device     string         `json:"device"`
	Entity     string         `json:"entity"`
	Value      any            `json:"value"`
	Available  bool           `json:"available"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewPayload converts an entity state to its wire form.
func NewPayload(st eventbus.State) Payload {
	return Payload{
		Device:     st.DeviceID,
		Entity:     st.Entity,
		Value:      st.Value,
		Available:  st.Available,
		Attributes: st.Attributes,
		Timestamp:  st.At.UTC(),
	}
}

// Marshal encodes an entity state as JSON.
func Marshal(st eventbus.State) ([]byte, error) {
	return json.Marshal(NewPayload(st))
}
