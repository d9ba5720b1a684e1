package sink

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/eventbus"
)

// Log writes every entity state to the application log.
type Log struct{}

// NewLog creates a log sink.
func NewLog() *Log { return &Log{} }

// Name implements Sink.
func (l *Log) Name() string { return "log" }

// Handle implements Sink.
func (l *Log) Handle(event eventbus.Event) {
	st := event.State
	e := log.Info()
	if !st.Available {
		e = log.Debug()
	}
	e.Str("device", st.DeviceID).
		Str("entity", st.Entity).
		Interface("value", st.Value).
		Bool("available", st.Available).
		Fields(st.Attributes).
		Msg("Entity state")
}

// Close implements Sink.
func (l *Log) Close(ctx context.Context) error { return nil }
