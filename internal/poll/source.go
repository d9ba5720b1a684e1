// Package poll fetches fresh device snapshots from the transport that fronts
// the devices.
package poll

import (
	"context"
	"errors"

	"github.com/dokzlo13/meterd/internal/device"
)

var (
	// ErrDeviceUnreachable is returned when the transport could not reach the device.
	ErrDeviceUnreachable = errors.New("poll: device unreachable")

	// ErrBadStatus is returned when the gateway answers with a non-success status.
	ErrBadStatus = errors.New("poll: unexpected response status")
)

// Source fetches a fresh snapshot for one device. It is called exactly once
// per tick per device and must honour ctx cancellation.
type Source interface {
	Fetch(ctx context.Context, deviceID string) (device.Snapshot, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, deviceID string) (device.Snapshot, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, deviceID string) (device.Snapshot, error) {
	return f(ctx, deviceID)
}
