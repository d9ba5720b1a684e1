package device

import (
	"context"

	"github.com/dokzlo13/meterd/internal/config"
)

// Directory enumerates the devices known at start-up.
type Directory interface {
	Devices(ctx context.Context) ([]*Handle, error)
}

// StaticDirectory is a Directory backed by the configuration file.
type StaticDirectory struct {
	handles []*Handle
}

// NewStaticDirectory builds handles for every configured device.
func NewStaticDirectory(devices []config.DeviceConfig) *StaticDirectory {
	handles := make([]*Handle, 0, len(devices))
	for _, dev := range devices {
		handles = append(handles, NewHandle(dev.ID, dev.Name, Snapshot(dev.Initial)))
	}
	return &StaticDirectory{handles: handles}
}

// Devices returns the configured device handles.
func (d *StaticDirectory) Devices(ctx context.Context) ([]*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*Handle, len(d.handles))
	copy(out, d.handles)
	return out, nil
}
