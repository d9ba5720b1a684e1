package script

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/meterd/internal/scheduler"
	"github.com/dokzlo13/meterd/internal/script/modules"
)

// Observer hands every update for one device to the script's on_update.
type Observer struct {
	runtime    *Runtime
	deviceID   string
	deviceName string
}

// NewObserver creates a scheduler observer backed by runtime.
func NewObserver(runtime *Runtime, deviceID, deviceName string) *Observer {
	return &Observer{runtime: runtime, deviceID: deviceID, deviceName: deviceName}
}

// HandleUpdate implements scheduler.Observer. It blocks until the script
// returns or ctx expires.
func (o *Observer) HandleUpdate(ctx context.Context, u scheduler.Update) {
	err := o.runtime.DoSyncWithResult(ctx, func(context.Context) error {
		L := o.runtime.L

		dev := L.NewTable()
		dev.RawSetString("id", lua.LString(o.deviceID))
		dev.RawSetString("name", lua.LString(o.deviceName))
		dev.RawSetString("tick", lua.LNumber(u.Seq))
		dev.RawSetString("at", lua.LNumber(u.At.Unix()))
		dev.RawSetString("stale", lua.LBool(u.Stale))
		dev.RawSetString("replay", lua.LBool(u.Replay))
		if u.Err != nil {
			dev.RawSetString("error", lua.LString(u.Err.Error()))
		}

		var snap lua.LValue = lua.LNil
		if u.Snapshot != nil {
			snap = modules.MapToLuaTable(L, map[string]any(u.Snapshot))
		}

		at := u.At
		if at.IsZero() {
			at = time.Now()
		}
		return o.runtime.callHandler(o.deviceID, at, dev, snap)
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("device", o.deviceID).
			Uint64("tick", u.Seq).
			Msg("Lua on_update failed")
	}
}
