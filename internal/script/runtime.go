// Package script runs a user Lua script as a scheduler observer. All Lua
// execution happens on a single worker goroutine.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/meterd/internal/eventbus"
	"github.com/dokzlo13/meterd/internal/kv"
	"github.com/dokzlo13/meterd/internal/script/modules"
)

// ErrRuntimeClosed is returned when the Lua runtime is closed
var ErrRuntimeClosed = errors.New("lua runtime closed")

// HandlerName is the global function a script defines to receive updates.
const HandlerName = "on_update"

// LuaWork represents work to be executed on the Lua VM
// All Lua execution MUST go through this to ensure thread safety
type LuaWork func(ctx context.Context)

// Runtime manages the Lua VM with single-threaded execution
type Runtime struct {
	L         *lua.LState
	publisher eventbus.Publisher

	// Device whose update is being handled; publish() targets it.
	// Only touched on the worker goroutine.
	current string
	at      time.Time

	// Work queue for thread-safe Lua execution
	workQueue chan LuaWork

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	closing   chan struct{}
	done      chan struct{}
}

// NewRuntime creates a new Lua runtime publishing through publisher
func NewRuntime(publisher eventbus.Publisher) *Runtime {
	r := &Runtime{
		L:         lua.NewState(),
		publisher: publisher,
		workQueue: make(chan LuaWork, 100),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	r.registerModules()

	return r
}

// registerModules registers the log module and the publish global
func (r *Runtime) registerModules() {
	r.L.PreloadModule("log", modules.NewLogModule().Loader)
	r.L.SetGlobal("publish", r.L.NewFunction(r.publish))
}

// UseKV makes bucket available to scripts as require("kv").
// Must be called before the script is loaded.
func (r *Runtime) UseKV(bucket *kv.Bucket) {
	r.L.PreloadModule("kv", modules.NewKVModule(bucket).Loader)
}

// publish(entity, value, attributes?) publishes an entity state for the
// device whose update is being handled.
func (r *Runtime) publish(L *lua.LState) int {
	entity := L.CheckString(1)
	value := modules.LuaToGo(L.Get(2))

	if r.current == "" {
		L.RaiseError("publish called outside %s", HandlerName)
		return 0
	}

	var attrs map[string]any
	if tbl, ok := L.Get(3).(*lua.LTable); ok {
		attrs = modules.LuaTableToMap(tbl)
	}

	r.publisher.Publish(eventbus.Event{
		Type: eventbus.EventTypeState,
		State: eventbus.State{
			DeviceID:   r.current,
			Entity:     entity,
			Value:      value,
			Available:  value != nil,
			Attributes: attrs,
			At:         r.at,
		},
	})
	return 0
}

// LoadScript loads and executes a Lua file (must be called before Run)
func (r *Runtime) LoadScript(path string) error {
	log.Info().Str("path", path).Msg("Loading Lua script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}
	return r.checkHandler()
}

// LoadString loads and executes Lua source (must be called before Run)
func (r *Runtime) LoadString(source string) error {
	if err := r.L.DoString(source); err != nil {
		return fmt.Errorf("failed to execute Lua script: %w", err)
	}
	return r.checkHandler()
}

func (r *Runtime) checkHandler() error {
	if _, ok := r.L.GetGlobal(HandlerName).(*lua.LFunction); !ok {
		return fmt.Errorf("lua script does not define %s(device, snapshot)", HandlerName)
	}
	log.Info().Msg("Lua script loaded successfully")
	return nil
}

// Start launches the Lua worker goroutine. It does nothing after Close or
// when the worker is already running.
func (r *Runtime) Start(ctx context.Context) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	go r.run(ctx)
}

// Close stops accepting new work, waits for the worker to exit if it was
// started, then closes the Lua state.
func (r *Runtime) Close() {
	r.lifecycle.Lock()
	if r.stopped {
		r.lifecycle.Unlock()
		return
	}
	r.stopped = true
	close(r.closing)
	started := r.started
	r.lifecycle.Unlock()

	if started {
		<-r.done
	}
	r.L.Close()
}

// DoSyncWithResult queues work and waits for its result. The Lua VM runs the
// work under ctx, so a script still executing when ctx expires is aborted.
// Work whose ctx has expired before the worker reaches it is skipped.
func (r *Runtime) DoSyncWithResult(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	wrapped := LuaWork(func(workerCtx context.Context) {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}

		callCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(workerCtx, cancel)
		defer stop()

		r.L.SetContext(callCtx)
		defer r.L.SetContext(workerCtx)
		done <- work(callCtx)
	})

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case r.workQueue <- wrapped:
	}

	select {
	case <-r.closing:
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// run is the worker loop, the ONLY goroutine that touches Lua.
// Exits when ctx is cancelled or the runtime is closed.
func (r *Runtime) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.closing:
			return
		case work := <-r.workQueue:
			r.executeWork(ctx, work)
		}
	}
}

// executeWork runs a single work item with panic recovery
func (r *Runtime) executeWork(ctx context.Context, work LuaWork) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Msg("Lua work panicked - worker continuing")
		}
	}()
	r.L.SetContext(ctx)
	work(ctx)
}

// callHandler invokes on_update for one device. Worker goroutine only.
func (r *Runtime) callHandler(deviceID string, at time.Time, deviceTbl, snapshot lua.LValue) error {
	fn, ok := r.L.GetGlobal(HandlerName).(*lua.LFunction)
	if !ok {
		return fmt.Errorf("%s is not defined", HandlerName)
	}

	r.current, r.at = deviceID, at
	defer func() { r.current, r.at = "", time.Time{} }()

	return r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, deviceTbl, snapshot)
}
