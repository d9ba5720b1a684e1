// Package scheduler runs exactly one poll loop per device and fans each poll
// result out to every observer registered for that device.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/device"
	"github.com/dokzlo13/meterd/internal/ledger"
	"github.com/dokzlo13/meterd/internal/poll"
)

var (
	// ErrUnknownDevice is returned when an operation names a device with no registrations.
	ErrUnknownDevice = errors.New("scheduler: unknown device")

	// ErrUnknownObserver is returned by Unregister for an observer that is not registered.
	ErrUnknownObserver = errors.New("scheduler: unknown observer")

	// ErrDuplicateObserver is returned when an observer id is registered twice for one device.
	ErrDuplicateObserver = errors.New("scheduler: observer already registered")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("scheduler: closed")
)

// Options configures a Scheduler.
type Options struct {
	// DefaultInterval is used when the first registration for a device carries no interval.
	DefaultInterval time.Duration

	// ObserverTimeout is the soft deadline handed to each observer callback.
	ObserverTimeout time.Duration

	// StopIdleDevices reference-counts observers and stops a device's loop when
	// the last one unregisters. When false, Unregister is a no-op.
	StopIdleDevices bool

	// Ledger receives timer and poll failure events. Optional.
	Ledger *ledger.Ledger

	// Now overrides the clock used to stamp updates.
	Now func() time.Time
}

// Scheduler owns the per-device poll loops and the observer registry.
type Scheduler struct {
	source poll.Source
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	devices map[string]*deviceEntry
	closed  bool
}

// deviceEntry is the registry row for one device identity. Its mutex
// serializes register/start/unregister for that identity only.
type deviceEntry struct {
	handle *device.Handle

	mu        sync.Mutex
	interval  time.Duration
	observers map[string]*subscription
	running   bool
	removed   bool
	stop      context.CancelFunc
	last      *Update
}

// New creates a scheduler that polls through source.
func New(source poll.Source, opts Options) *Scheduler {
	if opts.DefaultInterval <= 0 {
		opts.DefaultInterval = 2 * time.Minute
	}
	if opts.ObserverTimeout <= 0 {
		opts.ObserverTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		source:  source,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		devices: make(map[string]*deviceEntry),
	}
}

// AddDevice makes a directory handle known to the scheduler so polls update it.
// It does not start polling; that happens on the first Register.
func (s *Scheduler) AddDevice(h *device.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.devices[h.ID()]; !ok {
		s.devices[h.ID()] = newDeviceEntry(h)
	}
	return nil
}

func newDeviceEntry(h *device.Handle) *deviceEntry {
	return &deviceEntry{
		handle:    h,
		observers: make(map[string]*subscription),
	}
}

// entry returns the registry row for deviceID, creating it when create is set.
func (s *Scheduler) entry(deviceID string, create bool) (*deviceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.devices[deviceID]
	if !ok {
		if !create {
			return nil, ErrUnknownDevice
		}
		e = newDeviceEntry(device.NewHandle(deviceID, "", nil))
		s.devices[deviceID] = e
	}
	return e, nil
}

// Register adds obs to the device's observer set and returns the observer id.
// An empty observerID gets a generated one. The first registration for a
// device fixes its poll interval and starts its loop; later intervals are ignored.
// If the device has already been polled, obs immediately receives the last snapshot.
func (s *Scheduler) Register(deviceID, observerID string, obs Observer, interval time.Duration) (string, error) {
	if observerID == "" {
		observerID = uuid.NewString()
	}

	for {
		e, err := s.entry(deviceID, true)
		if err != nil {
			return "", err
		}

		e.mu.Lock()
		if e.removed {
			// Lost a race with the last Unregister; the row is gone, fetch a fresh one.
			e.mu.Unlock()
			continue
		}

		if _, exists := e.observers[observerID]; exists {
			e.mu.Unlock()
			return "", fmt.Errorf("%w: %s on %s", ErrDuplicateObserver, observerID, deviceID)
		}

		if s.ctx.Err() != nil {
			e.mu.Unlock()
			return "", ErrClosed
		}

		sub := newSubscription(deviceID, observerID, obs, s.opts.ObserverTimeout, s.opts.Now())
		e.observers[observerID] = sub
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sub.run(s.ctx)
		}()

		if e.interval == 0 {
			e.interval = interval
		} else if interval != 0 && interval != e.interval {
			log.Debug().
				Str("device", deviceID).
				Str("observer", observerID).
				Dur("requested", interval).
				Dur("active", e.interval).
				Msg("Device already has an interval, keeping the first one")
		}

		if e.last != nil {
			replay := *e.last
			replay.Replay = true
			sub.offer(replay)
		}

		s.startLocked(e)
		e.mu.Unlock()

		log.Debug().
			Str("device", deviceID).
			Str("observer", observerID).
			Msg("Observer registered")
		return observerID, nil
	}
}

// Start ensures the poll loop for deviceID is running. Safe to call repeatedly
// and concurrently; at most one loop ever runs per device.
func (s *Scheduler) Start(deviceID string) error {
	e, err := s.entry(deviceID, false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrUnknownDevice
	}
	s.startLocked(e)
	return nil
}

// startLocked starts the device loop if it is not running. e.mu must be held.
func (s *Scheduler) startLocked(e *deviceEntry) {
	if e.running {
		return
	}
	if e.interval <= 0 {
		e.interval = s.opts.DefaultInterval
	}

	ctx, stop := context.WithCancel(s.ctx)
	e.running = true
	e.stop = stop

	log.Info().
		Str("device", e.handle.ID()).
		Dur("interval", e.interval).
		Msg("Starting device poll loop")
	s.audit(ledger.EventTimerStarted, e.handle.ID(), map[string]any{
		"interval": e.interval.String(),
	})

	s.wg.Add(1)
	go func(interval time.Duration) {
		defer s.wg.Done()
		s.runDevice(ctx, e, interval)
	}(e.interval)
}

// Unregister removes an observer. Unless StopIdleDevices is set this is a
// no-op: a device loop, once started, lives for the rest of the process.
func (s *Scheduler) Unregister(deviceID, observerID string) error {
	if !s.opts.StopIdleDevices {
		log.Debug().
			Str("device", deviceID).
			Str("observer", observerID).
			Msg("Unregister ignored, device loops run for the process lifetime")
		return nil
	}

	e, err := s.entry(deviceID, false)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sub, ok := e.observers[observerID]
	if !ok || e.removed {
		return fmt.Errorf("%w: %s on %s", ErrUnknownObserver, observerID, deviceID)
	}
	delete(e.observers, observerID)
	sub.close()

	if len(e.observers) > 0 {
		return nil
	}

	// Last observer gone: stop the loop and swap in a fresh row so a later
	// registration starts a new loop on the same handle.
	e.removed = true
	if e.running {
		e.stop()
		e.running = false
		s.audit(ledger.EventTimerStopped, deviceID, map[string]any{"reason": "idle"})
		log.Info().Str("device", deviceID).Msg("Last observer left, device poll loop stopped")
	}

	s.mu.Lock()
	if s.devices[deviceID] == e {
		s.devices[deviceID] = newDeviceEntry(e.handle)
	}
	s.mu.Unlock()

	return nil
}

// runDevice is the poll loop for one device: an immediate first tick, then one
// tick per interval until ctx is cancelled.
func (s *Scheduler) runDevice(ctx context.Context, e *deviceEntry, interval time.Duration) {
	var seq uint64

	seq++
	s.tick(ctx, e, seq)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("device", e.handle.ID()).Msg("Device poll loop stopping")
			return
		case <-ticker.C:
			seq++
			s.tick(ctx, e, seq)
		}
	}
}

// tick polls the device once and hands the result to every current observer.
func (s *Scheduler) tick(ctx context.Context, e *deviceEntry, seq uint64) {
	deviceID := e.handle.ID()

	snap, err := s.fetch(ctx, deviceID)
	if ctx.Err() != nil {
		// Cancelled mid-poll: no partial fan-out.
		return
	}

	u := Update{
		DeviceID: deviceID,
		Seq:      seq,
		At:       s.opts.Now(),
	}
	if err != nil {
		u.Stale = true
		u.Err = err
		log.Warn().
			Err(err).
			Str("device", deviceID).
			Uint64("tick", seq).
			Msg("Poll failed, observers get a stale update")
		s.audit(ledger.EventPollFailed, deviceID, map[string]any{
			"tick":  seq,
			"error": err.Error(),
		})
	} else {
		u.Snapshot = snap
		e.handle.Replace(snap, u.At)
	}

	e.mu.Lock()
	if !u.Stale {
		last := u
		e.last = &last
	}
	subs := make([]*subscription, 0, len(e.observers))
	for _, sub := range e.observers {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	for _, sub := range subs {
		sub.offer(u)
	}

	log.Debug().
		Str("device", deviceID).
		Uint64("tick", seq).
		Int("observers", len(subs)).
		Bool("stale", u.Stale).
		Msg("Tick fanned out")
}

// fetch calls the poll source, converting a panic into an error.
func (s *Scheduler) fetch(ctx context.Context, deviceID string) (snap device.Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll source panicked: %v", r)
		}
	}()
	return s.source.Fetch(ctx, deviceID)
}

func (s *Scheduler) audit(eventType ledger.EventType, deviceID string, payload map[string]any) {
	if s.opts.Ledger == nil {
		return
	}
	if err := s.opts.Ledger.Append(eventType, deviceID, payload); err != nil {
		log.Warn().Err(err).Str("device", deviceID).Str("event", string(eventType)).Msg("Failed to append ledger entry")
	}
}

// Close stops every device loop and observer, waiting until they exit or ctx expires.
// In-flight polls are cancelled and their results discarded.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	entries := make([]*deviceEntry, 0, len(s.devices))
	for _, e := range s.devices {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	s.cancel()

	for _, e := range entries {
		e.mu.Lock()
		if e.running {
			e.running = false
			s.audit(ledger.EventTimerStopped, e.handle.ID(), map[string]any{"reason": "shutdown"})
		}
		e.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Scheduler shutdown timed out, some observers may still be running")
		return ctx.Err()
	}
}

// ActiveTimers returns the number of device loops currently running.
func (s *Scheduler) ActiveTimers() int {
	s.mu.Lock()
	entries := make([]*deviceEntry, 0, len(s.devices))
	for _, e := range s.devices {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.running {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// ObserverInfo describes one registration.
type ObserverInfo struct {
	ID           string
	RegisteredAt time.Time
}

// Observers lists the observers registered for a device, ordered by registration time.
func (s *Scheduler) Observers(deviceID string) ([]ObserverInfo, error) {
	e, err := s.entry(deviceID, false)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	infos := make([]ObserverInfo, 0, len(e.observers))
	for id, sub := range e.observers {
		infos = append(infos, ObserverInfo{ID: id, RegisteredAt: sub.registeredAt})
	}
	e.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].RegisteredAt.Equal(infos[j].RegisteredAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].RegisteredAt.Before(infos[j].RegisteredAt)
	})
	return infos, nil
}

// Handle returns the device handle the scheduler updates for deviceID.
func (s *Scheduler) Handle(deviceID string) (*device.Handle, error) {
	e, err := s.entry(deviceID, false)
	if err != nil {
		return nil, err
	}
	return e.handle, nil
}
