package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/meterd/internal/device"
)

// Update is what an observer receives for one tick.
type Update struct {
	DeviceID string
	Seq      uint64 // Tick number within the device loop, starting at 1
	At       time.Time
	Snapshot device.Snapshot // nil when Stale

	// Stale marks a tick whose poll failed; Err holds the reason.
	Stale bool
	Err   error

	// Replay marks the last known snapshot delivered to a newly registered observer.
	Replay bool
}

// Observer consumes updates for one device. Updates for one observer are
// delivered sequentially on the observer's own goroutine; the same snapshot
// instance may be shared with other observers and must not be mutated.
type Observer interface {
	HandleUpdate(ctx context.Context, u Update)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, u Update)

// HandleUpdate calls f.
func (f ObserverFunc) HandleUpdate(ctx context.Context, u Update) {
	f(ctx, u)
}

// subscription is one observer's mailbox and receive loop. The mailbox holds
// a single pending update; a newer tick replaces an undelivered older one so
// a slow observer never holds up the device loop or its peers.
type subscription struct {
	deviceID     string
	id           string
	observer     Observer
	timeout      time.Duration
	registeredAt time.Time

	mailbox chan Update
	sendMu  sync.Mutex
	done    chan struct{}
}

func newSubscription(deviceID, id string, obs Observer, timeout time.Duration, now time.Time) *subscription {
	return &subscription{
		deviceID:     deviceID,
		id:           id,
		observer:     obs,
		timeout:      timeout,
		registeredAt: now,
		mailbox:      make(chan Update, 1),
		done:         make(chan struct{}),
	}
}

// offer queues u without blocking, replacing any update still waiting.
func (s *subscription) offer(u Update) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	select {
	case s.mailbox <- u:
		return
	default:
	}

	select {
	case dropped := <-s.mailbox:
		log.Debug().
			Str("device", s.deviceID).
			Str("observer", s.id).
			Uint64("dropped_tick", dropped.Seq).
			Uint64("tick", u.Seq).
			Msg("Observer behind, replacing undelivered update")
	default:
	}

	select {
	case s.mailbox <- u:
	default:
	}
}

// close stops the receive loop after the update in progress, if any.
func (s *subscription) close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// run delivers updates until ctx is cancelled or the subscription is closed.
func (s *subscription) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case u := <-s.mailbox:
			s.deliver(ctx, u)
		}
	}
}

// deliver invokes the observer with panic recovery and a soft deadline.
func (s *subscription) deliver(ctx context.Context, u Update) {
	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	slow := time.AfterFunc(s.timeout, func() {
		log.Warn().
			Str("device", s.deviceID).
			Str("observer", s.id).
			Uint64("tick", u.Seq).
			Dur("timeout", s.timeout).
			Msg("Observer exceeded its deadline")
	})
	defer slow.Stop()

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("device", s.deviceID).
				Str("observer", s.id).
				Uint64("tick", u.Seq).
				Msg("Observer panicked")
		}
	}()

	s.observer.HandleUpdate(hctx, u)
}
