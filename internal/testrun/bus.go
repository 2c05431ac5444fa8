package testrun

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 64

// Event is a state transition of a test run.
type Event struct {
	RunID string
	Label string
	Old   State
	New   State
	At    time.Time
	// Result is set for transitions to a terminal state.
	Result *Result
}

// Bus fans lifecycle events out to subscriptions. An event which does not
// fit into the buffer of a subscription is dropped for that subscription,
// except for terminal events sent to a subscription made by SubscribeResults:
// those wait until there is a room or the subscription is closed.
type Bus struct {
	subs    sync.Map // id -> *Subscription
	nextID  atomic.Uint64
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscription with the given buffer size,
// values < 1 mean DefaultBufferSize.
func (b *Bus) Subscribe(buffer int) *Subscription {
	return b.subscribe(buffer, false)
}

// SubscribeResults is like Subscribe, but events carrying a Result are never
// dropped. The subscriber must keep reading until it calls Close, as a full
// subscription blocks the publishing worker.
func (b *Bus) SubscribeResults(buffer int) *Subscription {
	return b.subscribe(buffer, true)
}

func (b *Bus) subscribe(buffer int, results bool) *Subscription {
	if buffer < 1 {
		buffer = DefaultBufferSize
	}
	sub := &Subscription{
		id:      b.nextID.Add(1),
		bus:     b,
		results: results,
		ch:      make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	b.subs.Store(sub.id, sub)
	return sub
}

func (b *Bus) Publish(ctx context.Context, e Event) {
	b.subs.Range(func(_, v any) bool {
		sub := v.(*Subscription)
		if !sub.send(e) {
			b.dropped.Add(1)
			slog.WarnContext(ctx, "event dropped: subscription is full or closed",
				"subscription", sub.id,
				"run_id", e.RunID,
				"state", e.New.String(),
			)
		}
		return true
	})
}

// Dropped returns the number of events not delivered so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

type Subscription struct {
	id      uint64
	bus     *Bus
	results bool
	mx      sync.RWMutex
	closed  bool
	ch      chan Event
	// done unblocks senders waiting for a room, before Close takes mx
	done     chan struct{}
	doneOnce sync.Once
}

// C returns the channel of events, it is closed by Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) Close() {
	s.bus.subs.Delete(s.id)
	s.doneOnce.Do(func() { close(s.done) })
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *Subscription) send(e Event) bool {
	s.mx.RLock()
	defer s.mx.RUnlock()
	if s.closed {
		return false
	}
	if s.results && e.Result != nil {
		select {
		case s.ch <- e:
			return true
		case <-s.done:
			return false
		}
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}
