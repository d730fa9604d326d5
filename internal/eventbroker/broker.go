// Package eventbroker provides the in-process publish/subscribe handle the
// scheduler core treats as an opaque dependency, grounded on the EventBus
// contract in _examples/CrisisTextLine-modular/modules/eventbus (Start/Stop/
// Publish/Subscribe/Unsubscribe, Event = cloudevents.Event, Subscription with
// Topic/ID/Cancel) but delivering synchronously: a scheduler callback such as
// the wakeup coordinator's on_schedule_event handler must not suspend, so
// Publish runs every matching subscriber's handler in the publisher's own
// goroutine before returning.
package eventbroker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/minisource/distsched/internal/events"
)

// Handler processes a delivered event. It must return quickly and must not
// block on the broker itself (no Publish/Subscribe calls from within a
// Handler to the same broker instance, to avoid self-deadlock).
type Handler func(ctx context.Context, evt events.Event)

// Subscription represents a live registration returned by Subscribe. Cancel
// removes it; it is safe to call more than once.
type Subscription interface {
	ID() string
	EventType() string
	Cancel()
}

// Broker is the publish/subscribe contract the scheduler core depends on.
// Any component wiring schedule/job lifecycle notifications out of the
// scheduler implements this interface.
type Broker interface {
	// Start prepares the broker for publishing, per spec.md §4.1 step 2.
	// Safe to call more than once.
	Start(ctx context.Context) error

	// Stop releases broker resources, per spec.md §4.1 step 2's symmetric
	// deferred stop. force is true iff teardown was triggered by an
	// exception rather than a clean shutdown (spec.md §9); a forced stop
	// skips any best-effort delivery a graceful stop would otherwise
	// attempt. Safe to call more than once.
	Stop(ctx context.Context, force bool) error

	// Publish delivers evt to every live subscription registered for
	// evt.Type(), synchronously, in the calling goroutine.
	Publish(ctx context.Context, evt events.Event)

	// Subscribe registers fn to be invoked for every future event whose
	// type equals eventType. An empty eventType subscribes to all events.
	Subscribe(eventType string, fn Handler) Subscription
}

type subscription struct {
	id        string
	eventType string
	fn        Handler
	broker    *LocalBroker
}

func (s *subscription) ID() string        { return s.id }
func (s *subscription) EventType() string { return s.eventType }
func (s *subscription) Cancel() {
	s.broker.remove(s.id)
}

// LocalBroker is an in-process Broker backed by a mutex-guarded slice of
// subscriptions, the Go equivalent of the teacher pack's in-memory event bus
// but without the durable_memory queue: wakeup-path callbacks need
// synchronous, ordered delivery, not a buffered async pipeline.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	order  []string
	closed bool
}

// NewLocalBroker creates an empty in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{subs: make(map[string]*subscription)}
}

// Start marks the broker open for publishing. A LocalBroker has no
// external connection to establish, so this only clears a prior Stop.
func (b *LocalBroker) Start(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = false
	return nil
}

func (b *LocalBroker) Subscribe(eventType string, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscription{id: uuid.NewString(), eventType: eventType, fn: fn, broker: b}
	b.subs[s.id] = s
	b.order = append(b.order, s.id)
	return s
}

func (b *LocalBroker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers evt to every subscriber registered for evt.Type() (or
// registered with an empty eventType), in subscription order, synchronously.
func (b *LocalBroker) Publish(ctx context.Context, evt events.Event) {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.order))
	for _, id := range b.order {
		s, ok := b.subs[id]
		if !ok {
			continue
		}
		if s.eventType == "" || s.eventType == evt.Type() {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		s.fn(ctx, evt)
	}
}

// Stop marks the broker closed. Unlike a broker fronting an external
// transport, a LocalBroker's Publish is a synchronous in-process function
// call with nothing to drain or disconnect, and the Lifecycle Manager's
// shutdown sequence (spec.md §4.1) runs every deferred stop *before*
// publishing the final SchedulerStopped event — so Stop deliberately
// leaves existing subscriptions intact and keeps accepting Publish calls;
// it only flips the bookkeeping flag a subsequent Start clears. force is
// accepted to satisfy the contract; there is nothing for it to change here.
func (b *LocalBroker) Stop(_ context.Context, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

var _ Broker = (*LocalBroker)(nil)
