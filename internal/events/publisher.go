package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Subscriber consumes dispatched events. Handlers must not block for long;
// they run on the caller's goroutine.
type Subscriber interface {
	Handle(ctx context.Context, evt Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, evt Event) error

// Handle calls f.
func (f SubscriberFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// Publisher receives the events returned by domain operations.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event)
}

var (
	_ Publisher = (*Dispatcher)(nil)
	_ Publisher = (*Recorder)(nil)
	_ Publisher = Discard{}
)

// Dispatcher fans events out to subscribers in registration order. A failing
// subscriber is logged and does not stop delivery to the others.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers []Subscriber
}

// NewDispatcher creates a dispatcher with the given subscribers.
func NewDispatcher(subs ...Subscriber) *Dispatcher {
	return &Dispatcher{subscribers: subs}
}

// Subscribe adds a subscriber.
func (d *Dispatcher) Subscribe(sub Subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

// Publish delivers each event to every subscriber.
func (d *Dispatcher) Publish(ctx context.Context, evts ...Event) {
	d.mu.RLock()
	subs := make([]Subscriber, len(d.subscribers))
	copy(subs, d.subscribers)
	d.mu.RUnlock()

	for _, evt := range evts {
		for _, sub := range subs {
			if err := sub.Handle(ctx, evt); err != nil {
				h := evt.EventHeader()
				log.Error().Err(err).
					Str("event_id", h.ID.String()).
					Str("event_type", string(h.Type)).
					Msg("Event subscriber failed")
			}
		}
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish appends the events.
func (r *Recorder) Publish(_ context.Context, evts ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evts...)
}

// Handle lets a Recorder be registered as a Subscriber.
func (r *Recorder) Handle(ctx context.Context, evt Event) error {
	r.Publish(ctx, evt)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of one type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.EventHeader().Type == t {
			out = append(out, evt)
		}
	}
	return out
}

// Reset drops everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Discard drops all events.
type Discard struct{}

// Publish does nothing.
func (Discard) Publish(context.Context, ...Event) {}
