package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc handles one event. A returned error is logged, never
// propagated back to the emitter.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus fans events out to named subscribers. Connection state changes,
// unsolicited server output and roster changes travel through it to the
// journal, telemetry and console.
//
// A nil *EventBus is valid and drops everything, so components can be built
// without one in tests.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]subscriber
	stopCh   chan struct{}
	stopped  bool
	inflight sync.WaitGroup
}

type subscriber struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]subscriber),
		stopCh:   make(chan struct{}),
	}
}

// Subscribe registers handler under name for one event type. Subscribing
// the same name twice replaces the earlier handler.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	if eb == nil {
		return
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i := range subs {
		if subs[i].name == name {
			subs[i].handler = handler
			return
		}
	}
	eb.handlers[eventType] = append(subs, subscriber{name: name, handler: handler})

	log.Debug().
		Str("event", string(eventType)).
		Str("handler", name).
		Msg("subscribed to event")
}

// Unsubscribe removes the named handler from one event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	if eb == nil {
		return
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	kept := subs[:0]
	for _, s := range subs {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	eb.handlers[eventType] = kept
}

func (eb *EventBus) snapshot(eventType EventType) []subscriber {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped {
		return nil
	}
	subs := eb.handlers[eventType]
	out := make([]subscriber, len(subs))
	copy(out, subs)
	return out
}

// Emit delivers event to every subscriber on its own goroutine and returns
// immediately.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if eb == nil {
		return
	}
	subs := eb.snapshot(event.Type)
	if len(subs) == 0 {
		return
	}

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	for _, s := range subs {
		eb.inflight.Add(1)
		go func(s subscriber) {
			defer eb.inflight.Done()
			eb.run(ctx, s, event)
		}(s)
	}
}

// EmitSync delivers event to every subscriber in registration order and
// returns the first handler error.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if eb == nil {
		return nil
	}
	var first error
	for _, s := range eb.snapshot(event.Type) {
		if err := eb.run(ctx, s, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Publish is shorthand for Emit with a background context.
func (eb *EventBus) Publish(eventType EventType, source string, payload interface{}) {
	eb.Emit(context.Background(), Event{Type: eventType, Source: source, Payload: payload})
}

func (eb *EventBus) run(ctx context.Context, s subscriber, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = s.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", s.name).
			Msg("handler returned error")
	}
	return err
}

// Drain waits up to timeout for in-flight asynchronous handlers. It reports
// whether they all finished.
func (eb *EventBus) Drain(timeout time.Duration) bool {
	if eb == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		eb.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop rejects further events and waits for in-flight handlers.
func (eb *EventBus) Stop() {
	if eb == nil {
		return
	}
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.inflight.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh is closed once Stop has been called.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns the number of handlers registered for eventType.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	if eb == nil {
		return 0
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
