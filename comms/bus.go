package comms

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// DefaultHistory is the number of events an InMemoryBus retains.
const DefaultHistory = 1000

// InMemoryBus is a thread-safe in-process event bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	history  []*Event
	maxHist  int
	nextID   int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus retaining maxHistory events
// (DefaultHistory when maxHistory <= 0).
func NewInMemoryBus(maxHistory int) *InMemoryBus {
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	return &InMemoryBus{
		handlers: make(map[EventType][]handlerEntry),
		maxHist:  maxHistory,
	}
}

// Publish records ev and delivers it to subscribers of its type and of
// AllEvents. Handlers run synchronously, outside the lock.
func (b *InMemoryBus) Publish(ctx context.Context, ev *Event) error {
	if ev == nil || ev.Type == "" {
		return errors.New("publish: event type is required")
	}
	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}

	var targets []Handler
	for _, key := range []EventType{ev.Type, AllEvents} {
		for _, e := range b.handlers[key] {
			targets = append(targets, e.handler)
		}
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %s: %d handler error(s): %w", ev.Type, len(errs), errors.Join(errs...))
	}
	return nil
}

// Subscribe registers a handler for eventType. The returned function
// unsubscribes the handler.
func (b *InMemoryBus) Subscribe(eventType EventType, handler Handler) (unsubscribe func()) {
	if eventType == "" {
		eventType = AllEvents
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.handlers[eventType]
		filtered := entries[:0]
		for _, e := range entries {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(b.handlers, eventType)
		} else {
			b.handlers[eventType] = filtered
		}
	}
}

// History returns the most recent limit events of eventType in
// chronological order. limit <= 0 returns everything retained.
func (b *InMemoryBus) History(eventType EventType, limit int) ([]*Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*Event, 0)
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if eventType == "" || eventType == AllEvents || ev.Type == eventType {
			result = append(result, ev)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}

// Fanout is a Bus that also forwards every event to external sinks. Local
// delivery and history come from the wrapped Bus.
type Fanout struct {
	Bus
	sinks []Publisher
}

// NewFanout wraps bus so that each published event also reaches sinks.
func NewFanout(bus Bus, sinks ...Publisher) *Fanout {
	return &Fanout{Bus: bus, sinks: sinks}
}

// Publish delivers ev locally and then to every sink. A failing sink does not
// stop the others; all errors are joined.
func (f *Fanout) Publish(ctx context.Context, ev *Event) error {
	errs := []error{f.Bus.Publish(ctx, ev)}
	for _, s := range f.sinks {
		errs = append(errs, s.Publish(ctx, ev))
	}
	return errors.Join(errs...)
}
