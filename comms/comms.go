// Package comms carries task lifecycle events from the engine to observers:
// the SSE stream, the event history endpoint and optional NATS subscribers.
package comms

import (
	"context"
	"time"

	"github.com/GoCodeAlone/taskyard/task"
)

// EventType identifies what happened to a task.
type EventType string

const (
	EventCreated   EventType = "task.created"
	EventUpdated   EventType = "task.updated"
	EventDeleted   EventType = "task.deleted"
	EventReserved  EventType = "task.reserved"
	EventUnlocked  EventType = "task.unlocked"
	EventCompleted EventType = "task.completed"
	EventCancelled EventType = "task.cancelled"
	EventBlocked   EventType = "task.blocked"
	EventUnblocked EventType = "task.unblocked"

	// AllEvents subscribes to every event type.
	AllEvents EventType = "*"
)

// Event is a fire-and-forget notification about one task.
type Event struct {
	ID        string     `json:"id"`
	Type      EventType  `json:"event_type"`
	Task      *task.Task `json:"task_snapshot"`
	Timestamp time.Time  `json:"timestamp"`
}

// Handler processes a delivered event.
type Handler func(ctx context.Context, ev *Event) error

// Publisher accepts events.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Bus fans events out to in-process subscribers and keeps a bounded history.
type Bus interface {
	Publisher

	// Subscribe registers a handler for one event type, or AllEvents.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler Handler) (unsubscribe func())

	// History returns up to limit recent events of the given type (AllEvents
	// or "" for every type), oldest first.
	History(eventType EventType, limit int) ([]*Event, error)
}
