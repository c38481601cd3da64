// Package engine is the task lifecycle service. It enforces caller scope,
// turns lost races into structured results, applies the blocked overlay to
// everything it returns, and emits lifecycle events.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/taskyard/comms"
	"github.com/GoCodeAlone/taskyard/task"
)

const (
	eventBuffer    = 1024
	publishTimeout = 5 * time.Second
)

// Caller identifies who is invoking an operation. An empty ProjectID or
// OrganizationID means the caller is not scoped on that axis.
type Caller struct {
	AgentID        string `json:"agent_id"`
	ProjectID      string `json:"project_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	Admin          bool   `json:"admin,omitempty"`
}

// System is the caller used for scheduled work such as the recurrence sweep.
var System = Caller{AgentID: "system", Admin: true}

// authorize reports whether t lies inside the caller's scope.
func (c Caller) authorize(t *task.Task) error {
	if c.ProjectID != "" && (t.ProjectID == nil || *t.ProjectID != c.ProjectID) {
		return task.Unauthorized("task %s is outside project %s", t.ID, c.ProjectID)
	}
	if c.OrganizationID != "" && (t.OrganizationID == nil || *t.OrganizationID != c.OrganizationID) {
		return task.Unauthorized("task %s is outside organization %s", t.ID, c.OrganizationID)
	}
	return nil
}

// CanSee reports whether t lies inside the caller's scope.
func (c Caller) CanSee(t *task.Task) bool {
	return t != nil && c.authorize(t) == nil
}

func (c Caller) requireAgent() error {
	if c.AgentID == "" {
		return task.Validation("agent_id", "agent_id is required")
	}
	return nil
}

// Result is the outcome of a conditional state change. A lost race or a task
// in the wrong state yields Success=false with a Reason; that is ordinary
// control flow, not an error.
type Result struct {
	Success        bool       `json:"success"`
	Reason         string     `json:"reason,omitempty"`
	Task           *task.Task `json:"task,omitempty"`
	FollowupTaskID string     `json:"followup_task_id,omitempty"`
}

func failed(reason string, t *task.Task) Result {
	return Result{Reason: reason, Task: t}
}

// Service is the engine. Build one with New at startup and share it.
type Service struct {
	store        task.Store
	bus          comms.Publisher
	logger       *slog.Logger
	defaultLimit int
	maxLimit     int
	now          func() time.Time

	mu     sync.RWMutex
	closed bool
	events chan *comms.Event
	done   chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithBus sets where lifecycle events are published. Without a bus no
// events are emitted.
func WithBus(bus comms.Publisher) Option {
	return func(s *Service) { s.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithLimits sets the default and maximum page sizes for queries.
func WithLimits(defaultLimit, maxLimit int) Option {
	return func(s *Service) {
		if maxLimit >= task.MinLimit && maxLimit <= task.MaxLimit {
			s.maxLimit = maxLimit
		}
		if defaultLimit >= task.MinLimit && defaultLimit <= s.maxLimit {
			s.defaultLimit = defaultLimit
		}
	}
}

// WithClock overrides the time source for event timestamps and default
// recurrence schedules.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a Service over store. Call Close to flush pending events.
func New(store task.Store, opts ...Option) *Service {
	s := &Service{
		store:        store,
		logger:       slog.Default(),
		defaultLimit: task.DefaultLimit,
		maxLimit:     task.MaxLimit,
		now:          time.Now,
		events:       make(chan *comms.Event, eventBuffer),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.dispatch()
	return s
}

// Close stops accepting events and waits until queued ones are published.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	<-s.done
}

func (s *Service) dispatch() {
	defer close(s.done)
	for ev := range s.events {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := s.bus.Publish(ctx, ev); err != nil {
			s.logger.Warn("publish event failed",
				slog.String("event_type", string(ev.Type)),
				slog.String("task_id", ev.Task.ID),
				slog.Any("error", err),
			)
		}
		cancel()
	}
}

// emit queues an event without waiting for delivery. When the queue is full
// the event is dropped.
func (s *Service) emit(typ comms.EventType, t *task.Task) {
	if s.bus == nil || t == nil {
		return
	}
	ev := &comms.Event{ID: uuid.NewString(), Type: typ, Task: t.Clone(), Timestamp: s.now().UTC()}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event queue full, dropping event",
			slog.String("event_type", string(typ)),
			slog.String("task_id", t.ID),
		)
	}
}

// loadTask fetches a task and checks it against the caller's scope.
func (s *Service) loadTask(ctx context.Context, c Caller, id string) (*task.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(t); err != nil {
		return nil, err
	}
	return t, nil
}

// overlay applies the blocked overlay to tasks with one batch lookup.
func (s *Service) overlay(ctx context.Context, tasks []*task.Task) ([]*task.Task, error) {
	if len(tasks) == 0 {
		return tasks, nil
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	blocked, err := s.store.BlockedAncestors(ctx, ids)
	if err != nil {
		return nil, err
	}
	return task.ApplyBlockedOverlay(tasks, blocked), nil
}

func (s *Service) overlayOne(ctx context.Context, t *task.Task) (*task.Task, error) {
	out, err := s.overlay(ctx, []*task.Task{t})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}
