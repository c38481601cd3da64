package comms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GoCodeAlone/taskyard/task"
)

func makeEvent(id string, t EventType) *Event {
	return &Event{
		ID:        id,
		Type:      t,
		Task:      &task.Task{ID: "task-" + id, Title: "t"},
		Timestamp: time.Now(),
	}
}

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe(EventReserved, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	if err := bus.Publish(ctx, makeEvent("1", EventReserved)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	unsub()
	if err := bus.Publish(ctx, makeEvent("2", EventReserved)); err != nil {
		t.Fatalf("Publish after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_RoutesByType(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var completed, all int32
	bus.Subscribe(EventCompleted, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&completed, 1)
		return nil
	})
	bus.Subscribe(AllEvents, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&all, 1)
		return nil
	})

	for i, typ := range []EventType{EventCreated, EventCompleted, EventCancelled} {
		if err := bus.Publish(ctx, makeEvent(string(rune('a'+i)), typ)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if atomic.LoadInt32(&completed) != 1 {
		t.Errorf("completed handler fired %d times, want 1", completed)
	}
	if atomic.LoadInt32(&all) != 3 {
		t.Errorf("wildcard handler fired %d times, want 3", all)
	}
}

func TestInMemoryBus_ConcurrentPublish(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var count int32
	bus.Subscribe(AllEvents, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = bus.Publish(ctx, makeEvent("x", EventUpdated))
		}()
	}
	wg.Wait()
	if atomic.LoadInt32(&count) != 20 {
		t.Errorf("delivered %d, want 20", count)
	}
}

func TestInMemoryBus_HandlerErrorsReported(t *testing.T) {
	bus := NewInMemoryBus(0)
	boom := errors.New("boom")
	bus.Subscribe(AllEvents, func(_ context.Context, _ *Event) error { return boom })

	err := bus.Publish(context.Background(), makeEvent("1", EventCreated))
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping boom", err)
	}
	if err := bus.Publish(context.Background(), &Event{}); err == nil {
		t.Error("event without type accepted")
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus(3)
	ctx := context.Background()

	types := []EventType{EventCreated, EventReserved, EventCreated, EventCompleted, EventCreated}
	for i, typ := range types {
		bus.Publish(ctx, makeEvent(string(rune('a'+i)), typ))
	}

	all, err := bus.History(AllEvents, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("History len = %d, want 3 (capped)", len(all))
	}
	if all[0].ID != "c" || all[2].ID != "e" {
		t.Errorf("History order = %s..%s, want c..e", all[0].ID, all[2].ID)
	}

	created, _ := bus.History(EventCreated, 0)
	if len(created) != 2 {
		t.Errorf("created history = %d, want 2", len(created))
	}
	last, _ := bus.History("", 1)
	if len(last) != 1 || last[0].ID != "e" {
		t.Errorf("History limit 1 = %v, want [e]", last)
	}
}

type recordingSink struct {
	mu   sync.Mutex
	got  []*Event
	fail error
}

func (s *recordingSink) Publish(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return s.fail
}

func TestFanout(t *testing.T) {
	local := NewInMemoryBus(0)
	ok := &recordingSink{}
	broken := &recordingSink{fail: errors.New("sink down")}
	bus := NewFanout(local, broken, ok)

	var delivered int32
	bus.Subscribe(EventCreated, func(_ context.Context, _ *Event) error {
		atomic.AddInt32(&delivered, 1)
		return nil
	})

	err := bus.Publish(context.Background(), makeEvent("1", EventCreated))
	if err == nil {
		t.Error("sink failure not reported")
	}
	if atomic.LoadInt32(&delivered) != 1 {
		t.Errorf("local delivery = %d, want 1", delivered)
	}
	if len(ok.got) != 1 || len(broken.got) != 1 {
		t.Errorf("sinks received %d/%d, want 1/1", len(ok.got), len(broken.got))
	}
	hist, _ := bus.History(AllEvents, 0)
	if len(hist) != 1 {
		t.Errorf("history = %d, want 1", len(hist))
	}
}
