// Package ws implements a Server-Sent Events (SSE) hub that streams task
// lifecycle events to connected clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/GoCodeAlone/taskyard/comms"
)

// Filter decides whether a client receives an event.
type Filter func(ev *comms.Event) bool

type client struct {
	ch     chan *comms.Event
	filter Filter
}

// Hub manages SSE client connections and broadcasts events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *slog.Logger
}

// NewHub creates a Hub ready to accept connections.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

// Attach subscribes the hub to every event on bus. Call the returned
// function to detach.
func (h *Hub) Attach(bus comms.Bus) func() {
	return bus.Subscribe(comms.AllEvents, func(_ context.Context, ev *comms.Event) error {
		h.Broadcast(ev)
		return nil
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues ev for every client whose filter accepts it. Slow
// clients miss events rather than block the publisher.
func (h *Hub) Broadcast(ev *comms.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.filter != nil && !c.filter(ev) {
			continue
		}
		select {
		case c.ch <- ev:
		default:
			h.logger.Debug("sse client lagging, dropping event", slog.String("event_id", ev.ID))
		}
	}
}

// ServeSSE streams events accepted by filter until the client disconnects.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, filter Filter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)

	c := &client{ch: make(chan *comms.Event, 64), filter: filter}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	fmt.Fprintf(w, "event: connected\ndata: {\"type\":\"connected\"}\n\n") //nolint:errcheck
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-c.ch:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("sse marshal event", slog.Any("error", err))
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\n", ev.ID, ev.Type) //nolint:errcheck
			// Each SSE "data:" line must not contain newlines
			for _, line := range strings.Split(string(data), "\n") {
				fmt.Fprintf(w, "data: %s\n", line) //nolint:errcheck
			}
			fmt.Fprintln(w) //nolint:errcheck
			flusher.Flush()
		}
	}
}
