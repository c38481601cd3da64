// Package api implements the Taskyard REST handlers over engine.Service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/taskyard/comms"
	"github.com/GoCodeAlone/taskyard/engine"
	"github.com/GoCodeAlone/taskyard/task"
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Engine  *engine.Service
	Bus     comms.Bus
	Logger  *slog.Logger
	Version string
	StartAt time.Time

	// Caller resolves the authenticated caller of a request.
	Caller func(r *http.Request) engine.Caller
}

// RegisterRoutes registers all API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.listTasks)
	mux.HandleFunc("POST /api/tasks", h.createTask)
	mux.HandleFunc("POST /api/tasks/unlock", h.unlockBatch)
	mux.HandleFunc("POST /api/tasks/blocked", h.blockedIDs)
	mux.HandleFunc("GET /api/tasks/{id}", h.getTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.updateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.deleteTask)

	mux.HandleFunc("POST /api/tasks/{id}/reserve", h.transition(h.Engine.Reserve))
	mux.HandleFunc("POST /api/tasks/{id}/unlock", h.transition(h.Engine.Unlock))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", h.transition(h.Engine.Cancel))
	mux.HandleFunc("POST /api/tasks/{id}/block", h.transition(h.Engine.Block))
	mux.HandleFunc("POST /api/tasks/{id}/unblock", h.transition(h.Engine.Unblock))
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.completeTask)

	mux.HandleFunc("GET /api/tasks/{id}/relationships", h.listRelationships)
	mux.HandleFunc("POST /api/tasks/{id}/relationships", h.link)
	mux.HandleFunc("DELETE /api/relationships", h.unlink)

	mux.HandleFunc("GET /api/tasks/{id}/versions", h.listVersions)
	mux.HandleFunc("GET /api/tasks/{id}/versions/{n}", h.getVersion)
	mux.HandleFunc("GET /api/tasks/{id}/diff", h.diff)

	mux.HandleFunc("GET /api/tasks/{id}/tags", h.listTaskTags)
	mux.HandleFunc("POST /api/tasks/{id}/tags", h.tagTask)

	mux.HandleFunc("GET /api/projects", h.listProjects)
	mux.HandleFunc("POST /api/projects", h.createProject)
	mux.HandleFunc("GET /api/projects/{id}", h.getProject)
	mux.HandleFunc("POST /api/tags", h.createTag)

	mux.HandleFunc("GET /api/templates", h.listTemplates)
	mux.HandleFunc("POST /api/templates", h.createTemplate)
	mux.HandleFunc("GET /api/templates/{id}", h.getTemplate)
	mux.HandleFunc("PUT /api/templates/{id}", h.updateTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", h.deleteTemplate)
	mux.HandleFunc("POST /api/templates/{id}/tasks", h.createFromTemplate)

	mux.HandleFunc("GET /api/recurring", h.listRules)
	mux.HandleFunc("POST /api/recurring", h.createRule)
	mux.HandleFunc("GET /api/recurring/{id}", h.getRule)
	mux.HandleFunc("PATCH /api/recurring/{id}", h.updateRule)
	mux.HandleFunc("POST /api/recurring/{id}/trigger", h.triggerRule)
	mux.HandleFunc("POST /api/recurring/{id}/deactivate", h.deactivateRule)

	mux.HandleFunc("GET /api/events", h.listEvents)

	mux.HandleFunc("GET /api/status", h.status)
	mux.HandleFunc("GET /api/version", h.version)
}

func (h *Handlers) caller(r *http.Request) engine.Caller {
	if h.Caller == nil {
		return engine.Caller{}
	}
	return h.Caller(r)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string    `json:"error"`
	Kind  task.Kind `json:"kind,omitempty"`
	Field string    `json:"field,omitempty"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(k task.Kind) int {
	switch k {
	case task.KindNotFound:
		return http.StatusNotFound
	case task.KindValidation:
		return http.StatusBadRequest
	case task.KindAuthorization:
		return http.StatusForbidden
	case task.KindIntegrity:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status its kind maps to. Internal details
// are logged, not returned.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := task.KindOf(err)
	status := StatusFor(kind)
	body := ErrorBody{Error: err.Error(), Kind: kind, Field: task.FieldOf(err)}
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, ErrorBody{
		Error: "invalid request body: " + err.Error(),
		Kind:  task.KindValidation,
	})
	return false
}

func intParam(field, s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, task.Validationf(field, "%s must be an integer", field)
	}
	return n, nil
}

// --- Events ---

func (h *Handlers) listEvents(w http.ResponseWriter, r *http.Request) {
	c := h.caller(r)
	q := r.URL.Query()
	limit := 50
	if l := q.Get("limit"); l != "" {
		n, err := intParam("limit", l)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		limit = n
	}

	events, err := h.Bus.History(comms.EventType(q.Get("type")), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	visible := make([]*comms.Event, 0, len(events))
	for _, ev := range events {
		if c.CanSee(ev.Task) {
			visible = append(visible, ev)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

// --- Status / version ---

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": h.Version,
	}
	if !h.StartAt.IsZero() {
		resp["uptime_seconds"] = int64(time.Since(h.StartAt).Seconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
