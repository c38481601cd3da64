package api

import (
	"context"
	"net/http"

	"github.com/GoCodeAlone/taskyard/engine"
	"github.com/GoCodeAlone/taskyard/task"
)

func queryParams(r *http.Request) task.QueryParams {
	q := r.URL.Query()
	return task.QueryParams{
		TaskType:        q.Get("task_type"),
		TaskStatus:      q.Get("task_status"),
		AssignedAgent:   q.Get("assigned_agent"),
		ProjectID:       q.Get("project_id"),
		OrganizationID:  q.Get("organization_id"),
		Priority:        q.Get("priority"),
		TagID:           q.Get("tag_id"),
		TagIDs:          q["tag_ids"],
		CreatedAfter:    q.Get("created_after"),
		CreatedBefore:   q.Get("created_before"),
		UpdatedAfter:    q.Get("updated_after"),
		UpdatedBefore:   q.Get("updated_before"),
		CompletedAfter:  q.Get("completed_after"),
		CompletedBefore: q.Get("completed_before"),
		Search:          q.Get("search"),
		OrderBy:         q.Get("order_by"),
		Limit:           q.Get("limit"),
		Offset:          q.Get("offset"),
	}
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	page, err := h.Engine.Query(r.Context(), h.caller(r), queryParams(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if page.Tasks == nil {
		page.Tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	t, err := h.Engine.CreateTask(r.Context(), h.caller(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.GetTask(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	var p task.Patch
	if !h.decode(w, r, &p, false) {
		return
	}
	t, err := h.Engine.UpdateTask(r.Context(), h.caller(r), r.PathValue("id"), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteTask(r.Context(), h.caller(r), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type transitionFunc func(ctx context.Context, c engine.Caller, id string) (engine.Result, error)

// transition adapts a conditional state change. Lost races are ordinary
// results and come back as 200 with success=false.
func (h *Handlers) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := fn(r.Context(), h.caller(r), r.PathValue("id"))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (h *Handlers) completeTask(w http.ResponseWriter, r *http.Request) {
	var req engine.CompleteRequest
	if !h.decode(w, r, &req, true) {
		return
	}
	res, err := h.Engine.Complete(r.Context(), h.caller(r), r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type idsRequest struct {
	TaskIDs []string `json:"task_ids"`
}

func (h *Handlers) unlockBatch(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	out, err := h.Engine.UnlockBatch(r.Context(), h.caller(r), req.TaskIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (h *Handlers) blockedIDs(w http.ResponseWriter, r *http.Request) {
	var req idsRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	ids, err := h.Engine.BlockedIDs(r.Context(), h.caller(r), req.TaskIDs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": ids})
}

// --- Relationships ---

type linkRequest struct {
	ChildTaskID      string `json:"child_task_id"`
	RelationshipType string `json:"relationship_type,omitempty"`
}

func (h *Handlers) listRelationships(w http.ResponseWriter, r *http.Request) {
	rels, err := h.Engine.Relationships(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rels == nil {
		rels = []task.Relationship{}
	}
	writeJSON(w, http.StatusOK, rels)
}

func (h *Handlers) link(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	rel, err := h.Engine.Link(r.Context(), h.caller(r), r.PathValue("id"), req.ChildTaskID, req.RelationshipType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func (h *Handlers) unlink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := h.Engine.Unlink(r.Context(), h.caller(r), q.Get("parent_task_id"), q.Get("child_task_id"), q.Get("relationship_type"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- History ---

func (h *Handlers) listVersions(w http.ResponseWriter, r *http.Request) {
	vs, err := h.Engine.Versions(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, vs)
}

func (h *Handlers) getVersion(w http.ResponseWriter, r *http.Request) {
	n, err := intParam("version_number", r.PathValue("n"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	v, err := h.Engine.Version(r.Context(), h.caller(r), r.PathValue("id"), n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handlers) diff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	v1, err := intParam("v1", q.Get("v1"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	v2, err := intParam("v2", q.Get("v2"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	changes, err := h.Engine.Diff(r.Context(), h.caller(r), r.PathValue("id"), v1, v2)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changes)
}

// --- Tags on tasks ---

func (h *Handlers) listTaskTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.Engine.TaskTags(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tags == nil {
		tags = []task.Tag{}
	}
	writeJSON(w, http.StatusOK, tags)
}

func (h *Handlers) tagTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TagID string `json:"tag_id"`
	}
	if !h.decode(w, r, &req, false) {
		return
	}
	if err := h.Engine.TagTask(r.Context(), h.caller(r), r.PathValue("id"), req.TagID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
