package api

import (
	"net/http"
	"strconv"

	"github.com/GoCodeAlone/taskyard/engine"
	"github.com/GoCodeAlone/taskyard/task"
)

// --- Projects and tags ---

func (h *Handlers) listProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Engine.ListProjects(r.Context(), h.caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if ps == nil {
		ps = []*task.Project{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handlers) createProject(w http.ResponseWriter, r *http.Request) {
	var p task.Project
	if !h.decode(w, r, &p, false) {
		return
	}
	p.ID = ""
	if err := h.Engine.CreateProject(r.Context(), h.caller(r), &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.GetProject(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) createTag(w http.ResponseWriter, r *http.Request) {
	var tag task.Tag
	if !h.decode(w, r, &tag, false) {
		return
	}
	tag.ID = ""
	if err := h.Engine.CreateTag(r.Context(), h.caller(r), &tag); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tag)
}

// --- Templates ---

func (h *Handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := h.Engine.ListTemplates(r.Context(), h.caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tpls == nil {
		tpls = []*task.Template{}
	}
	writeJSON(w, http.StatusOK, tpls)
}

func (h *Handlers) createTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl task.Template
	if !h.decode(w, r, &tpl, false) {
		return
	}
	tpl.ID = ""
	if err := h.Engine.CreateTemplate(r.Context(), h.caller(r), &tpl); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

func (h *Handlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.Engine.GetTemplate(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (h *Handlers) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl task.Template
	if !h.decode(w, r, &tpl, false) {
		return
	}
	tpl.ID = r.PathValue("id")
	if err := h.Engine.UpdateTemplate(r.Context(), h.caller(r), &tpl); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.getTemplate(w, r)
}

func (h *Handlers) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteTemplate(r.Context(), h.caller(r), r.PathValue("id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) createFromTemplate(w http.ResponseWriter, r *http.Request) {
	var o engine.TemplateOverrides
	if !h.decode(w, r, &o, true) {
		return
	}
	t, err := h.Engine.CreateTaskFromTemplate(r.Context(), h.caller(r), r.PathValue("id"), o)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// --- Recurring rules ---

func (h *Handlers) listRules(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := task.RuleFilter{TaskID: q.Get("task_id")}
	if s := q.Get("active"); s != "" {
		active, err := strconv.ParseBool(s)
		if err != nil {
			h.writeError(w, r, task.Validation("active", "active must be a boolean"))
			return
		}
		f.ActiveOnly = active
	}
	if s := q.Get("due_before"); s != "" {
		due, err := task.ParseDate("due_before", s)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		f.DueBefore = &due
	}
	rules, err := h.Engine.ListRecurringRules(r.Context(), h.caller(r), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*task.RecurringRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (h *Handlers) createRule(w http.ResponseWriter, r *http.Request) {
	var req engine.RuleRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	rule, err := h.Engine.CreateRecurringRule(r.Context(), h.caller(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handlers) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Engine.GetRecurringRule(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handlers) updateRule(w http.ResponseWriter, r *http.Request) {
	var req engine.RuleRequest
	if !h.decode(w, r, &req, false) {
		return
	}
	rule, err := h.Engine.UpdateRecurringRule(r.Context(), h.caller(r), r.PathValue("id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handlers) triggerRule(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.CreateRecurringInstance(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) deactivateRule(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.DeactivateRecurringRule(r.Context(), h.caller(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
