package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/taskyard/comms"
	"github.com/GoCodeAlone/taskyard/task"
)

// CreateRequest is the input for CreateTask. Enum and date fields are plain
// strings so adapters can pass their input through unchanged.
type CreateRequest struct {
	Title                   string            `json:"title"`
	TaskType                string            `json:"task_type"`
	TaskInstruction         string            `json:"task_instruction"`
	VerificationInstruction string            `json:"verification_instruction,omitempty"`
	Priority                string            `json:"priority,omitempty"`
	ProjectID               string            `json:"project_id,omitempty"`
	OrganizationID          string            `json:"organization_id,omitempty"`
	Notes                   string            `json:"notes,omitempty"`
	DueDate                 string            `json:"due_date,omitempty"`
	EstimatedHours          *float64          `json:"estimated_hours,omitempty"`
	Metadata                map[string]string `json:"metadata,omitempty"`
}

// CreateTask validates req, resolves its project and organization against
// the caller's scope, and persists the new task as available.
func (s *Service) CreateTask(ctx context.Context, c Caller, req CreateRequest) (*task.Task, error) {
	t := &task.Task{
		Title:                   strings.TrimSpace(req.Title),
		Type:                    task.Type(req.TaskType),
		Instruction:             req.TaskInstruction,
		VerificationInstruction: req.VerificationInstruction,
		Priority:                task.Priority(req.Priority),
		Notes:                   req.Notes,
		EstimatedHours:          req.EstimatedHours,
		Metadata:                copyMetadata(req.Metadata),
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if req.DueDate != "" {
		due, err := task.ParseDate("due_date", req.DueDate)
		if err != nil {
			return nil, err
		}
		t.DueDate = &due
	}
	if err := s.resolveScope(ctx, c, t, req.ProjectID, req.OrganizationID); err != nil {
		return nil, err
	}

	if err := s.store.CreateTask(ctx, t, c.AgentID); err != nil {
		return nil, err
	}
	s.logger.Debug("task created", slog.String("task_id", t.ID), slog.String("agent_id", c.AgentID))
	s.emit(comms.EventCreated, t)
	return t, nil
}

// resolveScope fills t's project and organization. A scoped caller defaults
// to its own project and organization and may not name another one.
func (s *Service) resolveScope(ctx context.Context, c Caller, t *task.Task, projectID, orgID string) error {
	if projectID == "" {
		projectID = c.ProjectID
	}
	if c.ProjectID != "" && projectID != c.ProjectID {
		return task.Unauthorized("caller is scoped to project %s, not %s", c.ProjectID, projectID)
	}
	if projectID != "" {
		p, err := s.store.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		projectOrg := ""
		if p.OrganizationID != nil {
			projectOrg = *p.OrganizationID
		}
		switch {
		case orgID == "":
			orgID = projectOrg
		case projectOrg != "" && orgID != projectOrg:
			return task.Validationf("organization_id", "project %s belongs to organization %s", projectID, projectOrg)
		}
		t.ProjectID = &p.ID
	}
	if orgID == "" {
		orgID = c.OrganizationID
	}
	if c.OrganizationID != "" && orgID != c.OrganizationID {
		return task.Unauthorized("caller is scoped to organization %s, not %s", c.OrganizationID, orgID)
	}
	t.OrganizationID = task.StringPtr(orgID)
	return nil
}

// GetTask returns one task with the blocked overlay applied.
func (s *Service) GetTask(ctx context.Context, c Caller, id string) (*task.Task, error) {
	t, err := s.loadTask(ctx, c, id)
	if err != nil {
		return nil, err
	}
	return s.overlayOne(ctx, t)
}

// UpdateTask patches the editable fields of a task.
func (s *Service) UpdateTask(ctx context.Context, c Caller, id string, p task.Patch) (*task.Task, error) {
	if _, err := s.loadTask(ctx, c, id); err != nil {
		return nil, err
	}
	t, err := s.store.UpdateTask(ctx, id, p, c.AgentID)
	if err != nil {
		return nil, err
	}
	s.emit(comms.EventUpdated, t)
	return s.overlayOne(ctx, t)
}

// DeleteTask removes a task and everything derived from it.
func (s *Service) DeleteTask(ctx context.Context, c Caller, id string) error {
	t, err := s.loadTask(ctx, c, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", slog.String("task_id", id), slog.String("agent_id", c.AgentID))
	s.emit(comms.EventDeleted, t)
	return nil
}

// Reserve claims an available task for the caller. Only one of any number
// of concurrent callers succeeds; the rest get Success=false. An unknown id
// is also reported as Success=false.
func (s *Service) Reserve(ctx context.Context, c Caller, id string) (Result, error) {
	if err := c.requireAgent(); err != nil {
		return Result{}, err
	}
	t, err := s.loadTask(ctx, c, id)
	if task.IsNotFound(err) {
		return failed(fmt.Sprintf("task %s not found", id), nil), nil
	}
	if err != nil {
		return Result{}, err
	}

	got, ok, err := s.store.Transition(ctx, task.Transition{
		ID:        id,
		From:      []task.Status{task.StatusAvailable},
		To:        task.StatusInProgress,
		Agent:     c.AgentID,
		ChangedBy: c.AgentID,
	})
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return s.conflict(ctx, t, "reserve"), nil
	}
	s.logger.Debug("task reserved", slog.String("task_id", id), slog.String("agent_id", c.AgentID))
	s.emit(comms.EventReserved, got)
	return s.succeeded(ctx, got)
}

// Unlock returns an in-progress task to available. Only the assigned agent
// or an admin may unlock; anyone else gets Success=false.
func (s *Service) Unlock(ctx context.Context, c Caller, id string) (Result, error) {
	t, err := s.loadTask(ctx, c, id)
	if err != nil {
		return Result{}, err
	}
	if t.Status != task.StatusInProgress {
		return failed(fmt.Sprintf("cannot unlock: task is %s", t.Status), t), nil
	}
	if t.Agent() != c.AgentID && !c.Admin {
		return failed("cannot unlock: task is reserved by another agent", t), nil
	}

	got, ok, err := s.store.Transition(ctx, task.Transition{
		ID:           id,
		From:         []task.Status{task.StatusInProgress},
		To:           task.StatusAvailable,
		RequireAgent: t.Agent(),
		ChangedBy:    c.AgentID,
	})
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return s.conflict(ctx, t, "unlock"), nil
	}
	s.logger.Debug("task unlocked", slog.String("task_id", id), slog.String("agent_id", c.AgentID))
	s.emit(comms.EventUnlocked, got)
	return s.succeeded(ctx, got)
}

// UnlockOutcome is the per-task result of UnlockBatch.
type UnlockOutcome struct {
	TaskID  string `json:"task_id"`
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// UnlockBatch applies Unlock to each id independently. Unknown or
// out-of-scope ids become failed outcomes; only internal failures abort.
func (s *Service) UnlockBatch(ctx context.Context, c Caller, ids []string) ([]UnlockOutcome, error) {
	out := make([]UnlockOutcome, 0, len(ids))
	for _, id := range ids {
		res, err := s.Unlock(ctx, c, id)
		switch task.KindOf(err) {
		case "":
			out = append(out, UnlockOutcome{TaskID: id, Success: res.Success, Reason: res.Reason})
		case task.KindNotFound, task.KindAuthorization:
			out = append(out, UnlockOutcome{TaskID: id, Reason: err.Error()})
		default:
			return nil, err
		}
	}
	return out, nil
}

// FollowupSpec describes a task to create when another completes.
type FollowupSpec struct {
	Title                   string `json:"title"`
	TaskType                string `json:"task_type,omitempty"` // defaults to concrete
	TaskInstruction         string `json:"task_instruction"`
	VerificationInstruction string `json:"verification_instruction,omitempty"`
	Priority                string `json:"priority,omitempty"`
}

// CompleteRequest carries the completion details.
type CompleteRequest struct {
	Notes       string        `json:"notes,omitempty"`
	ActualHours *float64      `json:"actual_hours,omitempty"`
	Followup    *FollowupSpec `json:"followup,omitempty"`
}

// Complete finishes a task the caller holds. A followup, when given, is
// created in the same transaction and its id returned in the result.
func (s *Service) Complete(ctx context.Context, c Caller, id string, req CompleteRequest) (Result, error) {
	if err := c.requireAgent(); err != nil {
		return Result{}, err
	}
	t, err := s.loadTask(ctx, c, id)
	if err != nil {
		return Result{}, err
	}
	if t.Status != task.StatusInProgress {
		return failed(fmt.Sprintf("cannot complete: task is %s", t.Status), t), nil
	}
	if t.Agent() != c.AgentID {
		return Result{}, task.Unauthorized("task %s is reserved by another agent", id)
	}

	comp := task.Completion{ID: id, Agent: c.AgentID, Notes: req.Notes, ActualHours: req.ActualHours}
	if f := req.Followup; f != nil {
		typ := task.Type(f.TaskType)
		if typ == "" {
			typ = task.TypeConcrete
		}
		comp.Followup = &task.Task{
			Title:                   strings.TrimSpace(f.Title),
			Type:                    typ,
			Instruction:             f.TaskInstruction,
			VerificationInstruction: f.VerificationInstruction,
			Priority:                task.Priority(f.Priority),
		}
	}

	done, followup, ok, err := s.store.Complete(ctx, comp)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return s.conflict(ctx, t, "complete"), nil
	}
	s.logger.Debug("task completed", slog.String("task_id", id), slog.String("agent_id", c.AgentID))
	s.emit(comms.EventCompleted, done)

	res, err := s.succeeded(ctx, done)
	if err != nil {
		return Result{}, err
	}
	if followup != nil {
		s.emit(comms.EventCreated, followup)
		res.FollowupTaskID = followup.ID
	}
	return res, nil
}

// Cancel moves a task to the terminal cancelled state. An in-progress task
// can only be cancelled by its agent or an admin.
func (s *Service) Cancel(ctx context.Context, c Caller, id string) (Result, error) {
	return s.move(ctx, c, id, "cancel",
		[]task.Status{task.StatusAvailable, task.StatusInProgress, task.StatusBlocked},
		task.StatusCancelled, comms.EventCancelled)
}

// Block marks a task as blocked, releasing any agent holding it.
func (s *Service) Block(ctx context.Context, c Caller, id string) (Result, error) {
	return s.move(ctx, c, id, "block",
		[]task.Status{task.StatusAvailable, task.StatusInProgress},
		task.StatusBlocked, comms.EventBlocked)
}

// Unblock returns a blocked task to available.
func (s *Service) Unblock(ctx context.Context, c Caller, id string) (Result, error) {
	return s.move(ctx, c, id, "unblock",
		[]task.Status{task.StatusBlocked},
		task.StatusAvailable, comms.EventUnblocked)
}

// move runs an agent-free transition with the same ownership rule as Unlock
// for in-progress tasks.
func (s *Service) move(ctx context.Context, c Caller, id, action string, from []task.Status, to task.Status, ev comms.EventType) (Result, error) {
	t, err := s.loadTask(ctx, c, id)
	if err != nil {
		return Result{}, err
	}
	if !hasStatus(from, t.Status) {
		return failed(fmt.Sprintf("cannot %s: task is %s", action, t.Status), t), nil
	}
	// Guard on the observed state so a concurrent reserve is never overridden.
	tr := task.Transition{ID: id, From: []task.Status{t.Status}, To: to, ChangedBy: c.AgentID}
	if t.Status == task.StatusInProgress {
		if t.Agent() != c.AgentID && !c.Admin {
			return failed(fmt.Sprintf("cannot %s: task is reserved by another agent", action), t), nil
		}
		tr.RequireAgent = t.Agent()
	}

	got, ok, err := s.store.Transition(ctx, tr)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return s.conflict(ctx, t, action), nil
	}
	s.logger.Debug("task transitioned", slog.String("task_id", id), slog.String("action", action), slog.String("agent_id", c.AgentID))
	s.emit(ev, got)
	return s.succeeded(ctx, got)
}

func (s *Service) succeeded(ctx context.Context, t *task.Task) (Result, error) {
	shown, err := s.overlayOne(ctx, t)
	if err != nil {
		return Result{}, err
	}
	return Result{Success: true, Task: shown}, nil
}

// conflict describes why a conditional write matched nothing, using the row
// as it is now.
func (s *Service) conflict(ctx context.Context, before *task.Task, action string) Result {
	cur, err := s.store.GetTask(ctx, before.ID)
	if err != nil {
		return failed(fmt.Sprintf("cannot %s: task %s changed concurrently", action, before.ID), nil)
	}
	reason := fmt.Sprintf("cannot %s: task is %s", action, cur.Status)
	if cur.Status.HasAgent() {
		reason += " (assigned to " + cur.Agent() + ")"
	}
	s.logger.Debug("transition lost", slog.String("task_id", cur.ID), slog.String("action", action), slog.String("status", string(cur.Status)))
	return failed(reason, cur)
}

func hasStatus(set []task.Status, st task.Status) bool {
	for _, v := range set {
		if v == st {
			return true
		}
	}
	return false
}

func copyMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
