// Package task defines the task model and its SQLite-backed persistence:
// the repository, status transitions, relationship graph, version history,
// templates and recurrence rules.
package task

import (
	"context"
	"strings"
	"time"
)

// Status represents the stored lifecycle state of a task.
type Status string

const (
	StatusAvailable  Status = "available"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every valid Status in lifecycle order.
var Statuses = []Status{StatusAvailable, StatusInProgress, StatusComplete, StatusBlocked, StatusCancelled}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusCancelled
}

// HasAgent reports whether a task in status s carries an assigned agent.
func (s Status) HasAgent() bool {
	return s == StatusInProgress || s == StatusComplete
}

// Type classifies a task within the hierarchy.
type Type string

const (
	TypeConcrete Type = "concrete"
	TypeAbstract Type = "abstract"
	TypeEpic     Type = "epic"
)

// Types lists every valid Type.
var Types = []Type{TypeConcrete, TypeAbstract, TypeEpic}

// Priority determines task scheduling order.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities lists every valid Priority from lowest to highest.
var Priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

// Rank orders priorities; higher is more urgent. Unknown values rank 0.
func (p Priority) Rank() int {
	for i, v := range Priorities {
		if v == p {
			return i + 1
		}
	}
	return 0
}

// VerificationStatus tracks whether completed work has been verified.
type VerificationStatus string

const (
	VerificationPending VerificationStatus = "pending"
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
)

// VerificationStatuses lists every valid VerificationStatus.
var VerificationStatuses = []VerificationStatus{VerificationPending, VerificationPassed, VerificationFailed}

// Metadata keys the engine writes when it derives one task from another.
const (
	MetaFollowupTaskID  = "followup_task_id"
	MetaPreviousTaskID  = "previous_task_id"
	MetaTemplateID      = "template_id"
	MetaRecurringRuleID = "recurring_rule_id"
)

// Task is a unit of work for an agent.
type Task struct {
	ID                      string             `json:"id"`
	Title                   string             `json:"title"`
	Type                    Type               `json:"task_type"`
	Instruction             string             `json:"task_instruction"`
	VerificationInstruction string             `json:"verification_instruction"`
	Status                  Status             `json:"task_status"`
	VerificationStatus      VerificationStatus `json:"verification_status"`
	Priority                Priority           `json:"priority"`
	AssignedAgent           *string            `json:"assigned_agent"`
	ProjectID               *string            `json:"project_id"`
	OrganizationID          *string            `json:"organization_id"`
	Notes                   string             `json:"notes"`
	DueDate                 *time.Time         `json:"due_date"`
	EstimatedHours          *float64           `json:"estimated_hours"`
	ActualHours             *float64           `json:"actual_hours"`
	TimeDeltaHours          *float64           `json:"time_delta_hours"`
	Metadata                map[string]string  `json:"metadata"`
	CreatedAt               time.Time          `json:"created_at"`
	UpdatedAt               time.Time          `json:"updated_at"`
	StartedAt               *time.Time         `json:"started_at"`
	CompletedAt             *time.Time         `json:"completed_at"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.AssignedAgent = cloneString(t.AssignedAgent)
	c.ProjectID = cloneString(t.ProjectID)
	c.OrganizationID = cloneString(t.OrganizationID)
	c.DueDate = cloneTime(t.DueDate)
	c.EstimatedHours = cloneFloat(t.EstimatedHours)
	c.ActualHours = cloneFloat(t.ActualHours)
	c.TimeDeltaHours = cloneFloat(t.TimeDeltaHours)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Agent returns the assigned agent or "".
func (t *Task) Agent() string {
	if t.AssignedAgent == nil {
		return ""
	}
	return *t.AssignedAgent
}

// Validate checks the fields required to persist a new task and fills in
// defaults for status, priority and verification status.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return Validation("title", "title is required")
	}
	if strings.TrimSpace(t.Instruction) == "" {
		return Validation("task_instruction", "task_instruction is required")
	}
	if err := checkEnum("task_type", t.Type, Types); err != nil {
		return err
	}
	if t.Status == "" {
		t.Status = StatusAvailable
	}
	if t.Status != StatusAvailable {
		return Validation("task_status", "new tasks must start as available")
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if err := checkEnum("priority", t.Priority, Priorities); err != nil {
		return err
	}
	if t.VerificationStatus == "" {
		t.VerificationStatus = VerificationPending
	}
	if err := checkEnum("verification_status", t.VerificationStatus, VerificationStatuses); err != nil {
		return err
	}
	if t.EstimatedHours != nil && *t.EstimatedHours < 0 {
		return Validation("estimated_hours", "estimated_hours must not be negative")
	}
	return nil
}

// Patch is a partial update of the editable task fields. Nil fields are left
// unchanged. Status is never patched; it only moves through transitions.
type Patch struct {
	Title                   *string             `json:"title,omitempty"`
	Type                    *Type               `json:"task_type,omitempty"`
	Instruction             *string             `json:"task_instruction,omitempty"`
	VerificationInstruction *string             `json:"verification_instruction,omitempty"`
	VerificationStatus      *VerificationStatus `json:"verification_status,omitempty"`
	Priority                *Priority           `json:"priority,omitempty"`
	Notes                   *string             `json:"notes,omitempty"`
	DueDate                 *time.Time          `json:"due_date,omitempty"`
	ClearDueDate            bool                `json:"clear_due_date,omitempty"`
	EstimatedHours          *float64            `json:"estimated_hours,omitempty"`
	Metadata                map[string]string   `json:"metadata,omitempty"`
}

// Apply validates p and writes it onto t.
func (p Patch) Apply(t *Task) error {
	if p.Title != nil {
		if strings.TrimSpace(*p.Title) == "" {
			return Validation("title", "title must not be empty")
		}
		t.Title = *p.Title
	}
	if p.Type != nil {
		if err := checkEnum("task_type", *p.Type, Types); err != nil {
			return err
		}
		t.Type = *p.Type
	}
	if p.Instruction != nil {
		if strings.TrimSpace(*p.Instruction) == "" {
			return Validation("task_instruction", "task_instruction must not be empty")
		}
		t.Instruction = *p.Instruction
	}
	if p.VerificationInstruction != nil {
		t.VerificationInstruction = *p.VerificationInstruction
	}
	if p.VerificationStatus != nil {
		if err := checkEnum("verification_status", *p.VerificationStatus, VerificationStatuses); err != nil {
			return err
		}
		t.VerificationStatus = *p.VerificationStatus
	}
	if p.Priority != nil {
		if err := checkEnum("priority", *p.Priority, Priorities); err != nil {
			return err
		}
		t.Priority = *p.Priority
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	if p.ClearDueDate {
		t.DueDate = nil
	} else if p.DueDate != nil {
		d := p.DueDate.UTC()
		t.DueDate = &d
	}
	if p.EstimatedHours != nil {
		if *p.EstimatedHours < 0 {
			return Validation("estimated_hours", "estimated_hours must not be negative")
		}
		t.EstimatedHours = cloneFloat(p.EstimatedHours)
	}
	if p.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(p.Metadata))
		}
		for k, v := range p.Metadata {
			if v == "" {
				delete(t.Metadata, k)
				continue
			}
			t.Metadata[k] = v
		}
	}
	return nil
}

// Store persists and retrieves tasks and the records derived from them.
// Every state-changing method is a single conditional write or a single
// transaction; implementations hold no authoritative in-memory state.
type Store interface {
	// CreateTask persists t, assigning ID and timestamps, and records version 1.
	CreateTask(ctx context.Context, t *Task, changedBy string) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, id string, p Patch, changedBy string) (*Task, error)
	DeleteTask(ctx context.Context, id string) error
	ListTasks(ctx context.Context, f Filter) ([]*Task, error)

	// Transition applies tr only if the stored row still matches its
	// preconditions. ok is false when no row matched.
	Transition(ctx context.Context, tr Transition) (t *Task, ok bool, err error)
	// Complete finishes an in-progress task and, when c.Followup is set,
	// creates the followup task in the same transaction.
	Complete(ctx context.Context, c Completion) (done *Task, followup *Task, ok bool, err error)

	Link(ctx context.Context, parentID, childID, relType string) (*Relationship, error)
	Unlink(ctx context.Context, parentID, childID, relType string) error
	Relationships(ctx context.Context, taskID string) ([]Relationship, error)
	BlockedAncestors(ctx context.Context, ids []string) (map[string]struct{}, error)

	Versions(ctx context.Context, taskID string) ([]Version, error)
	Version(ctx context.Context, taskID string, number int) (*Version, error)

	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context, organizationID string) ([]*Project, error)
	CreateTag(ctx context.Context, tag *Tag) error
	TagTask(ctx context.Context, taskID, tagID string) error
	TaskTags(ctx context.Context, taskID string) ([]Tag, error)

	CreateTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)
	UpdateTemplate(ctx context.Context, tpl *Template) error
	DeleteTemplate(ctx context.Context, id string) error

	CreateRule(ctx context.Context, r *RecurringRule) error
	GetRule(ctx context.Context, id string) (*RecurringRule, error)
	ListRules(ctx context.Context, f RuleFilter) ([]*RecurringRule, error)
	UpdateRule(ctx context.Context, r *RecurringRule) error
	// AdvanceRule moves the rule's next occurrence from expected to next and
	// persists instance, both only if the rule is active and still at expected.
	AdvanceRule(ctx context.Context, ruleID string, expected, next time.Time, instance *Task) (ok bool, err error)
	DeactivateRule(ctx context.Context, id string) (ok bool, err error)

	Close() error
}

func checkEnum[T ~string](field string, v T, allowed []T) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	names := make([]string, len(allowed))
	for i, a := range allowed {
		names[i] = string(a)
	}
	return Validationf(field, "invalid %s %q: must be one of %s", field, string(v), strings.Join(names, ", "))
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
