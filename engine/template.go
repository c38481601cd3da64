package engine

import (
	"context"
	"strings"

	"github.com/GoCodeAlone/taskyard/task"
)

// CreateTemplate stores a new template.
func (s *Service) CreateTemplate(ctx context.Context, _ Caller, tpl *task.Template) error {
	return s.store.CreateTemplate(ctx, tpl)
}

// GetTemplate returns one template.
func (s *Service) GetTemplate(ctx context.Context, _ Caller, id string) (*task.Template, error) {
	return s.store.GetTemplate(ctx, id)
}

// ListTemplates returns every template.
func (s *Service) ListTemplates(ctx context.Context, _ Caller) ([]*task.Template, error) {
	return s.store.ListTemplates(ctx)
}

// UpdateTemplate overwrites a template's fields.
func (s *Service) UpdateTemplate(ctx context.Context, _ Caller, tpl *task.Template) error {
	return s.store.UpdateTemplate(ctx, tpl)
}

// DeleteTemplate removes a template. Tasks created from it are kept.
func (s *Service) DeleteTemplate(ctx context.Context, _ Caller, id string) error {
	return s.store.DeleteTemplate(ctx, id)
}

// TemplateOverrides adjusts a task created from a template.
type TemplateOverrides struct {
	Title          string            `json:"title,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	ProjectID      string            `json:"project_id,omitempty"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	DueDate        string            `json:"due_date,omitempty"`
	EstimatedHours *float64          `json:"estimated_hours,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreateTaskFromTemplate creates a task from a template through the normal
// create path. The title defaults to the template name and notes from both
// sources are joined by a blank line.
func (s *Service) CreateTaskFromTemplate(ctx context.Context, c Caller, templateID string, o TemplateOverrides) (*task.Task, error) {
	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	req := CreateRequest{
		Title:                   tpl.Name,
		TaskType:                string(tpl.Type),
		TaskInstruction:         tpl.Instruction,
		VerificationInstruction: tpl.VerificationInstruction,
		Priority:                string(tpl.Priority),
		ProjectID:               o.ProjectID,
		OrganizationID:          o.OrganizationID,
		Notes:                   joinNotes(tpl.Notes, o.Notes),
		DueDate:                 o.DueDate,
		EstimatedHours:          tpl.EstimatedHours,
		Metadata:                copyMetadata(o.Metadata),
	}
	if strings.TrimSpace(o.Title) != "" {
		req.Title = o.Title
	}
	if o.Priority != "" {
		req.Priority = o.Priority
	}
	if o.EstimatedHours != nil {
		req.EstimatedHours = o.EstimatedHours
	}
	req.Metadata[task.MetaTemplateID] = tpl.ID
	return s.CreateTask(ctx, c, req)
}

func joinNotes(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}
