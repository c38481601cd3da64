package engine

import (
	"context"

	"github.com/GoCodeAlone/taskyard/task"
)

// CreateProject stores a project. A caller scoped to an organization can
// only create projects inside it.
func (s *Service) CreateProject(ctx context.Context, c Caller, p *task.Project) error {
	if c.ProjectID != "" && !c.Admin {
		return task.Unauthorized("project-scoped callers cannot create projects")
	}
	if c.OrganizationID != "" {
		if p.OrganizationID != nil && *p.OrganizationID != c.OrganizationID {
			return task.Unauthorized("caller is scoped to organization %s, not %s", c.OrganizationID, *p.OrganizationID)
		}
		org := c.OrganizationID
		p.OrganizationID = &org
	}
	return s.store.CreateProject(ctx, p)
}

// GetProject returns a project visible to the caller.
func (s *Service) GetProject(ctx context.Context, c Caller, id string) (*task.Project, error) {
	if c.ProjectID != "" && id != c.ProjectID {
		return nil, task.Unauthorized("caller is scoped to project %s, not %s", c.ProjectID, id)
	}
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.OrganizationID != "" && (p.OrganizationID == nil || *p.OrganizationID != c.OrganizationID) {
		return nil, task.Unauthorized("project %s is outside organization %s", id, c.OrganizationID)
	}
	return p, nil
}

// ListProjects returns the projects visible to the caller.
func (s *Service) ListProjects(ctx context.Context, c Caller) ([]*task.Project, error) {
	if c.ProjectID != "" {
		p, err := s.GetProject(ctx, c, c.ProjectID)
		if err != nil {
			return nil, err
		}
		return []*task.Project{p}, nil
	}
	return s.store.ListProjects(ctx, c.OrganizationID)
}

// CreateTag stores a tag.
func (s *Service) CreateTag(ctx context.Context, _ Caller, tag *task.Tag) error {
	return s.store.CreateTag(ctx, tag)
}

// TagTask attaches a tag to a task. An unknown tag is an integrity error.
func (s *Service) TagTask(ctx context.Context, c Caller, taskID, tagID string) error {
	if _, err := s.loadTask(ctx, c, taskID); err != nil {
		return err
	}
	return s.store.TagTask(ctx, taskID, tagID)
}

// TaskTags lists the tags on a task.
func (s *Service) TaskTags(ctx context.Context, c Caller, taskID string) ([]task.Tag, error) {
	if _, err := s.loadTask(ctx, c, taskID); err != nil {
		return nil, err
	}
	return s.store.TaskTags(ctx, taskID)
}
