package engine

import (
	"context"

	"github.com/GoCodeAlone/taskyard/task"
)

// Page is one window of a query result.
type Page struct {
	Tasks   []*task.Task `json:"tasks"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	HasMore bool         `json:"has_more"`
}

// Query parses adapter input, scopes it to the caller, and returns one page
// with the blocked overlay applied.
func (s *Service) Query(ctx context.Context, c Caller, p task.QueryParams) (*Page, error) {
	f, err := task.ParseQuery(p, s.defaultLimit)
	if err != nil {
		return nil, err
	}
	if f.Limit > s.maxLimit {
		return nil, task.Validationf("limit", "limit must be between %d and %d", task.MinLimit, s.maxLimit)
	}
	limit := f.Limit
	f.Limit = limit + 1
	tasks, err := s.list(ctx, c, f)
	if err != nil {
		return nil, err
	}
	page := &Page{Limit: limit, Offset: f.Offset}
	if len(tasks) > limit {
		tasks = tasks[:limit]
		page.HasMore = true
	}
	if page.Tasks, err = s.overlay(ctx, tasks); err != nil {
		return nil, err
	}
	return page, nil
}

// List runs a typed filter for the caller and applies the blocked overlay.
func (s *Service) List(ctx context.Context, c Caller, f task.Filter) ([]*task.Task, error) {
	if f.Limit == 0 {
		f.Limit = s.defaultLimit
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	tasks, err := s.list(ctx, c, f)
	if err != nil {
		return nil, err
	}
	return s.overlay(ctx, tasks)
}

func (s *Service) list(ctx context.Context, c Caller, f task.Filter) ([]*task.Task, error) {
	if c.ProjectID != "" {
		if f.ProjectID != "" && f.ProjectID != c.ProjectID {
			return nil, task.Unauthorized("caller is scoped to project %s, not %s", c.ProjectID, f.ProjectID)
		}
		f.ProjectID = c.ProjectID
	}
	if c.OrganizationID != "" {
		if f.OrganizationID != "" && f.OrganizationID != c.OrganizationID {
			return nil, task.Unauthorized("caller is scoped to organization %s, not %s", c.OrganizationID, f.OrganizationID)
		}
		f.OrganizationID = c.OrganizationID
	}
	return s.store.ListTasks(ctx, f)
}

// BlockedIDs returns the subset of ids that have a blocked subtask
// descendant. Ids outside the caller's scope are ignored.
func (s *Service) BlockedIDs(ctx context.Context, c Caller, ids []string) ([]string, error) {
	visible := ids
	if c.ProjectID != "" || c.OrganizationID != "" {
		visible = make([]string, 0, len(ids))
		for _, id := range ids {
			if _, err := s.loadTask(ctx, c, id); err == nil {
				visible = append(visible, id)
			} else if task.KindOf(err) == task.KindInternal {
				return nil, err
			}
		}
	}
	set, err := s.store.BlockedAncestors(ctx, visible)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for _, id := range visible {
		if _, ok := set[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Link adds a parent → child edge between two tasks the caller can see.
func (s *Service) Link(ctx context.Context, c Caller, parentID, childID, relType string) (*task.Relationship, error) {
	if relType == "" {
		relType = task.RelSubtask
	}
	for _, id := range []string{parentID, childID} {
		if _, err := s.loadTask(ctx, c, id); err != nil {
			return nil, err
		}
	}
	return s.store.Link(ctx, parentID, childID, relType)
}

// Unlink removes an edge.
func (s *Service) Unlink(ctx context.Context, c Caller, parentID, childID, relType string) error {
	if relType == "" {
		relType = task.RelSubtask
	}
	if _, err := s.loadTask(ctx, c, parentID); err != nil {
		return err
	}
	return s.store.Unlink(ctx, parentID, childID, relType)
}

// Relationships returns the incoming and outgoing edges of a task.
func (s *Service) Relationships(ctx context.Context, c Caller, id string) ([]task.Relationship, error) {
	if _, err := s.loadTask(ctx, c, id); err != nil {
		return nil, err
	}
	return s.store.Relationships(ctx, id)
}
