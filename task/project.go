package task

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Project groups tasks; its organization scopes every task created in it.
type Project struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	OrganizationID *string   `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Tag is a free-form label attached to tasks.
type Tag struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateProject persists p and assigns its ID.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	if strings.TrimSpace(p.Name) == "" {
		return Validation("name", "name is required")
	}
	p.ID = uuid.NewString()
	p.CreatedAt = s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, organization_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, nullString(p.OrganizationID), formatTime(p.CreatedAt),
	)
	return storeErr("insert project", err)
}

// GetProject retrieves a project by ID.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, organization_id, created_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("project", id)
	}
	return p, err
}

// ListProjects returns projects ordered by name, restricted to one
// organization when organizationID is set.
func (s *SQLiteStore) ListProjects(ctx context.Context, organizationID string) ([]*Project, error) {
	query := `SELECT id, name, description, organization_id, created_at FROM projects`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY name`, args...)
	if err != nil {
		return nil, storeErr("list projects", err)
	}
	defer rows.Close()

	projects := make([]*Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list projects", err)
	}
	return projects, nil
}

func scanProject(sc scanner) (*Project, error) {
	var p Project
	var org sql.NullString
	var created string
	if err := sc.Scan(&p.ID, &p.Name, &p.Description, &org, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan project", err)
	}
	p.OrganizationID = fromNullString(org)
	var err error
	if p.CreatedAt, err = parseTime(created); err != nil {
		return nil, Internal("scan project", err)
	}
	return &p, nil
}

// CreateTag persists tag and assigns its ID.
func (s *SQLiteStore) CreateTag(ctx context.Context, tag *Tag) error {
	if strings.TrimSpace(tag.Name) == "" {
		return Validation("name", "name is required")
	}
	tag.ID = uuid.NewString()
	tag.CreatedAt = s.stamp()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tags (id, name, created_at) VALUES (?, ?, ?)`,
		tag.ID, tag.Name, formatTime(tag.CreatedAt))
	return storeErr("insert tag", err)
}

// TagTask attaches a tag to a task. Attaching twice is a no-op.
func (s *SQLiteStore) TagTask(ctx context.Context, taskID, tagID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO task_tags (task_id, tag_id) VALUES (?, ?)`, taskID, tagID)
	return storeErr("tag task", err)
}

// TaskTags returns the tags attached to a task, ordered by name.
func (s *SQLiteStore) TaskTags(ctx context.Context, taskID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.created_at FROM tags t
		JOIN task_tags tt ON tt.tag_id = t.id
		WHERE tt.task_id = ? ORDER BY t.name`, taskID)
	if err != nil {
		return nil, storeErr("list task tags", err)
	}
	defer rows.Close()

	tags := make([]Tag, 0)
	for rows.Next() {
		var tag Tag
		var created string
		if err := rows.Scan(&tag.ID, &tag.Name, &created); err != nil {
			return nil, storeErr("scan tag", err)
		}
		if tag.CreatedAt, err = parseTime(created); err != nil {
			return nil, Internal("scan tag", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list task tags", err)
	}
	return tags, nil
}
