package task

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Template is a reusable blueprint for creating tasks.
type Template struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	Type                    Type      `json:"task_type"`
	Instruction             string    `json:"task_instruction"`
	VerificationInstruction string    `json:"verification_instruction"`
	Priority                Priority  `json:"priority"`
	EstimatedHours          *float64  `json:"estimated_hours"`
	Notes                   string    `json:"notes"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// Validate checks required fields and fills in the default priority.
func (tpl *Template) Validate() error {
	if strings.TrimSpace(tpl.Name) == "" {
		return Validation("name", "name is required")
	}
	if strings.TrimSpace(tpl.Instruction) == "" {
		return Validation("task_instruction", "task_instruction is required")
	}
	if err := checkEnum("task_type", tpl.Type, Types); err != nil {
		return err
	}
	if tpl.Priority == "" {
		tpl.Priority = PriorityMedium
	}
	if err := checkEnum("priority", tpl.Priority, Priorities); err != nil {
		return err
	}
	if tpl.EstimatedHours != nil && *tpl.EstimatedHours < 0 {
		return Validation("estimated_hours", "estimated_hours must not be negative")
	}
	return nil
}

const templateColumns = `id, name, task_type, task_instruction, verification_instruction,
	priority, estimated_hours, notes, created_at, updated_at`

// CreateTemplate persists tpl and assigns its ID.
func (s *SQLiteStore) CreateTemplate(ctx context.Context, tpl *Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	tpl.ID = uuid.NewString()
	now := s.stamp()
	tpl.CreatedAt, tpl.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		tpl.ID, tpl.Name, string(tpl.Type), tpl.Instruction, tpl.VerificationInstruction,
		string(tpl.Priority), nullFloat(tpl.EstimatedHours), tpl.Notes,
		formatTime(tpl.CreatedAt), formatTime(tpl.UpdatedAt),
	)
	return storeErr("insert template", err)
}

// GetTemplate retrieves a template by ID.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("template", id)
	}
	return tpl, err
}

// ListTemplates returns every template ordered by name.
func (s *SQLiteStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, storeErr("list templates", err)
	}
	defer rows.Close()

	templates := make([]*Template, 0)
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list templates", err)
	}
	return templates, nil
}

// UpdateTemplate overwrites the editable fields of tpl.
func (s *SQLiteStore) UpdateTemplate(ctx context.Context, tpl *Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	tpl.UpdatedAt = s.stamp()
	res, err := s.db.ExecContext(ctx, `
		UPDATE templates SET name=?, task_type=?, task_instruction=?, verification_instruction=?,
			priority=?, estimated_hours=?, notes=?, updated_at=?
		WHERE id=?`,
		tpl.Name, string(tpl.Type), tpl.Instruction, tpl.VerificationInstruction,
		string(tpl.Priority), nullFloat(tpl.EstimatedHours), tpl.Notes, formatTime(tpl.UpdatedAt),
		tpl.ID,
	)
	if err != nil {
		return storeErr("update template", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Internal("update template", err)
	}
	if n == 0 {
		return NotFound("template", tpl.ID)
	}
	return nil
}

// DeleteTemplate removes a template. Tasks created from it are untouched.
func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete template", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Internal("delete template", err)
	}
	if n == 0 {
		return NotFound("template", id)
	}
	return nil
}

func scanTemplate(sc scanner) (*Template, error) {
	var tpl Template
	var typ, priority, created, updated string
	var hours sql.NullFloat64
	err := sc.Scan(&tpl.ID, &tpl.Name, &typ, &tpl.Instruction, &tpl.VerificationInstruction,
		&priority, &hours, &tpl.Notes, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan template", err)
	}
	tpl.Type = Type(typ)
	tpl.Priority = Priority(priority)
	tpl.EstimatedHours = fromNullFloat(hours)
	if tpl.CreatedAt, err = parseTime(created); err != nil {
		return nil, Internal("scan template", err)
	}
	if tpl.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, Internal("scan template", err)
	}
	return &tpl, nil
}
