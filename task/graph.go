package task

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// RelSubtask is the relationship type that forms the task hierarchy.
const RelSubtask = "subtask"

// Relationship is a directed edge between two tasks.
type Relationship struct {
	ID        int64     `json:"id"`
	ParentID  string    `json:"parent_task_id"`
	ChildID   string    `json:"child_task_id"`
	Type      string    `json:"relationship_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Link inserts a parent → child edge. Subtask edges that would close a cycle
// are rejected.
func (s *SQLiteStore) Link(ctx context.Context, parentID, childID, relType string) (*Relationship, error) {
	relType = strings.TrimSpace(relType)
	if relType == "" {
		return nil, Validation("relationship_type", "relationship_type is required")
	}
	if parentID == childID {
		return nil, Validation("child_task_id", "a task cannot be related to itself")
	}

	rel := &Relationship{ParentID: parentID, ChildID: childID, Type: relType}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range []string{parentID, childID} {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return NotFound("task", id)
			}
			if err != nil {
				return storeErr("check task", err)
			}
		}
		if relType == RelSubtask {
			cyclic, err := reaches(ctx, tx, childID, parentID)
			if err != nil {
				return err
			}
			if cyclic {
				return Validationf("child_task_id", "linking %s under %s would create a subtask cycle", childID, parentID)
			}
		}

		rel.CreatedAt = s.stamp()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_relationships (parent_task_id, child_task_id, relationship_type, created_at)
			VALUES (?, ?, ?, ?)`,
			parentID, childID, relType, formatTime(rel.CreatedAt),
		)
		if err != nil {
			return storeErr("insert relationship", err)
		}
		rel.ID, err = res.LastInsertId()
		if err != nil {
			return Internal("insert relationship", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// reaches reports whether to is a subtask descendant of from (or from itself).
func reaches(ctx context.Context, q querier, from, to string) (bool, error) {
	var found int
	err := q.QueryRowContext(ctx, `
		WITH RECURSIVE descendants(id) AS (
			SELECT ?
			UNION
			SELECT r.child_task_id FROM task_relationships r
			JOIN descendants d ON r.parent_task_id = d.id
			WHERE r.relationship_type = ?
		)
		SELECT 1 FROM descendants WHERE id = ? LIMIT 1`,
		from, RelSubtask, to,
	).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storeErr("walk subtask graph", err)
	}
	return true, nil
}

// Unlink removes one edge.
func (s *SQLiteStore) Unlink(ctx context.Context, parentID, childID, relType string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM task_relationships
		WHERE parent_task_id = ? AND child_task_id = ? AND relationship_type = ?`,
		parentID, childID, relType,
	)
	if err != nil {
		return storeErr("delete relationship", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Internal("delete relationship", err)
	}
	if n == 0 {
		return NotFound("relationship", parentID+"->"+childID)
	}
	return nil
}

// Relationships returns every edge where taskID is parent or child.
func (s *SQLiteStore) Relationships(ctx context.Context, taskID string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_task_id, child_task_id, relationship_type, created_at
		FROM task_relationships
		WHERE parent_task_id = ? OR child_task_id = ?
		ORDER BY id`,
		taskID, taskID,
	)
	if err != nil {
		return nil, storeErr("list relationships", err)
	}
	defer rows.Close()

	rels := make([]Relationship, 0)
	for rows.Next() {
		var r Relationship
		var created string
		if err := rows.Scan(&r.ID, &r.ParentID, &r.ChildID, &r.Type, &created); err != nil {
			return nil, storeErr("scan relationship", err)
		}
		if r.CreatedAt, err = parseTime(created); err != nil {
			return nil, Internal("scan relationship", err)
		}
		rels = append(rels, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list relationships", err)
	}
	return rels, nil
}

// BlockedAncestors returns the subset of ids that have at least one
// transitive subtask descendant whose stored status is blocked. It runs as a
// single recursive query regardless of how many ids or how deep the graph.
func (s *SQLiteStore) BlockedAncestors(ctx context.Context, ids []string) (map[string]struct{}, error) {
	blocked := make(map[string]struct{})
	if len(ids) == 0 {
		return blocked, nil
	}
	args := stringArgs(ids)
	args = append(args, RelSubtask, RelSubtask, string(StatusBlocked))
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE descendants(root_id, task_id) AS (
			SELECT parent_task_id, child_task_id FROM task_relationships
			WHERE parent_task_id IN (`+placeholders(len(ids))+`) AND relationship_type = ?
			UNION
			SELECT d.root_id, r.child_task_id FROM descendants d
			JOIN task_relationships r ON r.parent_task_id = d.task_id
			WHERE r.relationship_type = ?
		)
		SELECT DISTINCT d.root_id FROM descendants d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.task_status = ?`,
		args...,
	)
	if err != nil {
		return nil, storeErr("detect blocked ancestors", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan blocked ancestor", err)
		}
		blocked[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("detect blocked ancestors", err)
	}
	return blocked, nil
}

// ApplyBlockedOverlay returns tasks with the displayed status set to blocked
// for every member of blocked that is not complete or cancelled. The input
// slice and its tasks are not modified.
func ApplyBlockedOverlay(tasks []*Task, blocked map[string]struct{}) []*Task {
	out := make([]*Task, len(tasks))
	for i, t := range tasks {
		if _, ok := blocked[t.ID]; ok && !t.Status.Terminal() && t.Status != StatusBlocked {
			c := t.Clone()
			c.Status = StatusBlocked
			out[i] = c
			continue
		}
		out[i] = t
	}
	return out
}
