package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
)

// Transition describes one guarded status change. The update is applied only
// if the stored row is in one of From and, when RequireAgent is set, is
// assigned to that agent.
type Transition struct {
	ID           string
	From         []Status
	To           Status
	RequireAgent string
	// Agent is the assigned_agent written with the new status. It must be
	// set exactly when To carries an agent.
	Agent     string
	ChangedBy string
}

// Transition applies tr as a single conditional UPDATE and records a version
// when it matched.
func (s *SQLiteStore) Transition(ctx context.Context, tr Transition) (*Task, bool, error) {
	if len(tr.From) == 0 {
		return nil, false, Validation("from", "transition needs at least one source status")
	}
	for _, from := range tr.From {
		if from.Terminal() {
			return nil, false, Validationf("from", "%s is terminal", from)
		}
	}
	if tr.To.HasAgent() != (tr.Agent != "") {
		return nil, false, Validationf("assigned_agent", "status %s requires assigned_agent=%t", tr.To, tr.To.HasAgent())
	}

	var out *Task
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.stamp())
		set := []string{"task_status = ?", "assigned_agent = ?", "updated_at = ?"}
		args := []any{string(tr.To), nullString(StringPtr(tr.Agent)), now}
		switch tr.To {
		case StatusInProgress:
			set = append(set, "started_at = ?")
			args = append(args, now)
		case StatusAvailable:
			set = append(set, "started_at = NULL")
		}

		where := "id = ? AND task_status IN (" + placeholders(len(tr.From)) + ")"
		args = append(args, tr.ID)
		for _, from := range tr.From {
			args = append(args, string(from))
		}
		if tr.RequireAgent != "" {
			where += " AND assigned_agent = ?"
			args = append(args, tr.RequireAgent)
		}

		res, err := tx.ExecContext(ctx, "UPDATE tasks SET "+strings.Join(set, ", ")+" WHERE "+where, args...)
		if err != nil {
			return storeErr("transition task", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Internal("transition task", err)
		}
		if n == 0 {
			return nil
		}
		ok = true
		if out, err = getTask(ctx, tx, tr.ID); err != nil {
			return err
		}
		return s.appendVersion(ctx, tx, out, tr.ChangedBy)
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

// Completion finishes an in-progress task owned by Agent.
type Completion struct {
	ID          string
	Agent       string
	Notes       string
	ActualHours *float64
	// Followup, when set, is created in the same transaction in the
	// completed task's project and organization.
	Followup *Task
}

// Complete applies c as a conditional UPDATE guarded on status and owner.
func (s *SQLiteStore) Complete(ctx context.Context, c Completion) (*Task, *Task, bool, error) {
	if c.Agent == "" {
		return nil, nil, false, Validation("agent_id", "agent_id is required")
	}
	if c.ActualHours != nil && *c.ActualHours < 0 {
		return nil, nil, false, Validation("actual_hours", "actual_hours must not be negative")
	}
	if c.Followup != nil {
		if err := c.Followup.Validate(); err != nil {
			return nil, nil, false, err
		}
	}

	var done, followup *Task
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.stamp())
		actual := nullFloat(c.ActualHours)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET
				task_status = 'complete',
				completed_at = ?,
				updated_at = ?,
				actual_hours = COALESCE(?, actual_hours),
				time_delta_hours = CASE
					WHEN COALESCE(?, actual_hours) IS NULL OR estimated_hours IS NULL THEN NULL
					ELSE COALESCE(?, actual_hours) - estimated_hours END,
				notes = CASE
					WHEN ? = '' THEN notes
					WHEN notes = '' THEN ?
					ELSE notes || char(10) || ? END
			WHERE id = ? AND task_status = 'in_progress' AND assigned_agent = ?`,
			now, now, actual, actual, actual,
			c.Notes, c.Notes, c.Notes,
			c.ID, c.Agent,
		)
		if err != nil {
			return storeErr("complete task", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Internal("complete task", err)
		}
		if n == 0 {
			return nil
		}
		ok = true

		if done, err = getTask(ctx, tx, c.ID); err != nil {
			return err
		}
		if c.Followup != nil {
			followup = c.Followup
			followup.ProjectID = cloneString(done.ProjectID)
			followup.OrganizationID = cloneString(done.OrganizationID)
			if followup.Metadata == nil {
				followup.Metadata = map[string]string{}
			}
			followup.Metadata[MetaPreviousTaskID] = done.ID
			if err := s.insertTask(ctx, tx, followup, c.Agent); err != nil {
				return err
			}
			done.Metadata[MetaFollowupTaskID] = followup.ID
			if err := setMetadata(ctx, tx, done.ID, done.Metadata); err != nil {
				return err
			}
		}
		return s.appendVersion(ctx, tx, done, c.Agent)
	})
	if err != nil {
		return nil, nil, false, err
	}
	return done, followup, ok, nil
}

func setMetadata(ctx context.Context, q querier, id string, md map[string]string) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return Validation("metadata", "metadata is not serializable")
	}
	if _, err := q.ExecContext(ctx, `UPDATE tasks SET metadata = ? WHERE id = ?`, string(raw), id); err != nil {
		return storeErr("update task metadata", err)
	}
	return nil
}
