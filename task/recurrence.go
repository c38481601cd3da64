package task

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecurrenceType is the cadence of a recurring rule.
type RecurrenceType string

const (
	RecurDaily   RecurrenceType = "daily"
	RecurWeekly  RecurrenceType = "weekly"
	RecurMonthly RecurrenceType = "monthly"
)

// RecurrenceTypes lists every valid RecurrenceType.
var RecurrenceTypes = []RecurrenceType{RecurDaily, RecurWeekly, RecurMonthly}

// RecurrenceConfig narrows a weekly or monthly cadence. DayOfWeek counts from
// 0=Monday to 6=Sunday.
type RecurrenceConfig struct {
	DayOfWeek  *int `json:"day_of_week,omitempty"`
	DayOfMonth *int `json:"day_of_month,omitempty"`
}

// RecurringRule regenerates instances of a base task on a schedule.
type RecurringRule struct {
	ID              string           `json:"id"`
	TaskID          string           `json:"task_id"`
	Type            RecurrenceType   `json:"recurrence_type"`
	Config          RecurrenceConfig `json:"recurrence_config"`
	NextOccurrence  time.Time        `json:"next_occurrence"`
	Active          bool             `json:"active"`
	LastGeneratedAt *time.Time       `json:"last_generated_at"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Validate checks the cadence and its configuration.
func (r *RecurringRule) Validate() error {
	if strings.TrimSpace(r.TaskID) == "" {
		return Validation("task_id", "task_id is required")
	}
	if err := checkEnum("recurrence_type", r.Type, RecurrenceTypes); err != nil {
		return err
	}
	if r.NextOccurrence.IsZero() {
		return Validation("next_occurrence", "next_occurrence is required")
	}
	if d := r.Config.DayOfWeek; d != nil && (*d < 0 || *d > 6) {
		return Validation("day_of_week", "day_of_week must be between 0 (Monday) and 6 (Sunday)")
	}
	if d := r.Config.DayOfMonth; d != nil && (*d < 1 || *d > 31) {
		return Validation("day_of_month", "day_of_month must be between 1 and 31")
	}
	return nil
}

// NextOccurrence returns the first occurrence of the cadence strictly after
// from. The time of day of from is preserved.
func NextOccurrence(typ RecurrenceType, cfg RecurrenceConfig, from time.Time) time.Time {
	switch typ {
	case RecurWeekly:
		if cfg.DayOfWeek == nil {
			return from.AddDate(0, 0, 7)
		}
		target := time.Weekday((*cfg.DayOfWeek + 1) % 7)
		delta := (int(target) - int(from.Weekday()) + 7) % 7
		if delta == 0 {
			delta = 7
		}
		return from.AddDate(0, 0, delta)
	case RecurMonthly:
		day := from.Day()
		if cfg.DayOfMonth != nil {
			day = *cfg.DayOfMonth
		}
		if c := dayInMonth(from, 0, day); c.After(from) {
			return c
		}
		return dayInMonth(from, 1, day)
	default:
		return from.AddDate(0, 0, 1)
	}
}

// dayInMonth returns day of the month months after from's, clipped to the
// month length.
func dayInMonth(from time.Time, months, day int) time.Time {
	first := time.Date(from.Year(), from.Month()+time.Month(months), 1,
		from.Hour(), from.Minute(), from.Second(), from.Nanosecond(), from.Location())
	if last := first.AddDate(0, 1, -1).Day(); day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}

// RuleFilter selects recurring rules.
type RuleFilter struct {
	TaskID     string
	ActiveOnly bool
	// DueBefore keeps rules whose next occurrence is at or before it.
	DueBefore *time.Time
}

const ruleColumns = `id, task_id, recurrence_type, day_of_week, day_of_month, next_occurrence,
	active, last_generated_at, created_at, updated_at`

// CreateRule persists r and assigns its ID. The base task must exist.
func (s *SQLiteStore) CreateRule(ctx context.Context, r *RecurringRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getTask(ctx, tx, r.TaskID); err != nil {
			return err
		}
		r.ID = uuid.NewString()
		now := s.stamp()
		r.CreatedAt, r.UpdatedAt = now, now
		r.NextOccurrence = r.NextOccurrence.UTC()
		r.Active = true
		_, err := tx.ExecContext(ctx, `
			INSERT INTO recurring_rules (`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			r.ID, r.TaskID, string(r.Type), nullInt(r.Config.DayOfWeek), nullInt(r.Config.DayOfMonth),
			formatTime(r.NextOccurrence), r.Active, nullTime(r.LastGeneratedAt),
			formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
		)
		return storeErr("insert recurring rule", err)
	})
}

// GetRule retrieves a rule by ID.
func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*RecurringRule, error) {
	return getRule(ctx, s.db, id)
}

func getRule(ctx context.Context, q querier, id string) (*RecurringRule, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM recurring_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("recurring rule", id)
	}
	return r, err
}

// ListRules returns rules matching f, earliest next occurrence first.
func (s *SQLiteStore) ListRules(ctx context.Context, f RuleFilter) ([]*RecurringRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM recurring_rules WHERE 1=1`
	var args []any
	if f.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	if f.ActiveOnly {
		query += ` AND active = 1`
	}
	if f.DueBefore != nil {
		query += ` AND next_occurrence <= ?`
		args = append(args, formatTime(*f.DueBefore))
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY next_occurrence, id`, args...)
	if err != nil {
		return nil, storeErr("list recurring rules", err)
	}
	defer rows.Close()

	rules := make([]*RecurringRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list recurring rules", err)
	}
	return rules, nil
}

// UpdateRule changes the cadence and next occurrence of r. The next
// occurrence may not move backward and inactive rules cannot be edited.
func (s *SQLiteStore) UpdateRule(ctx context.Context, r *RecurringRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := getRule(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if !cur.Active {
			return Validation("active", "recurring rule is deactivated")
		}
		if r.TaskID != cur.TaskID {
			return Validation("task_id", "task_id cannot be changed")
		}
		if r.NextOccurrence.Before(cur.NextOccurrence) {
			return Validation("next_occurrence", "next_occurrence cannot move backward")
		}
		r.NextOccurrence = r.NextOccurrence.UTC()
		r.UpdatedAt = s.stamp()
		r.Active = cur.Active
		r.CreatedAt = cur.CreatedAt
		r.LastGeneratedAt = cur.LastGeneratedAt
		_, err = tx.ExecContext(ctx, `
			UPDATE recurring_rules SET recurrence_type=?, day_of_week=?, day_of_month=?,
				next_occurrence=?, updated_at=?
			WHERE id=?`,
			string(r.Type), nullInt(r.Config.DayOfWeek), nullInt(r.Config.DayOfMonth),
			formatTime(r.NextOccurrence), formatTime(r.UpdatedAt), r.ID,
		)
		return storeErr("update recurring rule", err)
	})
}

// AdvanceRule moves the rule from expected to next and inserts instance in
// one transaction. ok is false when the rule is inactive or has already
// moved past expected.
func (s *SQLiteStore) AdvanceRule(ctx context.Context, ruleID string, expected, next time.Time, instance *Task) (bool, error) {
	if !next.After(expected) {
		return false, Validation("next_occurrence", "next_occurrence must move forward")
	}
	if err := instance.Validate(); err != nil {
		return false, err
	}
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.stamp())
		res, err := tx.ExecContext(ctx, `
			UPDATE recurring_rules SET next_occurrence = ?, last_generated_at = ?, updated_at = ?
			WHERE id = ? AND active = 1 AND next_occurrence = ?`,
			formatTime(next), now, now, ruleID, formatTime(expected),
		)
		if err != nil {
			return storeErr("advance recurring rule", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Internal("advance recurring rule", err)
		}
		if n == 0 {
			return nil
		}
		if instance.Metadata == nil {
			instance.Metadata = map[string]string{}
		}
		instance.Metadata[MetaRecurringRuleID] = ruleID
		if err := s.insertTask(ctx, tx, instance, "recurring_rule:"+ruleID); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// DeactivateRule switches a rule off for good. ok is false when it was
// already inactive.
func (s *SQLiteStore) DeactivateRule(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE recurring_rules SET active = 0, updated_at = ? WHERE id = ? AND active = 1`,
			formatTime(s.stamp()), id)
		if err != nil {
			return storeErr("deactivate recurring rule", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return Internal("deactivate recurring rule", err)
		}
		if n > 0 {
			ok = true
			return nil
		}
		_, err = getRule(ctx, tx, id)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func scanRule(sc scanner) (*RecurringRule, error) {
	var r RecurringRule
	var typ, next, created, updated string
	var dow, dom sql.NullInt64
	var last sql.NullString
	err := sc.Scan(&r.ID, &r.TaskID, &typ, &dow, &dom, &next, &r.Active, &last, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan recurring rule", err)
	}
	r.Type = RecurrenceType(typ)
	r.Config.DayOfWeek = fromNullInt(dow)
	r.Config.DayOfMonth = fromNullInt(dom)
	if r.NextOccurrence, err = parseTime(next); err != nil {
		return nil, Internal("scan recurring rule", err)
	}
	if r.LastGeneratedAt, err = parseNullTime(last); err != nil {
		return nil, Internal("scan recurring rule", err)
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, Internal("scan recurring rule", err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, Internal("scan recurring rule", err)
	}
	return &r, nil
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func fromNullInt(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Int64)
	return &v
}

// IntPtr returns a pointer to i.
func IntPtr(i int) *int { return &i }
