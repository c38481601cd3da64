package task

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Ordering values accepted by Filter.OrderBy.
const (
	OrderNewest      = "created_at"
	OrderPriority    = "priority"
	OrderPriorityAsc = "priority_asc"
)

// OrderBys lists the accepted order_by values; "" means OrderNewest.
var OrderBys = []string{OrderNewest, OrderPriority, OrderPriorityAsc}

// Limit bounds for a single selection.
const (
	MinLimit     = 1
	MaxLimit     = 1000
	DefaultLimit = 100
)

// DateLayouts are the ISO-8601 forms accepted for date inputs.
var DateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// Range is an inclusive time interval; either end may be open.
type Range struct {
	From *time.Time
	To   *time.Time
}

func (r Range) empty() bool { return r.From == nil && r.To == nil }

// Filter is a validated task selection.
type Filter struct {
	Type           Type
	Status         Status
	AssignedAgent  string
	ProjectID      string
	OrganizationID string
	Priority       Priority
	TagIDs         []string // OR-matched
	Created        Range
	Updated        Range
	Completed      Range
	Search         string
	OrderBy        string
	Limit          int
	Offset         int
}

// QueryParams is the untyped form of a Filter as received from adapters.
type QueryParams struct {
	TaskType        string   `json:"task_type,omitempty"`
	TaskStatus      string   `json:"task_status,omitempty"`
	AssignedAgent   string   `json:"assigned_agent,omitempty"`
	ProjectID       string   `json:"project_id,omitempty"`
	OrganizationID  string   `json:"organization_id,omitempty"`
	Priority        string   `json:"priority,omitempty"`
	TagID           string   `json:"tag_id,omitempty"`
	TagIDs          []string `json:"tag_ids,omitempty"`
	CreatedAfter    string   `json:"created_after,omitempty"`
	CreatedBefore   string   `json:"created_before,omitempty"`
	UpdatedAfter    string   `json:"updated_after,omitempty"`
	UpdatedBefore   string   `json:"updated_before,omitempty"`
	CompletedAfter  string   `json:"completed_after,omitempty"`
	CompletedBefore string   `json:"completed_before,omitempty"`
	Search          string   `json:"search,omitempty"`
	OrderBy         string   `json:"order_by,omitempty"`
	Limit           string   `json:"limit,omitempty"`
	Offset          string   `json:"offset,omitempty"`
}

// ParseQuery validates p and converts it into a Filter. defaultLimit applies
// when p.Limit is empty.
func ParseQuery(p QueryParams, defaultLimit int) (Filter, error) {
	f := Filter{
		AssignedAgent:  strings.TrimSpace(p.AssignedAgent),
		ProjectID:      strings.TrimSpace(p.ProjectID),
		OrganizationID: strings.TrimSpace(p.OrganizationID),
		Search:         strings.TrimSpace(p.Search),
		Limit:          defaultLimit,
	}
	if p.TaskType != "" {
		if err := checkEnum("task_type", Type(p.TaskType), Types); err != nil {
			return Filter{}, err
		}
		f.Type = Type(p.TaskType)
	}
	if p.TaskStatus != "" {
		if err := checkEnum("task_status", Status(p.TaskStatus), Statuses); err != nil {
			return Filter{}, err
		}
		f.Status = Status(p.TaskStatus)
	}
	if p.Priority != "" {
		if err := checkEnum("priority", Priority(p.Priority), Priorities); err != nil {
			return Filter{}, err
		}
		f.Priority = Priority(p.Priority)
	}
	if p.OrderBy != "" {
		if err := checkEnum("order_by", p.OrderBy, OrderBys); err != nil {
			return Filter{}, err
		}
		f.OrderBy = p.OrderBy
	}

	if p.TagID != "" {
		f.TagIDs = append(f.TagIDs, p.TagID)
	}
	for _, id := range p.TagIDs {
		if id = strings.TrimSpace(id); id != "" {
			f.TagIDs = append(f.TagIDs, id)
		}
	}

	var err error
	ranges := []struct {
		field string
		in    string
		out   **time.Time
	}{
		{"created_after", p.CreatedAfter, &f.Created.From},
		{"created_before", p.CreatedBefore, &f.Created.To},
		{"updated_after", p.UpdatedAfter, &f.Updated.From},
		{"updated_before", p.UpdatedBefore, &f.Updated.To},
		{"completed_after", p.CompletedAfter, &f.Completed.From},
		{"completed_before", p.CompletedBefore, &f.Completed.To},
	}
	for _, r := range ranges {
		if r.in == "" {
			continue
		}
		t, perr := ParseDate(r.field, r.in)
		if perr != nil {
			return Filter{}, perr
		}
		*r.out = &t
	}

	if p.Limit != "" {
		if f.Limit, err = strconv.Atoi(p.Limit); err != nil {
			return Filter{}, Validationf("limit", "limit must be an integer between %d and %d", MinLimit, MaxLimit)
		}
	}
	if p.Offset != "" {
		if f.Offset, err = strconv.Atoi(p.Offset); err != nil {
			return Filter{}, Validation("offset", "offset must be a non-negative integer")
		}
	}
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// Validate checks the bounds of a Filter built directly in Go.
func (f Filter) Validate() error {
	if f.Limit < MinLimit || f.Limit > MaxLimit {
		return Validationf("limit", "limit must be between %d and %d", MinLimit, MaxLimit)
	}
	if f.Offset < 0 {
		return Validation("offset", "offset must be a non-negative integer")
	}
	if f.OrderBy != "" {
		if err := checkEnum("order_by", f.OrderBy, OrderBys); err != nil {
			return err
		}
	}
	return nil
}

// ParseDate parses an ISO-8601 timestamp, naming field in the error.
func ParseDate(field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range DateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, Validationf(field, "invalid %s %q: expected ISO-8601 (e.g. 2024-01-31T15:04:05Z or 2024-01-31)", field, value)
}

// ListTasks runs f as one selection over the tasks table. Returned statuses
// are the stored ones; the blocked overlay is applied by the caller.
func (s *SQLiteStore) ListTasks(ctx context.Context, f Filter) ([]*Task, error) {
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	// MaxLimit+1 leaves room for the extra row a has_more probe requests.
	if f.Limit < MinLimit || f.Limit > MaxLimit+1 {
		return nil, Validationf("limit", "limit must be between %d and %d", MinLimit, MaxLimit)
	}
	if f.Offset < 0 {
		return nil, Validation("offset", "offset must be a non-negative integer")
	}
	query, args := buildTaskQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storeErr("scan task", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list tasks", err)
	}
	return tasks, nil
}

const priorityRank = `CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

func buildTaskQuery(f Filter) (string, []any) {
	q := strings.Builder{}
	q.WriteString("SELECT " + taskColumns + " FROM tasks WHERE 1=1")
	args := []any{}

	eq := func(col string, v string) {
		if v == "" {
			return
		}
		q.WriteString(" AND " + col + " = ?")
		args = append(args, v)
	}
	eq("task_type", string(f.Type))
	eq("task_status", string(f.Status))
	eq("assigned_agent", f.AssignedAgent)
	eq("project_id", f.ProjectID)
	eq("organization_id", f.OrganizationID)
	eq("priority", string(f.Priority))

	if len(f.TagIDs) > 0 {
		q.WriteString(" AND EXISTS (SELECT 1 FROM task_tags tt WHERE tt.task_id = tasks.id AND tt.tag_id IN (" + placeholders(len(f.TagIDs)) + "))")
		args = append(args, stringArgs(f.TagIDs)...)
	}

	between := func(col string, r Range) {
		if r.empty() {
			return
		}
		if r.From != nil {
			q.WriteString(" AND " + col + " >= ?")
			args = append(args, formatTime(*r.From))
		}
		if r.To != nil {
			q.WriteString(" AND " + col + " <= ?")
			args = append(args, formatTime(*r.To))
		}
	}
	between("created_at", f.Created)
	between("updated_at", f.Updated)
	between("completed_at", f.Completed)

	if f.Search != "" {
		pattern := "%" + escapeLike(cases.Fold().String(f.Search)) + "%"
		q.WriteString(` AND (casefold(title) LIKE ? ESCAPE '\' OR casefold(task_instruction) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	switch f.OrderBy {
	case OrderPriority:
		q.WriteString(" ORDER BY " + priorityRank + " DESC, created_at DESC, rowid DESC")
	case OrderPriorityAsc:
		q.WriteString(" ORDER BY " + priorityRank + " ASC, created_at DESC, rowid DESC")
	default:
		q.WriteString(" ORDER BY created_at DESC, rowid DESC")
	}
	q.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset))
	return q.String(), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
