package task

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically in
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL UNIQUE,
		description     TEXT NOT NULL DEFAULT '',
		organization_id TEXT,
		created_at      TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id                       TEXT PRIMARY KEY,
		title                    TEXT NOT NULL,
		task_type                TEXT NOT NULL,
		task_instruction         TEXT NOT NULL,
		verification_instruction TEXT NOT NULL DEFAULT '',
		task_status              TEXT NOT NULL DEFAULT 'available',
		verification_status      TEXT NOT NULL DEFAULT 'pending',
		priority                 TEXT NOT NULL DEFAULT 'medium',
		assigned_agent           TEXT,
		project_id               TEXT REFERENCES projects(id) ON DELETE SET NULL,
		organization_id          TEXT,
		notes                    TEXT NOT NULL DEFAULT '',
		due_date                 TEXT,
		estimated_hours          REAL,
		actual_hours             REAL,
		time_delta_hours         REAL,
		metadata                 TEXT NOT NULL DEFAULT '{}',
		created_at               TEXT NOT NULL,
		updated_at               TEXT NOT NULL,
		started_at               TEXT,
		completed_at             TEXT,
		CHECK ((assigned_agent IS NOT NULL) = (task_status IN ('in_progress', 'complete'))),
		CHECK ((completed_at IS NOT NULL) = (task_status = 'complete'))
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(task_status);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);`,
	`CREATE TABLE IF NOT EXISTS task_relationships (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		child_task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		relationship_type TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		UNIQUE(parent_task_id, child_task_id, relationship_type)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rel_parent ON task_relationships(parent_task_id, relationship_type);`,
	`CREATE INDEX IF NOT EXISTS idx_rel_child ON task_relationships(child_task_id, relationship_type);`,
	`CREATE TABLE IF NOT EXISTS task_versions (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id        TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		version_number INTEGER NOT NULL,
		snapshot       TEXT NOT NULL,
		changed_by     TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		UNIQUE(task_id, version_number)
	);`,
	`CREATE TABLE IF NOT EXISTS tags (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_tags (
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		tag_id  TEXT NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
		PRIMARY KEY (task_id, tag_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_task_tags_tag ON task_tags(tag_id);`,
	`CREATE TABLE IF NOT EXISTS templates (
		id                       TEXT PRIMARY KEY,
		name                     TEXT NOT NULL UNIQUE,
		task_type                TEXT NOT NULL,
		task_instruction         TEXT NOT NULL,
		verification_instruction TEXT NOT NULL DEFAULT '',
		priority                 TEXT NOT NULL DEFAULT 'medium',
		estimated_hours          REAL,
		notes                    TEXT NOT NULL DEFAULT '',
		created_at               TEXT NOT NULL,
		updated_at               TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS recurring_rules (
		id                TEXT PRIMARY KEY,
		task_id           TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		recurrence_type   TEXT NOT NULL,
		day_of_week       INTEGER,
		day_of_month      INTEGER,
		next_occurrence   TEXT NOT NULL,
		active            INTEGER NOT NULL DEFAULT 1,
		last_generated_at TEXT,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rules_due ON recurring_rules(active, next_occurrence);`,
}

func init() {
	// casefold(x) backs the case-insensitive text search; SQLite's lower()
	// only folds ASCII.
	sqlite.MustRegisterDeterministicScalarFunction("casefold", 1, func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		switch v := args[0].(type) {
		case nil:
			return nil, nil
		case string:
			return cases.Fold().String(v), nil
		case []byte:
			return cases.Fold().String(string(v)), nil
		default:
			return v, nil
		}
	})
}

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) { s.now = now }
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	s := &SQLiteStore{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) stamp() time.Time { return s.now().UTC() }

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Internal("begin transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return Internal("commit transaction", err)
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id, title, task_type, task_instruction, verification_instruction,
	task_status, verification_status, priority, assigned_agent, project_id, organization_id,
	notes, due_date, estimated_hours, actual_hours, time_delta_hours, metadata,
	created_at, updated_at, started_at, completed_at`

// CreateTask persists a new task, sets its ID and timestamps, and records
// version 1.
func (s *SQLiteStore) CreateTask(ctx context.Context, t *Task, changedBy string) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertTask(ctx, tx, t, changedBy)
	})
}

func (s *SQLiteStore) insertTask(ctx context.Context, q querier, t *Task, changedBy string) error {
	t.ID = uuid.NewString()
	now := s.stamp()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return Validation("metadata", "metadata is not serializable")
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, string(t.Type), t.Instruction, t.VerificationInstruction,
		string(t.Status), string(t.VerificationStatus), string(t.Priority),
		nullString(t.AssignedAgent), nullString(t.ProjectID), nullString(t.OrganizationID),
		t.Notes, nullTime(t.DueDate), nullFloat(t.EstimatedHours), nullFloat(t.ActualHours),
		nullFloat(t.TimeDeltaHours), string(metadata),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return storeErr("insert task", err)
	}
	return s.appendVersion(ctx, q, t, changedBy)
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q querier, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("task", id)
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	return t, nil
}

// UpdateTask applies p to the stored task and records a new version.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, p Patch, changedBy string) (*Task, error) {
	var out *Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := p.Apply(t); err != nil {
			return err
		}
		t.UpdatedAt = s.stamp()
		metadata, err := json.Marshal(t.Metadata)
		if err != nil {
			return Validation("metadata", "metadata is not serializable")
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET
				title=?, task_type=?, task_instruction=?, verification_instruction=?,
				verification_status=?, priority=?, notes=?, due_date=?, estimated_hours=?,
				time_delta_hours = CASE WHEN actual_hours IS NULL OR ? IS NULL THEN NULL ELSE actual_hours - ? END,
				metadata=?, updated_at=?
			WHERE id=?`,
			t.Title, string(t.Type), t.Instruction, t.VerificationInstruction,
			string(t.VerificationStatus), string(t.Priority), t.Notes, nullTime(t.DueDate),
			nullFloat(t.EstimatedHours), nullFloat(t.EstimatedHours), nullFloat(t.EstimatedHours),
			string(metadata), formatTime(t.UpdatedAt), id,
		)
		if err != nil {
			return storeErr("update task", err)
		}
		out, err = getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		return s.appendVersion(ctx, tx, out, changedBy)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTask removes a task; relationships, versions, tags and recurring
// rules cascade.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return storeErr("delete task", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return Internal("delete task", err)
	}
	if rows == 0 {
		return NotFound("task", id)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var typ, status, verification, priority, metadataJSON string
	var createdAt, updatedAt string
	var agent, project, org, dueDate, startedAt, completedAt sql.NullString
	var estimated, actual, delta sql.NullFloat64

	err := s.Scan(
		&t.ID, &t.Title, &typ, &t.Instruction, &t.VerificationInstruction,
		&status, &verification, &priority, &agent, &project, &org,
		&t.Notes, &dueDate, &estimated, &actual, &delta, &metadataJSON,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = Type(typ)
	t.Status = Status(status)
	t.VerificationStatus = VerificationStatus(verification)
	t.Priority = Priority(priority)
	t.AssignedAgent = fromNullString(agent)
	t.ProjectID = fromNullString(project)
	t.OrganizationID = fromNullString(org)
	t.EstimatedHours = fromNullFloat(estimated)
	t.ActualHours = fromNullFloat(actual)
	t.TimeDeltaHours = fromNullFloat(delta)

	_ = json.Unmarshal([]byte(metadataJSON), &t.Metadata)
	if t.Metadata == nil {
		t.Metadata = map[string]string{}
	}

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.DueDate, err = parseNullTime(dueDate); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func fromNullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}
