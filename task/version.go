package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"time"
)

// Version is an immutable snapshot of a task taken after a change.
type Version struct {
	TaskID    string         `json:"task_id"`
	Number    int            `json:"version_number"`
	Snapshot  map[string]any `json:"snapshot"`
	ChangedBy string         `json:"changed_by"`
	CreatedAt time.Time      `json:"created_at"`
}

// FieldChange is one differing field between two versions.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// appendVersion records t as the next version of its task. Callers run it in
// the same transaction as the change it describes.
func (s *SQLiteStore) appendVersion(ctx context.Context, q querier, t *Task, changedBy string) error {
	snap, err := json.Marshal(t)
	if err != nil {
		return Internal("encode task snapshot", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO task_versions (task_id, version_number, snapshot, changed_by, created_at)
		SELECT ?, COALESCE(MAX(version_number), 0) + 1, ?, ?, ?
		FROM task_versions WHERE task_id = ?`,
		t.ID, string(snap), changedBy, formatTime(s.stamp()), t.ID,
	)
	if err != nil {
		return storeErr("append task version", err)
	}
	return nil
}

// Versions returns the history of a task, oldest first.
func (s *SQLiteStore) Versions(ctx context.Context, taskID string) ([]Version, error) {
	if _, err := getTask(ctx, s.db, taskID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, version_number, snapshot, changed_by, created_at
		FROM task_versions WHERE task_id = ? ORDER BY version_number`, taskID)
	if err != nil {
		return nil, storeErr("list versions", err)
	}
	defer rows.Close()

	versions := make([]Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list versions", err)
	}
	return versions, nil
}

// Version returns one numbered snapshot.
func (s *SQLiteStore) Version(ctx context.Context, taskID string, number int) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, version_number, snapshot, changed_by, created_at
		FROM task_versions WHERE task_id = ? AND version_number = ?`, taskID, number)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: KindNotFound, Detail: "version not found for task " + taskID}
	}
	return v, err
}

func scanVersion(sc scanner) (*Version, error) {
	var v Version
	var snap, created string
	if err := sc.Scan(&v.TaskID, &v.Number, &snap, &v.ChangedBy, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr("scan version", err)
	}
	if err := json.Unmarshal([]byte(snap), &v.Snapshot); err != nil {
		return nil, Internal("decode task snapshot", err)
	}
	var err error
	if v.CreatedAt, err = parseTime(created); err != nil {
		return nil, Internal("scan version", err)
	}
	return &v, nil
}

// Diff compares the snapshots of a and b and returns every field whose value
// differs, including fields present in only one of them.
func Diff(a, b *Version) map[string]FieldChange {
	out := make(map[string]FieldChange)
	for _, k := range unionKeys(a.Snapshot, b.Snapshot) {
		oldV, newV := a.Snapshot[k], b.Snapshot[k]
		if !reflect.DeepEqual(oldV, newV) {
			out[k] = FieldChange{Old: oldV, New: newV}
		}
	}
	return out
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, m := range []map[string]any{a, b} {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
