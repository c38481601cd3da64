package engine

import (
	"context"

	"github.com/GoCodeAlone/taskyard/task"
)

// Versions returns the full history of a task, oldest first.
func (s *Service) Versions(ctx context.Context, c Caller, taskID string) ([]task.Version, error) {
	if _, err := s.loadTask(ctx, c, taskID); err != nil {
		return nil, err
	}
	return s.store.Versions(ctx, taskID)
}

// Version returns one numbered snapshot of a task.
func (s *Service) Version(ctx context.Context, c Caller, taskID string, number int) (*task.Version, error) {
	if _, err := s.loadTask(ctx, c, taskID); err != nil {
		return nil, err
	}
	return s.store.Version(ctx, taskID, number)
}

// Diff compares versions v1 and v2 of a task field by field.
func (s *Service) Diff(ctx context.Context, c Caller, taskID string, v1, v2 int) (map[string]task.FieldChange, error) {
	a, err := s.Version(ctx, c, taskID, v1)
	if err != nil {
		return nil, err
	}
	b, err := s.store.Version(ctx, taskID, v2)
	if err != nil {
		return nil, err
	}
	return task.Diff(a, b), nil
}
