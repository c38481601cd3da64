package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/taskyard/comms"
	"github.com/GoCodeAlone/taskyard/task"
)

// RuleRequest is the input for creating or updating a recurring rule.
// NextOccurrence is ISO-8601; when empty on create, the first occurrence of
// the cadence after now is used.
type RuleRequest struct {
	TaskID         string `json:"task_id"`
	RecurrenceType string `json:"recurrence_type"`
	DayOfWeek      *int   `json:"day_of_week,omitempty"`
	DayOfMonth     *int   `json:"day_of_month,omitempty"`
	NextOccurrence string `json:"next_occurrence,omitempty"`
}

func (req RuleRequest) rule() (*task.RecurringRule, error) {
	r := &task.RecurringRule{
		TaskID: req.TaskID,
		Type:   task.RecurrenceType(req.RecurrenceType),
		Config: task.RecurrenceConfig{DayOfWeek: req.DayOfWeek, DayOfMonth: req.DayOfMonth},
	}
	if req.NextOccurrence != "" {
		next, err := task.ParseDate("next_occurrence", req.NextOccurrence)
		if err != nil {
			return nil, err
		}
		r.NextOccurrence = next
	}
	return r, nil
}

// CreateRecurringRule attaches a schedule to a base task.
func (s *Service) CreateRecurringRule(ctx context.Context, c Caller, req RuleRequest) (*task.RecurringRule, error) {
	r, err := req.rule()
	if err != nil {
		return nil, err
	}
	if r.NextOccurrence.IsZero() {
		r.NextOccurrence = task.NextOccurrence(r.Type, r.Config, s.now().UTC())
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.loadTask(ctx, c, r.TaskID); err != nil {
		return nil, err
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetRecurringRule returns one rule whose base task the caller can see.
func (s *Service) GetRecurringRule(ctx context.Context, c Caller, id string) (*task.RecurringRule, error) {
	r, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.loadTask(ctx, c, r.TaskID); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRecurringRules returns the rules matching f whose base tasks are in
// the caller's scope.
func (s *Service) ListRecurringRules(ctx context.Context, c Caller, f task.RuleFilter) ([]*task.RecurringRule, error) {
	rules, err := s.store.ListRules(ctx, f)
	if err != nil {
		return nil, err
	}
	if c.ProjectID == "" && c.OrganizationID == "" {
		return rules, nil
	}
	out := make([]*task.RecurringRule, 0, len(rules))
	for _, r := range rules {
		_, err := s.loadTask(ctx, c, r.TaskID)
		switch task.KindOf(err) {
		case "":
			out = append(out, r)
		case task.KindAuthorization, task.KindNotFound:
		default:
			return nil, err
		}
	}
	return out, nil
}

// UpdateRecurringRule changes the cadence of a rule. Fields left empty in req
// keep their current values.
func (s *Service) UpdateRecurringRule(ctx context.Context, c Caller, id string, req RuleRequest) (*task.RecurringRule, error) {
	cur, err := s.GetRecurringRule(ctx, c, id)
	if err != nil {
		return nil, err
	}
	upd, err := req.rule()
	if err != nil {
		return nil, err
	}
	r := *cur
	if upd.Type != "" {
		r.Type = upd.Type
	}
	if upd.Config.DayOfWeek != nil {
		r.Config.DayOfWeek = upd.Config.DayOfWeek
	}
	if upd.Config.DayOfMonth != nil {
		r.Config.DayOfMonth = upd.Config.DayOfMonth
	}
	if !upd.NextOccurrence.IsZero() {
		r.NextOccurrence = upd.NextOccurrence
	}
	if err := s.store.UpdateRule(ctx, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRecurringInstance generates the task for the rule's pending
// occurrence and advances the rule past it, atomically. An inactive rule or
// a concurrent trigger yields Success=false.
func (s *Service) CreateRecurringInstance(ctx context.Context, c Caller, ruleID string) (Result, error) {
	r, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return Result{}, err
	}
	if !r.Active {
		return failed(fmt.Sprintf("recurring rule %s is inactive", ruleID), nil), nil
	}
	base, err := s.loadTask(ctx, c, r.TaskID)
	if err != nil {
		return Result{}, err
	}

	occurrence := r.NextOccurrence
	next := task.NextOccurrence(r.Type, r.Config, occurrence)
	instance := instanceOf(base, occurrence)
	ok, err := s.store.AdvanceRule(ctx, r.ID, occurrence, next, instance)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return failed(fmt.Sprintf("recurring rule %s was already advanced or deactivated", ruleID), nil), nil
	}
	s.logger.Debug("recurring instance created",
		slog.String("rule_id", r.ID),
		slog.String("task_id", instance.ID),
		slog.Time("occurrence", occurrence),
		slog.Time("next_occurrence", next),
	)
	s.emit(comms.EventCreated, instance)
	return Result{Success: true, Task: instance}, nil
}

// instanceOf clones the schedulable fields of base into a fresh available
// task due at occurrence.
func instanceOf(base *task.Task, occurrence time.Time) *task.Task {
	md := copyMetadata(base.Metadata)
	delete(md, task.MetaFollowupTaskID)
	delete(md, task.MetaPreviousTaskID)
	due := occurrence
	t := &task.Task{
		Title:                   base.Title,
		Type:                    base.Type,
		Instruction:             base.Instruction,
		VerificationInstruction: base.VerificationInstruction,
		Priority:                base.Priority,
		DueDate:                 &due,
		Metadata:                md,
	}
	t.ProjectID = task.StringPtr(derefString(base.ProjectID))
	t.OrganizationID = task.StringPtr(derefString(base.OrganizationID))
	if base.EstimatedHours != nil {
		h := *base.EstimatedHours
		t.EstimatedHours = &h
	}
	return t
}

// DeactivateRecurringRule switches a rule off permanently.
func (s *Service) DeactivateRecurringRule(ctx context.Context, c Caller, id string) (Result, error) {
	if _, err := s.GetRecurringRule(ctx, c, id); err != nil {
		return Result{}, err
	}
	ok, err := s.store.DeactivateRule(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return failed(fmt.Sprintf("recurring rule %s is already inactive", id), nil), nil
	}
	return Result{Success: true}, nil
}

// GenerateDue triggers every active rule whose next occurrence is at or
// before now, once each, and returns how many instances were created. A
// failing rule does not stop the sweep.
func (s *Service) GenerateDue(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	rules, err := s.store.ListRules(ctx, task.RuleFilter{ActiveOnly: true, DueBefore: &now})
	if err != nil {
		return 0, err
	}
	var created int
	var errs []error
	for _, r := range rules {
		res, err := s.CreateRecurringInstance(ctx, System, r.ID)
		if err != nil {
			s.logger.Warn("recurring rule failed", slog.String("rule_id", r.ID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
			continue
		}
		if res.Success {
			created++
		}
	}
	if created > 0 {
		s.logger.Info("recurrence sweep", slog.Int("created", created), slog.Int("due", len(rules)))
	}
	return created, errors.Join(errs...)
}

func derefString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
