package task

import (
	"context"
	"testing"
	"time"
)

func TestNextOccurrence(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time {
		return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
	}
	// 2025-03-05 is a Wednesday.
	tests := []struct {
		name string
		typ  RecurrenceType
		cfg  RecurrenceConfig
		from time.Time
		want time.Time
	}{
		{"daily", RecurDaily, RecurrenceConfig{}, day(2025, 3, 5), day(2025, 3, 6)},
		{"daily month end", RecurDaily, RecurrenceConfig{}, day(2025, 2, 28), day(2025, 3, 1)},
		{"weekly default", RecurWeekly, RecurrenceConfig{}, day(2025, 3, 5), day(2025, 3, 12)},
		{"weekly to friday", RecurWeekly, RecurrenceConfig{DayOfWeek: IntPtr(4)}, day(2025, 3, 5), day(2025, 3, 7)},
		{"weekly to monday", RecurWeekly, RecurrenceConfig{DayOfWeek: IntPtr(0)}, day(2025, 3, 5), day(2025, 3, 10)},
		{"weekly same day", RecurWeekly, RecurrenceConfig{DayOfWeek: IntPtr(2)}, day(2025, 3, 5), day(2025, 3, 12)},
		{"weekly sunday", RecurWeekly, RecurrenceConfig{DayOfWeek: IntPtr(6)}, day(2025, 3, 5), day(2025, 3, 9)},
		{"monthly later this month", RecurMonthly, RecurrenceConfig{DayOfMonth: IntPtr(20)}, day(2025, 3, 5), day(2025, 3, 20)},
		{"monthly next month", RecurMonthly, RecurrenceConfig{DayOfMonth: IntPtr(1)}, day(2025, 3, 5), day(2025, 4, 1)},
		{"monthly clipped", RecurMonthly, RecurrenceConfig{DayOfMonth: IntPtr(31)}, day(2025, 1, 31), day(2025, 2, 28)},
		{"monthly clipped leap", RecurMonthly, RecurrenceConfig{DayOfMonth: IntPtr(31)}, day(2024, 1, 31), day(2024, 2, 29)},
		{"monthly after clip", RecurMonthly, RecurrenceConfig{DayOfMonth: IntPtr(31)}, day(2025, 2, 28), day(2025, 3, 31)},
		{"monthly default", RecurMonthly, RecurrenceConfig{}, day(2025, 3, 5), day(2025, 4, 5)},
		{"monthly december", RecurMonthly, RecurrenceConfig{DayOfMonth: IntPtr(15)}, day(2025, 12, 20), day(2026, 1, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextOccurrence(tt.typ, tt.cfg, tt.from)
			if !got.Equal(tt.want) {
				t.Errorf("NextOccurrence = %v, want %v", got, tt.want)
			}
			if !got.After(tt.from) {
				t.Errorf("NextOccurrence %v not after %v", got, tt.from)
			}
		})
	}
}

func TestRecurringRule_Validate(t *testing.T) {
	next := time.Now()
	tests := []struct {
		name  string
		rule  RecurringRule
		field string
	}{
		{"missing task", RecurringRule{Type: RecurDaily, NextOccurrence: next}, "task_id"},
		{"bad type", RecurringRule{TaskID: "t", Type: "hourly", NextOccurrence: next}, "recurrence_type"},
		{"missing next", RecurringRule{TaskID: "t", Type: RecurDaily}, "next_occurrence"},
		{"bad weekday", RecurringRule{TaskID: "t", Type: RecurWeekly, NextOccurrence: next, Config: RecurrenceConfig{DayOfWeek: IntPtr(7)}}, "day_of_week"},
		{"bad month day", RecurringRule{TaskID: "t", Type: RecurMonthly, NextOccurrence: next, Config: RecurrenceConfig{DayOfMonth: IntPtr(0)}}, "day_of_month"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if FieldOf(err) != tt.field {
				t.Errorf("err = %v, want validation on %q", err, tt.field)
			}
		})
	}
}

func TestRules_AdvanceAndDeactivate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := mustCreate(t, store, "standup")

	start := time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC)
	rule := &RecurringRule{TaskID: base.ID, Type: RecurDaily, NextOccurrence: start}
	if err := store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}
	if !rule.Active {
		t.Error("new rule not active")
	}
	if err := store.CreateRule(ctx, &RecurringRule{TaskID: "missing", Type: RecurDaily, NextOccurrence: start}); !IsNotFound(err) {
		t.Errorf("rule for missing task: err = %v, want not found", err)
	}

	instance := func() *Task {
		due := start
		return &Task{Title: base.Title, Type: base.Type, Instruction: base.Instruction, DueDate: &due}
	}
	next := NextOccurrence(rule.Type, rule.Config, start)
	ok, err := store.AdvanceRule(ctx, rule.ID, start, next, instance())
	if err != nil || !ok {
		t.Fatalf("AdvanceRule: ok=%v err=%v", ok, err)
	}
	// A second advance from the same expected value loses.
	ok, err = store.AdvanceRule(ctx, rule.ID, start, next, instance())
	if err != nil || ok {
		t.Errorf("stale AdvanceRule: ok=%v err=%v, want ok=false", ok, err)
	}

	got, err := store.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("GetRule: %v", err)
	}
	if !got.NextOccurrence.Equal(next) {
		t.Errorf("NextOccurrence = %v, want %v", got.NextOccurrence, next)
	}
	if got.LastGeneratedAt == nil {
		t.Error("LastGeneratedAt not set")
	}

	generated, err := store.ListTasks(ctx, Filter{Limit: 10})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	var instances int
	for _, tk := range generated {
		if tk.Metadata[MetaRecurringRuleID] == rule.ID {
			instances++
			if tk.DueDate == nil || !tk.DueDate.Equal(start) {
				t.Errorf("instance due = %v, want %v", tk.DueDate, start)
			}
		}
	}
	if instances != 1 {
		t.Errorf("instances = %d, want 1", instances)
	}

	due, err := store.ListRules(ctx, RuleFilter{ActiveOnly: true, DueBefore: &next})
	if err != nil || len(due) != 1 {
		t.Fatalf("ListRules due = %d, %v; want 1", len(due), err)
	}
	early := start
	if due, _ = store.ListRules(ctx, RuleFilter{DueBefore: &early}); len(due) != 0 {
		t.Errorf("ListRules before next = %d, want 0", len(due))
	}

	got.NextOccurrence = start
	if err := store.UpdateRule(ctx, got); FieldOf(err) != "next_occurrence" {
		t.Errorf("backward update: err = %v, want validation on next_occurrence", err)
	}

	ok, err = store.DeactivateRule(ctx, rule.ID)
	if err != nil || !ok {
		t.Fatalf("DeactivateRule: ok=%v err=%v", ok, err)
	}
	ok, err = store.DeactivateRule(ctx, rule.ID)
	if err != nil || ok {
		t.Errorf("second DeactivateRule: ok=%v err=%v, want ok=false", ok, err)
	}
	if _, err := store.DeactivateRule(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("DeactivateRule(missing): err = %v, want not found", err)
	}
	ok, err = store.AdvanceRule(ctx, rule.ID, next, NextOccurrence(rule.Type, rule.Config, next), instance())
	if err != nil || ok {
		t.Errorf("advance inactive rule: ok=%v err=%v, want ok=false", ok, err)
	}
}
