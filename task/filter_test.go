package task

import (
	"context"
	"testing"
	"time"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name    string
		params  QueryParams
		field   string // expected validation field, "" for success
		limit   int
		tagIDs  int
		orderBy string
	}{
		{name: "defaults", params: QueryParams{}, limit: 50},
		{name: "explicit limit", params: QueryParams{Limit: "1000", Offset: "20"}, limit: 1000},
		{name: "tag ids merged", params: QueryParams{TagID: "t1", TagIDs: []string{"t2", " "}}, limit: 50, tagIDs: 2},
		{name: "priority order", params: QueryParams{OrderBy: "priority"}, limit: 50, orderBy: OrderPriority},
		{name: "limit zero", params: QueryParams{Limit: "0"}, field: "limit"},
		{name: "limit too big", params: QueryParams{Limit: "1001"}, field: "limit"},
		{name: "limit not a number", params: QueryParams{Limit: "ten"}, field: "limit"},
		{name: "negative offset", params: QueryParams{Offset: "-1"}, field: "offset"},
		{name: "bad status", params: QueryParams{TaskStatus: "done"}, field: "task_status"},
		{name: "bad order", params: QueryParams{OrderBy: "title"}, field: "order_by"},
		{name: "bad date", params: QueryParams{CreatedAfter: "yesterday"}, field: "created_after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseQuery(tt.params, 50)
			if tt.field != "" {
				if !IsValidation(err) || FieldOf(err) != tt.field {
					t.Fatalf("err = %v (field %q), want validation on %q", err, FieldOf(err), tt.field)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseQuery: %v", err)
			}
			if f.Limit != tt.limit {
				t.Errorf("Limit = %d, want %d", f.Limit, tt.limit)
			}
			if len(f.TagIDs) != tt.tagIDs {
				t.Errorf("TagIDs = %v, want %d entries", f.TagIDs, tt.tagIDs)
			}
			if f.OrderBy != tt.orderBy {
				t.Errorf("OrderBy = %q, want %q", f.OrderBy, tt.orderBy)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	for _, in := range []string{"2025-03-01", "2025-03-01T10:00:00", "2025-03-01T10:00:00Z", "2025-03-01T10:00:00+02:00"} {
		if _, err := ParseDate("due_date", in); err != nil {
			t.Errorf("ParseDate(%q): %v", in, err)
		}
	}
	got, _ := ParseDate("due_date", "2025-03-01T10:00:00+02:00")
	if want := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("ParseDate offset = %v, want %v", got, want)
	}
}

func createWith(t *testing.T, s *SQLiteStore, title string, prio Priority) *Task {
	t.Helper()
	tk := &Task{Title: title, Type: TypeConcrete, Instruction: "instr " + title, Priority: prio}
	if err := s.CreateTask(context.Background(), tk, "tester"); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func titles(tasks []*Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Title
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestListTasks_Ordering(t *testing.T) {
	store := newTestStore(t, WithClock(tickingClock()))
	ctx := context.Background()
	createWith(t, store, "low-old", PriorityLow)
	createWith(t, store, "crit", PriorityCritical)
	createWith(t, store, "low-new", PriorityLow)
	createWith(t, store, "high", PriorityHigh)

	tests := []struct {
		orderBy string
		want    []string
	}{
		{"", []string{"high", "low-new", "crit", "low-old"}},
		{OrderPriority, []string{"crit", "high", "low-new", "low-old"}},
		{OrderPriorityAsc, []string{"low-new", "low-old", "high", "crit"}},
	}
	for _, tt := range tests {
		t.Run("order="+tt.orderBy, func(t *testing.T) {
			got, err := store.ListTasks(ctx, Filter{OrderBy: tt.orderBy, Limit: 10})
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if !equalStrings(titles(got), tt.want) {
				t.Errorf("order = %v, want %v", titles(got), tt.want)
			}
		})
	}

	page, err := store.ListTasks(ctx, Filter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListTasks page: %v", err)
	}
	if !equalStrings(titles(page), []string{"low-new", "crit"}) {
		t.Errorf("page = %v, want [low-new crit]", titles(page))
	}
}

func TestListTasks_Filters(t *testing.T) {
	clock := tickingClock()
	store := newTestStore(t, WithClock(clock))
	ctx := context.Background()

	a := createWith(t, store, "Résumé parser", PriorityHigh)
	b := createWith(t, store, "Deploy 100% rollout", PriorityLow)
	c := createWith(t, store, "Write tests", PriorityLow)
	reserve(t, store, c.ID, "agent-9")

	tag := &Tag{Name: "infra"}
	if err := store.CreateTag(ctx, tag); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	if err := store.TagTask(ctx, b.ID, tag.ID); err != nil {
		t.Fatalf("TagTask: %v", err)
	}

	after := b.CreatedAt
	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"status", Filter{Status: StatusInProgress}, []string{"Write tests"}},
		{"agent", Filter{AssignedAgent: "agent-9"}, []string{"Write tests"}},
		{"priority", Filter{Priority: PriorityHigh}, []string{"Résumé parser"}},
		{"tag", Filter{TagIDs: []string{tag.ID, "other"}}, []string{"Deploy 100% rollout"}},
		{"search case-folded", Filter{Search: "RÉSUMÉ"}, []string{"Résumé parser"}},
		{"search literal percent", Filter{Search: "100%"}, []string{"Deploy 100% rollout"}},
		{"search instruction", Filter{Search: "instr write"}, []string{"Write tests"}},
		{"created inclusive lower bound", Filter{Created: Range{From: &after}}, []string{"Write tests", "Deploy 100% rollout"}},
		{"created inclusive upper bound", Filter{Created: Range{To: &a.CreatedAt}}, []string{"Résumé parser"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f.Limit = 10
			got, err := store.ListTasks(ctx, tt.f)
			if err != nil {
				t.Fatalf("ListTasks: %v", err)
			}
			if !equalStrings(titles(got), tt.want) {
				t.Errorf("got %v, want %v", titles(got), tt.want)
			}
		})
	}

	if _, err := store.ListTasks(ctx, Filter{Limit: MaxLimit + 2}); !IsValidation(err) {
		t.Errorf("limit %d: err = %v, want validation", MaxLimit+2, err)
	}
}
