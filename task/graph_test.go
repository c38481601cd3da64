package task

import (
	"context"
	"testing"
)

func TestLink_RejectsCyclesAndDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, store, "a")
	b := mustCreate(t, store, "b")
	c := mustCreate(t, store, "c")

	if _, err := store.Link(ctx, a.ID, b.ID, RelSubtask); err != nil {
		t.Fatalf("Link a->b: %v", err)
	}
	if _, err := store.Link(ctx, b.ID, c.ID, RelSubtask); err != nil {
		t.Fatalf("Link b->c: %v", err)
	}

	tests := []struct {
		name          string
		parent, child string
		relType       string
		check         func(error) bool
	}{
		{"self", a.ID, a.ID, RelSubtask, IsValidation},
		{"closing cycle", c.ID, a.ID, RelSubtask, IsValidation},
		{"duplicate", a.ID, b.ID, RelSubtask, IsIntegrity},
		{"unknown child", a.ID, "missing", RelSubtask, IsNotFound},
		{"empty type", a.ID, c.ID, "", IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Link(ctx, tt.parent, tt.child, tt.relType)
			if !tt.check(err) {
				t.Errorf("err = %v (kind %s)", err, KindOf(err))
			}
		})
	}

	// Non-subtask edges may point backward.
	if _, err := store.Link(ctx, c.ID, a.ID, "related"); err != nil {
		t.Errorf("related edge c->a: %v", err)
	}
}

func TestUnlinkAndRelationships(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := mustCreate(t, store, "a")
	b := mustCreate(t, store, "b")

	if _, err := store.Link(ctx, a.ID, b.ID, RelSubtask); err != nil {
		t.Fatalf("Link: %v", err)
	}
	rels, err := store.Relationships(ctx, b.ID)
	if err != nil {
		t.Fatalf("Relationships: %v", err)
	}
	if len(rels) != 1 || rels[0].ParentID != a.ID || rels[0].ChildID != b.ID {
		t.Fatalf("Relationships(b) = %+v", rels)
	}
	if err := store.Unlink(ctx, a.ID, b.ID, RelSubtask); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if err := store.Unlink(ctx, a.ID, b.ID, RelSubtask); !IsNotFound(err) {
		t.Errorf("second Unlink: err = %v, want not found", err)
	}
}

func TestBlockedAncestors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// epic -> story -> leaf, plus an unrelated sibling.
	epic := mustCreate(t, store, "epic")
	story := mustCreate(t, store, "story")
	leaf := mustCreate(t, store, "leaf")
	other := mustCreate(t, store, "other")
	for _, e := range [][2]string{{epic.ID, story.ID}, {story.ID, leaf.ID}} {
		if _, err := store.Link(ctx, e[0], e[1], RelSubtask); err != nil {
			t.Fatalf("Link: %v", err)
		}
	}

	ids := []string{epic.ID, story.ID, leaf.ID, other.ID}
	blocked, err := store.BlockedAncestors(ctx, ids)
	if err != nil {
		t.Fatalf("BlockedAncestors: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("blocked = %v, want none", blocked)
	}

	if _, ok, err := store.Transition(ctx, Transition{
		ID: leaf.ID, From: []Status{StatusAvailable}, To: StatusBlocked,
	}); err != nil || !ok {
		t.Fatalf("block leaf: ok=%v err=%v", ok, err)
	}

	blocked, err = store.BlockedAncestors(ctx, ids)
	if err != nil {
		t.Fatalf("BlockedAncestors: %v", err)
	}
	for _, id := range []string{epic.ID, story.ID} {
		if _, ok := blocked[id]; !ok {
			t.Errorf("%s not reported blocked", id)
		}
	}
	for _, id := range []string{leaf.ID, other.ID} {
		if _, ok := blocked[id]; ok {
			t.Errorf("%s reported blocked", id)
		}
	}

	// Related edges do not propagate.
	if _, err := store.Link(ctx, other.ID, leaf.ID, "related"); err != nil {
		t.Fatalf("Link related: %v", err)
	}
	blocked, err = store.BlockedAncestors(ctx, []string{other.ID})
	if err != nil {
		t.Fatalf("BlockedAncestors: %v", err)
	}
	if len(blocked) != 0 {
		t.Errorf("related edge propagated block: %v", blocked)
	}
}

func TestApplyBlockedOverlay(t *testing.T) {
	agent := "agent-1"
	tasks := []*Task{
		{ID: "a", Status: StatusAvailable},
		{ID: "b", Status: StatusInProgress, AssignedAgent: &agent},
		{ID: "c", Status: StatusComplete, AssignedAgent: &agent},
		{ID: "d", Status: StatusCancelled},
		{ID: "e", Status: StatusAvailable},
	}
	blocked := map[string]struct{}{"a": {}, "b": {}, "c": {}, "d": {}}

	got := ApplyBlockedOverlay(tasks, blocked)
	want := []Status{StatusBlocked, StatusBlocked, StatusComplete, StatusCancelled, StatusAvailable}
	for i, w := range want {
		if got[i].Status != w {
			t.Errorf("%s: status = %q, want %q", got[i].ID, got[i].Status, w)
		}
	}
	if tasks[0].Status != StatusAvailable {
		t.Error("overlay mutated the input task")
	}
}
