package domain

import (
	"errors"
	"testing"
)

func list(orders ...int64) []Task {
	tasks := make([]Task, len(orders))
	for i, o := range orders {
		tasks[i] = Task{ID: string(rune('a' + i)), Order: o, UpdatedAt: int64(i)}
	}
	return tasks
}

func TestAppendOrder(t *testing.T) {
	if got := AppendOrder(nil); got != 1 {
		t.Fatalf("empty store: got %d, want 1", got)
	}
	tasks := list(1, 2, 5)
	if got := AppendOrder(tasks); got != 6 {
		t.Fatalf("got %d, want 6", got)
	}
	tasks[2].Deleted = true
	if got := AppendOrder(tasks); got != 3 {
		t.Fatalf("tombstones must not count: got %d, want 3", got)
	}
}

func TestSwapForReorderMovesOneStep(t *testing.T) {
	tasks := list(1, 2, 3)
	updates, err := SwapForReorder(tasks, "b", DirectionUp)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	want := []OrderUpdate{{ID: "b", Order: 1}, {ID: "a", Order: 2}}
	if len(updates) != 2 || updates[0] != want[0] || updates[1] != want[1] {
		t.Fatalf("unexpected updates: %#v", updates)
	}
}

func TestSwapForReorderBoundsAreNoOps(t *testing.T) {
	tasks := list(1, 2, 3)
	updates, err := SwapForReorder(tasks, "a", DirectionUp)
	if err != nil || updates != nil {
		t.Fatalf("top of list should be a no-op: %#v, %v", updates, err)
	}
	updates, err = SwapForReorder(tasks, "c", DirectionDown)
	if err != nil || updates != nil {
		t.Fatalf("bottom of list should be a no-op: %#v, %v", updates, err)
	}
}

func TestSwapForReorderErrors(t *testing.T) {
	tasks := list(1, 2)
	if _, err := SwapForReorder(tasks, "zz", DirectionUp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id: got %v, want ErrNotFound", err)
	}
	var verr *ValidationError
	if _, err := SwapForReorder(tasks, "a", "sideways"); !errors.As(err, &verr) {
		t.Fatalf("bad direction: got %v, want ValidationError", err)
	}
}

func TestSwapForMoveExchangesRanks(t *testing.T) {
	tasks := list(1, 2, 3)
	updates, err := SwapForMove(tasks, "a", "c")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	want := []OrderUpdate{{ID: "a", Order: 3}, {ID: "c", Order: 1}}
	if len(updates) != 2 || updates[0] != want[0] || updates[1] != want[1] {
		t.Fatalf("unexpected updates: %#v", updates)
	}

	// applying the exchange leaves the middle task untouched: [a b c] becomes
	// [c b a], not a splice
	byID := map[string]*Task{}
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	for _, u := range updates {
		byID[u.ID].Order = u.Order
	}
	SortTasks(tasks)
	got := tasks[0].ID + tasks[1].ID + tasks[2].ID
	if got != "cba" {
		t.Fatalf("got sequence %q, want \"cba\"", got)
	}
}

func TestSwapForMoveEdgeCases(t *testing.T) {
	tasks := list(1, 2)
	if updates, err := SwapForMove(tasks, "a", "a"); err != nil || updates != nil {
		t.Fatalf("self move should be a no-op: %#v, %v", updates, err)
	}
	if _, err := SwapForMove(tasks, "a", "zz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown target: got %v, want ErrNotFound", err)
	}
	if _, err := SwapForMove(tasks, "zz", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown dragged: got %v, want ErrNotFound", err)
	}
}

func TestResolveCollisionsBumpsDuplicates(t *testing.T) {
	tasks := []Task{
		{ID: "a", Order: 1, UpdatedAt: 10},
		{ID: "b", Order: 1, UpdatedAt: 20},
		{ID: "c", Order: 2, UpdatedAt: 30},
	}
	updates := ResolveCollisions(tasks)
	want := []OrderUpdate{{ID: "b", Order: 2}, {ID: "c", Order: 3}}
	if len(updates) != 2 || updates[0] != want[0] || updates[1] != want[1] {
		t.Fatalf("unexpected updates: %#v", updates)
	}
}

func TestResolveCollisionsNoChangeWhenUnique(t *testing.T) {
	if updates := ResolveCollisions(list(1, 2, 3)); updates != nil {
		t.Fatalf("unique ranks need no repair: %#v", updates)
	}
}

func TestResolveCollisionsIgnoresTombstones(t *testing.T) {
	tasks := []Task{
		{ID: "a", Order: 1},
		{ID: "b", Order: 1, Deleted: true},
	}
	if updates := ResolveCollisions(tasks); updates != nil {
		t.Fatalf("tombstones must not trigger repair: %#v", updates)
	}
}

func TestResolveCollisionsDeterministic(t *testing.T) {
	tasks := []Task{
		{ID: "b", Order: 3, UpdatedAt: 5},
		{ID: "a", Order: 3, UpdatedAt: 5},
	}
	updates := ResolveCollisions(tasks)
	if len(updates) != 1 || updates[0].ID != "b" || updates[0].Order != 4 {
		t.Fatalf("tie on order and time must break by id: %#v", updates)
	}
}
