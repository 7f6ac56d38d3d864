package domain

import "sort"

// Direction selects the neighbour for a reorder swap.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// OrderUpdate assigns a new order rank to one task.
type OrderUpdate struct {
	ID    string
	Order int64
}

// SortTasks orders tasks for display: order rank ascending, ties broken by
// UpdatedAt and then ID so every replica produces the same sequence.
func SortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt < b.UpdatedAt
		}
		return a.ID < b.ID
	})
}

func activeSorted(tasks []Task) []Task {
	active := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if !t.Deleted {
			active = append(active, t)
		}
	}
	SortTasks(active)
	return active
}

// AppendOrder returns the rank for a task appended at the end of the list:
// one past the highest active rank, 1 for an empty store.
func AppendOrder(tasks []Task) int64 {
	var max int64
	for _, t := range tasks {
		if !t.Deleted && t.Order > max {
			max = t.Order
		}
	}
	return max + 1
}

// SwapForReorder computes the pair of order updates that moves id one step up
// or down among the active tasks. Moving past either end of the list is a
// no-op, not an error. Swapping rank values, rather than renumbering the
// list, touches at most two documents per reorder and so keeps replication
// diffs small.
func SwapForReorder(tasks []Task, id string, dir Direction) ([]OrderUpdate, error) {
	if dir != DirectionUp && dir != DirectionDown {
		return nil, &ValidationError{Fields: []string{"direction"}}
	}
	active := activeSorted(tasks)
	cur := -1
	for i, t := range active {
		if t.ID == id {
			cur = i
			break
		}
	}
	if cur < 0 {
		return nil, ErrNotFound
	}
	target := cur + 1
	if dir == DirectionUp {
		target = cur - 1
	}
	if target < 0 || target >= len(active) {
		return nil, nil
	}
	return []OrderUpdate{
		{ID: active[cur].ID, Order: active[target].Order},
		{ID: active[target].ID, Order: active[cur].Order},
	}, nil
}

// SwapForMove computes the order updates for a drag-and-drop: the dragged
// task and the target exchange rank values directly (full position exchange,
// not a list splice). Dropping a task onto itself is a no-op.
func SwapForMove(tasks []Task, draggedID, targetID string) ([]OrderUpdate, error) {
	active := activeSorted(tasks)
	dragged, target := -1, -1
	for i, t := range active {
		switch t.ID {
		case draggedID:
			dragged = i
		case targetID:
			target = i
		}
	}
	if dragged < 0 || target < 0 {
		return nil, ErrNotFound
	}
	if dragged == target {
		return nil, nil
	}
	return []OrderUpdate{
		{ID: active[dragged].ID, Order: active[target].Order},
		{ID: active[target].ID, Order: active[dragged].Order},
	}, nil
}

// ResolveCollisions repairs duplicate order ranks left behind by merging
// concurrent edits from two devices. Tasks are scanned in display order and
// any rank not strictly above its predecessor is bumped just past it, so the
// relative order by UpdatedAt then ID is preserved and the update set stays
// minimal. An empty result means the total-order invariant already holds.
func ResolveCollisions(tasks []Task) []OrderUpdate {
	active := activeSorted(tasks)
	var updates []OrderUpdate
	var prev int64
	for i, t := range active {
		if i == 0 || t.Order > prev {
			prev = t.Order
			continue
		}
		prev++
		updates = append(updates, OrderUpdate{ID: t.ID, Order: prev})
	}
	return updates
}
