package domain

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Store is the durable task storage the service mutates. Implemented by the
// storage package. Put and Remove enforce revision compare-and-swap, so two
// producers racing on one id cannot interleave partial updates; the loser
// observes ErrConflict and retries against fresh state.
type Store interface {
	GetAll(ctx context.Context) ([]Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	Put(ctx context.Context, t Task) (Task, error)
	Remove(ctx context.Context, id, rev string) error
}

// Bounds enforced when a task is created. Later edits only require a
// non-empty title.
const (
	TitleMinLen = 3
	TitleMaxLen = 50
)

const swapRetries = 5

// AddOptions carries the optional fields of a new task.
type AddOptions struct {
	Description string
	DueDate     string
}

// TaskService implements the task-mutation API over a Store. All operations
// complete against the local store immediately, regardless of remote
// connectivity.
type TaskService struct {
	st     Store
	logger *log.Logger
}

func NewTaskService(st Store, logger *log.Logger) TaskService {
	return TaskService{st: st, logger: logger}
}

// GetAll returns the non-deleted tasks in display order. Duplicate order
// ranks found on read (possible after a partial swap or a merge) are repaired
// before the list is returned.
func (s TaskService) GetAll(ctx context.Context) ([]Task, error) {
	for attempt := 0; ; attempt++ {
		tasks, err := s.st.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		updates := ResolveCollisions(tasks)
		if len(updates) == 0 || attempt >= swapRetries {
			if len(updates) > 0 {
				s.logger.WithField("collisions", len(updates)).Warn("order collisions persisted across repair attempts")
			}
			return activeSorted(tasks), nil
		}
		if _, err := s.applyOrderUpdates(ctx, tasks, updates); err != nil && !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
}

// Add creates a task at the end of the list.
func (s TaskService) Add(ctx context.Context, title string, opts AddOptions) (Task, error) {
	title = strings.TrimSpace(title)
	if n := len([]rune(title)); n < TitleMinLen || n > TitleMaxLen {
		return Task{}, &ValidationError{Fields: []string{"title"}}
	}
	tasks, err := s.st.GetAll(ctx)
	if err != nil {
		return Task{}, err
	}
	t := Task{
		ID:          NewTaskID(),
		Title:       title,
		Description: opts.Description,
		DueDate:     opts.DueDate,
		UpdatedAt:   NowMillis(),
		Order:       AppendOrder(tasks),
	}
	return s.st.Put(ctx, t)
}

// Update writes the caller's copy of a task. The revision it carries must be
// current, otherwise the store reports ErrConflict and the caller has to
// re-read.
func (s TaskService) Update(ctx context.Context, t Task) (Task, error) {
	if strings.TrimSpace(t.Title) == "" {
		return Task{}, &ValidationError{Fields: []string{"title"}}
	}
	t.UpdatedAt = NowMillis()
	return s.st.Put(ctx, t)
}

// Delete tombstones a task so the deletion propagates to other replicas.
func (s TaskService) Delete(ctx context.Context, id string) error {
	for {
		cur, err := s.st.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Deleted {
			return ErrNotFound
		}
		if err := s.st.Remove(ctx, id, cur.Rev); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return err
		}
		return nil
	}
}

// ToggleCompletion flips the completed flag, retrying if a concurrent write
// lands between the read and the rev-checked write.
func (s TaskService) ToggleCompletion(ctx context.Context, id string) (Task, error) {
	for {
		cur, err := s.st.Get(ctx, id)
		if err != nil {
			return Task{}, err
		}
		if cur.Deleted {
			return Task{}, ErrNotFound
		}
		next := *cur
		next.Completed = !cur.Completed
		next.UpdatedAt = NowMillis()
		stored, err := s.st.Put(ctx, next)
		if err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return Task{}, err
		}
		return stored, nil
	}
}

// Reorder moves a task one step up or down by swapping order ranks with its
// neighbour. At either end of the list the call is a no-op.
func (s TaskService) Reorder(ctx context.Context, id string, dir Direction) error {
	return s.swap(ctx, func(tasks []Task) ([]OrderUpdate, error) {
		return SwapForReorder(tasks, id, dir)
	})
}

// MoveToPosition exchanges the order ranks of the dragged task and the drop
// target.
func (s TaskService) MoveToPosition(ctx context.Context, draggedID, targetID string) error {
	return s.swap(ctx, func(tasks []Task) ([]OrderUpdate, error) {
		return SwapForMove(tasks, draggedID, targetID)
	})
}

// swap applies a two-document order exchange. Both writes are rev-checked; if
// the second one loses a race the half-applied swap is repaired via
// ResolveCollisions so no two active tasks keep sharing a rank, then the
// swap is retried against fresh state.
func (s TaskService) swap(ctx context.Context, plan func([]Task) ([]OrderUpdate, error)) error {
	for attempt := 0; attempt < swapRetries; attempt++ {
		tasks, err := s.st.GetAll(ctx)
		if err != nil {
			return err
		}
		updates, err := plan(tasks)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		applied, err := s.applyOrderUpdates(ctx, tasks, updates)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if applied > 0 {
			if _, rerr := s.RepairOrder(ctx); rerr != nil {
				return rerr
			}
		}
	}
	return ErrConflict
}

// RepairOrder restores order uniqueness among active tasks. The replication
// engine calls it after every merge that changed documents; reads use it to
// self-heal. Returns how many documents were rewritten.
func (s TaskService) RepairOrder(ctx context.Context) (int, error) {
	repaired := 0
	for attempt := 0; attempt < swapRetries; attempt++ {
		tasks, err := s.st.GetAll(ctx)
		if err != nil {
			return repaired, err
		}
		updates := ResolveCollisions(tasks)
		if len(updates) == 0 {
			return repaired, nil
		}
		n, err := s.applyOrderUpdates(ctx, tasks, updates)
		repaired += n
		if err != nil && !errors.Is(err, ErrConflict) {
			return repaired, err
		}
	}
	return repaired, nil
}

func (s TaskService) applyOrderUpdates(ctx context.Context, tasks []Task, updates []OrderUpdate) (int, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	applied := 0
	for _, u := range updates {
		t, ok := byID[u.ID]
		if !ok {
			continue
		}
		t.Order = u.Order
		t.UpdatedAt = NowMillis()
		if _, err := s.st.Put(ctx, t); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
