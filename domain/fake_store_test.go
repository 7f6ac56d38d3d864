package domain

import (
	"context"
	"sort"
	"sync"
)

// fakeStore is an in-memory Store with the same revision discipline the real
// storage enforces.
type fakeStore struct {
	mu    sync.Mutex
	docs  map[string]Task
	puts  int
	onPut func(n int, t Task) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[string]Task)}
}

func (f *fakeStore) GetAll(_ context.Context) ([]Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Task, 0, len(f.docs))
	for _, t := range f.docs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (f *fakeStore) Put(_ context.Context, t Task) (Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.onPut != nil {
		if err := f.onPut(f.puts, t); err != nil {
			return Task{}, err
		}
	}
	cur, exists := f.docs[t.ID]
	if t.Rev == "" {
		if exists {
			return Task{}, ErrConflict
		}
	} else {
		if !exists {
			return Task{}, ErrNotFound
		}
		if cur.Rev != t.Rev {
			return Task{}, ErrConflict
		}
	}
	t.Rev = NewRevision(t.Rev)
	f.docs[t.ID] = t
	return t, nil
}

func (f *fakeStore) Remove(_ context.Context, id, rev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.docs[id]
	if !ok {
		return ErrNotFound
	}
	if cur.Rev != rev {
		return ErrConflict
	}
	cur.Deleted = true
	cur.UpdatedAt = NowMillis()
	cur.Rev = NewRevision(rev)
	f.docs[id] = cur
	return nil
}

func (f *fakeStore) seed(tasks ...Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		if t.Rev == "" {
			t.Rev = NewRevision("")
		}
		f.docs[t.ID] = t
	}
}
