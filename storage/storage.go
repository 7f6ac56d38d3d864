// Package storage provides the durable local task store: a SQLite database
// with per-document revision tracking, an atomic compare-and-swap write path
// and the merge rule applied to inbound replication.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"taskist-core/domain"
	"taskist-core/subscription"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	rev TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	completed INTEGER NOT NULL DEFAULT 0,
	due_date TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	task_order INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
CREATE INDEX IF NOT EXISTS idx_tasks_deleted ON tasks(deleted);

CREATE TABLE IF NOT EXISTS sync_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_seq TEXT NOT NULL DEFAULT '',
	last_pushed_at INTEGER NOT NULL DEFAULT 0,
	last_synced_at INTEGER NOT NULL DEFAULT 0
);
`

const taskColumns = "id, rev, title, description, completed, due_date, updated_at, task_order, deleted"

// Store is the durable local task store. All writes go through a single
// connection so the revision compare-and-swap stays atomic; storage I/O
// failures are surfaced wrapped, never swallowed.
type Store struct {
	db     *sql.DB
	broker *subscription.Broker
}

// Open creates or opens tasks.db inside dir. Committed writes, local or
// replicated, are announced on the given broker.
func Open(dir string, broker *subscription.Broker) (*Store, error) {
	path := filepath.Join(dir, "tasks.db")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, broker: broker}, nil
}

func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var completed, deleted int
	err := row.Scan(&t.ID, &t.Rev, &t.Title, &t.Description, &completed, &t.DueDate, &t.UpdatedAt, &t.Order, &deleted)
	if err != nil {
		return domain.Task{}, err
	}
	t.Completed = completed != 0
	t.Deleted = deleted != 0
	return t, nil
}

// GetAll returns the non-deleted tasks sorted for display. An empty store
// yields an empty slice, not an error.
func (s *Store) GetAll(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE deleted = 0
		ORDER BY task_order ASC, updated_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// Get returns one task by id, tombstones included.
func (s *Store) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return &t, nil
}

// Put inserts or updates one task. An update must carry the current revision:
// the write happens in a single UPDATE guarded on (id, rev), so a stale
// revision affects zero rows and surfaces as ErrConflict. The stored task is
// returned with its new revision.
func (s *Store) Put(ctx context.Context, t domain.Task) (domain.Task, error) {
	newRev := domain.NewRevision(t.Rev)
	if t.UpdatedAt == 0 {
		t.UpdatedAt = domain.NowMillis()
	}
	var (
		res sql.Result
		err error
	)
	if t.Rev == "" {
		res, err = s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, newRev, t.Title, t.Description, boolInt(t.Completed), t.DueDate, t.UpdatedAt, t.Order, boolInt(t.Deleted))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE tasks SET rev = ?, title = ?, description = ?, completed = ?,
				due_date = ?, updated_at = ?, task_order = ?, deleted = ?
			WHERE id = ? AND rev = ?`,
			newRev, t.Title, t.Description, boolInt(t.Completed), t.DueDate, t.UpdatedAt, t.Order, boolInt(t.Deleted),
			t.ID, t.Rev)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("write task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Task{}, fmt.Errorf("write task: %w", err)
	}
	if n == 0 {
		if t.Rev == "" {
			// the id already exists; a revision-less write may not overwrite it
			return domain.Task{}, domain.ErrConflict
		}
		exists, err := s.exists(ctx, t.ID)
		if err != nil {
			return domain.Task{}, err
		}
		if !exists {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, domain.ErrConflict
	}
	t.Rev = newRev
	s.broker.Notify()
	return t, nil
}

// Remove tombstones a task rather than erasing it, so the deletion reaches
// remote replicas. The supplied revision must be current.
func (s *Store) Remove(ctx context.Context, id, rev string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET deleted = 1, rev = ?, updated_at = ?
		WHERE id = ? AND rev = ?`,
		domain.NewRevision(rev), domain.NowMillis(), id, rev)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n == 0 {
		exists, err := s.exists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	s.broker.Notify()
	return nil
}

func (s *Store) exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("probe task: %w", err)
	}
	return n > 0, nil
}

// ApplyRemote merges one replicated document into the store. The remote copy
// is written only when it wins under domain.RemoteWins (last-write-wins with
// deletion bias); the read and the write share a transaction so a concurrent
// local edit cannot interleave. Reports whether anything changed.
func (s *Store) ApplyRemote(ctx context.Context, t domain.Task) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, t.ID)
	cur, err := scanTask(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Rev, t.Title, t.Description, boolInt(t.Completed), t.DueDate, t.UpdatedAt, t.Order, boolInt(t.Deleted)); err != nil {
			return false, fmt.Errorf("insert merged task: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("load task for merge: %w", err)
	default:
		if !domain.RemoteWins(cur, t) {
			return false, nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET rev = ?, title = ?, description = ?, completed = ?,
				due_date = ?, updated_at = ?, task_order = ?, deleted = ?
			WHERE id = ?`,
			t.Rev, t.Title, t.Description, boolInt(t.Completed), t.DueDate, t.UpdatedAt, t.Order, boolInt(t.Deleted), t.ID); err != nil {
			return false, fmt.Errorf("update merged task: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit merge: %w", err)
	}
	s.broker.Notify()
	return true, nil
}

// ChangesSince returns every document, tombstones included, written after the
// given watermark, oldest first. This is the local half of the change feed
// the replication engine pushes from.
func (s *Store) ChangesSince(ctx context.Context, since int64) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE updated_at > ?
		ORDER BY updated_at ASC, id ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return tasks, nil
}

// Checkpoint loads the replication progress markers; zero values when no
// sync has run yet.
func (s *Store) Checkpoint(ctx context.Context) (domain.SyncCheckpoint, error) {
	var cp domain.SyncCheckpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq, last_pushed_at, last_synced_at FROM sync_state WHERE id = 1`).
		Scan(&cp.LastSeq, &cp.LastPushedAt, &cp.LastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncCheckpoint{}, nil
	}
	if err != nil {
		return domain.SyncCheckpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// SaveCheckpoint persists the replication progress markers.
func (s *Store) SaveCheckpoint(ctx context.Context, cp domain.SyncCheckpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_seq, last_pushed_at, last_synced_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seq = excluded.last_seq,
			last_pushed_at = excluded.last_pushed_at,
			last_synced_at = excluded.last_synced_at`,
		cp.LastSeq, cp.LastPushedAt, cp.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
