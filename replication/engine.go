// Package replication keeps the local task store and one remote
// CouchDB-compatible database in continuous bidirectional sync. The engine
// owns an explicit lifecycle state machine, retries transient failures with
// backoff, and resolves concurrent edits with last-write-wins plus deletion
// bias. Local mutations never wait on it.
package replication

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskist-core/domain"
	"taskist-core/subscription"
)

// Store is the slice of the local task store the engine needs.
type Store interface {
	ChangesSince(ctx context.Context, since int64) ([]domain.Task, error)
	ApplyRemote(ctx context.Context, t domain.Task) (bool, error)
	Checkpoint(ctx context.Context) (domain.SyncCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp domain.SyncCheckpoint) error
}

// OrderRepairer restores order uniqueness after a merge changed documents.
// Implemented by domain.TaskService.
type OrderRepairer interface {
	RepairOrder(ctx context.Context) (int, error)
}

// Config tunes the sync cadence and retry backoff. Zero values select the
// production defaults; tests shrink them.
type Config struct {
	Interval     time.Duration
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	return c
}

// Engine is the replication engine. One engine serves one local store; Start
// and Stop bracket a live session against the configured remote.
type Engine struct {
	store   Store
	repair  OrderRepairer
	changes *subscription.Broker
	logger  *log.Logger
	cfg     Config

	mu        sync.Mutex
	state     State
	subs      map[int]func(State)
	nextSubID int
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewEngine(store Store, repair OrderRepairer, changes *subscription.Broker, logger *log.Logger, cfg Config) *Engine {
	return &Engine{
		store:   store,
		repair:  repair,
		changes: changes,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		state:   State{Status: StatusIdle},
		subs:    make(map[int]func(State)),
	}
}

// GetState returns a snapshot of the engine state.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// OnStateChanged registers an observer fired on every state transition and
// completed batch. The returned function unsubscribes it.
func (e *Engine) OnStateChanged(fn func(State)) func() {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *Engine) setState(st State) {
	e.mu.Lock()
	e.state = st
	fns := make([]func(State), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Start brings up a live sync session for the given settings. Local mode
// lands in the disabled state; an unreachable remote lands in the error state
// and keeps retrying rather than failing permanently. Starting an already
// running engine is a no-op.
func (e *Engine) Start(settings domain.SyncSettings) error {
	if !settings.SyncEnabled() {
		e.mu.Lock()
		running := e.cancel != nil
		e.mu.Unlock()
		if !running {
			e.setState(State{Status: StatusDisabled, Mode: settings.Mode})
		}
		return nil
	}
	client, err := newCouchClient(settings)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	e.mu.Unlock()

	go e.run(ctx, client, settings, done)
	return nil
}

// Stop cancels the live session and any in-flight remote requests. Unsent
// local changes stay queued in the store, so a later Start resumes where the
// push watermark left off. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	st := e.GetState()
	e.setState(State{Status: StatusPaused, LastSynced: st.LastSynced, Mode: st.Mode})
}

// Restart applies new settings by tearing down the current session and
// starting over. Used after the user edits sync configuration.
func (e *Engine) Restart(settings domain.SyncSettings) error {
	e.Stop()
	return e.Start(settings)
}

func (e *Engine) run(ctx context.Context, client *couchClient, settings domain.SyncSettings, done chan struct{}) {
	defer close(done)

	e.setState(State{Status: StatusConnecting, Mode: settings.Mode, LastSynced: e.GetState().LastSynced})

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	localCh := e.changes.Subscribe()
	defer e.changes.Unsubscribe(localCh)

	ready := false
	attempt := 0
	for {
		if !ready {
			if err := client.EnsureDatabase(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				attempt++
				e.logger.WithError(err).WithField("attempt", attempt).Error("remote database unreachable")
				if !e.failAndWait(ctx, settings.Mode, err, attempt) {
					return
				}
				continue
			}
			ready = true
			attempt = 0
		}

		e.setState(State{Status: StatusSyncing, Mode: settings.Mode, LastSynced: e.GetState().LastSynced})
		changed, err := e.syncCycle(ctx, client)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			e.logger.WithError(err).WithField("attempt", attempt).Error("sync cycle failed")
			if !e.failAndWait(ctx, settings.Mode, err, attempt) {
				return
			}
			continue
		}
		attempt = 0
		if changed > 0 {
			e.logger.WithField("docs", changed).Debug("replication batch applied")
		}
		e.setState(State{Status: StatusPaused, Mode: settings.Mode, LastSynced: domain.NowMillis()})

		// merges applied by this cycle signalled the broker themselves; drop
		// the echo so it does not spin an immediate no-op cycle
		select {
		case <-localCh:
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-localCh:
		}
	}
}

// failAndWait publishes the error state and sleeps out the backoff, then
// re-announces connecting. Returns false when the session was cancelled.
func (e *Engine) failAndWait(ctx context.Context, mode string, err error, attempt int) bool {
	last := e.GetState().LastSynced
	e.setState(State{Status: StatusError, Error: err.Error(), Mode: mode, LastSynced: last})
	if !sleepCtx(ctx, backoff(attempt, e.cfg.RetryInitial, e.cfg.RetryMax)) {
		return false
	}
	e.setState(State{Status: StatusConnecting, Mode: mode, LastSynced: last})
	return true
}

// syncCycle runs one push/pull round and repairs any order collisions the
// merge introduced. Returns how many documents moved in either direction.
func (e *Engine) syncCycle(ctx context.Context, client *couchClient) (int, error) {
	cp, err := e.store.Checkpoint(ctx)
	if err != nil {
		return 0, err
	}
	pushed, watermark, err := e.push(ctx, client, cp.LastPushedAt)
	if err != nil {
		return pushed, err
	}
	cp.LastPushedAt = watermark

	pulled, lastSeq, err := e.pull(ctx, client, cp.LastSeq)
	if err != nil {
		return pushed + pulled, err
	}
	if lastSeq != "" {
		cp.LastSeq = lastSeq
	}
	cp.LastSyncedAt = domain.NowMillis()
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		return pushed + pulled, err
	}

	if pulled > 0 {
		n, err := e.repair.RepairOrder(ctx)
		if err != nil {
			return pushed + pulled, err
		}
		if n > 0 {
			e.logger.WithField("updates", n).Info("repaired order collisions after merge")
		}
	}
	return pushed + pulled, nil
}

// push uploads local changes past the watermark, oldest first. A document
// whose remote copy wins the merge rule is skipped; the pull half brings the
// winner in. A deferred conflict must be offered again next cycle, so on the
// first stall the watermark is clamped strictly below that document's
// timestamp; the change feed is strictly-greater and an earlier settled doc
// may share the same millisecond.
func (e *Engine) push(ctx context.Context, client *couchClient, since int64) (int, int64, error) {
	local, err := e.store.ChangesSince(ctx, since)
	if err != nil {
		return 0, since, err
	}
	pushed := 0
	watermark := since
	stalled := false
	for _, t := range local {
		remote, err := client.GetDoc(ctx, t.ID)
		if err != nil {
			return pushed, watermark, err
		}
		doc := docFromTask(t)
		if remote != nil {
			if domain.RemoteWins(t, remote.task()) {
				if !stalled {
					watermark = t.UpdatedAt
				}
				continue
			}
			doc.Rev = remote.Rev
		}
		conflict, err := client.PutDoc(ctx, doc)
		if err != nil {
			return pushed, watermark, err
		}
		if conflict {
			e.logger.WithField("task", t.ID).Debug("push conflict deferred to pull")
			if !stalled {
				stalled = true
				if watermark >= t.UpdatedAt {
					watermark = t.UpdatedAt - 1
				}
			}
			continue
		}
		pushed++
		if !stalled {
			watermark = t.UpdatedAt
		}
	}
	return pushed, watermark, nil
}

// pull applies the remote change feed since the sequence checkpoint. Each
// document goes through the store's merge rule; documents carrying conflict
// branches are resolved explicitly because the remote's own deterministic
// winner need not honour deletion bias.
func (e *Engine) pull(ctx context.Context, client *couchClient, since string) (int, string, error) {
	changes, err := client.Changes(ctx, since)
	if err != nil {
		return 0, "", err
	}
	applied := 0
	for _, change := range changes.Results {
		if strings.HasPrefix(change.ID, "_design") || change.Doc == nil {
			continue
		}
		t := change.Doc.task()
		if change.Deleted {
			t.Deleted = true
		}
		if len(change.Doc.Conflicts) > 0 {
			winner, err := e.resolveConflicts(ctx, client, change.Doc)
			if err != nil {
				return applied, "", err
			}
			t = winner
		}
		ok, err := e.store.ApplyRemote(ctx, t)
		if err != nil {
			return applied, "", err
		}
		if ok {
			applied++
		}
	}
	return applied, changes.LastSeq, nil
}

// resolveConflicts reads every conflicting revision of a document, picks the
// winner under last-write-wins with deletion bias, and prunes the losing
// branches on the remote so all replicas settle on the same revision.
func (e *Engine) resolveConflicts(ctx context.Context, client *couchClient, doc *couchDoc) (domain.Task, error) {
	winner := doc.task()
	var losers []string
	for _, rev := range doc.Conflicts {
		branch, err := client.GetDocRev(ctx, doc.ID, rev)
		if err != nil {
			return domain.Task{}, err
		}
		if branch == nil {
			continue
		}
		candidate := branch.task()
		if domain.RemoteWins(winner, candidate) {
			losers = append(losers, winner.Rev)
			winner = candidate
		} else {
			losers = append(losers, rev)
		}
	}
	for _, rev := range losers {
		if rev == "" {
			continue
		}
		if err := client.DeleteRev(ctx, doc.ID, rev); err != nil {
			return domain.Task{}, err
		}
	}
	return winner, nil
}

func backoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.2 * d
	return time.Duration(d + (rand.Float64()-0.5)*2*jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
