package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is a single to-do item. Tombstoned tasks keep their document so the
// deletion replicates to other devices instead of being resurrected by a
// stale copy.
type Task struct {
	ID          string `json:"id"`
	Rev         string `json:"rev,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Completed   bool   `json:"completed"`
	DueDate     string `json:"dueDate,omitempty"`
	UpdatedAt   int64  `json:"updatedAt"`
	Order       int64  `json:"order"`
	Deleted     bool   `json:"deleted,omitempty"`
}

// SyncCheckpoint records how far replication has progressed in each
// direction, plus when the last batch completed.
type SyncCheckpoint struct {
	LastSeq      string
	LastPushedAt int64
	LastSyncedAt int64
}

// NewTaskID returns a time-ordered identifier so that default store iteration
// roughly follows creation order.
func NewTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewRevision derives the successor revision token for prev. Tokens have the
// form "<generation>-<32 hex>"; an empty prev yields a first-generation token.
func NewRevision(prev string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d-%s", RevGeneration(prev)+1, suffix)
}

// RevGeneration extracts the numeric generation prefix of a revision token,
// zero when absent or malformed.
func RevGeneration(rev string) int {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// NowMillis is the timestamp carried on every mutation.
func NowMillis() int64 { return time.Now().UnixMilli() }

// RemoteWins decides whether an incoming replicated copy supersedes the
// current local one. Last write wins on UpdatedAt. When timestamps tie or are
// missing, a tombstone defeats a live update; any remaining tie falls back to
// revision generation and then the revision string so every replica picks the
// same winner.
func RemoteWins(current, incoming Task) bool {
	if incoming.UpdatedAt != current.UpdatedAt {
		return incoming.UpdatedAt > current.UpdatedAt
	}
	if incoming.Deleted != current.Deleted {
		return incoming.Deleted
	}
	ig, cg := RevGeneration(incoming.Rev), RevGeneration(current.Rev)
	if ig != cg {
		return ig > cg
	}
	return incoming.Rev > current.Rev
}
