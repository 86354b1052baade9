// Package revision provides per-entity monotonic version counters used for
// optimistic concurrency control. The tracker is the only component allowed
// to advance a revision.
package revision

import (
	"context"
	"errors"
	"sync"

	"github.com/fieldsync/fieldsync/internal/syncmodel"
)

var (
	// ErrRevisionMismatch signals that the expected revision no longer matches
	// the stored one; the reservation did not happen.
	ErrRevisionMismatch = errors.New("revision: expected revision does not match current")
	// ErrUnknownEntity signals that no revision exists for the entity yet.
	ErrUnknownEntity = errors.New("revision: unknown entity")
)

// Tracker reserves strictly increasing revisions per entity.
type Tracker interface {
	// Current returns the stored revision for the entity.
	Current(ctx context.Context, serverID syncmodel.ServerID) (int64, error)
	// Reserve atomically advances the revision from expected to expected+1
	// and returns the new value. Fails with ErrRevisionMismatch when the
	// stored revision differs from expected.
	Reserve(ctx context.Context, serverID syncmodel.ServerID, expected int64) (int64, error)
}

// entityCounter holds one entity's revision behind its own lock, so entities
// never contend with each other.
type entityCounter struct {
	mu       sync.Mutex
	revision int64
}

// MemoryTracker keeps revisions in process memory with per-key locking.
// Useful for client-local state and tests; the server uses a storage-backed
// tracker so the compare-and-increment survives restarts.
type MemoryTracker struct {
	// mu guards only the entry map; it is never held while an entity's
	// counter lock is.
	mu      sync.Mutex
	entries map[syncmodel.ServerID]*entityCounter
}

// NewMemoryTracker constructs an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{entries: make(map[syncmodel.ServerID]*entityCounter)}
}

func (t *MemoryTracker) lookup(serverID syncmodel.ServerID) (*entityCounter, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[serverID]
	return entry, ok
}

// Current returns the stored revision for the entity.
func (t *MemoryTracker) Current(_ context.Context, serverID syncmodel.ServerID) (int64, error) {
	entry, ok := t.lookup(serverID)
	if !ok {
		return 0, ErrUnknownEntity
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.revision, nil
}

// Reserve atomically advances the revision from expected to expected+1.
func (t *MemoryTracker) Reserve(_ context.Context, serverID syncmodel.ServerID, expected int64) (int64, error) {
	entry, ok := t.lookup(serverID)
	if !ok {
		return 0, ErrUnknownEntity
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.revision != expected {
		return 0, ErrRevisionMismatch
	}
	entry.revision++
	return entry.revision, nil
}

// Seed initializes an entity at the given revision. A second seed for the
// same entity is ignored so revisions never restart.
func (t *MemoryTracker) Seed(serverID syncmodel.ServerID, rev int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[serverID]; ok {
		return
	}
	t.entries[serverID] = &entityCounter{revision: rev}
}
