package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/socforge/triage-engine/pkg/models"
)

// Entity Watchlist — Response Suppression
//
// Concurrent-safe registry of known-good entities. Every analyzed
// entity is checked against the watchlist; members are marked
// whitelisted and never dispatched to response effectors, no matter
// how high they score.
//
// Performance: O(1) lookup using a map keyed on (type, id).
// Concurrency: sync.RWMutex allows concurrent reads during the hot
// path (per-event membership checks) while writes are serialized.

// WatchlistEntry holds metadata for one suppressed entity.
type WatchlistEntry struct {
	EntityType models.EntityType `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Note       string            `json:"note,omitempty"` // why it was listed
	AddedAt    time.Time         `json:"addedAt"`
}

type watchKey struct {
	entityType models.EntityType
	entityID   string
}

// Watchlist is a concurrent-safe suppression registry.
type Watchlist struct {
	mu      sync.RWMutex
	entries map[watchKey]WatchlistEntry
}

// NewWatchlist creates a new empty watchlist.
func NewWatchlist() *Watchlist {
	return &Watchlist{
		entries: make(map[watchKey]WatchlistEntry),
	}
}

// Add registers an entity for suppression. Re-adding an existing entity
// overwrites its note and timestamp.
func (w *Watchlist) Add(entityType models.EntityType, entityID, note string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := watchKey{entityType, entityID}
	w.entries[key] = WatchlistEntry{
		EntityType: entityType,
		EntityID:   entityID,
		Note:       note,
		AddedAt:    time.Now(),
	}
}

// Remove stops suppressing an entity. Reports whether it was listed.
func (w *Watchlist) Remove(entityType models.EntityType, entityID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := watchKey{entityType, entityID}
	if _, exists := w.entries[key]; !exists {
		return false
	}
	delete(w.entries, key)
	return true
}

// Contains checks if an entity is watchlisted (O(1)).
func (w *Watchlist) Contains(entityType models.EntityType, entityID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, exists := w.entries[watchKey{entityType, entityID}]
	return exists
}

// Get returns the watchlist entry for an entity.
func (w *Watchlist) Get(entityType models.EntityType, entityID string) (WatchlistEntry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	entry, exists := w.entries[watchKey{entityType, entityID}]
	return entry, exists
}

// Size returns the number of watchlisted entities.
func (w *Watchlist) Size() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// List returns all entries, newest first.
func (w *Watchlist) List() []WatchlistEntry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]WatchlistEntry, 0, len(w.entries))
	for _, entry := range w.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AddedAt.After(out[j].AddedAt)
	})
	return out
}
