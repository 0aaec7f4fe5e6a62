package feed

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Deduplicator remembers recently seen event ids. Feeds deliver at least
// once, so the same event may arrive again after a reconnect.
type Deduplicator struct {
	cache *lru.Cache[string, bool]
}

// NewDeduplicator creates a new Deduplicator with the given cache size
func NewDeduplicator(size int) (*Deduplicator, error) {
	cache, err := lru.New[string, bool](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Deduplicator{cache: cache}, nil
}

// IsDuplicate checks if an event has been seen before
// Returns true if it's a duplicate, false if it's new
func (d *Deduplicator) IsDuplicate(e Event) bool {
	if e.ID == "" {
		// Can't identify the event, treat as not duplicate
		return false
	}

	if d.cache.Contains(e.ID) {
		return true
	}

	d.cache.Add(e.ID, true)
	return false
}

// Len returns the current cache size
func (d *Deduplicator) Len() int {
	return d.cache.Len()
}
