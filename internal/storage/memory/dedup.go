package memory

import (
	"context"
	"sync"
)

// DedupIndex is an in-memory set of item ids per namespace.
type DedupIndex struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

// NewDedupIndex constructs an empty DedupIndex.
func NewDedupIndex() *DedupIndex {
	return &DedupIndex{sets: make(map[string]map[string]struct{})}
}

// Contains reports whether itemID was already added to namespace.
func (d *DedupIndex) Contains(_ context.Context, namespace, itemID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.sets[namespace][itemID]
	return ok, nil
}

// Add records itemID and reports whether it was new.
func (d *DedupIndex) Add(_ context.Context, namespace, itemID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.sets[namespace]
	if !ok {
		set = make(map[string]struct{})
		d.sets[namespace] = set
	}
	if _, seen := set[itemID]; seen {
		return false, nil
	}
	set[itemID] = struct{}{}
	return true, nil
}

// Len returns the size of namespace.
func (d *DedupIndex) Len(namespace string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sets[namespace])
}
