package memory

import (
	"context"
	"sync"
)

// GraphDirectory is an in-memory GraphDirectory implementation. With
// allowAll set it accepts every graph id, which is the development
// default when the external graph service is not wired.
type GraphDirectory struct {
	mu       sync.RWMutex
	graphs   map[string]struct{}
	allowAll bool
}

// NewGraphDirectory creates a new in-memory graph directory
func NewGraphDirectory(allowAll bool) *GraphDirectory {
	return &GraphDirectory{
		graphs:   make(map[string]struct{}),
		allowAll: allowAll,
	}
}

// Register records a graph id as existing
func (d *GraphDirectory) Register(graphID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.graphs[graphID] = struct{}{}
}

// Exists reports whether a graph id is known
func (d *GraphDirectory) Exists(ctx context.Context, graphID string) (bool, error) {
	if d.allowAll {
		return true, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.graphs[graphID]
	return ok, nil
}
