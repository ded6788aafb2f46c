package cagg

import (
	"context"
	"sync"
)

// MemoryStore is the default in-process MaterializationStore.
type MemoryStore struct {
	mu    sync.RWMutex
	views map[string]map[BucketID]*PartialState
}

// NewMemoryStore creates an empty in-memory materialization store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{views: make(map[string]map[BucketID]*PartialState)}
}

// Upsert stores the partial for one cell, replacing any prior state.
func (s *MemoryStore) Upsert(_ context.Context, view string, bucket BucketID, partial *PartialState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cells, ok := s.views[view]
	if !ok {
		cells = make(map[BucketID]*PartialState)
		s.views[view] = cells
	}
	cells[bucket] = partial.Clone()
	return nil
}

// ReadPartials returns the view's cells inside window, ordered by
// (bucket start, group key).
func (s *MemoryStore) ReadPartials(_ context.Context, view string, window Window, groupKeys []string) ([]MaterializedCell, error) {
	keySet := groupKeySet(groupKeys)

	s.mu.RLock()
	var out []MaterializedCell
	for bucket, partial := range s.views[view] {
		if !window.Contains(bucket.Start) {
			continue
		}
		if keySet != nil && !keySet[bucket.GroupKey] {
			continue
		}
		out = append(out, MaterializedCell{Bucket: bucket, Partial: partial.Clone()})
	}
	s.mu.RUnlock()

	sortCells(out)
	return out, nil
}

// DeleteView discards all cells of a view.
func (s *MemoryStore) DeleteView(_ context.Context, view string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.views, view)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// CellCount returns the number of stored cells for a view.
func (s *MemoryStore) CellCount(view string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.views[view])
}

// dumpAll returns every cell of every view, ordered by view name then
// (bucket start, group key). Snapshots use it to build a deterministic
// byte stream.
func (s *MemoryStore) dumpAll() map[string][]MaterializedCell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]MaterializedCell, len(s.views))
	for view, cells := range s.views {
		list := make([]MaterializedCell, 0, len(cells))
		for bucket, partial := range cells {
			list = append(list, MaterializedCell{Bucket: bucket, Partial: partial.Clone()})
		}
		sortCells(list)
		out[view] = list
	}
	return out
}
