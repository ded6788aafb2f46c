package cagg

import (
	"context"
	"errors"
	"sort"
)

// MaterializationStore persists partial aggregate state keyed by
// (view, bucket, group key).
//
// Concurrency contract: the refresher guarantees at most one writer per
// bucket within a refresh cycle, and refreshes of distinct buckets are
// independent. The store itself only has to make each single upsert
// atomic; readers observe either the pre-refresh or post-refresh partial
// for a given bucket (last writer wins per bucket, no cross-bucket
// snapshot).
type MaterializationStore interface {
	// Upsert stores the partial for one cell, replacing any prior state.
	Upsert(ctx context.Context, view string, bucket BucketID, partial *PartialState) error

	// ReadPartials returns the cells of view whose bucket start falls in
	// window, optionally filtered to the given group keys, ordered by
	// (bucket start, group key).
	ReadPartials(ctx context.Context, view string, window Window, groupKeys []string) ([]MaterializedCell, error)

	// DeleteView discards all cells of a view.
	DeleteView(ctx context.Context, view string) error

	// Close releases any resources.
	Close() error
}

// MaterializedCell is one stored (bucket, group key, partial) triple.
type MaterializedCell struct {
	Bucket  BucketID
	Partial *PartialState
}

// AggValue is one finalized aggregate column of a result row. NoData is
// set instead of failing the read when finalization has nothing to work
// with (for example AVG over count zero).
type AggValue struct {
	Alias  string  `json:"alias"`
	Value  float64 `json:"value"`
	NoData bool    `json:"no_data,omitempty"`
}

// FinalizedRow is one (bucket, group key) result with all of the view's
// aggregates finalized.
type FinalizedRow struct {
	BucketStart int64      `json:"bucket_start"`
	GroupKey    string     `json:"group_key"`
	Values      []AggValue `json:"values"`
}

// ResultIterator walks finalized rows. Partial state is finalized lazily
// inside Next, not when the iterator is built.
type ResultIterator struct {
	def   *ViewDefinition
	cells []MaterializedCell
	pos   int
	row   FinalizedRow
	err   error
}

// Next advances to the next row, finalizing its partial. It returns false
// when exhausted or after a finalization error other than missing data.
func (it *ResultIterator) Next() bool {
	if it.err != nil || it.pos >= len(it.cells) {
		return false
	}
	cell := it.cells[it.pos]
	it.pos++

	row := FinalizedRow{
		BucketStart: cell.Bucket.Start,
		GroupKey:    cell.Bucket.GroupKey,
		Values:      make([]AggValue, len(it.def.Aggregates)),
	}
	for i, agg := range it.def.Aggregates {
		v, err := cell.Partial.Finalize(agg.Func)
		switch {
		case err == nil:
			row.Values[i] = AggValue{Alias: agg.Alias, Value: v}
		case errors.Is(err, ErrNoData):
			row.Values[i] = AggValue{Alias: agg.Alias, NoData: true}
		default:
			it.err = err
			return false
		}
	}
	it.row = row
	return true
}

// Row returns the current finalized row.
func (it *ResultIterator) Row() FinalizedRow {
	return it.row
}

// Err returns the first error encountered during iteration.
func (it *ResultIterator) Err() error {
	return it.err
}

// Collect drains the iterator into a slice.
func (it *ResultIterator) Collect() ([]FinalizedRow, error) {
	var out []FinalizedRow
	for it.Next() {
		out = append(out, it.Row())
	}
	return out, it.Err()
}

// newResultIterator wraps cells with the view's finalization.
func newResultIterator(def *ViewDefinition, cells []MaterializedCell) *ResultIterator {
	return &ResultIterator{def: def, cells: cells}
}

// readFinalized reads a window from the store and wraps it in a lazily
// finalizing iterator.
func readFinalized(ctx context.Context, store MaterializationStore, def *ViewDefinition, window Window, groupKeys []string) (*ResultIterator, error) {
	cells, err := store.ReadPartials(ctx, def.Name, window, groupKeys)
	if err != nil {
		return nil, &StoreError{Op: "read", View: def.Name, Cause: err}
	}
	return newResultIterator(def, cells), nil
}

// sortCells orders cells by (bucket start, group key). Both store
// implementations use it so iteration order is deterministic.
func sortCells(cells []MaterializedCell) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Bucket.Start != cells[j].Bucket.Start {
			return cells[i].Bucket.Start < cells[j].Bucket.Start
		}
		return cells[i].Bucket.GroupKey < cells[j].Bucket.GroupKey
	})
}

// groupKeySet builds a membership set, nil for "all keys".
func groupKeySet(groupKeys []string) map[string]bool {
	if len(groupKeys) == 0 {
		return nil
	}
	set := make(map[string]bool, len(groupKeys))
	for _, k := range groupKeys {
		set[k] = true
	}
	return set
}
