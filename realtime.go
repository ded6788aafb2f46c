package cagg

// Real-time reads union materialized buckets with aggregates computed on
// the fly from raw rows above the materialization watermark. The raw
// tail is never written back to the store; the next refresh cycle
// materializes it.

import (
	"context"
)

// realtimeRead serves a query for a realtime view. Buckets below the
// watermark come from the store; buckets at or above it are aggregated
// directly from the source. A bucket the watermark splits is served from
// raw rows in full, so its value reflects every row written so far.
func (e *Engine) realtimeRead(ctx context.Context, vs *viewState, window Window, groupKeys []string) (*ResultIterator, error) {
	def := vs.def
	watermark, ok := vs.log.Watermark()
	if !ok {
		// Nothing materialized yet, everything is raw.
		return e.rawIterator(ctx, def, window, window, groupKeys)
	}

	// Buckets fully below the watermark are materialized. The boundary
	// bucket, if the watermark lands inside it, belongs to the raw tail.
	boundary := BucketStart(watermark, def.BucketWidth)

	materialized := window.Intersect(Window{Low: window.Low, High: boundary})
	raw := window.Intersect(Window{Low: boundary, High: window.High})

	if raw.Empty() {
		return readFinalized(ctx, e.store, def, window, groupKeys)
	}
	if materialized.Empty() {
		return e.rawIterator(ctx, def, window, raw, groupKeys)
	}

	stored, err := e.store.ReadPartials(ctx, def.Name, materialized, groupKeys)
	if err != nil {
		return nil, &StoreError{Op: "read", View: def.Name, Cause: err}
	}
	tail, err := e.rawCells(ctx, def, raw, groupKeys)
	if err != nil {
		return nil, err
	}
	cells := append(stored, tail...)
	sortCells(cells)
	return newResultIterator(def, cells), nil
}

// rawIterator aggregates raw rows for scan and wraps them for reading.
// The bucket window bounds which buckets appear in the result.
func (e *Engine) rawIterator(ctx context.Context, def *ViewDefinition, bucketWindow, scan Window, groupKeys []string) (*ResultIterator, error) {
	cells, err := e.rawCells(ctx, def, scan, groupKeys)
	if err != nil {
		return nil, err
	}
	kept := cells[:0]
	for _, c := range cells {
		if bucketWindow.Contains(c.Bucket.Start) {
			kept = append(kept, c)
		}
	}
	sortCells(kept)
	return newResultIterator(def, kept), nil
}

// rawCells scans the source over the bucket span covered by window and
// aggregates into per-bucket cells the same way a refresh would.
func (e *Engine) rawCells(ctx context.Context, def *ViewDefinition, window Window, groupKeys []string) ([]MaterializedCell, error) {
	if window.Empty() {
		return nil, nil
	}
	// Widen to whole buckets so a bucket straddling the window edge is
	// aggregated from all of its rows.
	span := Window{
		Low:  BucketStart(window.Low, def.BucketWidth),
		High: bucketAlignUp(window.High, def.BucketWidth),
	}
	rows, err := e.source.Scan(ctx, def.SourceMetric, span)
	if err != nil {
		return nil, &RefreshError{Type: RefreshErrorTypeSource, View: def.Name, Window: span, Cause: err}
	}

	keep := groupKeySet(groupKeys)
	byBucket := make(map[BucketID]*PartialState)
	// Bucket first, then reuse the refresh-path fold per bucket so raw
	// and materialized values agree bit for bit.
	rowsByStart := make(map[int64][]Row)
	for _, r := range rows {
		rowsByStart[BucketStart(r.Timestamp, def.BucketWidth)] = append(rowsByStart[BucketStart(r.Timestamp, def.BucketWidth)], r)
	}
	for start, bucketRows := range rowsByStart {
		if !window.Overlaps(Window{Low: start, High: start + def.BucketWidth.Nanoseconds()}) {
			continue
		}
		for key, partial := range aggregateRows(def, bucketRows) {
			if keep != nil && !keep[key] {
				continue
			}
			byBucket[BucketID{GroupKey: key, Start: start}] = partial
		}
	}

	cells := make([]MaterializedCell, 0, len(byBucket))
	for id, partial := range byBucket {
		cells = append(cells, MaterializedCell{Bucket: id, Partial: partial})
	}
	sortCells(cells)
	return cells, nil
}
