package cagg

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// RefreshStats summarizes one refresh cycle.
type RefreshStats struct {
	// Window is the effective bucket-aligned window of the cycle.
	Window Window
	// Planned is the number of buckets the planner selected.
	Planned int
	// Refreshed is the number of buckets actually recomputed and upserted.
	Refreshed int
	// Cells is the number of (bucket, group key) upserts performed.
	Cells int
	// SkippedRetention counts window buckets outside the retained range.
	SkippedRetention int
}

// NothingToRefresh reports whether the cycle had no work: an empty
// window, a window fully outside retention, or no dirty buckets.
func (s RefreshStats) NothingToRefresh() bool {
	return s.Planned == 0
}

// refresher runs one view's refresh cycles: plan the dirty buckets of a
// window, recompute their partials from raw rows, and upsert them.
type refresher struct {
	def     *ViewDefinition
	source  SourceProvider
	store   MaterializationStore
	log     *invalidationLog
	workers int
}

func newRefresher(def *ViewDefinition, source SourceProvider, store MaterializationStore, log *invalidationLog, workers int) *refresher {
	if workers <= 0 {
		workers = 4
	}
	return &refresher{def: def, source: source, store: store, log: log, workers: workers}
}

// refresh recomputes the dirty buckets of window.
//
// Buckets are independent: each is recomputed and upserted by exactly one
// worker, so concurrent recomputation of distinct buckets needs no
// coordination beyond the store's per-upsert atomicity. There is no
// mid-bucket cancellation; when the context expires or a bucket fails,
// already-upserted buckets stay materialized and the rest remain dirty
// for the next cycle.
func (r *refresher) refresh(ctx context.Context, window Window) (RefreshStats, error) {
	retained := r.source.RetainedRange(r.def.SourceMetric)
	dirty := r.log.Dirty(window)
	if len(dirty) == 0 {
		// Fully clean window, nothing to plan.
		return RefreshStats{}, nil
	}

	plan := planBuckets(window, r.def.BucketWidth, retained, dirty)
	stats := RefreshStats{
		Window:           plan.Window,
		Planned:          len(plan.Starts),
		SkippedRetention: plan.SkippedRetention,
	}
	if plan.NothingToRefresh() {
		return stats, nil
	}

	var (
		wg          sync.WaitGroup
		sem         = make(chan struct{}, r.workers)
		stop        atomic.Bool
		mu          sync.Mutex
		firstErr    error
		deadlineHit bool
		done        int
		cells       int64
	)

	for _, start := range plan.Starts {
		if stop.Load() {
			break
		}
		if ctx.Err() != nil {
			// Deadline between buckets: stop issuing work, keep what landed.
			stop.Store(true)
			deadlineHit = true
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(start int64) {
			defer wg.Done()
			defer func() { <-sem }()

			n, err := r.refreshBucket(ctx, start)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stop.Store(true)
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			done++
			atomic.AddInt64(&cells, int64(n))
		}(start)
	}
	wg.Wait()

	stats.Refreshed = done
	stats.Cells = int(atomic.LoadInt64(&cells))

	if firstErr != nil {
		var re *RefreshError
		if errors.As(firstErr, &re) {
			re.Window = plan.Window
			re.Done = done
			re.Planned = stats.Planned
		}
		return stats, firstErr
	}
	if deadlineHit && done < stats.Planned {
		return stats, newRefreshError(RefreshErrorTypeDeadline, r.def.Name, plan.Window, done, stats.Planned, ErrRefreshIncomplete)
	}

	// All planned buckets landed: the aligned window is clean now.
	r.log.MarkRefreshed(plan.Window)
	return stats, nil
}

// refreshBucket recomputes one bucket span and upserts every group cell.
// It returns the number of cells written.
func (r *refresher) refreshBucket(ctx context.Context, start int64) (int, error) {
	span := Window{Low: start, High: start + r.def.BucketWidth.Nanoseconds()}
	rows, err := r.source.Scan(ctx, r.def.SourceMetric, span)
	if err != nil {
		return 0, newRefreshError(RefreshErrorTypeSource, r.def.Name, span, 0, 1, err)
	}

	partials := aggregateRows(r.def, rows)
	written := 0
	for groupKey, partial := range partials {
		bucket := BucketID{GroupKey: groupKey, Start: start}
		if err := r.store.Upsert(ctx, r.def.Name, bucket, partial); err != nil {
			return written, newRefreshError(RefreshErrorTypeStore, r.def.Name, span, 0, 1, err)
		}
		written++
	}
	return written, nil
}

// aggregateRows folds raw rows into one partial per group key.
//
// Rows are folded in a canonical order (timestamp, then value) so the
// result is identical regardless of arrival or scan order; combined with
// the commutative merge this makes recomputation deterministic.
func aggregateRows(def *ViewDefinition, rows []Row) map[string]*PartialState {
	if len(rows) == 0 {
		return nil
	}
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp < sorted[j].Timestamp
		}
		return sorted[i].Value < sorted[j].Value
	})

	partials := make(map[string]*PartialState)
	for i := range sorted {
		key := def.GroupKeyFor(&sorted[i])
		state, ok := partials[key]
		if !ok {
			state = &PartialState{}
			partials[key] = state
		}
		state.Add(sorted[i].Value, sorted[i].Timestamp)
	}
	return partials
}
